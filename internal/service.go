package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// Workspace is a resolved scope with its config and persistence backends.
type Workspace struct {
	Scope  Scope
	Config *Config
	Stores *Stores
}

func OpenWorkspace(resolver *ScopeResolver, scopeHint string) (*Workspace, error) {
	scope := resolver.Resolve(scopeHint)
	cfg, err := LoadConfig(scope)
	if err != nil {
		return nil, err
	}
	stores, err := OpenStores(scope, cfg.Store.Backend)
	if err != nil {
		return nil, err
	}
	return &Workspace{Scope: scope, Config: cfg, Stores: stores}, nil
}

func (w *Workspace) Close() error {
	return w.Stores.Close()
}

// NewOracleFromConfig builds the oracle for the active provider. Without a
// provider or credentials the oracle is disabled. The string result names
// the model for result rows.
func NewOracleFromConfig(ctx context.Context, cfg *Config, logger *zap.Logger, metrics *Metrics) (*Oracle, string, error) {
	ablation, err := ParsePromptAblation(cfg.Characterize.PromptAblation)
	if err != nil {
		return nil, "", err
	}
	opts := OracleOptionsFromConfig(cfg.Oracle, ablation)
	options := []OracleOption{WithOracleLogger(logger), WithOracleMetrics(metrics)}

	if opts.TokenBudget > 0 {
		tok, err := NewTiktokenTokenizer(cfg.Oracle.Encoding)
		if err != nil {
			return nil, "", err
		}
		options = append(options, WithTruncator(tok))
	}

	name, providerCfg, ok := cfg.ActiveProvider()
	if !ok {
		if name != "" {
			return nil, "", fmt.Errorf("%w: provider %q not found", ErrConfiguration, name)
		}
		orNop(logger).Warn("no oracle provider configured, feedback falls back to defaults")
		return NewOracle(nil, opts, options...), "none", nil
	}

	transport, kind, err := NewTransport(ctx, name, providerCfg)
	if err != nil {
		return nil, "", err
	}
	if transport == nil {
		orNop(logger).Warn("oracle provider has no credentials, feedback falls back to defaults",
			zap.String("provider", name),
		)
	}
	return NewOracle(transport, opts, options...), fmt.Sprintf("%s/%s", kind, providerCfg.Model), nil
}

type RunInput struct {
	DataPath string
	Scope    string
	Scores   Scores
	NoOracle bool
}

type RunOutput struct {
	Summary RunSummary
	Row     ResultRow
	States  map[SamplerState]int
}

type MineOutput struct {
	Round       int
	Table       NeighborTable
	Queries     []int
	Descriptors []ClusterDescriptor
	Feedback    map[int]FeedbackEntry
	Summary     RunSummary
}

// RunService replays the feedback loop over a dataset of precomputed
// features in a workspace.
type RunService struct {
	resolver *ScopeResolver
	logger   *zap.Logger
	metrics  *Metrics
}

func NewRunService(resolver *ScopeResolver, logger *zap.Logger, metrics *Metrics) *RunService {
	return &RunService{resolver: resolver, logger: orNop(logger), metrics: metrics}
}

func (s *RunService) manager(ctx context.Context, ws *Workspace, input RunInput, persist bool) (*RoundManager, error) {
	tok, err := NewTiktokenTokenizer(ws.Config.Oracle.Encoding)
	if err != nil {
		return nil, err
	}
	data, err := LoadJSONLDataset(input.DataPath, tok.Encode)
	if err != nil {
		return nil, err
	}

	var oracle *Oracle
	llm := "none"
	if input.NoOracle {
		oracle = NewOracle(nil, OracleOptionsFromConfig(ws.Config.Oracle, PromptFull))
	} else if oracle, llm, err = NewOracleFromConfig(ctx, ws.Config, s.logger, s.metrics); err != nil {
		return nil, err
	}

	options := []RoundOption{
		WithTokenizer(tok),
		WithRoundLogger(s.logger),
		WithRoundMetrics(s.metrics),
		WithLLM(llm),
		WithDevice(DetectDevice()),
	}
	if persist {
		options = append(options, WithResultsRecorder(ws.Stores.Results))
		if ws.Stores.Snapshots != nil {
			options = append(options, WithSnapshotStore(ws.Stores.Snapshots))
		}
	}
	return NewRoundManager(ws.Config, data.Examples, data, oracle, options...)
}

func (s *RunService) Run(ctx context.Context, input RunInput) (*RunOutput, error) {
	ws, err := OpenWorkspace(s.resolver, input.Scope)
	if err != nil {
		return nil, err
	}
	defer ws.Close()

	m, err := s.manager(ctx, ws, input, true)
	if err != nil {
		return nil, err
	}

	trainer := NewReplayTrainer(m.Views(), DefaultBatchSize, input.Scores, s.logger)
	summary, err := m.Run(ctx, trainer)
	if err != nil {
		return nil, err
	}

	return &RunOutput{
		Summary: summary,
		Row:     m.ResultRow("final", m.Schedule().Epochs-1, input.Scores),
		States:  trainer.States,
	}, nil
}

// Mine runs a single round without persisting anything.
func (s *RunService) Mine(ctx context.Context, input RunInput) (*MineOutput, error) {
	ws, err := OpenWorkspace(s.resolver, input.Scope)
	if err != nil {
		return nil, err
	}
	defer ws.Close()

	m, err := s.manager(ctx, ws, input, false)
	if err != nil {
		return nil, err
	}

	state, err := m.StartRound(ctx)
	if err != nil {
		return nil, err
	}

	return &MineOutput{
		Round:       state.Round,
		Table:       state.Table,
		Queries:     state.Queries.Sorted(),
		Descriptors: state.Descriptors,
		Feedback:    m.Cache().Snapshot().Entries,
		Summary:     m.Summary(),
	}, nil
}

type CacheStats struct {
	Experiment       string
	Round            int
	Entries          int
	ClusterFeedback  int
	DistinctNeighbor int
}

const (
	FormatJSON    = "json"
	FormatMsgpack = "msgpack"
)

// CacheService inspects and moves feedback snapshots between workspaces.
type CacheService struct {
	resolver *ScopeResolver
}

func NewCacheService(resolver *ScopeResolver) *CacheService {
	return &CacheService{resolver: resolver}
}

func (s *CacheService) load(ctx context.Context, ws *Workspace, ref string) (*CacheSnapshot, error) {
	if ref != "" {
		if ws.Stores.Git == nil {
			return nil, fmt.Errorf("%w: --ref needs the git store", ErrConfiguration)
		}
		return ws.Stores.Git.LoadSnapshotAt(ctx, ws.Config.Experiment, ref)
	}
	if ws.Stores.Snapshots == nil {
		return nil, ErrNoSnapshot
	}
	return ws.Stores.Snapshots.LoadSnapshot(ctx, ws.Config.Experiment)
}

func (s *CacheService) Stats(ctx context.Context, scopeHint, ref string) (*CacheStats, error) {
	ws, err := OpenWorkspace(s.resolver, scopeHint)
	if err != nil {
		return nil, err
	}
	defer ws.Close()

	snap, err := s.load(ctx, ws, ref)
	if err != nil {
		return nil, err
	}

	neighbors := make(map[int]struct{})
	for _, n := range snap.Neighbors() {
		neighbors[n] = struct{}{}
	}
	return &CacheStats{
		Experiment:       snap.Experiment,
		Round:            snap.Round,
		Entries:          snap.Len(),
		ClusterFeedback:  len(snap.PositiveClusters()),
		DistinctNeighbor: len(neighbors),
	}, nil
}

type exportEntry struct {
	Index            int   `json:"index"`
	Neighbor         int   `json:"neighbor"`
	PositiveCluster  *int  `json:"positive_cluster,omitempty"`
	NegativeClusters []int `json:"negative_clusters,omitempty"`
}

type exportDocument struct {
	Experiment string        `json:"experiment"`
	Round      int           `json:"round"`
	Entries    []exportEntry `json:"entries"`
}

func (s *CacheService) Export(ctx context.Context, scopeHint, ref, format string, w io.Writer) error {
	ws, err := OpenWorkspace(s.resolver, scopeHint)
	if err != nil {
		return err
	}
	defer ws.Close()

	snap, err := s.load(ctx, ws, ref)
	if err != nil {
		return err
	}

	switch format {
	case FormatMsgpack:
		data, err := EncodeSnapshot(snap)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err

	case FormatJSON, "":
		doc := exportDocument{Experiment: snap.Experiment, Round: snap.Round}
		for _, i := range snap.Indices() {
			e := snap.Entries[i]
			doc.Entries = append(doc.Entries, exportEntry{
				Index:            i,
				Neighbor:         e.Neighbor,
				PositiveCluster:  e.PositiveCluster,
				NegativeClusters: e.NegativeClusters,
			})
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)

	default:
		return fmt.Errorf("%w: unknown export format %q", ErrConfiguration, format)
	}
}

// Import merges a msgpack snapshot into the workspace's latest snapshot.
// Existing entries win. It returns the number of entries added.
func (s *CacheService) Import(ctx context.Context, scopeHint string, r io.Reader) (int, error) {
	ws, err := OpenWorkspace(s.resolver, scopeHint)
	if err != nil {
		return 0, err
	}
	defer ws.Close()

	if ws.Stores.Snapshots == nil {
		return 0, fmt.Errorf("%w: store backend %q keeps no snapshots", ErrConfiguration, ws.Config.Store.Backend)
	}

	var incoming CacheSnapshot
	if err := msgpack.NewDecoder(r).Decode(&incoming); err != nil {
		return 0, fmt.Errorf("decode snapshot: %w", err)
	}

	cache := NewFeedbackCache()
	round := incoming.Round
	current, err := ws.Stores.Snapshots.LoadSnapshot(ctx, ws.Config.Experiment)
	switch {
	case err == nil:
		cache.Load(current)
		round = max(round, current.Round)
	case !errors.Is(err, ErrNoSnapshot):
		return 0, err
	}

	added := cache.Load(&incoming)
	merged := cache.Snapshot()
	merged.Experiment = ws.Config.Experiment
	merged.Round = round
	if err := ws.Stores.Snapshots.SaveSnapshot(ctx, merged); err != nil {
		return 0, err
	}
	return added, nil
}

// OracleService issues single oracle questions from the command line.
type OracleService struct {
	resolver *ScopeResolver
	logger   *zap.Logger
}

func NewOracleService(resolver *ScopeResolver, logger *zap.Logger) *OracleService {
	return &OracleService{resolver: resolver, logger: orNop(logger)}
}

func (s *OracleService) oracle(ctx context.Context, scopeHint string) (*Oracle, error) {
	cfg, err := LoadConfig(s.resolver.Resolve(scopeHint))
	if err != nil {
		return nil, err
	}
	oracle, _, err := NewOracleFromConfig(ctx, cfg, s.logger, nil)
	return oracle, err
}

func (s *OracleService) Choose(ctx context.Context, scopeHint, anchor string, candidates []string) (ChoiceResult, error) {
	if len(candidates) == 0 {
		return ChoiceResult{}, fmt.Errorf("%w: no candidates", ErrConfiguration)
	}
	oracle, err := s.oracle(ctx, scopeHint)
	if err != nil {
		return ChoiceResult{}, err
	}
	return oracle.ChooseNeighbor(ctx, anchor, candidates), nil
}

func (s *OracleService) Characterize(ctx context.Context, scopeHint string, texts []string) (Characterization, error) {
	oracle, err := s.oracle(ctx, scopeHint)
	if err != nil {
		return Characterization{}, err
	}
	return oracle.Characterize(ctx, texts), nil
}

// ResultsService reads result tables and run history.
type ResultsService struct {
	resolver *ScopeResolver
}

func NewResultsService(resolver *ScopeResolver) *ResultsService {
	return &ResultsService{resolver: resolver}
}

func (s *ResultsService) List(ctx context.Context, scopeHint, experiment string) ([]ResultRow, error) {
	ws, err := OpenWorkspace(s.resolver, scopeHint)
	if err != nil {
		return nil, err
	}
	defer ws.Close()

	if experiment == "" {
		experiment = ws.Config.Experiment
	}
	return ws.Stores.Results.Results(ctx, experiment)
}

func (s *ResultsService) History(ctx context.Context, scopeHint string, limit int) ([]*Commit, error) {
	ws, err := OpenWorkspace(s.resolver, scopeHint)
	if err != nil {
		return nil, err
	}
	defer ws.Close()

	if ws.Stores.Git == nil {
		return nil, fmt.Errorf("%w: history needs the git store, have %q", ErrConfiguration, ws.Config.Store.Backend)
	}
	return ws.Stores.Git.Log(ctx, limit)
}

// ProviderService manages LLM provider configuration
type ProviderService struct {
	resolver *ScopeResolver
}

func NewProviderService(resolver *ScopeResolver) *ProviderService {
	return &ProviderService{resolver: resolver}
}

func (s *ProviderService) List(scopeHint string) ([]string, error) {
	scope := s.resolver.Resolve(scopeHint)
	cfg, err := LoadConfig(scope)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *ProviderService) Add(name string, providerCfg ProviderConfig, scopeHint string) error {
	if _, err := ResolveProviderKind(name, providerCfg); err != nil {
		return err
	}

	scope := s.resolver.Resolve(scopeHint)
	cfg, err := LoadConfig(scope)
	if err != nil {
		return err
	}

	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConfig)
	}
	cfg.Providers[name] = providerCfg
	return SaveConfig(scope, cfg)
}

func (s *ProviderService) Remove(name, scopeHint string) error {
	scope := s.resolver.Resolve(scopeHint)
	cfg, err := LoadConfig(scope)
	if err != nil {
		return err
	}

	delete(cfg.Providers, name)
	if cfg.DefaultProvider == name {
		cfg.DefaultProvider = ""
	}
	return SaveConfig(scope, cfg)
}

func (s *ProviderService) SetDefault(name, scopeHint string) error {
	scope := s.resolver.Resolve(scopeHint)
	cfg, err := LoadConfig(scope)
	if err != nil {
		return err
	}

	if _, exists := cfg.Providers[name]; !exists {
		return fmt.Errorf("provider %q not found", name)
	}

	cfg.DefaultProvider = name
	return SaveConfig(scope, cfg)
}

func (s *ProviderService) Test(ctx context.Context, name, scopeHint string) error {
	scope := s.resolver.Resolve(scopeHint)
	cfg, err := LoadConfig(scope)
	if err != nil {
		return err
	}

	providerCfg, exists := cfg.Providers[name]
	if !exists {
		return fmt.Errorf("provider %q not found", name)
	}

	transport, _, err := NewTransport(ctx, name, providerCfg)
	if err != nil {
		return fmt.Errorf("create provider: %w", err)
	}
	if transport == nil {
		return fmt.Errorf("%w: provider %q has no api key", ErrConfiguration, name)
	}

	_, err = transport.Complete(ctx, Request{
		System:    DefaultSystemPrompt,
		Prompt:    "Say hello",
		MaxTokens: 16,
		TopP:      1,
	})
	return err
}
