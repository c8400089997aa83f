package internal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RoundState is everything produced while starting a round.
type RoundState struct {
	Round         int
	Embeddings    Embeddings
	Assignment    ClusterAssignment
	Descriptors   []ClusterDescriptor
	Table         NeighborTable
	Queries       QuerySet
	Probabilities ClusterProbabilities
	Sampler       *NeighborSampler
}

// RunSummary is the feedback accounting of a run so far.
type RunSummary struct {
	Rounds            int
	NumCachedFeedback int
	CacheHits         int64
	CacheMisses       int64
	OracleCalls       int64
	OracleRetries     int64
}

// Scores are the evaluation metrics reported by the trainer.
type Scores struct {
	ACC float64
	ARI float64
	NMI float64
}

// Trainer is the external model owner driven by Run.
type Trainer interface {
	TrainEpoch(ctx context.Context, epoch int, state *RoundState, weights LossWeights) error
	Evaluate(ctx context.Context, epoch int) (Scores, error)
}

// RoundManager runs the round protocol: embed, cluster, characterize, mine,
// rebuild the sampler around the feedback cache, prefetch the query set and
// persist a snapshot when the round ends.
type RoundManager struct {
	cfg      *Config
	dataset  Dataset
	method   RunningMethod
	ablation Ablation
	schedule Schedule
	weights  LossWeights

	embedder      *EmbeddingStore
	clusterer     Clusterer
	miner         *Miner
	characterizer *Characterizer
	views         *ViewGenerator
	oracle        *Oracle
	tokenizer     Tokenizer
	cache         *FeedbackCache
	snapshots     SnapshotStore
	results       ResultsRecorder
	device        Device
	llm           string
	logger        *zap.Logger
	metrics       *Metrics

	round   int
	current *RoundState
	warmed  bool
}

type RoundOption func(*RoundManager)

func WithClusterer(c Clusterer) RoundOption {
	return func(m *RoundManager) {
		m.clusterer = c
	}
}

func WithTokenizer(t Tokenizer) RoundOption {
	return func(m *RoundManager) {
		m.tokenizer = t
	}
}

func WithSnapshotStore(s SnapshotStore) RoundOption {
	return func(m *RoundManager) {
		m.snapshots = s
	}
}

func WithResultsRecorder(r ResultsRecorder) RoundOption {
	return func(m *RoundManager) {
		m.results = r
	}
}

func WithFeedbackCache(c *FeedbackCache) RoundOption {
	return func(m *RoundManager) {
		m.cache = c
	}
}

func WithRoundLogger(logger *zap.Logger) RoundOption {
	return func(m *RoundManager) {
		m.logger = orNop(logger)
	}
}

func WithRoundMetrics(metrics *Metrics) RoundOption {
	return func(m *RoundManager) {
		m.metrics = metrics
	}
}

// WithLLM names the oracle model in result rows.
func WithLLM(name string) RoundOption {
	return func(m *RoundManager) {
		m.llm = name
	}
}

func WithDevice(d Device) RoundOption {
	return func(m *RoundManager) {
		m.device = d
	}
}

func NewRoundManager(cfg *Config, ds Dataset, encoder Encoder, oracle *Oracle, options ...RoundOption) (*RoundManager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: missing config", ErrConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ds == nil || ds.Len() == 0 {
		return nil, fmt.Errorf("%w: empty dataset", ErrDataInconsistency)
	}
	if encoder == nil {
		return nil, fmt.Errorf("%w: missing encoder", ErrConfiguration)
	}

	method, _ := ParseRunningMethod(cfg.Sampler.RunningMethod)
	ablation, _ := ParseAblation(cfg.Sampler.Ablation)

	m := &RoundManager{
		cfg:      cfg,
		dataset:  ds,
		method:   method,
		ablation: ablation,
		schedule: ScheduleFromConfig(cfg.Schedule),
		weights:  LossWeightsFromConfig(cfg.Loss).Apply(ablation),
		embedder: NewEmbeddingStore(encoder, DefaultBatchSize),
		oracle:   oracle,
		device:   DeviceCPU,
		logger:   zap.NewNop(),
	}
	for _, opt := range options {
		opt(m)
	}

	if m.oracle == nil {
		m.oracle = NewOracle(nil, OracleOptionsFromConfig(cfg.Oracle, PromptFull))
	}
	if m.clusterer == nil {
		m.clusterer = KMeans{Seed: cfg.Seed}
	}
	if m.tokenizer == nil {
		m.tokenizer = idTokenizer{}
	}
	if m.cache == nil {
		m.cache = NewFeedbackCache()
	} else if err := m.cache.Snapshot().Validate(ds.Len(), cfg.NumLabels); err != nil {
		return nil, fmt.Errorf("feedback cache: %w", err)
	}

	miner, err := NewMiner(cfg.Mining, cfg.Seed, m.logger)
	if err != nil {
		return nil, err
	}
	m.miner = miner

	namer := m.oracle
	if method == MethodNoLLMNeighborRefinement {
		namer = m.oracle.Disabled()
	}
	m.characterizer, err = NewCharacterizer(namer, m.tokenizer, m.clusterer, cfg.Characterize, cfg.Seed, m.logger)
	if err != nil {
		return nil, err
	}

	m.views, err = NewViewGenerator(cfg.Sampler, cfg.Seed)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *RoundManager) Schedule() Schedule {
	return m.schedule
}

// Weights are the loss coefficients after the component ablation.
func (m *RoundManager) Weights() LossWeights {
	return m.weights
}

func (m *RoundManager) Views() *ViewGenerator {
	return m.views
}

func (m *RoundManager) Cache() *FeedbackCache {
	return m.cache
}

func (m *RoundManager) Oracle() *Oracle {
	return m.oracle
}

// Current is the round in progress, nil before the first StartRound.
func (m *RoundManager) Current() *RoundState {
	return m.current
}

// StartRound recomputes features and clusters, mines neighbors and builds
// the sampler for the next round. Every query set member has an answer in
// the cache or the round memo when StartRound returns.
func (m *RoundManager) StartRound(ctx context.Context) (*RoundState, error) {
	round := m.round
	log := m.logger.With(zap.Int("round", round), zap.String("experiment", m.cfg.Experiment))
	started := time.Now()

	if !m.cfg.Sampler.FeedbackCache {
		m.cache.Reset()
	}
	if round == 0 && m.cfg.Sampler.WarmStart && !m.warmed {
		if err := m.warm(ctx, log); err != nil {
			return nil, err
		}
	}

	emb, err := m.embedder.Embed(ctx, m.dataset)
	if err != nil {
		return nil, fmt.Errorf("embed round %d: %w", round, err)
	}

	assignment, err := m.clusterer.Fit(ctx, emb.Features, m.cfg.NumLabels)
	if err != nil {
		return nil, fmt.Errorf("cluster round %d: %w", round, err)
	}
	if err := assignment.Validate(emb.Len()); err != nil {
		return nil, err
	}

	var descriptors []ClusterDescriptor
	if m.weights.ClusterAlignment() && !m.method.Baseline() {
		descriptors, err = m.characterizer.Characterize(ctx, m.dataset, emb.Features, assignment)
		if err != nil {
			return nil, fmt.Errorf("characterize round %d: %w", round, err)
		}
	}

	table, queries, probs, err := m.miner.ForRound(round).Mine(ctx, emb.Features, assignment, m.cfg.Mining.TopK)
	if err != nil {
		return nil, fmt.Errorf("mine round %d: %w", round, err)
	}

	sampler, err := NewNeighborSampler(RoundInputs{
		Dataset:       m.dataset,
		Table:         table,
		Queries:       queries,
		Predictions:   assignment.Labels,
		Probabilities: probs,
		Descriptors:   descriptors,
	}, m.cache, m.oracle, m.tokenizer, SamplerOptions{
		Method:           m.method,
		Ablation:         m.ablation,
		Options:          m.cfg.Mining.Options,
		ClusterRatio:     m.cfg.Sampler.ClusterRatio,
		ClusterAlignment: m.weights.ClusterAlignment() && descriptors != nil,
		Seed:             m.cfg.Seed,
		Round:            round,
	}, WithSamplerLogger(log), WithSamplerMetrics(m.metrics))
	if err != nil {
		return nil, err
	}

	if err := sampler.Prepare(ctx, m.cfg.Sampler.PrefetchConcurrency); err != nil {
		return nil, err
	}

	m.current = &RoundState{
		Round:         round,
		Embeddings:    emb,
		Assignment:    assignment,
		Descriptors:   descriptors,
		Table:         table,
		Queries:       queries,
		Probabilities: probs,
		Sampler:       sampler,
	}

	log.Info("round started",
		zap.Int("examples", emb.Len()),
		zap.Int("clusters", assignment.NumClusters()),
		zap.Int("queries", len(queries)),
		zap.Int("cached", m.cache.Len()),
		zap.Duration("took", time.Since(started)),
	)
	return m.current, nil
}

func (m *RoundManager) warm(ctx context.Context, log *zap.Logger) error {
	m.warmed = true
	if m.snapshots == nil {
		log.Warn("warm start requested without a snapshot store")
		return nil
	}
	snap, err := m.snapshots.LoadSnapshot(ctx, m.cfg.Experiment)
	if errors.Is(err, ErrNoSnapshot) {
		log.Info("no snapshot to warm start from")
		return nil
	}
	if err != nil {
		return fmt.Errorf("warm start: %w", err)
	}
	if err := snap.Validate(m.dataset.Len(), m.cfg.NumLabels); err != nil {
		return fmt.Errorf("warm start from round %d: %w", snap.Round, err)
	}
	loaded := m.cache.Load(snap)
	m.metrics.cacheSize(m.cache.Len())
	log.Info("warm started feedback cache",
		zap.Int("snapshot_round", snap.Round),
		zap.Int("loaded", loaded),
	)
	return nil
}

// FinishRound persists the feedback cache and advances the round counter.
func (m *RoundManager) FinishRound(ctx context.Context) error {
	if m.current == nil {
		return fmt.Errorf("%w: no round in progress", ErrConfiguration)
	}

	if m.snapshots != nil {
		snap := m.cache.Snapshot()
		snap.Experiment = m.cfg.Experiment
		snap.Round = m.current.Round
		snap.CreatedAt = time.Now().UTC()
		if err := m.snapshots.SaveSnapshot(ctx, snap); err != nil {
			return fmt.Errorf("save round %d snapshot: %w", m.current.Round, err)
		}
	}

	m.metrics.roundFinished()
	m.logger.Info("round finished",
		zap.Int("round", m.current.Round),
		zap.Int("cached", m.cache.Len()),
		zap.Int("resolved", m.current.Sampler.Resolved()),
		zap.Int64("oracle_calls", m.oracle.Calls()),
	)

	m.round++
	m.current = nil
	return nil
}

func (m *RoundManager) Summary() RunSummary {
	return RunSummary{
		Rounds:            m.round,
		NumCachedFeedback: m.cache.Len(),
		CacheHits:         m.cache.Hits(),
		CacheMisses:       m.cache.Misses(),
		OracleCalls:       m.oracle.Calls(),
		OracleRetries:     m.oracle.Retries(),
	}
}

// ResultRow describes the run with the caller's scores.
func (m *RoundManager) ResultRow(source string, epoch int, scores Scores) ResultRow {
	summary := m.Summary()
	return ResultRow{
		Timestamp:         time.Now().UTC().Format(time.RFC3339),
		Experiment:        m.cfg.Experiment,
		ResultSource:      source,
		EvaluationEpoch:   epoch,
		Dataset:           m.cfg.Dataset,
		RunningMethod:     string(m.method),
		Ablation:          string(m.ablation),
		PromptAblation:    m.cfg.Characterize.PromptAblation,
		LLM:               m.llm,
		Seed:              m.cfg.Seed,
		TopK:              m.cfg.Mining.TopK,
		Options:           m.cfg.Mining.Options,
		QuerySamples:      m.cfg.Mining.QuerySamples,
		SamplingStrategy:  m.cfg.Mining.Strategy,
		AllocationDegree:  m.cfg.Mining.AllocationDegree,
		ClusterRatio:      m.cfg.Sampler.ClusterRatio,
		FeedbackCache:     m.cfg.Sampler.FeedbackCache,
		Rounds:            summary.Rounds,
		NumCachedFeedback: summary.NumCachedFeedback,
		CacheHits:         summary.CacheHits,
		OracleCalls:       summary.OracleCalls,
		Device:            string(m.device),
		ACC:               scores.ACC,
		ARI:               scores.ARI,
		NMI:               scores.NMI,
	}
}

func (m *RoundManager) RecordResult(ctx context.Context, source string, epoch int, scores Scores) (ResultRow, error) {
	row := m.ResultRow(source, epoch, scores)
	if m.results == nil {
		return row, nil
	}
	if err := m.results.AppendResult(ctx, row); err != nil {
		return row, fmt.Errorf("record result: %w", err)
	}
	return row, nil
}

// Run drives trainer through every epoch of the schedule, refreshing
// neighbors between rounds, and records the final evaluation.
func (m *RoundManager) Run(ctx context.Context, trainer Trainer) (RunSummary, error) {
	if m.schedule.Epochs <= 0 {
		return RunSummary{}, fmt.Errorf("%w: schedule has no epochs", ErrConfiguration)
	}

	state, err := m.StartRound(ctx)
	if err != nil {
		return RunSummary{}, err
	}

	for epoch := 0; epoch < m.schedule.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return m.Summary(), err
		}
		if err := trainer.TrainEpoch(ctx, epoch, state, m.weights); err != nil {
			return m.Summary(), fmt.Errorf("train epoch %d: %w", epoch, err)
		}
		if m.schedule.RefreshAfter(epoch) {
			if err := m.FinishRound(ctx); err != nil {
				return m.Summary(), err
			}
			if state, err = m.StartRound(ctx); err != nil {
				return m.Summary(), err
			}
		}
	}

	if err := m.FinishRound(ctx); err != nil {
		return m.Summary(), err
	}

	last := m.schedule.Epochs - 1
	scores, err := trainer.Evaluate(ctx, last)
	if err != nil {
		return m.Summary(), fmt.Errorf("evaluate: %w", err)
	}
	if _, err := m.RecordResult(ctx, "final", last, scores); err != nil {
		return m.Summary(), err
	}
	return m.Summary(), nil
}
