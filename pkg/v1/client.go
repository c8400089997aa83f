package v1

import (
	"context"
	"fmt"

	"github.com/4thel00z/gcdloop/internal"
	"go.uber.org/zap"
)

// Client drives the feedback loop for a trainer that owns the model.
type Client struct {
	m  *internal.RoundManager
	ws *internal.Workspace
}

// New creates a Client over ds and encoder. Without WithConfig it loads the
// workspace config and persists snapshots and results there.
func New(ctx context.Context, ds Dataset, encoder Encoder, opts ...Option) (*Client, error) {
	cfg := &clientConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	logger := cfg.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var metrics *internal.Metrics
	if cfg.registerer != nil {
		metrics = internal.NewMetrics(cfg.registerer)
	}

	conf := cfg.config
	var ws *internal.Workspace
	if conf == nil {
		var err error
		ws, err = internal.OpenWorkspace(internal.NewScopeResolver(), cfg.scope)
		if err != nil {
			return nil, fmt.Errorf("open workspace: %w", err)
		}
		conf = ws.Config
	}

	oracle, llm, err := newOracle(ctx, conf, cfg, logger, metrics)
	if err != nil {
		closeWorkspace(ws)
		return nil, err
	}

	options := []internal.RoundOption{
		internal.WithRoundLogger(logger),
		internal.WithRoundMetrics(metrics),
		internal.WithLLM(llm),
		internal.WithDevice(internal.DetectDevice()),
	}
	if cfg.tokenizer != nil {
		options = append(options, internal.WithTokenizer(cfg.tokenizer))
	}
	if cfg.clusterer != nil {
		options = append(options, internal.WithClusterer(cfg.clusterer))
	}
	if ws != nil {
		options = append(options, internal.WithResultsRecorder(ws.Stores.Results))
		if ws.Stores.Snapshots != nil {
			options = append(options, internal.WithSnapshotStore(ws.Stores.Snapshots))
		}
	}

	m, err := internal.NewRoundManager(conf, ds, encoder, oracle, options...)
	if err != nil {
		closeWorkspace(ws)
		return nil, err
	}

	return &Client{m: m, ws: ws}, nil
}

func newOracle(ctx context.Context, conf *Config, cfg *clientConfig, logger *zap.Logger, metrics *internal.Metrics) (*internal.Oracle, string, error) {
	if cfg.transport == nil && !cfg.noOracle {
		return internal.NewOracleFromConfig(ctx, conf, logger, metrics)
	}

	ablation, err := internal.ParsePromptAblation(conf.Characterize.PromptAblation)
	if err != nil {
		return nil, "", err
	}
	opts := internal.OracleOptionsFromConfig(conf.Oracle, ablation)
	if cfg.noOracle {
		return internal.NewOracle(nil, opts, internal.WithOracleLogger(logger)), "none", nil
	}
	return internal.NewOracle(cfg.transport, opts,
		internal.WithOracleLogger(logger),
		internal.WithOracleMetrics(metrics),
	), cfg.llm, nil
}

func closeWorkspace(ws *internal.Workspace) {
	if ws != nil {
		_ = ws.Close()
	}
}

// StartRound embeds, clusters and mines the dataset and resolves the
// round's query set against the oracle.
func (c *Client) StartRound(ctx context.Context) (*RoundState, error) {
	return c.m.StartRound(ctx)
}

// FinishRound persists the feedback cache and advances the round.
func (c *Client) FinishRound(ctx context.Context) error {
	return c.m.FinishRound(ctx)
}

// Sample returns the training record for index at epoch with augmented
// anchor and neighbor views.
func (c *Client) Sample(ctx context.Context, index, epoch int) (Record, error) {
	state := c.m.Current()
	if state == nil {
		return Record{}, fmt.Errorf("%w: no round in progress", ErrConfiguration)
	}

	rec, err := state.Sampler.Get(ctx, index, epoch)
	if err != nil {
		return Record{}, err
	}
	rec.Anchor, rec.Neighbor = c.m.Views().Views(rec, epoch)
	return rec, nil
}

// Batch samples every index and returns the records with their
// positive-pair mask.
func (c *Client) Batch(ctx context.Context, indices []int, epoch int) ([]Record, [][]bool, error) {
	records := make([]Record, 0, len(indices))
	for _, i := range indices {
		rec, err := c.Sample(ctx, i, epoch)
		if err != nil {
			return nil, nil, fmt.Errorf("sample %d: %w", i, err)
		}
		records = append(records, rec)
	}
	return records, internal.BatchAdjacency(records), nil
}

// Run drives trainer through the whole schedule and records the final
// evaluation.
func (c *Client) Run(ctx context.Context, trainer Trainer) (RunSummary, error) {
	return c.m.Run(ctx, trainer)
}

func (c *Client) RecordResult(ctx context.Context, source string, epoch int, scores Scores) (ResultRow, error) {
	return c.m.RecordResult(ctx, source, epoch, scores)
}

func (c *Client) Schedule() Schedule {
	return c.m.Schedule()
}

// Weights are the loss coefficients after the configured ablation.
func (c *Client) Weights() LossWeights {
	return c.m.Weights()
}

func (c *Client) Summary() RunSummary {
	return c.m.Summary()
}

// Feedback returns a copy of the cached oracle answers by example index.
func (c *Client) Feedback() map[int]FeedbackEntry {
	return c.m.Cache().Snapshot().Entries
}

// Close releases the workspace stores.
func (c *Client) Close() error {
	if c.ws == nil {
		return nil
	}
	return c.ws.Close()
}
