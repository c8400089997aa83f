package internal

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// ReplayTrainer walks the sampler the way a trainer would without updating
// a model. Features stay fixed between rounds, so a replay exercises the
// feedback loop and the cache over precomputed embeddings.
type ReplayTrainer struct {
	views     *ViewGenerator
	batchSize int
	scores    Scores
	logger    *zap.Logger

	States    map[SamplerState]int
	Positives int
	Batches   int
}

func NewReplayTrainer(views *ViewGenerator, batchSize int, scores Scores, logger *zap.Logger) *ReplayTrainer {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &ReplayTrainer{
		views:     views,
		batchSize: batchSize,
		scores:    scores,
		logger:    orNop(logger),
		States:    make(map[SamplerState]int),
	}
}

func (t *ReplayTrainer) TrainEpoch(ctx context.Context, epoch int, state *RoundState, weights LossWeights) error {
	n := state.Sampler.Len()
	batch := make([]Record, 0, t.batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		for _, row := range BatchAdjacency(batch) {
			for _, pos := range row {
				if pos {
					t.Positives++
				}
			}
		}
		t.Batches++
		batch = batch[:0]
	}

	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := state.Sampler.Get(ctx, i, epoch)
		if err != nil {
			return fmt.Errorf("sample %d: %w", i, err)
		}
		if t.views != nil {
			rec.Anchor, rec.Neighbor = t.views.Views(rec, epoch)
		}
		t.States[rec.State]++
		batch = append(batch, rec)
		if len(batch) == t.batchSize {
			flush()
		}
	}
	flush()

	t.logger.Debug("replayed epoch",
		zap.Int("epoch", epoch),
		zap.Int("round", state.Round),
		zap.Int("batches", t.Batches),
		zap.Float64("cluster_instance_weight", weights.ClusterInstance),
	)
	return nil
}

func (t *ReplayTrainer) Evaluate(ctx context.Context, epoch int) (Scores, error) {
	return t.scores, nil
}
