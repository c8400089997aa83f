package internal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplayTrainerWalksEveryExample(t *testing.T) {
	in := ringInputs(2, 5)
	s := newTestSampler(t, in, nil, newPromptTransport("Choice 1"), SamplerOptions{})
	require.NoError(t, s.Prepare(context.Background(), 2))

	trainer := NewReplayTrainer(nil, 3, Scores{ACC: 0.5}, nil)
	state := &RoundState{Sampler: s}
	require.NoError(t, trainer.TrainEpoch(context.Background(), 0, state, LossWeights{}))

	assert.Equal(t, 2, trainer.States[StateResolved])
	assert.Equal(t, 8, trainer.States[StateCold])
	assert.Equal(t, 4, trainer.Batches)
	assert.GreaterOrEqual(t, trainer.Positives, 10, "the diagonal is always positive")

	scores, err := trainer.Evaluate(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, Scores{ACC: 0.5}, scores)
}

func TestReplayTrainerStopsOnCancel(t *testing.T) {
	s := newTestSampler(t, ringInputs(), nil, nil, SamplerOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewReplayTrainer(nil, 0, Scores{}, nil).TrainEpoch(ctx, 0, &RoundState{Sampler: s}, LossWeights{})
	assert.ErrorIs(t, err, context.Canceled)
}
