package internal

import (
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func viewFields() Fields {
	return Fields{
		TokenIDs:      []int{101, 7, 8, 9, 102, 0},
		AttentionMask: []int{1, 1, 1, 1, 1, 0},
		SegmentIDs:    []int{0, 0, 0, 0, 0, 0},
	}
}

func newTestViews(t *testing.T, strategy ViewStrategy, prob float64) *ViewGenerator {
	t.Helper()
	g, err := NewViewGenerator(SamplerConfig{
		ViewStrategy:    string(strategy),
		RTRProb:         prob,
		VocabSize:       5,
		SpecialTokenIDs: []int{101, 102},
	}, 11)
	require.NoError(t, err)
	return g
}

func TestRTRViewKeepsSpecialAndPadding(t *testing.T) {
	g := newTestViews(t, ViewRTR, 1)
	in := viewFields()

	out := g.View(in, rand.New(rand.NewPCG(1, 2)))
	assert.Equal(t, 101, out.TokenIDs[0])
	assert.Equal(t, 102, out.TokenIDs[4])
	assert.Equal(t, 0, out.TokenIDs[5])
	for _, pos := range []int{1, 2, 3} {
		assert.Less(t, out.TokenIDs[pos], 5)
	}
	assert.Equal(t, in.AttentionMask, out.AttentionMask)
	assert.Equal(t, viewFields(), in, "input is not modified")
}

func TestRTRViewZeroProbabilityIsIdentity(t *testing.T) {
	g := newTestViews(t, ViewRTR, 0)
	assert.Equal(t, viewFields(), g.View(viewFields(), rand.New(rand.NewPCG(1, 2))))
}

func TestShuffleViewPermutesContent(t *testing.T) {
	g := newTestViews(t, ViewShuffle, 0)
	out := g.View(viewFields(), rand.New(rand.NewPCG(3, 4)))

	assert.Equal(t, 101, out.TokenIDs[0])
	assert.Equal(t, 102, out.TokenIDs[4])
	content := slices.Clone(out.TokenIDs[1:4])
	slices.Sort(content)
	assert.Equal(t, []int{7, 8, 9}, content)
}

func TestViewsAreDeterministic(t *testing.T) {
	g := newTestViews(t, ViewRTR, 0.5)
	rec := Record{Index: 3, Anchor: viewFields(), Neighbor: viewFields()}

	a1, n1 := g.Views(rec, 2)
	a2, n2 := g.Views(rec, 2)
	assert.Equal(t, a1, a2)
	assert.Equal(t, n1, n2)
}

func TestNewViewGeneratorErrors(t *testing.T) {
	_, err := NewViewGenerator(SamplerConfig{ViewStrategy: "mixup"}, 0)
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = NewViewGenerator(SamplerConfig{ViewStrategy: string(ViewRTR)}, 0)
	assert.ErrorIs(t, err, ErrConfiguration)

	g, err := NewViewGenerator(SamplerConfig{}, 0)
	require.NoError(t, err)
	assert.Equal(t, viewFields(), g.View(viewFields(), rand.New(rand.NewPCG(0, 0))))
}
