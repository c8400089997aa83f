package internal

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDataset(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "train.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644))
	return path
}

// runeEncode maps every character to its code point.
func runeEncode(text string) []int {
	var ids []int
	for _, r := range text {
		ids = append(ids, int(r))
	}
	return ids
}

func TestLoadJSONLDataset(t *testing.T) {
	path := writeDataset(t,
		`{"text": "ab", "label": 1, "features": [0.5, 1]}`,
		``,
		`{"text": "c", "features": [2, 3]}`,
	)

	ds, err := LoadJSONLDataset(path, runeEncode)
	require.NoError(t, err)
	require.Equal(t, 2, ds.Examples.Len())

	first, err := ds.Examples.Get(0)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Label)
	assert.Equal(t, []int{'a', 'b'}, first.TokenIDs)
	assert.Equal(t, []int{1, 1}, first.AttentionMask)
	assert.Equal(t, []int{0, 0}, first.SegmentIDs)
	assert.True(t, first.Known())

	second, err := ds.Examples.Get(1)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Index)
	assert.Equal(t, DiscoveryPending, second.Label)
	assert.False(t, second.Known())

	out, err := ds.Forward(context.Background(), []Example{second, first})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{2, 3}, {0.5, 1}}, out.Features)
}

func TestLoadJSONLDatasetErrors(t *testing.T) {
	_, err := LoadJSONLDataset(writeDataset(t, `{"text": "a"}`), runeEncode)
	assert.ErrorIs(t, err, ErrDataInconsistency)

	_, err = LoadJSONLDataset(writeDataset(t, ``), runeEncode)
	assert.ErrorIs(t, err, ErrDataInconsistency)

	_, err = LoadJSONLDataset(writeDataset(t, `{"text": `), runeEncode)
	assert.Error(t, err)

	_, err = LoadJSONLDataset(filepath.Join(t.TempDir(), "missing.jsonl"), runeEncode)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFeatureDatasetForwardOutOfRange(t *testing.T) {
	ds := &FeatureDataset{Features: [][]float64{{1}}}
	_, err := ds.Forward(context.Background(), []Example{{Index: 3}})
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
}
