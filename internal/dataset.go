package internal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// RecordLine is one line of a JSONL dataset file.
type RecordLine struct {
	Text     string    `json:"text"`
	Label    *int      `json:"label,omitempty"`
	Features []float64 `json:"features"`
}

// FeatureDataset is a dataset whose embeddings were computed ahead of time.
type FeatureDataset struct {
	Examples SliceDataset
	Features [][]float64
}

// Encode fills token fields for text.
type Encode func(text string) []int

// LoadJSONLDataset reads examples with precomputed features. Missing labels
// become DiscoveryPending.
func LoadJSONLDataset(path string, encode Encode) (*FeatureDataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()

	out := &FeatureDataset{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 64*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec RecordLine
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("parse dataset line %d: %w", line, err)
		}
		if len(rec.Features) == 0 {
			return nil, fmt.Errorf("%w: dataset line %d has no features", ErrDataInconsistency, line)
		}

		ids := encode(rec.Text)
		mask := make([]int, len(ids))
		for i := range mask {
			mask[i] = 1
		}
		label := DiscoveryPending
		if rec.Label != nil {
			label = *rec.Label
		}

		out.Examples = append(out.Examples, Example{
			Index: len(out.Examples),
			Fields: Fields{
				TokenIDs:      ids,
				AttentionMask: mask,
				SegmentIDs:    make([]int, len(ids)),
			},
			Label: label,
		})
		out.Features = append(out.Features, rec.Features)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	if len(out.Examples) == 0 {
		return nil, fmt.Errorf("%w: dataset %s is empty", ErrDataInconsistency, path)
	}
	return out, nil
}

var _ Encoder = (*FeatureDataset)(nil)

// Forward returns the stored features of each example in batch.
func (d *FeatureDataset) Forward(ctx context.Context, batch []Example) (EncoderOutput, error) {
	out := EncoderOutput{Features: make([][]float64, len(batch))}
	for i, ex := range batch {
		if ex.Index < 0 || ex.Index >= len(d.Features) {
			return EncoderOutput{}, fmt.Errorf("%w: %d", ErrIndexOutOfRange, ex.Index)
		}
		out.Features[i] = d.Features[ex.Index]
	}
	return out, nil
}
