package internal

import (
	"fmt"
	"math/rand/v2"
)

type ViewStrategy string

const (
	ViewRTR     ViewStrategy = "rtr"
	ViewShuffle ViewStrategy = "shuffle"
	ViewNone    ViewStrategy = "none"
)

func ParseViewStrategy(s string) (ViewStrategy, error) {
	switch ViewStrategy(s) {
	case ViewRTR, ViewShuffle, ViewNone:
		return ViewStrategy(s), nil
	case "":
		return ViewNone, nil
	default:
		return "", fmt.Errorf("%w: unknown view strategy %q", ErrConfiguration, s)
	}
}

// ViewGenerator builds augmented token views of an anchor and its neighbor.
// Padding and special tokens are never changed.
type ViewGenerator struct {
	strategy  ViewStrategy
	prob      float64
	vocabSize int
	special   map[int]struct{}
	seed      uint64
}

func NewViewGenerator(cfg SamplerConfig, seed uint64) (*ViewGenerator, error) {
	strategy, err := ParseViewStrategy(cfg.ViewStrategy)
	if err != nil {
		return nil, err
	}
	if strategy == ViewRTR && cfg.VocabSize <= 0 {
		return nil, fmt.Errorf("%w: rtr views need a positive vocab_size", ErrConfiguration)
	}
	special := make(map[int]struct{}, len(cfg.SpecialTokenIDs))
	for _, id := range cfg.SpecialTokenIDs {
		special[id] = struct{}{}
	}
	return &ViewGenerator{
		strategy:  strategy,
		prob:      cfg.RTRProb,
		vocabSize: cfg.VocabSize,
		special:   special,
		seed:      seed,
	}, nil
}

// Views returns the anchor and neighbor views for rec at epoch.
func (g *ViewGenerator) Views(rec Record, epoch int) (Fields, Fields) {
	rng := rand.New(rand.NewPCG(g.seed^0x5bd1e995, uint64(rec.Index)<<32|uint64(uint32(epoch))))
	return g.View(rec.Anchor, rng), g.View(rec.Neighbor, rng)
}

func (g *ViewGenerator) View(f Fields, rng *rand.Rand) Fields {
	out := Fields{
		TokenIDs:      append([]int(nil), f.TokenIDs...),
		AttentionMask: append([]int(nil), f.AttentionMask...),
		SegmentIDs:    append([]int(nil), f.SegmentIDs...),
	}

	switch g.strategy {
	case ViewRTR:
		for _, pos := range g.content(f) {
			if rng.Float64() < g.prob {
				out.TokenIDs[pos] = rng.IntN(g.vocabSize)
			}
		}
	case ViewShuffle:
		positions := g.content(f)
		rng.Shuffle(len(positions), func(i, j int) {
			a, b := positions[i], positions[j]
			out.TokenIDs[a], out.TokenIDs[b] = out.TokenIDs[b], out.TokenIDs[a]
		})
	}
	return out
}

// content lists positions holding real, non-special tokens.
func (g *ViewGenerator) content(f Fields) []int {
	var out []int
	for pos, id := range f.TokenIDs {
		if pos < len(f.AttentionMask) && f.AttentionMask[pos] == 0 {
			continue
		}
		if _, ok := g.special[id]; ok {
			continue
		}
		out = append(out, pos)
	}
	return out
}
