package internal

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

type reply struct {
	text string
	err  error
}

// scriptedTransport answers requests from a script. The last reply repeats
// once the script runs out.
type scriptedTransport struct {
	mu       sync.Mutex
	replies  []reply
	requests []Request
}

func newScriptedTransport(replies ...reply) *scriptedTransport {
	return &scriptedTransport{replies: replies}
}

func (s *scriptedTransport) Complete(ctx context.Context, req Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.requests)
	s.requests = append(s.requests, req)
	if len(s.replies) == 0 {
		return "Choice 1", nil
	}
	r := s.replies[min(n, len(s.replies)-1)]
	return r.text, r.err
}

func (s *scriptedTransport) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// promptTransport answers characterize prompts with a descriptor and every
// multiple-choice prompt with choice.
type promptTransport struct {
	mu      sync.Mutex
	choice  string
	prompts []string
}

func newPromptTransport(choice string) *promptTransport {
	return &promptTransport{choice: choice}
}

func (p *promptTransport) Complete(ctx context.Context, req Request) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.prompts = append(p.prompts, req.Prompt)
	if strings.HasPrefix(req.Prompt, "Given the following utterances") {
		return fmt.Sprintf("(Category Name: cluster_%d, Description: generated)", len(p.prompts)), nil
	}
	return p.choice, nil
}

// Count is the number of prompts starting with prefix, or all prompts when
// prefix is empty.
func (p *promptTransport) Count(prefix string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, prompt := range p.prompts {
		if strings.HasPrefix(prompt, prefix) {
			n++
		}
	}
	return n
}

// fakeTimer fires immediately and records every requested delay.
type fakeTimer struct {
	mu     *sync.Mutex
	delays *[]time.Duration
	c      chan time.Time
}

type timerLog struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (l *timerLog) newTimer() *fakeTimer {
	return &fakeTimer{mu: &l.mu, delays: &l.delays, c: make(chan time.Time, 1)}
}

func (l *timerLog) Delays() []time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]time.Duration(nil), l.delays...)
}

func (l *timerLog) Total() time.Duration {
	var total time.Duration
	for _, d := range l.Delays() {
		total += d
	}
	return total
}

func (t *fakeTimer) Start(d time.Duration) {
	t.mu.Lock()
	*t.delays = append(*t.delays, d)
	t.mu.Unlock()
	t.c <- time.Time{}
}

func (t *fakeTimer) Stop() {}

func (t *fakeTimer) C() <-chan time.Time {
	return t.c
}

// fixedClusterer returns a precomputed assignment whatever the features.
type fixedClusterer struct {
	assignment ClusterAssignment
	calls      int
}

func (f *fixedClusterer) Fit(ctx context.Context, features [][]float64, k int) (ClusterAssignment, error) {
	f.calls++
	return f.assignment, nil
}

// staticEncoder serves features by example index.
type staticEncoder [][]float64

func (s staticEncoder) Forward(ctx context.Context, batch []Example) (EncoderOutput, error) {
	out := EncoderOutput{Features: make([][]float64, len(batch))}
	for i, ex := range batch {
		out.Features[i] = s[ex.Index]
	}
	return out, nil
}

// textDataset builds examples whose single token id is the index, decoded
// by idTokenizer as the decimal index.
func textDataset(labels ...int) SliceDataset {
	ds := make(SliceDataset, len(labels))
	for i, l := range labels {
		ds[i] = Example{
			Index: i,
			Fields: Fields{
				TokenIDs:      []int{i},
				AttentionMask: []int{1},
				SegmentIDs:    []int{0},
			},
			Label: l,
		}
	}
	return ds
}
