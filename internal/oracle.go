package internal

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Outcome string

const (
	OutcomeAnswered  Outcome = "answered"
	OutcomeUnparsed  Outcome = "unparsed"
	OutcomeDisabled  Outcome = "disabled"
	OutcomeFailed    Outcome = "failed"
	OutcomeThrottled Outcome = "throttled"
)

const (
	shapeNeighbor     = "neighbor"
	shapeCluster      = "cluster"
	shapeCharacterize = "characterize"

	// prompts and completions logged at debug level per shape
	verbosePrompts = 5

	emptyClusterPlaceholder = "Fallback Description: (no representatives)"
)

// ChoiceResult is the outcome of a multiple-choice oracle call. Index is
// zero-based and is 0 whenever the call did not produce an answer.
type ChoiceResult struct {
	Index   int
	Outcome Outcome
	Err     error
}

func (r ChoiceResult) Answered() bool {
	return r.Outcome == OutcomeAnswered
}

type Characterization struct {
	Descriptor ClusterDescriptor
	Outcome    Outcome
	Err        error
}

type OracleOptions struct {
	Task              string
	KnownLabels       []string
	PromptAblation    PromptAblation
	System            string
	MaxTokens         int
	Temperature       float64
	TopP              float64
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	RequestsPerSecond float64
	BreakerFailures   uint32
	BreakerTimeout    time.Duration
	TokenBudget       int
}

func OracleOptionsFromConfig(cfg OracleConfig, ablation PromptAblation) OracleOptions {
	return OracleOptions{
		Task:              cfg.Task,
		KnownLabels:       cfg.KnownLabels,
		PromptAblation:    ablation,
		System:            DefaultSystemPrompt,
		MaxTokens:         cfg.MaxTokens,
		Temperature:       cfg.Temperature,
		TopP:              cfg.TopP,
		MaxRetries:        cfg.MaxRetries,
		BaseDelay:         cfg.BaseDelay,
		MaxDelay:          cfg.MaxDelay,
		RequestsPerSecond: cfg.RequestsPerSecond,
		BreakerFailures:   cfg.BreakerFailures,
		BreakerTimeout:    cfg.BreakerTimeout,
		TokenBudget:       cfg.TokenBudget,
	}
}

type OracleOption func(*Oracle)

func WithOracleLogger(logger *zap.Logger) OracleOption {
	return func(o *Oracle) {
		o.logger = orNop(logger)
	}
}

func WithOracleMetrics(m *Metrics) OracleOption {
	return func(o *Oracle) {
		o.metrics = m
	}
}

// WithBackoffTimer replaces the wall-clock timer used between retries.
func WithBackoffTimer(newTimer func() backoff.Timer) OracleOption {
	return func(o *Oracle) {
		o.newTimer = newTimer
	}
}

func WithTruncator(t TextTruncator) OracleOption {
	return func(o *Oracle) {
		o.truncator = t
	}
}

// Oracle asks a language model multiple-choice and characterization
// questions. It never returns an error to the caller: every failure path
// resolves to a deterministic fallback recorded in the result's Outcome.
type Oracle struct {
	transport OracleTransport
	opts      OracleOptions
	limiter   *rate.Limiter
	breaker   *gobreaker.CircuitBreaker
	truncator TextTruncator
	newTimer  func() backoff.Timer
	logger    *zap.Logger
	metrics   *Metrics

	calls   atomic.Int64
	counts  [3]atomic.Int64
	retries atomic.Int64
}

// NewOracle wraps transport. A nil transport yields a disabled oracle that
// answers every question with its fallback without any remote call.
func NewOracle(transport OracleTransport, opts OracleOptions, options ...OracleOption) *Oracle {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 50
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = time.Duration(math.MaxInt64)
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.PromptAblation == "" {
		opts.PromptAblation = PromptFull
	}

	o := &Oracle{
		transport: transport,
		opts:      opts,
		logger:    zap.NewNop(),
	}

	if opts.RequestsPerSecond > 0 {
		o.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	if opts.BreakerFailures > 0 {
		o.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "oracle",
			Timeout: opts.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= opts.BreakerFailures
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ErrThrottled)
			},
		})
	}

	for _, opt := range options {
		opt(o)
	}
	return o
}

func (o *Oracle) Enabled() bool {
	return o.transport != nil
}

// Calls is the number of transport requests issued, retries included.
func (o *Oracle) Calls() int64 {
	return o.calls.Load()
}

func (o *Oracle) Retries() int64 {
	return o.retries.Load()
}

// ChooseNeighbor asks which candidate utterance best matches anchor.
func (o *Oracle) ChooseNeighbor(ctx context.Context, anchor string, candidates []string) ChoiceResult {
	prompt := NeighborPrompt(o.opts.Task, o.truncate(anchor), o.truncateAll(candidates))
	return o.choose(ctx, shapeNeighbor, prompt, len(candidates))
}

// ChooseCluster asks which cluster description best matches anchor.
func (o *Oracle) ChooseCluster(ctx context.Context, anchor string, descriptors []ClusterDescriptor) ChoiceResult {
	names := make([]string, len(descriptors))
	for i, d := range descriptors {
		names[i] = d.String()
	}
	prompt := ClusterPrompt(o.opts.Task, o.truncate(anchor), names)
	return o.choose(ctx, shapeCluster, prompt, len(descriptors))
}

func (o *Oracle) choose(ctx context.Context, shape, prompt string, n int) ChoiceResult {
	if n == 0 {
		return ChoiceResult{Outcome: OutcomeFailed, Err: fmt.Errorf("%w: no choices offered", ErrDataInconsistency)}
	}

	resp, outcome, err := o.complete(ctx, shape, prompt)
	if outcome != OutcomeAnswered {
		return ChoiceResult{Outcome: outcome, Err: err}
	}

	index, ok := ParseChoice(resp, n)
	if !ok {
		o.logger.Debug("oracle answer names no choice, using the first", zap.String("shape", shape), zap.String("completion", resp))
		return ChoiceResult{Outcome: OutcomeUnparsed}
	}
	return ChoiceResult{Index: index, Outcome: OutcomeAnswered}
}

// Characterize asks for a category name and description summarizing texts.
func (o *Oracle) Characterize(ctx context.Context, texts []string) Characterization {
	if len(texts) == 0 {
		return Characterization{
			Descriptor: ClusterDescriptor{Description: emptyClusterPlaceholder},
			Outcome:    OutcomeFailed,
			Err:        fmt.Errorf("%w: no representatives", ErrDataInconsistency),
		}
	}

	texts = o.truncateAll(texts)
	fallback := ClusterDescriptor{Description: FallbackDescription(texts)}

	prompt := CharacterizePrompt(o.opts.Task, o.opts.KnownLabels, o.opts.PromptAblation, texts)
	resp, outcome, err := o.complete(ctx, shapeCharacterize, prompt)
	if outcome != OutcomeAnswered {
		return Characterization{Descriptor: fallback, Outcome: outcome, Err: err}
	}
	if strings.TrimSpace(resp) == "" {
		return Characterization{Descriptor: fallback, Outcome: OutcomeUnparsed}
	}

	return Characterization{Descriptor: ParseDescriptor(resp), Outcome: OutcomeAnswered}
}

func (o *Oracle) complete(ctx context.Context, shape, prompt string) (string, Outcome, error) {
	if o.transport == nil {
		o.metrics.oracleRequest(shape, OutcomeDisabled, 0)
		return "", OutcomeDisabled, nil
	}

	n := o.counts[shapeIndex(shape)].Add(1)
	if n <= verbosePrompts {
		o.logger.Debug("oracle prompt", zap.String("shape", shape), zap.Int64("n", n), zap.String("prompt", prompt))
	}

	start := time.Now()
	resp, err := o.retry(ctx, shape, Request{
		System:      o.opts.System,
		Prompt:      prompt,
		MaxTokens:   o.opts.MaxTokens,
		Temperature: o.opts.Temperature,
		TopP:        o.opts.TopP,
	})
	elapsed := time.Since(start).Seconds()

	if err != nil {
		outcome := OutcomeFailed
		if errors.Is(err, ErrThrottled) {
			outcome = OutcomeThrottled
		}
		o.logger.Warn("oracle request failed, using fallback",
			zap.String("shape", shape),
			zap.String("outcome", string(outcome)),
			zap.Error(err),
		)
		o.metrics.oracleRequest(shape, outcome, elapsed)
		return "", outcome, err
	}

	if n <= verbosePrompts {
		o.logger.Debug("oracle completion", zap.String("shape", shape), zap.Int64("n", n), zap.String("completion", resp))
	}
	o.metrics.oracleRequest(shape, OutcomeAnswered, elapsed)
	return resp, OutcomeAnswered, nil
}

// retry issues req until it succeeds, fails with a non-throttling error or
// MaxRetries throttled retries have been spent. Delays start at BaseDelay
// and double without jitter.
func (o *Oracle) retry(ctx context.Context, shape string, req Request) (string, error) {
	exp := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(o.opts.BaseDelay),
		backoff.WithRandomizationFactor(0),
		backoff.WithMultiplier(2),
		backoff.WithMaxInterval(o.opts.MaxDelay),
		backoff.WithMaxElapsedTime(0),
	)
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(o.opts.MaxRetries)), ctx)

	operation := func() (string, error) {
		resp, err := o.send(ctx, req)
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, ErrThrottled) {
			return "", err
		}
		return "", backoff.Permanent(err)
	}

	notify := func(err error, delay time.Duration) {
		o.retries.Add(1)
		o.metrics.oracleRetry(shape)
		o.logger.Warn("oracle throttled, backing off",
			zap.String("shape", shape),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}

	var timer backoff.Timer
	if o.newTimer != nil {
		timer = o.newTimer()
	}

	return backoff.RetryNotifyWithTimerAndData(operation, policy, notify, timer)
}

func (o *Oracle) send(ctx context.Context, req Request) (string, error) {
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("%w: rate limiter: %w", ErrTransport, err)
		}
	}

	o.calls.Add(1)

	if o.breaker == nil {
		return o.transport.Complete(ctx, req)
	}

	resp, err := o.breaker.Execute(func() (interface{}, error) {
		return o.transport.Complete(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", fmt.Errorf("%w: circuit open: %w", ErrTransport, err)
	}
	if err != nil {
		return "", err
	}
	return resp.(string), nil
}

func (o *Oracle) truncate(text string) string {
	if o.truncator == nil || o.opts.TokenBudget <= 0 {
		return text
	}
	return o.truncator.Truncate(text, o.opts.TokenBudget)
}

func (o *Oracle) truncateAll(texts []string) []string {
	if o.truncator == nil || o.opts.TokenBudget <= 0 {
		return texts
	}
	out := make([]string, len(texts))
	for i, t := range texts {
		out[i] = o.truncate(t)
	}
	return out
}

func shapeIndex(shape string) int {
	switch shape {
	case shapeNeighbor:
		return 0
	case shapeCluster:
		return 1
	default:
		return 2
	}
}

const choiceInstruction = "Please respond in the format 'Choice [number]' without explanation, e.g., 'Choice 1', 'Choice 2', etc."

func NeighborPrompt(task, anchor string, candidates []string) string {
	return choicePrompt("Select the customer utterance that better corresponds with the Query in terms of "+task+". ", anchor, candidates)
}

func ClusterPrompt(task, anchor string, descriptors []string) string {
	return choicePrompt("Select the category that better corresponds with the Query in terms of "+task+". ", anchor, descriptors)
}

func choicePrompt(head, anchor string, choices []string) string {
	var b strings.Builder
	b.WriteString(head)
	b.WriteString(choiceInstruction)
	b.WriteString("\nQuery: ")
	b.WriteString(anchor)
	for i, c := range choices {
		fmt.Fprintf(&b, "\nChoice %d: %s", i+1, c)
	}
	return b.String()
}

// CharacterizePrompt asks for a category summary of texts. Known category
// names are shown as demonstrations unless the ablation removes them.
func CharacterizePrompt(task string, known []string, ablation PromptAblation, texts []string) string {
	demo := "[" + strings.Join(known, ", ") + "]"
	if len(known) == 0 {
		ablation = PromptWithoutDemo
	}

	var b strings.Builder
	switch ablation {
	case PromptWithoutDemo:
		fmt.Fprintf(&b, "Given the following utterances, return a category name and a short category description to summarize the common %s of these utterances in the format (Category Name: [category_name], Description: [description]) without explanation. \n", task)
	case PromptWithoutName:
		fmt.Fprintf(&b, "Given the following utterances and examples of some known category names, return a short category description to summarize the common %s of these utterances in the format (Category Description: [description]) without explanation. \n", task)
		b.WriteString("Examples of Some Known Category Names: \n" + demo + "\n")
	case PromptWithoutDescription:
		fmt.Fprintf(&b, "Given the following utterances and examples of some known category names, return a category name to summarize the common %s of these utterances in the format (Category Name: [category_name]) without explanation. \n", task)
		b.WriteString("Examples of Some Known Category Names: \n" + demo + "\n")
	default:
		fmt.Fprintf(&b, "Given the following utterances and examples of some known category names, return a category name and a short category description to summarize the common %s of these utterances in the format (Category Name: [category_name], Description: [description]) without explanation. \n", task)
		b.WriteString("Examples of Some Known Category Names: \n" + demo + "\n")
	}

	for i, t := range texts {
		fmt.Fprintf(&b, "Utterance %d: %s\n", i+1, t)
	}
	return b.String()
}

var choicePatterns = func() []*regexp.Regexp {
	out := make([]*regexp.Regexp, 16)
	for i := range out {
		out[i] = regexp.MustCompile(fmt.Sprintf(`\bChoice %d\b`, i+1))
	}
	return out
}()

// ParseChoice returns the zero-based index of the first "Choice N", for N
// ascending in 1..n, mentioned in resp.
func ParseChoice(resp string, n int) (int, bool) {
	for i := 1; i <= n; i++ {
		var re *regexp.Regexp
		if i <= len(choicePatterns) {
			re = choicePatterns[i-1]
		} else {
			re = regexp.MustCompile(fmt.Sprintf(`\bChoice %d\b`, i))
		}
		if re.MatchString(resp) {
			return i - 1, true
		}
	}
	return 0, false
}

// ParseDescriptor splits a "(Category Name: x, Description: y)" answer.
// Answers in any other shape are kept whole as the description.
func ParseDescriptor(resp string) ClusterDescriptor {
	text := strings.TrimSpace(resp)
	nameAt := strings.Index(text, "Category Name:")
	descAt := strings.Index(text, "Description:")
	if nameAt < 0 && descAt < 0 {
		return ClusterDescriptor{Description: text}
	}

	var d ClusterDescriptor
	if nameAt >= 0 {
		end := len(text)
		if descAt > nameAt {
			end = descAt
		}
		name := trimField(text[nameAt+len("Category Name:") : end])
		d.Name = trimField(strings.TrimSuffix(name, "Category"))
	}
	if descAt >= 0 && descAt > nameAt {
		d.Description = trimField(text[descAt+len("Description:"):])
	}
	if d.Name == "" && d.Description == "" {
		d.Description = text
	}
	return d
}

func trimField(s string) string {
	return strings.Trim(strings.TrimSpace(s), " \t\n,()[]")
}

// FallbackDescription summarizes a cluster by its first three texts.
func FallbackDescription(texts []string) string {
	return "Fallback Description: " + strings.Join(texts[:min(3, len(texts))], " | ")
}

// Disabled returns an oracle with the same options that never calls the
// transport.
func (o *Oracle) Disabled() *Oracle {
	return NewOracle(nil, o.opts, WithOracleLogger(o.logger), WithOracleMetrics(o.metrics))
}
