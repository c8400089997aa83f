package v1

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Option configures a Client.
type Option func(*clientConfig)

type clientConfig struct {
	scope      string
	config     *Config
	transport  Transport
	llm        string
	noOracle   bool
	tokenizer  Tokenizer
	clusterer  Clusterer
	logger     *zap.Logger
	registerer prometheus.Registerer
}

// WithScope forces a specific workspace scope (global or project).
func WithScope(scope string) Option {
	return func(c *clientConfig) {
		c.scope = scope
	}
}

// WithConfig runs without a workspace. Nothing is persisted and warm
// starts find no snapshot.
func WithConfig(cfg *Config) Option {
	return func(c *clientConfig) {
		c.config = cfg
	}
}

// WithTransport replaces the configured provider. name is recorded as the
// llm column of result rows.
func WithTransport(t Transport, name string) Option {
	return func(c *clientConfig) {
		c.transport = t
		c.llm = name
	}
}

// WithoutOracle disables LLM feedback. Every query falls back to the
// nearest neighbor.
func WithoutOracle() Option {
	return func(c *clientConfig) {
		c.noOracle = true
	}
}

// WithTokenizer sets how token ids are turned back into prompt text.
func WithTokenizer(t Tokenizer) Option {
	return func(c *clientConfig) {
		c.tokenizer = t
	}
}

func WithClusterer(cl Clusterer) Option {
	return func(c *clientConfig) {
		c.clusterer = cl
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithRegisterer registers the loop's prometheus collectors.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *clientConfig) {
		c.registerer = reg
	}
}
