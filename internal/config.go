package internal

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type ProviderConfig struct {
	APIKey  string `yaml:"api_key,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`
	Model   string `yaml:"model"`
	Region  string `yaml:"region,omitempty"`
}

type ScheduleConfig struct {
	Epochs         int `yaml:"epochs"`
	UpdatePerEpoch int `yaml:"update_per_epoch"`
}

type MiningConfig struct {
	TopK             int     `yaml:"top_k"`
	Options          int     `yaml:"options"`
	QuerySamples     float64 `yaml:"query_samples"`
	Strategy         string  `yaml:"sampling_strategy"`
	AllocationDegree float64 `yaml:"allocation_degree"`
	Backend          string  `yaml:"backend"`
	AnnoyTrees       int     `yaml:"annoy_trees"`
	Temperature      float64 `yaml:"temperature"`
}

type SamplerConfig struct {
	RunningMethod       string  `yaml:"running_method"`
	Ablation            string  `yaml:"component_ablation"`
	ClusterRatio        float64 `yaml:"options_cluster_instance_ratio"`
	FeedbackCache       bool    `yaml:"feedback_cache"`
	WarmStart           bool    `yaml:"warm_start"`
	PrefetchConcurrency int     `yaml:"prefetch_concurrency"`
	ViewStrategy        string  `yaml:"view_strategy"`
	RTRProb             float64 `yaml:"rtr_prob"`
	VocabSize           int     `yaml:"vocab_size,omitempty"`
	SpecialTokenIDs     []int   `yaml:"special_token_ids,omitempty"`
}

type LossConfig struct {
	CE              float64 `yaml:"ce_weight"`
	CL              float64 `yaml:"cl_weight"`
	Sup             float64 `yaml:"sup_weight"`
	CEUnsup         float64 `yaml:"weight_ce_unsup"`
	ClusterInstance float64 `yaml:"weight_cluster_instance_cl"`
}

type CharacterizeConfig struct {
	Strategy        string `yaml:"sampling_strategy"`
	Representatives int    `yaml:"num_representatives"`
	PromptAblation  string `yaml:"prompt_ablation"`
}

type OracleConfig struct {
	Provider          string        `yaml:"provider,omitempty"`
	Task              string        `yaml:"task"`
	KnownLabels       []string      `yaml:"known_labels,omitempty"`
	MaxTokens         int           `yaml:"max_tokens"`
	Temperature       float64       `yaml:"temperature"`
	TopP              float64       `yaml:"top_p"`
	MaxRetries        int           `yaml:"max_retries"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	RequestsPerSecond float64       `yaml:"requests_per_second,omitempty"`
	BreakerFailures   uint32        `yaml:"breaker_failures,omitempty"`
	BreakerTimeout    time.Duration `yaml:"breaker_timeout,omitempty"`
	TokenBudget       int           `yaml:"token_budget,omitempty"`
	Encoding          string        `yaml:"encoding,omitempty"`
}

type StoreConfig struct {
	Backend string `yaml:"backend"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type Config struct {
	Experiment      string                    `yaml:"experiment"`
	Dataset         string                    `yaml:"dataset,omitempty"`
	Seed            uint64                    `yaml:"seed"`
	NumLabels       int                       `yaml:"num_labels"`
	Schedule        ScheduleConfig            `yaml:"schedule"`
	Mining          MiningConfig              `yaml:"mining"`
	Sampler         SamplerConfig             `yaml:"sampler"`
	Loss            LossConfig                `yaml:"loss"`
	Characterize    CharacterizeConfig        `yaml:"characterize"`
	Oracle          OracleConfig              `yaml:"oracle"`
	Providers       map[string]ProviderConfig `yaml:"providers,omitempty"`
	DefaultProvider string                    `yaml:"default_provider,omitempty"`
	Store           StoreConfig               `yaml:"store"`
	Logging         LoggingConfig             `yaml:"logging"`
}

func DefaultConfig() *Config {
	return &Config{
		Experiment: "default",
		NumLabels:  2,
		Schedule: ScheduleConfig{
			Epochs:         20,
			UpdatePerEpoch: 5,
		},
		Mining: MiningConfig{
			TopK:         50,
			Options:      2,
			QuerySamples: 0.1,
			Strategy:     string(StrategyEntropy),
			Backend:      IndexExact,
			AnnoyTrees:   10,
			Temperature:  1.0,
		},
		Sampler: SamplerConfig{
			RunningMethod:       string(MethodGCDLLMs),
			Ablation:            string(AblationFull),
			ClusterRatio:        0.2,
			FeedbackCache:       true,
			PrefetchConcurrency: 1,
			ViewStrategy:        string(ViewRTR),
			RTRProb:             0.25,
			VocabSize:           30522,
			SpecialTokenIDs:     []int{0, 100, 101, 102, 103},
		},
		Loss: LossConfig{
			CE:              1.0,
			CL:              1.0,
			Sup:             1.0,
			CEUnsup:         1.0,
			ClusterInstance: 1.0,
		},
		Characterize: CharacterizeConfig{
			Strategy:        string(RepresentativesNearestCenter),
			Representatives: 5,
			PromptAblation:  string(PromptFull),
		},
		Oracle: OracleConfig{
			Task:       "intent",
			MaxTokens:  50,
			TopP:       1.0,
			MaxRetries: 10,
			BaseDelay:  time.Second,
			MaxDelay:   10 * time.Minute,
			Encoding:   "cl100k_base",
		},
		Providers: make(map[string]ProviderConfig),
		Store: StoreConfig{
			Backend: StoreGit,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Validate parses every enumerated option so misconfigurations surface
// before a round starts.
func (c *Config) Validate() error {
	if c.Experiment == "" {
		return fmt.Errorf("%w: experiment name is required", ErrConfiguration)
	}
	if c.NumLabels < 1 {
		return fmt.Errorf("%w: num_labels must be positive", ErrConfiguration)
	}
	if c.Schedule.Epochs < 1 || c.Schedule.UpdatePerEpoch < 1 {
		return fmt.Errorf("%w: epochs and update_per_epoch must be positive", ErrConfiguration)
	}
	if c.Mining.TopK < 1 {
		return fmt.Errorf("%w: top_k must be positive", ErrConfiguration)
	}
	if c.Mining.Options < 1 {
		return fmt.Errorf("%w: options must be positive", ErrConfiguration)
	}
	if c.Mining.AllocationDegree < 0 || c.Mining.AllocationDegree > 1 {
		return fmt.Errorf("%w: allocation_degree must be in [0,1]", ErrConfiguration)
	}
	if c.Sampler.ClusterRatio < 0 || c.Sampler.ClusterRatio > 1 {
		return fmt.Errorf("%w: options_cluster_instance_ratio must be in [0,1]", ErrConfiguration)
	}
	if _, err := ParseQueryStrategy(c.Mining.Strategy); err != nil {
		return err
	}
	if _, err := ParseIndexBackend(c.Mining.Backend); err != nil {
		return err
	}
	if _, err := ParseRunningMethod(c.Sampler.RunningMethod); err != nil {
		return err
	}
	if _, err := ParseAblation(c.Sampler.Ablation); err != nil {
		return err
	}
	if _, err := ParseViewStrategy(c.Sampler.ViewStrategy); err != nil {
		return err
	}
	if _, err := ParseRepresentativeStrategy(c.Characterize.Strategy); err != nil {
		return err
	}
	if _, err := ParsePromptAblation(c.Characterize.PromptAblation); err != nil {
		return err
	}
	if c.Sampler.ViewStrategy == string(ViewRTR) && c.Sampler.VocabSize <= 0 {
		return fmt.Errorf("%w: rtr views need a positive vocab_size", ErrConfiguration)
	}
	switch c.Store.Backend {
	case StoreGit, StoreBolt, StoreNone:
	default:
		return fmt.Errorf("%w: unsupported store backend %q", ErrConfiguration, c.Store.Backend)
	}
	return nil
}

// ActiveProvider returns the provider entry the oracle should use. The
// second result is false when no provider is configured.
func (c *Config) ActiveProvider() (string, ProviderConfig, bool) {
	name := c.Oracle.Provider
	if name == "" {
		name = c.DefaultProvider
	}
	if name == "" {
		return "", ProviderConfig{}, false
	}
	p, ok := c.Providers[name]
	return name, p, ok
}

func LoadConfig(scope Scope) (*Config, error) {
	return LoadConfigFile(scope.ConfigPath())
}

func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConfig)
	}

	return cfg, nil
}

func SaveConfig(scope Scope, cfg *Config) error {
	if err := os.MkdirAll(scope.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(scope.ConfigPath(), data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}
