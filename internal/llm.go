package internal

import (
	"context"
	"fmt"
	"strings"
)

const DefaultSystemPrompt = "You are a helpful assistant."

// Request is a single-turn completion request.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
	TopP        float64
}

// OracleTransport sends one prompt to a model. Implementations report rate
// limiting by wrapping ErrThrottled and other failures by wrapping
// ErrTransport.
type OracleTransport interface {
	Complete(ctx context.Context, req Request) (string, error)
}

type ProviderKind string

const (
	ProviderOpenAI        ProviderKind = "openai"
	ProviderAnthropic     ProviderKind = "anthropic"
	ProviderOpenRouter    ProviderKind = "openrouter"
	ProviderBedrockClaude ProviderKind = "bedrock-claude"
	ProviderBedrockLlama  ProviderKind = "bedrock-llama"
)

var ProviderKinds = []ProviderKind{
	ProviderOpenAI,
	ProviderAnthropic,
	ProviderOpenRouter,
	ProviderBedrockClaude,
	ProviderBedrockLlama,
}

// ResolveProviderKind maps a configured provider name to its transport
// family. A plain "bedrock" entry is resolved by its model id.
func ResolveProviderKind(name string, cfg ProviderConfig) (ProviderKind, error) {
	switch ProviderKind(name) {
	case ProviderOpenAI, ProviderAnthropic, ProviderOpenRouter, ProviderBedrockClaude, ProviderBedrockLlama:
		return ProviderKind(name), nil
	}
	if name == "bedrock" {
		model := strings.ToLower(cfg.Model)
		switch {
		case strings.Contains(model, "llama"):
			return ProviderBedrockLlama, nil
		case strings.Contains(model, "claude"):
			return ProviderBedrockClaude, nil
		}
		return "", fmt.Errorf("%w: cannot infer bedrock model family from %q", ErrConfiguration, cfg.Model)
	}
	return "", fmt.Errorf("%w: unsupported provider %q", ErrConfiguration, name)
}

// NeedsAPIKey reports whether the provider authenticates with an API key.
// Bedrock uses the AWS credential chain instead.
func (k ProviderKind) NeedsAPIKey() bool {
	return k != ProviderBedrockClaude && k != ProviderBedrockLlama
}

// NewTransport builds the transport for a provider. It returns a nil
// transport and no error when the provider has no credentials, which puts
// the oracle into disabled mode.
func NewTransport(ctx context.Context, name string, cfg ProviderConfig) (OracleTransport, ProviderKind, error) {
	kind, err := ResolveProviderKind(name, cfg)
	if err != nil {
		return nil, "", err
	}
	if cfg.Model == "" {
		return nil, kind, fmt.Errorf("%w: provider %q has no model", ErrConfiguration, name)
	}
	if kind.NeedsAPIKey() && cfg.APIKey == "" {
		return nil, kind, nil
	}

	var t OracleTransport
	switch kind {
	case ProviderOpenAI:
		t = NewOpenAITransport(cfg)
	case ProviderAnthropic, ProviderOpenRouter:
		t, err = NewFantasyTransport(ctx, kind, cfg)
	case ProviderBedrockClaude, ProviderBedrockLlama:
		t, err = NewBedrockTransport(ctx, kind, cfg)
	}
	if err != nil {
		return nil, kind, err
	}
	return t, kind, nil
}
