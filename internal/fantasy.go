package internal

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"charm.land/fantasy"
	"charm.land/fantasy/providers/anthropic"
	"charm.land/fantasy/providers/openrouter"
)

var _ OracleTransport = (*FantasyTransport)(nil)

// FantasyTransport serves the anthropic and openrouter providers.
type FantasyTransport struct {
	model fantasy.LanguageModel
	kind  ProviderKind
}

func NewFantasyTransport(ctx context.Context, kind ProviderKind, cfg ProviderConfig) (*FantasyTransport, error) {
	var provider fantasy.Provider
	var err error

	switch kind {
	case ProviderAnthropic:
		opts := []anthropic.Option{anthropic.WithAPIKey(cfg.APIKey)}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		provider, err = anthropic.New(opts...)

	case ProviderOpenRouter:
		opts := []openrouter.Option{openrouter.WithAPIKey(cfg.APIKey)}
		provider, err = openrouter.New(opts...)

	default:
		return nil, fmt.Errorf("%w: %s is not served by fantasy", ErrConfiguration, kind)
	}

	if err != nil {
		return nil, fmt.Errorf("create provider: %w", err)
	}

	model, err := provider.LanguageModel(ctx, cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("get language model: %w", err)
	}

	return &FantasyTransport{
		model: model,
		kind:  kind,
	}, nil
}

func (t *FantasyTransport) Complete(ctx context.Context, req Request) (string, error) {
	agent := fantasy.NewAgent(t.model)
	if req.System != "" {
		agent = fantasy.NewAgent(t.model, fantasy.WithSystemPrompt(req.System))
	}

	temperature := req.Temperature
	topP := req.TopP
	maxTokens := int64(req.MaxTokens)

	result, err := agent.Generate(ctx, fantasy.AgentCall{
		Prompt:          req.Prompt,
		Temperature:     &temperature,
		TopP:            &topP,
		MaxOutputTokens: &maxTokens,
	})
	if err != nil {
		return "", classifyFantasyError(err)
	}

	return result.Response.Content.Text(), nil
}

func classifyFantasyError(err error) error {
	var perr *fantasy.ProviderError
	if errors.As(err, &perr) && perr.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", ErrThrottled, err)
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}
