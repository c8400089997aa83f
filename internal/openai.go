package internal

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

var _ OracleTransport = (*OpenAITransport)(nil)

type OpenAITransport struct {
	client openai.Client
	model  string
}

func NewOpenAITransport(cfg ProviderConfig) *OpenAITransport {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// retries belong to the oracle client
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAITransport{
		client: openai.NewClient(opts...),
		model:  cfg.Model,
	}
}

func (t *OpenAITransport) Complete(ctx context.Context, req Request) (string, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:       t.model,
		Messages:    messages,
		Temperature: openai.Float(req.Temperature),
		TopP:        openai.Float(req.TopP),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	completion, err := t.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
			return "", fmt.Errorf("%w: %w", ErrThrottled, err)
		}
		return "", fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if len(completion.Choices) == 0 {
		return "", nil
	}

	return completion.Choices[0].Message.Content, nil
}
