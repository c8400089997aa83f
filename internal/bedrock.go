package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

const (
	DefaultBedrockRegion = "us-west-2"
	bedrockAnthropicVer  = "bedrock-2023-05-31"
)

type bedrockInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

var _ OracleTransport = (*BedrockTransport)(nil)

// BedrockTransport invokes Claude or Llama models through the Bedrock
// runtime. Credentials come from the default AWS chain.
type BedrockTransport struct {
	client bedrockInvoker
	model  string
	kind   ProviderKind
}

func NewBedrockTransport(ctx context.Context, kind ProviderKind, cfg ProviderConfig) (*BedrockTransport, error) {
	region := cfg.Region
	if region == "" {
		region = DefaultBedrockRegion
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var opts []func(*bedrockruntime.Options)
	if cfg.BaseURL != "" {
		opts = append(opts, func(o *bedrockruntime.Options) {
			o.BaseEndpoint = aws.String(cfg.BaseURL)
		})
	}

	return newBedrockTransport(bedrockruntime.NewFromConfig(awsCfg, opts...), kind, cfg.Model), nil
}

func newBedrockTransport(client bedrockInvoker, kind ProviderKind, model string) *BedrockTransport {
	return &BedrockTransport{client: client, model: model, kind: kind}
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeRequest struct {
	AnthropicVersion string          `json:"anthropic_version"`
	MaxTokens        int             `json:"max_tokens"`
	System           string          `json:"system,omitempty"`
	Messages         []claudeMessage `json:"messages"`
	Temperature      float64         `json:"temperature"`
	TopP             float64         `json:"top_p"`
}

type claudeResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type llamaRequest struct {
	Prompt      string  `json:"prompt"`
	MaxGenLen   int     `json:"max_gen_len"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
}

type llamaResponse struct {
	Generation string `json:"generation"`
}

func (t *BedrockTransport) Complete(ctx context.Context, req Request) (string, error) {
	body, err := t.encode(req)
	if err != nil {
		return "", err
	}

	out, err := t.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(t.model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		var throttled *types.ThrottlingException
		if errors.As(err, &throttled) {
			return "", fmt.Errorf("%w: %w", ErrThrottled, err)
		}
		return "", fmt.Errorf("%w: %w", ErrTransport, err)
	}

	return t.decode(out.Body)
}

func (t *BedrockTransport) encode(req Request) ([]byte, error) {
	var payload any
	switch t.kind {
	case ProviderBedrockLlama:
		payload = llamaRequest{
			Prompt:      llamaPrompt(req.System, req.Prompt),
			MaxGenLen:   req.MaxTokens,
			Temperature: req.Temperature,
			TopP:        req.TopP,
		}
	default:
		payload = claudeRequest{
			AnthropicVersion: bedrockAnthropicVer,
			MaxTokens:        req.MaxTokens,
			System:           req.System,
			Messages:         []claudeMessage{{Role: "user", Content: req.Prompt}},
			Temperature:      req.Temperature,
			TopP:             req.TopP,
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode bedrock request: %w", err)
	}
	return body, nil
}

func (t *BedrockTransport) decode(body []byte) (string, error) {
	switch t.kind {
	case ProviderBedrockLlama:
		var resp llamaResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("%w: decode llama response: %w", ErrTransport, err)
		}
		return resp.Generation, nil
	default:
		var resp claudeResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("%w: decode claude response: %w", ErrTransport, err)
		}
		for _, block := range resp.Content {
			if block.Type == "" || block.Type == "text" {
				return block.Text, nil
			}
		}
		return "", fmt.Errorf("%w: claude response has no text content", ErrThrottled)
	}
}

// llamaPrompt renders a system and user turn in the Llama 3 chat template.
func llamaPrompt(system, prompt string) string {
	var b strings.Builder
	b.WriteString("<|begin_of_text|>")
	if system != "" {
		b.WriteString("<|start_header_id|>system<|end_header_id|>\n\n")
		b.WriteString(system)
		b.WriteString("<|eot_id|>")
	}
	b.WriteString("<|start_header_id|>user<|end_header_id|>\n\n")
	b.WriteString(prompt)
	b.WriteString("<|eot_id|><|start_header_id|>assistant<|end_header_id|>\n\n")
	return b.String()
}
