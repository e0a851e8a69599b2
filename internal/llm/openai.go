package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// DefaultPrimaryBaseURL is the OpenRouter OpenAI-compatible endpoint.
const DefaultPrimaryBaseURL = "https://openrouter.ai/api/v1/"

// OpenAIChatConfig configures OpenAIChat.
type OpenAIChatConfig struct {
	BaseURL    string
	AppTitle   string // sent as X-Title, OpenRouter uses it for attribution
	HTTPClient *http.Client
}

type chatCompletions interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// OpenAIChat is a ChatClient backed by openai-go. The SDK's own retries are
// disabled: every failure is returned so the caller can rotate credentials.
type OpenAIChat struct {
	completions chatCompletions
}

// NewOpenAIChat builds the primary transport.
func NewOpenAIChat(cfg OpenAIChatConfig) *OpenAIChat {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = DefaultPrimaryBaseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}

	opts := []option.RequestOption{
		option.WithBaseURL(baseURL),
		option.WithMaxRetries(0),
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	if cfg.AppTitle != "" {
		opts = append(opts, option.WithHeader("X-Title", cfg.AppTitle))
	}

	client := openai.NewClient(opts...)
	return &OpenAIChat{completions: &client.Chat.Completions}
}

// Complete sends req with apiKey and returns the first choice's content.
func (c *OpenAIChat) Complete(ctx context.Context, apiKey string, req ChatRequest) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: toOpenAIMessages(req.Messages),
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.TopP > 0 {
		params.TopP = openai.Float(req.TopP)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	completion, err := c.completions.New(ctx, params, option.WithAPIKey(apiKey))
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", &StatusError{StatusCode: apiErr.StatusCode, Body: apiErr.Message}
		}
		return "", fmt.Errorf("chat completion: %w", wrapTransportError(err))
	}
	if completion == nil || len(completion.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	content := completion.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyCompletion
	}
	return content, nil
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Content: openai.ChatCompletionAssistantMessageParamContentUnion{
						OfString: openai.String(m.Content),
					},
				},
			})
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
