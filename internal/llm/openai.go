package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIClient calls any OpenAI-compatible chat completions API, OpenRouter
// by default.
type OpenAIClient struct {
	client openai.Client
}

func NewOpenAIClient(cfg Config) *OpenAIClient {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// Retries are owned by RetryClient so they show up in our metrics.
		option.WithMaxRetries(0),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	if cfg.RequestTimeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.RequestTimeout))
	}
	if cfg.Referer != "" {
		opts = append(opts, option.WithHeader("HTTP-Referer", cfg.Referer))
	}
	if cfg.AppTitle != "" {
		opts = append(opts, option.WithHeader("X-Title", cfg.AppTitle))
	}
	return &OpenAIClient{client: openai.NewClient(opts...)}
}

func (c *OpenAIClient) Complete(ctx context.Context, req Request) (Response, error) {
	if len(req.Messages) == 0 {
		return Response{}, errors.New("completion request has no messages")
	}
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for i, m := range req.Messages {
		switch m.Role {
		case "system":
			messages = append(messages, openai.SystemMessage(m.Content))
		case "user":
			messages = append(messages, openai.UserMessage(m.Content))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			return Response{}, fmt.Errorf("message %d: unsupported role %q", i, m.Role)
		}
	}

	params := openai.ChatCompletionNewParams{
		Messages: messages,
		Model:    req.Model,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature != 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return Response{}, &StatusError{StatusCode: apiErr.StatusCode, Message: apiErr.Message}
		}
		return Response{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return Response{}, ErrEmptyCompletion
	}
	text := completion.Choices[0].Message.Content
	if strings.TrimSpace(text) == "" {
		return Response{}, ErrEmptyCompletion
	}
	return Response{
		Text:         text,
		Model:        completion.Model,
		PromptTokens: int(completion.Usage.PromptTokens),
		OutputTokens: int(completion.Usage.CompletionTokens),
	}, nil
}
