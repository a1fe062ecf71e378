package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/antoniostano/storyweaver/internal/reliability"
)

// Message is one chat message sent to the generation model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the normalized completion request.
type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Response is the completed assistant message.
type Response struct {
	Text         string
	Model        string
	PromptTokens int
	OutputTokens int
}

// Client produces a single completion for a request.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

var ErrEmptyCompletion = errors.New("generation returned no content")

// StatusError is a non-success answer from the generation service.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("generation service returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("generation service returned status %d: %s", e.StatusCode, e.Message)
}

func (e *StatusError) HTTPStatus() int { return e.StatusCode }

// Config controls client construction.
type Config struct {
	Mode           string
	APIKey         string
	BaseURL        string
	RequestTimeout time.Duration
	Referer        string
	AppTitle       string
	Retry          reliability.Policy
}

// NewClient builds the client named by cfg.Mode: "openai" talks to an
// OpenAI-compatible endpoint, "mock" answers locally, and "auto" picks
// openai when an API key is configured.
func NewClient(cfg Config) (Client, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	var base Client
	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return NewMockClient(), nil
		}
		base = NewOpenAIClient(cfg)
	case "openai", "openrouter":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, errors.New("generation API key is required for openai mode")
		}
		base = NewOpenAIClient(cfg)
	case "mock":
		return NewMockClient(), nil
	default:
		return nil, fmt.Errorf("unsupported generation client mode %q", cfg.Mode)
	}

	if cfg.Retry.MaxAttempts > 1 {
		return NewRetryClient(base, cfg.Retry), nil
	}
	return base, nil
}

// Mode reports a human label for the concrete client, for startup logs.
func Mode(c Client) string {
	switch v := c.(type) {
	case *RetryClient:
		return Mode(v.next) + "+retry"
	case *OpenAIClient:
		return "openai"
	case *MockClient:
		return "mock"
	default:
		return "custom"
	}
}
