// Package condense shrinks conversation slices and long texts by asking the
// generation model to rewrite them.
package condense

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/antoniostano/storyweaver/internal/llm"
	"github.com/antoniostano/storyweaver/internal/memory"
)

var ErrServiceUnavailable = errors.New("condensation service unavailable")

// UnavailableError records which condensation failed and why. It always
// matches ErrServiceUnavailable under errors.Is.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrServiceUnavailable, e.Err)
}

func (e *UnavailableError) Unwrap() []error { return []error{ErrServiceUnavailable, e.Err} }

// Service turns a slice of turns or one long text into something shorter.
type Service interface {
	SummarizeSlice(ctx context.Context, turns []memory.Turn, maxTokens int) (string, error)
	CompressText(ctx context.Context, text string, targetTokens int) (string, error)
}

const (
	DefaultSummaryPrompt = `Analyze this conversation and create a comprehensive story summary that captures:

1. Main characters and their current status
2. Key plot developments and events
3. Current setting and situation
4. Important details and unresolved threads

Keep it concise but informative. Format as flowing prose, not bullet points.`
	DefaultCompressPrompt = "Summarize the following story segment concisely while preserving key plot points, character actions, and important details. Keep it under 200 words:"

	summaryTemperature  = 0.5
	compressTemperature = 0.8
)

type Config struct {
	Model          string
	SummaryPrompt  string
	CompressPrompt string
	// CallTimeout bounds each condensation call; zero leaves it to ctx.
	CallTimeout time.Duration
}

// LLMService condenses text with a generation client.
type LLMService struct {
	client llm.Client
	cfg    Config
}

func NewLLMService(client llm.Client, cfg Config) *LLMService {
	if strings.TrimSpace(cfg.SummaryPrompt) == "" {
		cfg.SummaryPrompt = DefaultSummaryPrompt
	}
	if strings.TrimSpace(cfg.CompressPrompt) == "" {
		cfg.CompressPrompt = DefaultCompressPrompt
	}
	return &LLMService{client: client, cfg: cfg}
}

func (s *LLMService) SummarizeSlice(ctx context.Context, turns []memory.Turn, maxTokens int) (string, error) {
	if len(turns) == 0 {
		return "", &UnavailableError{Op: "summarize", Err: errors.New("no turns to summarize")}
	}
	return s.complete(ctx, "summarize", []llm.Message{
		{Role: "system", Content: s.cfg.SummaryPrompt},
		{Role: "user", Content: "Summarize this story conversation:\n\n" + RenderTurns(turns)},
	}, maxTokens, summaryTemperature)
}

func (s *LLMService) CompressText(ctx context.Context, text string, targetTokens int) (string, error) {
	return s.complete(ctx, "compress", []llm.Message{
		{Role: "system", Content: s.cfg.CompressPrompt},
		{Role: "user", Content: text},
	}, targetTokens, compressTemperature)
}

func (s *LLMService) complete(ctx context.Context, op string, messages []llm.Message, maxTokens int, temperature float64) (string, error) {
	if s.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.CallTimeout)
		defer cancel()
	}
	resp, err := s.client.Complete(ctx, llm.Request{
		Model:       s.cfg.Model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
	if err != nil {
		return "", &UnavailableError{Op: op, Err: err}
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", &UnavailableError{Op: op, Err: llm.ErrEmptyCompletion}
	}
	return text, nil
}

// RenderTurns lays a slice out as "role: content" blocks in order.
func RenderTurns(turns []memory.Turn) string {
	var b strings.Builder
	for _, t := range turns {
		b.WriteString(string(t.Role))
		b.WriteString(": ")
		b.WriteString(t.Content)
		b.WriteString("\n\n")
	}
	return b.String()
}
