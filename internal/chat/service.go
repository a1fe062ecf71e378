// Package chat runs one story turn end to end: pacing, context assembly,
// generation and persistence.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/storyweaver/internal/contextmgr"
	"github.com/antoniostano/storyweaver/internal/llm"
	"github.com/antoniostano/storyweaver/internal/memory"
	"github.com/antoniostano/storyweaver/internal/observability"
	"github.com/antoniostano/storyweaver/internal/policy"
	"github.com/antoniostano/storyweaver/internal/ratelimit"
	"github.com/antoniostano/storyweaver/internal/tokens"
)

var ErrEmptyPrompt = errors.New("prompt is required")

// GenerationError wraps a failed generation call. It is the only failure of
// a chat turn that reaches the user as an upstream error.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string { return "generation failed: " + e.Err.Error() }
func (e *GenerationError) Unwrap() error { return e.Err }

type Config struct {
	BaseInstruction string
	DefaultModel    string
	MaxOutputTokens int
	Temperature     float64
	InputCostPer1M  float64
	Limits          contextmgr.Limits
}

type Request struct {
	Prompt    string `json:"prompt"`
	Model     string `json:"model,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// ContextInfo reports how the context for a reply was assembled.
type ContextInfo struct {
	Strategy           contextmgr.Strategy    `json:"strategy"`
	Coverage           int                    `json:"coverage"`
	SummaryMode        contextmgr.SummaryMode `json:"summary_mode,omitempty"`
	SummaryDegraded    bool                   `json:"summary_degraded,omitempty"`
	CompressedTurns    int                    `json:"compressed_turns"`
	EstimatedTokens    int                    `json:"estimated_tokens"`
	EmergencyTruncated bool                   `json:"emergency_truncated"`
}

type Reply struct {
	RequestID    string      `json:"request_id"`
	SessionID    string      `json:"session_id"`
	Text         string      `json:"text"`
	Model        string      `json:"model"`
	PromptTokens int         `json:"prompt_tokens,omitempty"`
	Context      ContextInfo `json:"context"`
}

type Service struct {
	store     memory.Store
	builder   *contextmgr.Builder
	client    llm.Client
	cooldown  *ratelimit.Cooldown
	estimator tokens.Estimator
	cfg       Config
	logger    *slog.Logger
	metrics   *observability.Metrics
	newID     func() string
}

func NewService(
	store memory.Store,
	builder *contextmgr.Builder,
	client llm.Client,
	cooldown *ratelimit.Cooldown,
	estimator tokens.Estimator,
	cfg Config,
	logger *slog.Logger,
	metrics *observability.Metrics,
) *Service {
	if estimator == nil {
		estimator = tokens.CharEstimator{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.8
	}
	return &Service{
		store:     store,
		builder:   builder,
		client:    client,
		cooldown:  cooldown,
		estimator: estimator,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		newID:     uuid.NewString,
	}
}

// Chat answers one prompt. The context is built from stored history before
// the prompt is persisted, so the live turn appears exactly once. A rejected
// cooldown leaves nothing persisted.
func (s *Service) Chat(ctx context.Context, req Request) (Reply, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return Reply{}, ErrEmptyPrompt
	}
	sessionID, err := policy.NormalizeSessionID(req.SessionID)
	if err != nil {
		return Reply{}, err
	}

	requestID := s.newID()
	log := s.logger.With("request_id", requestID, "session_id", sessionID)
	log.Info("chat request", "prompt_preview", policy.PromptPreview(prompt, 0))
	started := time.Now()

	asm, err := s.builder.Build(ctx, sessionID, s.cfg.Limits)
	if err != nil {
		return Reply{}, fmt.Errorf("build context: %w", err)
	}
	s.metrics.ObserveStage(observability.StageContextBuild, time.Since(started))

	// The slot is claimed only once a generation call is about to follow.
	if err := s.cooldown.Acquire(); err != nil {
		return Reply{}, err
	}

	if _, err := s.store.Append(ctx, sessionID, memory.RoleUser, prompt); err != nil {
		return Reply{}, fmt.Errorf("store user turn: %w", err)
	}

	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = s.cfg.DefaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = s.cfg.MaxOutputTokens
	}

	genStarted := time.Now()
	resp, err := s.client.Complete(ctx, llm.Request{
		Model:       model,
		Messages:    s.messages(asm, prompt),
		MaxTokens:   maxTokens,
		Temperature: s.cfg.Temperature,
	})
	if err != nil {
		log.Error("generation failed", "model", model, "err", err)
		return Reply{}, &GenerationError{Err: err}
	}
	s.metrics.ObserveGeneration(time.Since(genStarted))
	s.cooldown.Complete()

	if _, err := s.store.Append(ctx, sessionID, memory.RoleAssistant, resp.Text); err != nil {
		return Reply{}, fmt.Errorf("store assistant turn: %w", err)
	}
	s.metrics.ObserveStage(observability.StageChatTotal, time.Since(started))

	info := ContextInfo{
		Strategy:           asm.Strategy,
		Coverage:           asm.Coverage,
		CompressedTurns:    asm.CompressedTurns,
		EstimatedTokens:    asm.EstimatedTokens,
		EmergencyTruncated: asm.EmergencyTruncated,
	}
	if asm.Summary != nil {
		info.SummaryMode = asm.Summary.Mode
		info.SummaryDegraded = asm.Summary.Degraded
	}
	log.Info("chat reply",
		"model", model,
		"strategy", asm.Strategy,
		"reply_chars", len(resp.Text),
		"elapsed_ms", time.Since(started).Milliseconds(),
	)
	if resp.Model != "" {
		model = resp.Model
	}
	return Reply{
		RequestID:    requestID,
		SessionID:    sessionID,
		Text:         resp.Text,
		Model:        model,
		PromptTokens: resp.PromptTokens,
		Context:      info,
	}, nil
}

// messages turns an assembly into the outgoing request. Assemblies without a
// summary wrapper get the base instruction as their system message.
func (s *Service) messages(asm contextmgr.Assembly, prompt string) []llm.Message {
	out := make([]llm.Message, 0, len(asm.Segments)+2)
	if (len(asm.Segments) == 0 || asm.Segments[0].Role != memory.RoleSystem) && s.cfg.BaseInstruction != "" {
		out = append(out, llm.Message{Role: string(memory.RoleSystem), Content: s.cfg.BaseInstruction})
	}
	for _, seg := range asm.Segments {
		out = append(out, llm.Message{Role: string(seg.Role), Content: seg.Content})
	}
	return append(out, llm.Message{Role: string(memory.RoleUser), Content: prompt})
}
