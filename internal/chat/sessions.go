package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/antoniostano/storyweaver/internal/contextmgr"
	"github.com/antoniostano/storyweaver/internal/policy"
)

// SummaryResult is the summary inspection answer for one session.
type SummaryResult struct {
	SessionID     string `json:"session_id"`
	Summary       string `json:"summary"`
	Messages      int    `json:"messages"`
	SummaryCovers int    `json:"summary_covers,omitempty"`
	Degraded      bool   `json:"degraded,omitempty"`
}

func summaryResult(sessionID string, view contextmgr.SummaryView) SummaryResult {
	out := SummaryResult{SessionID: sessionID, Messages: view.TotalTurns}
	switch view.State {
	case contextmgr.SummaryStateEmpty:
		out.Summary = "No messages yet"
	case contextmgr.SummaryStateTooShort:
		out.Summary = "Conversation too short for summary"
	default:
		out.Summary = view.Summary.Text
		out.SummaryCovers = view.Summary.Coverage
		out.Degraded = view.Summary.Degraded
	}
	return out
}

func (s *Service) Summary(ctx context.Context, sessionID string) (SummaryResult, error) {
	sessionID, err := policy.NormalizeSessionID(sessionID)
	if err != nil {
		return SummaryResult{}, err
	}
	view, err := s.builder.Summary(ctx, sessionID, s.cfg.Limits)
	if err != nil {
		return SummaryResult{}, err
	}
	return summaryResult(sessionID, view), nil
}

func (s *Service) RegenerateSummary(ctx context.Context, sessionID string) (SummaryResult, error) {
	sessionID, err := policy.NormalizeSessionID(sessionID)
	if err != nil {
		return SummaryResult{}, err
	}
	view, err := s.builder.Regenerate(ctx, sessionID, s.cfg.Limits)
	if err != nil {
		return SummaryResult{}, err
	}
	s.logger.Info("summary regenerated", "session_id", sessionID, "state", view.State)
	return summaryResult(sessionID, view), nil
}

type Stats struct {
	SessionID         string     `json:"session_id"`
	TotalMessages     int        `json:"total_messages"`
	UserMessages      int        `json:"user_messages"`
	AssistantMessages int        `json:"assistant_messages"`
	TotalCharacters   int        `json:"total_characters"`
	TotalTokens       int        `json:"total_tokens"`
	SummaryCoverage   int        `json:"summary_coverage"`
	FirstMessageAt    *time.Time `json:"first_message_at,omitempty"`
	LastMessageAt     *time.Time `json:"last_message_at,omitempty"`
	EstimatedCost     string     `json:"estimated_cost"`
}

func (s *Service) Stats(ctx context.Context, sessionID string) (Stats, error) {
	sessionID, err := policy.NormalizeSessionID(sessionID)
	if err != nil {
		return Stats{}, err
	}
	st, err := s.store.Stats(ctx, sessionID)
	if err != nil {
		return Stats{}, err
	}
	turns, err := s.store.All(ctx, sessionID)
	if err != nil {
		return Stats{}, fmt.Errorf("read turns: %w", err)
	}
	total := 0
	for _, t := range turns {
		total += s.estimator.Estimate(t.Content)
	}

	out := Stats{
		SessionID:         sessionID,
		TotalMessages:     st.Turns,
		UserMessages:      st.UserTurns,
		AssistantMessages: st.AssistantTurns,
		TotalCharacters:   st.Characters,
		TotalTokens:       total,
		EstimatedCost:     fmt.Sprintf("$%.4f", float64(total)/1_000_000*s.cfg.InputCostPer1M),
	}
	if latest, ok, err := s.store.Latest(ctx, sessionID); err == nil && ok {
		out.SummaryCoverage = latest.Coverage
	}
	if !st.FirstAt.IsZero() {
		first, last := st.FirstAt, st.LastAt
		out.FirstMessageAt, out.LastMessageAt = &first, &last
	}
	return out, nil
}

// DeleteResult reports the normalized session that was removed.
type DeleteResult struct {
	SessionID       string `json:"session_id"`
	DeletedMessages int    `json:"deleted_messages"`
}

// DeleteSession removes every turn and summary of a session.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) (DeleteResult, error) {
	sessionID, err := policy.NormalizeSessionID(sessionID)
	if err != nil {
		return DeleteResult{}, err
	}
	n, err := s.store.DeleteSession(ctx, sessionID)
	if err != nil {
		return DeleteResult{}, err
	}
	s.logger.Info("session deleted", "session_id", sessionID, "deleted_messages", n)
	return DeleteResult{SessionID: sessionID, DeletedMessages: n}, nil
}
