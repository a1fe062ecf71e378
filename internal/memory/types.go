package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role is the closed set of speakers a turn can belong to.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

var (
	ErrInvalidRole  = errors.New("invalid role")
	ErrEmptySession = errors.New("session id is required")
)

// ParseRole maps a stored or wire role string onto the closed enumeration.
func ParseRole(v string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(v))) {
	case RoleSystem:
		return RoleSystem, nil
	case RoleUser:
		return RoleUser, nil
	case RoleAssistant:
		return RoleAssistant, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, v)
	}
}

func (r Role) Valid() bool {
	_, err := ParseRole(string(r))
	return err == nil
}

// Turn is one immutable entry of a session's history. Position is 1-based
// and dense within a session.
type Turn struct {
	SessionID string    `json:"session_id"`
	Position  int       `json:"position"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// SummaryRecord is a condensed stand-in for the oldest Coverage turns of a session.
type SummaryRecord struct {
	SessionID string    `json:"session_id"`
	Coverage  int       `json:"coverage"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionStats aggregates what the log knows about one session.
type SessionStats struct {
	Turns          int       `json:"total_messages"`
	UserTurns      int       `json:"user_messages"`
	AssistantTurns int       `json:"assistant_messages"`
	Characters     int       `json:"total_characters"`
	FirstAt        time.Time `json:"first_message_at,omitempty"`
	LastAt         time.Time `json:"last_message_at,omitempty"`
}

// Log is the ordered, append-only per-session turn store.
type Log interface {
	Append(ctx context.Context, sessionID string, role Role, content string) (Turn, error)
	Count(ctx context.Context, sessionID string) (int, error)
	All(ctx context.Context, sessionID string) ([]Turn, error)
	LastN(ctx context.Context, sessionID string, n int) ([]Turn, error)
	// Range returns turns with from <= position <= to, chronologically.
	Range(ctx context.Context, sessionID string, from, to int) ([]Turn, error)
	Stats(ctx context.Context, sessionID string) (SessionStats, error)
	DeleteSession(ctx context.Context, sessionID string) (int, error)
	// PruneIdle deletes every session whose newest turn is older than cutoff
	// and returns the removed session ids.
	PruneIdle(ctx context.Context, cutoff time.Time) ([]string, error)
}

// SummaryCache stores condensed summaries keyed by session and exact coverage.
type SummaryCache interface {
	Get(ctx context.Context, sessionID string, coverage int) (string, bool, error)
	Latest(ctx context.Context, sessionID string) (SummaryRecord, bool, error)
	Put(ctx context.Context, sessionID string, coverage int, text string) error
	DeleteSummaries(ctx context.Context, sessionID string) (int, error)
}

// Store is a backend that serves both the log and the summary cache.
type Store interface {
	Log
	SummaryCache
	Ping(ctx context.Context) error
	Close() error
}

func clampRange(from, to, total int) (int, int, bool) {
	if from < 1 {
		from = 1
	}
	if to > total {
		to = total
	}
	if total == 0 || from > to {
		return 0, 0, false
	}
	return from, to, true
}
