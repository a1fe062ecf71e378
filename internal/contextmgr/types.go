// Package contextmgr assembles the bounded message list sent to the
// generation model on every turn. Short sessions are replayed in full; long
// sessions are replaced by a cached, incrementally extended summary of the
// older turns plus a window of recent turns. Oversized turns are compressed
// on read and a hard ceiling caps the final estimate.
package contextmgr

import (
	"errors"
	"fmt"

	"github.com/antoniostano/storyweaver/internal/memory"
)

const (
	// SummaryFallback stands in for a summary the condenser could not produce.
	SummaryFallback = "Story context available."
	// CondensedMarker prefixes every compressed stand-in for a turn.
	CondensedMarker = "[Previous scene, compressed]: "

	storySoFarSeparator         = "\n\nStory so far: "
	recentDevelopmentsSeparator = "\n\nRecent developments: "

	DefaultSummaryMaxTokens     = 2000
	DefaultAddendumMaxTokens    = 1000
	DefaultEmergencyRecentTurns = 10
)

// Segment is one ephemeral {role, content} entry of an assembled context.
type Segment struct {
	Role    memory.Role `json:"role"`
	Content string      `json:"content"`
}

// Strategy names the regime a build used.
type Strategy string

const (
	StrategyEmpty      Strategy = "empty"
	StrategyFullReplay Strategy = "full_replay"
	StrategySummary    Strategy = "summary"
)

// Limits are the per-build tuning knobs.
type Limits struct {
	ShortTurnCount        int
	RecentCount           int
	CompressTriggerTokens int
	CompressTargetTokens  int
	MaxTotalTokens        int
}

func DefaultLimits() Limits {
	return Limits{
		ShortTurnCount:        10,
		RecentCount:           10,
		CompressTriggerTokens: 2500,
		CompressTargetTokens:  800,
		MaxTotalTokens:        50000,
	}
}

var ErrInvalidLimits = errors.New("invalid context limits")

func (l Limits) Validate() error {
	switch {
	case l.RecentCount < 1:
		return fmt.Errorf("%w: recent count must be >= 1, got %d", ErrInvalidLimits, l.RecentCount)
	case l.ShortTurnCount < l.RecentCount:
		return fmt.Errorf("%w: short turn count %d must be >= recent count %d", ErrInvalidLimits, l.ShortTurnCount, l.RecentCount)
	case l.CompressTargetTokens <= 0:
		return fmt.Errorf("%w: compress target must be positive", ErrInvalidLimits)
	case l.CompressTriggerTokens <= l.CompressTargetTokens:
		return fmt.Errorf("%w: compress trigger %d must exceed target %d", ErrInvalidLimits, l.CompressTriggerTokens, l.CompressTargetTokens)
	case l.MaxTotalTokens <= 0:
		return fmt.Errorf("%w: max total tokens must be positive", ErrInvalidLimits)
	}
	return nil
}

// SummaryMode records how a summary text was obtained.
type SummaryMode string

const (
	SummaryCached       SummaryMode = "cached"
	SummaryExisting     SummaryMode = "existing"
	SummaryFull         SummaryMode = "full"
	SummaryIncremental  SummaryMode = "incremental"
	SummaryResummarized SummaryMode = "resummarized"
)

// Summary is the condensed stand-in for the oldest Coverage turns.
// Degraded summaries came from a fallback path and are never cached.
type Summary struct {
	Text     string      `json:"text"`
	Coverage int         `json:"coverage"`
	Mode     SummaryMode `json:"mode"`
	Degraded bool        `json:"degraded"`
}

// Assembly is the result of one build plus what it took to produce it.
type Assembly struct {
	Segments           []Segment `json:"segments"`
	Strategy           Strategy  `json:"strategy"`
	TotalTurns         int       `json:"total_turns"`
	Coverage           int       `json:"coverage"`
	Summary            *Summary  `json:"summary,omitempty"`
	CompressedTurns    int       `json:"compressed_turns"`
	EstimatedTokens    int       `json:"estimated_tokens"`
	EmergencyTruncated bool      `json:"emergency_truncated"`
}

// Store is what the core needs from storage.
type Store interface {
	memory.Log
	memory.SummaryCache
}
