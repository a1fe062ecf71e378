package contextmgr

import (
	"context"
	"log/slog"

	"github.com/antoniostano/storyweaver/internal/condense"
	"github.com/antoniostano/storyweaver/internal/memory"
	"github.com/antoniostano/storyweaver/internal/observability"
	"github.com/antoniostano/storyweaver/internal/tokens"
)

// Compressor shrinks oversized turns into read-time stand-ins. Stored turns
// are never touched.
type Compressor struct {
	condenser condense.Service
	estimator tokens.Estimator
	logger    *slog.Logger
	metrics   *observability.Metrics
}

func NewCompressor(condenser condense.Service, estimator tokens.Estimator, logger *slog.Logger, metrics *observability.Metrics) *Compressor {
	if estimator == nil {
		estimator = tokens.CharEstimator{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Compressor{condenser: condenser, estimator: estimator, logger: logger, metrics: metrics}
}

// CompressIfNeeded returns the turn verbatim when its estimate is at or below
// trigger. Otherwise it returns a marked stand-in that is always shorter by
// estimate: the condensed text when the service delivers one, a truncated
// prefix when it does not.
func (c *Compressor) CompressIfNeeded(ctx context.Context, turn memory.Turn, trigger, target int) (Segment, bool) {
	size := c.estimator.Estimate(turn.Content)
	if size <= trigger {
		return Segment{Role: turn.Role, Content: turn.Content}, false
	}

	compressed, err := c.condenser.CompressText(ctx, turn.Content, target)
	if err == nil {
		candidate := CondensedMarker + compressed
		if c.estimator.Estimate(candidate) < size {
			c.metrics.ObserveCondensation("compress", "ok")
			c.logger.Debug("compressed oversized turn",
				"session_id", turn.SessionID,
				"position", turn.Position,
				"from_tokens", size,
				"to_tokens", c.estimator.Estimate(candidate),
			)
			return Segment{Role: turn.Role, Content: candidate}, true
		}
		c.metrics.ObserveCondensation("compress", "not_shorter")
		c.logger.Warn("compressed turn was not shorter, truncating",
			"session_id", turn.SessionID,
			"position", turn.Position,
		)
	} else {
		c.metrics.ObserveCondensation("compress", "fallback")
		c.logger.Warn("turn compression failed, truncating",
			"session_id", turn.SessionID,
			"position", turn.Position,
			"err", err,
		)
	}
	return Segment{Role: turn.Role, Content: c.truncate(turn.Content, size, target)}, true
}

// truncate keeps the longest prefix within target whose marked stand-in
// still estimates below size.
func (c *Compressor) truncate(content string, size, target int) string {
	budget := min(target, size-c.estimator.Estimate(CondensedMarker)-1)
	for ; budget > 0; budget-- {
		candidate := CondensedMarker + tokens.TruncateChars(content, budget)
		if c.estimator.Estimate(candidate) < size {
			return candidate
		}
	}
	return CondensedMarker
}
