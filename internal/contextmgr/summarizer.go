package contextmgr

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/antoniostano/storyweaver/internal/condense"
	"github.com/antoniostano/storyweaver/internal/observability"
	"github.com/antoniostano/storyweaver/internal/tokens"
)

// Summarizer extends the newest cached summary of a session to a target
// coverage, condensing only the turns it does not cover yet. It reads the
// cache but never writes it.
type Summarizer struct {
	store          Store
	condenser      condense.Service
	estimator      tokens.Estimator
	logger         *slog.Logger
	metrics        *observability.Metrics
	maxTokens      int
	addendumTokens int
}

func NewSummarizer(store Store, condenser condense.Service, opts Options) *Summarizer {
	opts = opts.withDefaults()
	return &Summarizer{
		store:          store,
		condenser:      condenser,
		estimator:      opts.Estimator,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		maxTokens:      opts.SummaryMaxTokens,
		addendumTokens: opts.AddendumMaxTokens,
	}
}

// Summarize returns a summary of turns [1, target]. Condensation failures
// degrade to the fixed placeholder, appended to the previous summary when
// extending it; only storage read failures are returned as errors.
func (s *Summarizer) Summarize(ctx context.Context, sessionID string, target int) (Summary, error) {
	log := s.logger.With("session_id", sessionID, "target_coverage", target)

	latest, found, err := s.store.Latest(ctx, sessionID)
	if err != nil {
		log.Warn("latest summary lookup failed, summarizing from scratch", "err", err)
		found = false
	}

	if !found {
		return s.fromScratch(ctx, sessionID, target, SummaryFull)
	}

	if latest.Coverage >= target {
		return Summary{Text: latest.Text, Coverage: target, Mode: SummaryExisting}, nil
	}

	delta, err := s.store.Range(ctx, sessionID, latest.Coverage+1, target)
	if err != nil {
		return Summary{}, fmt.Errorf("read turns %d-%d: %w", latest.Coverage+1, target, err)
	}
	if len(delta) == 0 {
		// Log is shorter than target: reuse the previous text, uncached.
		log.Warn("no turns in summary delta", "previous_coverage", latest.Coverage)
		return Summary{Text: latest.Text, Coverage: target, Mode: SummaryExisting, Degraded: true}, nil
	}

	log.Info("extending summary", "from", latest.Coverage+1, "to", target)
	addendum, err := s.condenser.SummarizeSlice(ctx, delta, s.addendumTokens)
	if err != nil {
		s.metrics.ObserveCondensation("summary_delta", "fallback")
		log.Warn("summary extension failed, using placeholder", "previous_coverage", latest.Coverage, "err", err)
		return Summary{
			Text:     latest.Text + recentDevelopmentsSeparator + SummaryFallback,
			Coverage: target,
			Mode:     SummaryIncremental,
			Degraded: true,
		}, nil
	}
	s.metrics.ObserveCondensation("summary_delta", "ok")

	combined := latest.Text + recentDevelopmentsSeparator + addendum
	if size := s.estimator.Estimate(combined); size > s.maxTokens {
		log.Info("combined summary over budget, resummarizing", "estimated_tokens", size, "budget", s.maxTokens)
		resummarized, err := s.fromScratch(ctx, sessionID, target, SummaryResummarized)
		if err != nil {
			return Summary{}, err
		}
		// A failed re-summarize already carries the placeholder; the
		// over-budget concatenation is never returned.
		return resummarized, nil
	}
	return Summary{Text: combined, Coverage: target, Mode: SummaryIncremental}, nil
}

func (s *Summarizer) fromScratch(ctx context.Context, sessionID string, target int, mode SummaryMode) (Summary, error) {
	turns, err := s.store.Range(ctx, sessionID, 1, target)
	if err != nil {
		return Summary{}, fmt.Errorf("read turns 1-%d: %w", target, err)
	}
	s.logger.Info("summarizing from scratch", "session_id", sessionID, "turns", len(turns), "target_coverage", target)

	text, err := s.condenser.SummarizeSlice(ctx, turns, s.maxTokens)
	if err != nil {
		s.metrics.ObserveCondensation("summary", "fallback")
		s.logger.Warn("summary generation failed, using placeholder", "session_id", sessionID, "err", err)
		return Summary{Text: SummaryFallback, Coverage: target, Mode: mode, Degraded: true}, nil
	}
	s.metrics.ObserveCondensation("summary", "ok")
	return Summary{Text: text, Coverage: target, Mode: mode}, nil
}
