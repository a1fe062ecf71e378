package contextmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/antoniostano/storyweaver/internal/condense"
	"github.com/antoniostano/storyweaver/internal/memory"
	"github.com/antoniostano/storyweaver/internal/observability"
	"github.com/antoniostano/storyweaver/internal/tokens"
)

// Options configure a Builder and its collaborators. Zero values take the
// package defaults.
type Options struct {
	BaseInstruction      string
	Estimator            tokens.Estimator
	Logger               *slog.Logger
	Metrics              *observability.Metrics
	SummaryMaxTokens     int
	AddendumMaxTokens    int
	EmergencyRecentTurns int
}

func (o Options) withDefaults() Options {
	if o.Estimator == nil {
		o.Estimator = tokens.CharEstimator{}
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	if o.SummaryMaxTokens <= 0 {
		o.SummaryMaxTokens = DefaultSummaryMaxTokens
	}
	if o.AddendumMaxTokens <= 0 {
		o.AddendumMaxTokens = DefaultAddendumMaxTokens
	}
	if o.EmergencyRecentTurns <= 0 {
		o.EmergencyRecentTurns = DefaultEmergencyRecentTurns
	}
	return o
}

// Builder is the per-request context orchestrator.
type Builder struct {
	store      Store
	condenser  condense.Service
	summarizer *Summarizer
	compressor *Compressor
	opts       Options
}

func NewBuilder(store Store, condenser condense.Service, opts Options) *Builder {
	opts = opts.withDefaults()
	return &Builder{
		store:      store,
		condenser:  condenser,
		summarizer: NewSummarizer(store, condenser, opts),
		compressor: NewCompressor(condenser, opts.Estimator, opts.Logger, opts.Metrics),
		opts:       opts,
	}
}

// Build assembles the context for sessionID from what is stored. The live
// user turn is not included; callers append it.
func (b *Builder) Build(ctx context.Context, sessionID string, limits Limits) (Assembly, error) {
	if err := limits.Validate(); err != nil {
		return Assembly{}, err
	}
	log := b.opts.Logger.With("session_id", sessionID)

	total, err := b.store.Count(ctx, sessionID)
	if err != nil {
		return Assembly{}, fmt.Errorf("count turns: %w", err)
	}
	if total == 0 {
		b.opts.Metrics.ObserveBuild(string(StrategyEmpty), 0, false)
		return Assembly{Segments: []Segment{}, Strategy: StrategyEmpty}, nil
	}

	oldCount := total - limits.RecentCount
	if total <= limits.ShortTurnCount || oldCount <= 0 {
		return b.fullReplay(ctx, log, sessionID, total, limits)
	}

	log.Debug("building summarized context", "total_turns", total, "old_count", oldCount, "recent", limits.RecentCount)
	summary, err := b.summaryFor(ctx, sessionID, oldCount)
	if err != nil {
		return Assembly{}, err
	}

	recent, err := b.store.LastN(ctx, sessionID, limits.RecentCount)
	if err != nil {
		return Assembly{}, fmt.Errorf("read recent turns: %w", err)
	}
	recentSegments, compressed := b.compressAll(ctx, recent, limits)

	system := Segment{Role: memory.RoleSystem, Content: b.opts.BaseInstruction + storySoFarSeparator + summary.Text}
	asm := Assembly{
		Segments:        append([]Segment{system}, recentSegments...),
		Strategy:        StrategySummary,
		TotalTurns:      total,
		Coverage:        oldCount,
		Summary:         &summary,
		CompressedTurns: compressed,
	}
	asm.EstimatedTokens = b.estimate(asm.Segments)

	if asm.EstimatedTokens > limits.MaxTotalTokens {
		keep := recentSegments
		if len(keep) > b.opts.EmergencyRecentTurns {
			keep = keep[len(keep)-b.opts.EmergencyRecentTurns:]
		}
		asm.Segments = append([]Segment{system}, keep...)
		asm.EmergencyTruncated = true
		before := asm.EstimatedTokens
		asm.EstimatedTokens = b.estimate(asm.Segments)
		log.Warn("context over ceiling, applied emergency truncation",
			"estimated_tokens", before,
			"max_total_tokens", limits.MaxTotalTokens,
			"kept_recent", len(keep),
			"after_tokens", asm.EstimatedTokens,
		)
	}

	b.opts.Metrics.ObserveBuild(string(asm.Strategy), asm.EstimatedTokens, asm.EmergencyTruncated)
	log.Info("context built",
		"strategy", asm.Strategy,
		"total_turns", total,
		"old_count", oldCount,
		"summary_mode", summary.Mode,
		"estimated_tokens", asm.EstimatedTokens,
	)
	return asm, nil
}

func (b *Builder) fullReplay(ctx context.Context, log *slog.Logger, sessionID string, total int, limits Limits) (Assembly, error) {
	turns, err := b.store.All(ctx, sessionID)
	if err != nil {
		return Assembly{}, fmt.Errorf("read all turns: %w", err)
	}
	segments, compressed := b.compressAll(ctx, turns, limits)
	asm := Assembly{
		Segments:        segments,
		Strategy:        StrategyFullReplay,
		TotalTurns:      total,
		CompressedTurns: compressed,
		EstimatedTokens: b.estimate(segments),
	}
	b.opts.Metrics.ObserveBuild(string(asm.Strategy), asm.EstimatedTokens, false)
	log.Info("context built", "strategy", asm.Strategy, "total_turns", total, "estimated_tokens", asm.EstimatedTokens)
	return asm, nil
}

// summaryFor returns the exact-coverage summary, creating and caching it on
// a miss. Degraded results are returned but left out of the cache.
func (b *Builder) summaryFor(ctx context.Context, sessionID string, coverage int) (Summary, error) {
	text, ok, err := b.store.Get(ctx, sessionID, coverage)
	if err != nil {
		b.opts.Logger.Warn("summary cache read failed, treating as miss", "session_id", sessionID, "coverage", coverage, "err", err)
		ok = false
	}
	b.opts.Metrics.ObserveCacheLookup(ok)
	if ok {
		return Summary{Text: text, Coverage: coverage, Mode: SummaryCached}, nil
	}

	summary, err := b.summarizer.Summarize(ctx, sessionID, coverage)
	if err != nil {
		return Summary{}, fmt.Errorf("summarize to %d: %w", coverage, err)
	}
	if summary.Degraded {
		return summary, nil
	}
	if err := b.store.Put(ctx, sessionID, coverage, summary.Text); err != nil {
		b.opts.Logger.Warn("summary cache write failed", "session_id", sessionID, "coverage", coverage, "err", err)
	}
	return summary, nil
}

func (b *Builder) compressAll(ctx context.Context, turns []memory.Turn, limits Limits) ([]Segment, int) {
	out := make([]Segment, 0, len(turns))
	compressed := 0
	for _, t := range turns {
		seg, changed := b.compressor.CompressIfNeeded(ctx, t, limits.CompressTriggerTokens, limits.CompressTargetTokens)
		if changed {
			compressed++
		}
		out = append(out, seg)
	}
	return out, compressed
}

func (b *Builder) estimate(segments []Segment) int {
	total := 0
	for _, s := range segments {
		total += b.opts.Estimator.Estimate(s.Content)
	}
	return total
}

// SummaryState describes what a summary view could report.
type SummaryState string

const (
	SummaryStateEmpty    SummaryState = "empty"
	SummaryStateTooShort SummaryState = "too_short"
	SummaryStateReady    SummaryState = "ready"
)

// SummaryView is the inspection result for one session's summary.
type SummaryView struct {
	State      SummaryState
	TotalTurns int
	Summary    Summary
}

// Summary returns the summary a build would use right now, creating and
// caching it exactly as Build does.
func (b *Builder) Summary(ctx context.Context, sessionID string, limits Limits) (SummaryView, error) {
	if err := limits.Validate(); err != nil {
		return SummaryView{}, err
	}
	total, err := b.store.Count(ctx, sessionID)
	if err != nil {
		return SummaryView{}, fmt.Errorf("count turns: %w", err)
	}
	switch {
	case total == 0:
		return SummaryView{State: SummaryStateEmpty}, nil
	case total <= limits.ShortTurnCount:
		return SummaryView{State: SummaryStateTooShort, TotalTurns: total}, nil
	}
	summary, err := b.summaryFor(ctx, sessionID, total-limits.RecentCount)
	if err != nil {
		return SummaryView{}, err
	}
	return SummaryView{State: SummaryStateReady, TotalTurns: total, Summary: summary}, nil
}

var ErrRegenerateFailed = errors.New("summary regeneration failed")

// Regenerate condenses the full old range again and overwrites the cached
// record for the current coverage. Unlike Build it reports condensation
// failure instead of degrading, and leaves the cache untouched in that case.
func (b *Builder) Regenerate(ctx context.Context, sessionID string, limits Limits) (SummaryView, error) {
	if err := limits.Validate(); err != nil {
		return SummaryView{}, err
	}
	total, err := b.store.Count(ctx, sessionID)
	if err != nil {
		return SummaryView{}, fmt.Errorf("count turns: %w", err)
	}
	switch {
	case total == 0:
		return SummaryView{State: SummaryStateEmpty}, nil
	case total <= limits.ShortTurnCount:
		return SummaryView{State: SummaryStateTooShort, TotalTurns: total}, nil
	}

	coverage := total - limits.RecentCount
	turns, err := b.store.Range(ctx, sessionID, 1, coverage)
	if err != nil {
		return SummaryView{}, fmt.Errorf("read turns 1-%d: %w", coverage, err)
	}
	text, err := b.condenser.SummarizeSlice(ctx, turns, b.opts.SummaryMaxTokens)
	if err != nil {
		b.opts.Metrics.ObserveCondensation("summary", "failed")
		return SummaryView{}, fmt.Errorf("%w: %w", ErrRegenerateFailed, err)
	}
	b.opts.Metrics.ObserveCondensation("summary", "ok")
	if err := b.store.Put(ctx, sessionID, coverage, text); err != nil {
		return SummaryView{}, fmt.Errorf("store regenerated summary: %w", err)
	}
	b.opts.Logger.Info("summary regenerated", "session_id", sessionID, "coverage", coverage)
	return SummaryView{
		State:      SummaryStateReady,
		TotalTurns: total,
		Summary:    Summary{Text: text, Coverage: coverage, Mode: SummaryFull},
	}, nil
}
