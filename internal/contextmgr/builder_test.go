package contextmgr

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/antoniostano/storyweaver/internal/condense"
	"github.com/antoniostano/storyweaver/internal/memory"
	"github.com/antoniostano/storyweaver/internal/tokens"
)

type summaryCall struct {
	From, To  int
	MaxTokens int
}

type compressCall struct {
	Length int
	Target int
}

// stubCondenser records every call so tests can assert what was condensed.
type stubCondenser struct {
	mu            sync.Mutex
	summaryCalls  []summaryCall
	compressCalls []compressCall
	summarize     func(turns []memory.Turn, maxTokens int) (string, error)
	compress      func(text string, target int) (string, error)
}

func (s *stubCondenser) SummarizeSlice(_ context.Context, turns []memory.Turn, maxTokens int) (string, error) {
	s.mu.Lock()
	call := summaryCall{MaxTokens: maxTokens}
	if len(turns) > 0 {
		call.From, call.To = turns[0].Position, turns[len(turns)-1].Position
	}
	s.summaryCalls = append(s.summaryCalls, call)
	s.mu.Unlock()
	if s.summarize != nil {
		return s.summarize(turns, maxTokens)
	}
	return fmt.Sprintf("summary of %d-%d", call.From, call.To), nil
}

func (s *stubCondenser) CompressText(_ context.Context, text string, target int) (string, error) {
	s.mu.Lock()
	s.compressCalls = append(s.compressCalls, compressCall{Length: len(text), Target: target})
	s.mu.Unlock()
	if s.compress != nil {
		return s.compress(text, target)
	}
	return "the short version", nil
}

func (s *stubCondenser) calls() ([]summaryCall, []compressCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]summaryCall(nil), s.summaryCalls...), append([]compressCall(nil), s.compressCalls...)
}

func unavailable(op string) error {
	return &condense.UnavailableError{Op: op, Err: errors.New("upstream down")}
}

func seedTurns(t *testing.T, store memory.Log, sessionID string, from, to int) {
	t.Helper()
	for i := from; i <= to; i++ {
		role := memory.RoleUser
		if i%2 == 0 {
			role = memory.RoleAssistant
		}
		if _, err := store.Append(context.Background(), sessionID, role, fmt.Sprintf("turn %d", i)); err != nil {
			t.Fatalf("Append(%d) error = %v", i, err)
		}
	}
}

func newTestBuilder(store Store, stub *stubCondenser) *Builder {
	return NewBuilder(store, stub, Options{BaseInstruction: "You are the narrator."})
}

func TestBuildEmptySession(t *testing.T) {
	stub := &stubCondenser{}
	b := newTestBuilder(memory.NewInMemoryStore(), stub)

	asm, err := b.Build(context.Background(), "nobody", DefaultLimits())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(asm.Segments) != 0 || asm.Strategy != StrategyEmpty {
		t.Fatalf("Build() = %+v, want empty assembly", asm)
	}
}

func TestBuildFullReplayReturnsEveryTurn(t *testing.T) {
	store := memory.NewInMemoryStore()
	seedTurns(t, store, "s1", 1, 10)
	stub := &stubCondenser{}
	b := newTestBuilder(store, stub)

	asm, err := b.Build(context.Background(), "s1", DefaultLimits())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if asm.Strategy != StrategyFullReplay {
		t.Fatalf("Strategy = %q, want full_replay", asm.Strategy)
	}
	if len(asm.Segments) != 10 {
		t.Fatalf("len(Segments) = %d, want 10", len(asm.Segments))
	}
	for i, seg := range asm.Segments {
		if seg.Role == memory.RoleSystem {
			t.Fatalf("Segments[%d] is a system segment, want none in full replay", i)
		}
		if want := fmt.Sprintf("turn %d", i+1); seg.Content != want {
			t.Fatalf("Segments[%d].Content = %q, want %q", i, seg.Content, want)
		}
	}
	if sc, cc := stub.calls(); len(sc) != 0 || len(cc) != 0 {
		t.Fatalf("condenser calls = %v / %v, want none", sc, cc)
	}
}

func TestBuildSummarizedReturnsSystemPlusRecent(t *testing.T) {
	store := memory.NewInMemoryStore()
	seedTurns(t, store, "s1", 1, 15)
	stub := &stubCondenser{}
	b := newTestBuilder(store, stub)

	asm, err := b.Build(context.Background(), "s1", DefaultLimits())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(asm.Segments) != 11 {
		t.Fatalf("len(Segments) = %d, want 1 + 10", len(asm.Segments))
	}
	if asm.Coverage != 5 || asm.Strategy != StrategySummary {
		t.Fatalf("Coverage/Strategy = %d/%q, want 5/summary", asm.Coverage, asm.Strategy)
	}
	sys := asm.Segments[0]
	if sys.Role != memory.RoleSystem || sys.Content != "You are the narrator.\n\nStory so far: summary of 1-5" {
		t.Fatalf("system segment = %+v", sys)
	}
	for i, seg := range asm.Segments[1:] {
		if want := fmt.Sprintf("turn %d", i+6); seg.Content != want {
			t.Fatalf("recent[%d] = %q, want %q", i, seg.Content, want)
		}
	}

	sc, _ := stub.calls()
	if !reflect.DeepEqual(sc, []summaryCall{{From: 1, To: 5, MaxTokens: 2000}}) {
		t.Fatalf("summary calls = %+v, want one over 1-5", sc)
	}
	cached, ok, err := store.Get(context.Background(), "s1", 5)
	if err != nil || !ok || cached != "summary of 1-5" {
		t.Fatalf("cache(5) = %q %v %v, want stored summary", cached, ok, err)
	}
}

func TestBuildIsIdempotent(t *testing.T) {
	store := memory.NewInMemoryStore()
	seedTurns(t, store, "s1", 1, 15)
	stub := &stubCondenser{}
	b := newTestBuilder(store, stub)

	first, err := b.Build(context.Background(), "s1", DefaultLimits())
	if err != nil {
		t.Fatalf("first Build() error = %v", err)
	}
	before, _ := stub.calls()

	second, err := b.Build(context.Background(), "s1", DefaultLimits())
	if err != nil {
		t.Fatalf("second Build() error = %v", err)
	}
	after, _ := stub.calls()

	if !reflect.DeepEqual(first.Segments, second.Segments) {
		t.Fatalf("segments differ between builds:\n%+v\n%+v", first.Segments, second.Segments)
	}
	if len(after) != len(before) {
		t.Fatalf("second build made %d condensation calls, want 0", len(after)-len(before))
	}
	if second.Summary.Mode != SummaryCached {
		t.Fatalf("second summary mode = %q, want cached", second.Summary.Mode)
	}
}

func TestBuildExtendsSummaryWithDeltaOnly(t *testing.T) {
	store := memory.NewInMemoryStore()
	seedTurns(t, store, "s1", 1, 15)
	stub := &stubCondenser{}
	b := newTestBuilder(store, stub)
	ctx := context.Background()

	if _, err := b.Build(ctx, "s1", DefaultLimits()); err != nil {
		t.Fatalf("Build(15) error = %v", err)
	}
	if _, err := b.Build(ctx, "s1", DefaultLimits()); err != nil {
		t.Fatalf("Build(15 again) error = %v", err)
	}
	seedTurns(t, store, "s1", 16, 18)

	asm, err := b.Build(ctx, "s1", DefaultLimits())
	if err != nil {
		t.Fatalf("Build(18) error = %v", err)
	}
	sc, _ := stub.calls()
	want := []summaryCall{
		{From: 1, To: 5, MaxTokens: 2000},
		{From: 6, To: 8, MaxTokens: 1000},
	}
	if !reflect.DeepEqual(sc, want) {
		t.Fatalf("summary calls = %+v, want %+v", sc, want)
	}
	if asm.Coverage != 8 || asm.Summary.Mode != SummaryIncremental {
		t.Fatalf("Coverage/Mode = %d/%q, want 8/incremental", asm.Coverage, asm.Summary.Mode)
	}
	wantText := "summary of 1-5\n\nRecent developments: summary of 6-8"
	if got := asm.Segments[0].Content; got != "You are the narrator.\n\nStory so far: "+wantText {
		t.Fatalf("system segment = %q", got)
	}
	if cached, ok, _ := store.Get(ctx, "s1", 8); !ok || cached != wantText {
		t.Fatalf("cache(8) = %q %v, want combined summary", cached, ok)
	}
	if asm.Segments[1].Content != "turn 9" || asm.Segments[10].Content != "turn 18" {
		t.Fatalf("recent window = %q..%q, want turn 9..turn 18", asm.Segments[1].Content, asm.Segments[10].Content)
	}
}

func TestSummarizerResummarizesWhenCombinedOverBudget(t *testing.T) {
	store := memory.NewInMemoryStore()
	seedTurns(t, store, "s1", 1, 8)
	if err := store.Put(context.Background(), "s1", 5, "summary of 1-5"); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	stub := &stubCondenser{
		summarize: func(turns []memory.Turn, maxTokens int) (string, error) {
			if turns[0].Position > 1 {
				return strings.Repeat("x", 8000), nil
			}
			return fmt.Sprintf("fresh summary of 1-%d", turns[len(turns)-1].Position), nil
		},
	}
	s := NewSummarizer(store, stub, Options{})

	got, err := s.Summarize(context.Background(), "s1", 8)
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if got.Text != "fresh summary of 1-8" || got.Mode != SummaryResummarized || got.Degraded {
		t.Fatalf("Summarize() = %+v, want fresh resummarized text", got)
	}
	sc, _ := stub.calls()
	want := []summaryCall{{From: 6, To: 8, MaxTokens: 1000}, {From: 1, To: 8, MaxTokens: 2000}}
	if !reflect.DeepEqual(sc, want) {
		t.Fatalf("summary calls = %+v, want %+v", sc, want)
	}
	if _, ok, _ := store.Get(context.Background(), "s1", 8); ok {
		t.Fatalf("Summarizer wrote to the cache, want read-only")
	}
}

func TestSummarizerReturnsExistingWhenCoverageSufficient(t *testing.T) {
	store := memory.NewInMemoryStore()
	seedTurns(t, store, "s1", 1, 12)
	_ = store.Put(context.Background(), "s1", 9, "nine")
	stub := &stubCondenser{}
	s := NewSummarizer(store, stub, Options{})

	got, err := s.Summarize(context.Background(), "s1", 7)
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if got.Text != "nine" || got.Mode != SummaryExisting {
		t.Fatalf("Summarize() = %+v, want existing text unchanged", got)
	}
	if sc, _ := stub.calls(); len(sc) != 0 {
		t.Fatalf("summary calls = %+v, want none", sc)
	}
}

func TestSummarizerDegradesWhenServiceFails(t *testing.T) {
	store := memory.NewInMemoryStore()
	seedTurns(t, store, "s1", 1, 8)
	stub := &stubCondenser{
		summarize: func([]memory.Turn, int) (string, error) { return "", unavailable("summarize") },
	}
	s := NewSummarizer(store, stub, Options{})

	got, err := s.Summarize(context.Background(), "s1", 5)
	if err != nil {
		t.Fatalf("Summarize() error = %v, want fallback", err)
	}
	if got.Text != SummaryFallback || !got.Degraded {
		t.Fatalf("Summarize() = %+v, want degraded fallback", got)
	}

	_ = store.Put(context.Background(), "s1", 5, "five")
	got, err = s.Summarize(context.Background(), "s1", 8)
	if err != nil {
		t.Fatalf("Summarize(8) error = %v", err)
	}
	want := "five" + recentDevelopmentsSeparator + SummaryFallback
	if got.Text != want || got.Coverage != 8 || !got.Degraded {
		t.Fatalf("Summarize(8) = %+v, want %q marked degraded", got, want)
	}
}

func TestSummarizerFailedResummarizeUsesPlaceholder(t *testing.T) {
	store := memory.NewInMemoryStore()
	seedTurns(t, store, "s1", 1, 8)
	ctx := context.Background()
	_ = store.Put(ctx, "s1", 5, strings.Repeat("p", 4*(DefaultSummaryMaxTokens-10)))

	stub := &stubCondenser{
		summarize: func(turns []memory.Turn, maxTokens int) (string, error) {
			if maxTokens == DefaultAddendumMaxTokens {
				return strings.Repeat("a", 4*200), nil
			}
			return "", unavailable("summarize")
		},
	}
	s := NewSummarizer(store, stub, Options{})

	got, err := s.Summarize(ctx, "s1", 8)
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if got.Text != SummaryFallback || !got.Degraded || got.Mode != SummaryResummarized {
		t.Fatalf("Summarize() = %q (mode %s, degraded %v), want degraded placeholder", got.Text, got.Mode, got.Degraded)
	}
	if n := (tokens.CharEstimator{}).Estimate(got.Text); n > DefaultSummaryMaxTokens {
		t.Fatalf("summary estimate = %d, want <= %d", n, DefaultSummaryMaxTokens)
	}
}

func TestBuildDoesNotCacheDegradedSummary(t *testing.T) {
	store := memory.NewInMemoryStore()
	seedTurns(t, store, "s1", 1, 15)
	stub := &stubCondenser{
		summarize: func([]memory.Turn, int) (string, error) { return "", unavailable("summarize") },
	}
	b := newTestBuilder(store, stub)
	ctx := context.Background()

	asm, err := b.Build(ctx, "s1", DefaultLimits())
	if err != nil {
		t.Fatalf("Build() error = %v, want degraded success", err)
	}
	if !strings.HasSuffix(asm.Segments[0].Content, "Story so far: "+SummaryFallback) {
		t.Fatalf("system segment = %q, want fallback summary", asm.Segments[0].Content)
	}
	if _, ok, _ := store.Latest(ctx, "s1"); ok {
		t.Fatalf("degraded summary was cached")
	}

	if _, err := b.Build(ctx, "s1", DefaultLimits()); err != nil {
		t.Fatalf("second Build() error = %v", err)
	}
	if sc, _ := stub.calls(); len(sc) != 2 {
		t.Fatalf("summary calls = %d, want a retry on the second build", len(sc))
	}
}

func TestCompressIfNeededIdentityAtTrigger(t *testing.T) {
	stub := &stubCondenser{}
	c := NewCompressor(stub, nil, nil, nil)
	content := strings.Repeat("a", 2500*4)
	turn := memory.Turn{Role: memory.RoleAssistant, Content: content}

	seg, changed := c.CompressIfNeeded(context.Background(), turn, 2500, 800)
	if changed || seg.Content != content || seg.Role != memory.RoleAssistant {
		t.Fatalf("CompressIfNeeded(at trigger) changed = %v, want identical turn", changed)
	}
	if _, cc := stub.calls(); len(cc) != 0 {
		t.Fatalf("compress calls = %d, want 0", len(cc))
	}
}

func TestCompressIfNeededReplacesOversizedTurn(t *testing.T) {
	stub := &stubCondenser{}
	c := NewCompressor(stub, nil, nil, nil)
	content := strings.Repeat("a", 2501*4)

	seg, changed := c.CompressIfNeeded(context.Background(), memory.Turn{Role: memory.RoleAssistant, Content: content}, 2500, 800)
	if !changed {
		t.Fatalf("CompressIfNeeded(over trigger) changed = false")
	}
	if seg.Content != CondensedMarker+"the short version" {
		t.Fatalf("Content = %q, want marked compressed text", seg.Content)
	}
	if seg.Role != memory.RoleAssistant {
		t.Fatalf("Role = %q, want role preserved", seg.Role)
	}
	if _, cc := stub.calls(); len(cc) != 1 || cc[0].Target != 800 {
		t.Fatalf("compress calls = %+v, want one with target 800", cc)
	}
}

func TestCompressIfNeededTruncatesOnFailure(t *testing.T) {
	stub := &stubCondenser{
		compress: func(string, int) (string, error) { return "", unavailable("compress") },
	}
	c := NewCompressor(stub, nil, nil, nil)
	content := strings.Repeat("abcdefghij", 1200)

	seg, changed := c.CompressIfNeeded(context.Background(), memory.Turn{Role: memory.RoleUser, Content: content}, 2500, 800)
	if !changed {
		t.Fatalf("changed = false, want truncated stand-in")
	}
	body := strings.TrimPrefix(seg.Content, CondensedMarker)
	if body == seg.Content {
		t.Fatalf("Content = %q..., want provenance marker", seg.Content[:40])
	}
	if len(body) != 800*4 || !strings.HasPrefix(content, body) {
		t.Fatalf("truncated body has %d chars, want a 3200-char prefix of the original", len(body))
	}
}

func TestCompressIfNeededTruncatesWhenNotShorter(t *testing.T) {
	stub := &stubCondenser{
		compress: func(text string, _ int) (string, error) { return text + text, nil },
	}
	c := NewCompressor(stub, nil, nil, nil)
	content := strings.Repeat("z", 12000)

	seg, _ := c.CompressIfNeeded(context.Background(), memory.Turn{Role: memory.RoleUser, Content: content}, 2500, 800)
	if len(seg.Content) >= len(content) {
		t.Fatalf("len(Content) = %d, want shorter than %d", len(seg.Content), len(content))
	}
	if !strings.HasPrefix(seg.Content, CondensedMarker) {
		t.Fatalf("Content missing provenance marker")
	}
}

func TestBuildCompressesOversizedRecentTurn(t *testing.T) {
	store := memory.NewInMemoryStore()
	ctx := context.Background()
	seedTurns(t, store, "s1", 1, 3)
	long := strings.Repeat("w", 3000*4)
	if _, err := store.Append(ctx, "s1", memory.RoleAssistant, long); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	stub := &stubCondenser{}
	b := newTestBuilder(store, stub)

	asm, err := b.Build(ctx, "s1", DefaultLimits())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if asm.CompressedTurns != 1 {
		t.Fatalf("CompressedTurns = %d, want 1", asm.CompressedTurns)
	}
	if got := asm.Segments[3].Content; got != CondensedMarker+"the short version" {
		t.Fatalf("Segments[3] = %q, want compressed stand-in", got)
	}
	all, _ := store.All(ctx, "s1")
	if all[3].Content != long {
		t.Fatalf("stored turn was modified by compression")
	}
}

func TestBuildEmergencyCeilingKeepsLastTen(t *testing.T) {
	store := memory.NewInMemoryStore()
	ctx := context.Background()
	for i := 1; i <= 20; i++ {
		content := fmt.Sprintf("%02d:%s", i, strings.Repeat("q", 397))
		if _, err := store.Append(ctx, "s1", memory.RoleUser, content); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	stub := &stubCondenser{}
	b := newTestBuilder(store, stub)
	limits := Limits{
		ShortTurnCount:        12,
		RecentCount:           12,
		CompressTriggerTokens: 2500,
		CompressTargetTokens:  800,
		MaxTotalTokens:        1000,
	}

	asm, err := b.Build(ctx, "s1", limits)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if !asm.EmergencyTruncated {
		t.Fatalf("EmergencyTruncated = false, want true")
	}
	if len(asm.Segments) != 11 {
		t.Fatalf("len(Segments) = %d, want system + 10", len(asm.Segments))
	}
	if asm.Segments[0].Role != memory.RoleSystem {
		t.Fatalf("Segments[0].Role = %q, want system", asm.Segments[0].Role)
	}
	if !strings.HasPrefix(asm.Segments[1].Content, "11:") || !strings.HasPrefix(asm.Segments[10].Content, "20:") {
		t.Fatalf("window = %q..%q, want turns 11..20", asm.Segments[1].Content[:3], asm.Segments[10].Content[:3])
	}
	if sc, _ := stub.calls(); len(sc) != 1 {
		t.Fatalf("summary calls = %d, want 1 (truncation must not summarize again)", len(sc))
	}
}

type failingStore struct {
	*memory.InMemoryStore
	err error
}

func (f failingStore) Count(context.Context, string) (int, error) { return 0, f.err }

func TestBuildPropagatesStorageErrors(t *testing.T) {
	boom := errors.New("disk on fire")
	b := newTestBuilder(failingStore{InMemoryStore: memory.NewInMemoryStore(), err: boom}, &stubCondenser{})
	if _, err := b.Build(context.Background(), "s1", DefaultLimits()); !errors.Is(err, boom) {
		t.Fatalf("Build() error = %v, want wrapped storage error", err)
	}
}

func TestBuildRejectsInvalidLimits(t *testing.T) {
	b := newTestBuilder(memory.NewInMemoryStore(), &stubCondenser{})
	bad := DefaultLimits()
	bad.ShortTurnCount = 5
	if _, err := b.Build(context.Background(), "s1", bad); !errors.Is(err, ErrInvalidLimits) {
		t.Fatalf("Build() error = %v, want ErrInvalidLimits", err)
	}
	bad = DefaultLimits()
	bad.CompressTargetTokens = bad.CompressTriggerTokens
	if err := bad.Validate(); !errors.Is(err, ErrInvalidLimits) {
		t.Fatalf("Validate() error = %v, want ErrInvalidLimits", err)
	}
}

func TestSummaryViewStates(t *testing.T) {
	store := memory.NewInMemoryStore()
	stub := &stubCondenser{}
	b := newTestBuilder(store, stub)
	ctx := context.Background()

	view, err := b.Summary(ctx, "s1", DefaultLimits())
	if err != nil || view.State != SummaryStateEmpty {
		t.Fatalf("Summary(empty) = %+v %v, want empty", view, err)
	}
	seedTurns(t, store, "s1", 1, 6)
	view, _ = b.Summary(ctx, "s1", DefaultLimits())
	if view.State != SummaryStateTooShort || view.TotalTurns != 6 {
		t.Fatalf("Summary(6) = %+v, want too_short", view)
	}
	seedTurns(t, store, "s1", 7, 14)
	view, err = b.Summary(ctx, "s1", DefaultLimits())
	if err != nil {
		t.Fatalf("Summary(14) error = %v", err)
	}
	if view.State != SummaryStateReady || view.Summary.Coverage != 4 || view.Summary.Text != "summary of 1-4" {
		t.Fatalf("Summary(14) = %+v, want ready coverage 4", view)
	}
	if _, ok, _ := store.Get(ctx, "s1", 4); !ok {
		t.Fatalf("Summary() did not cache like Build does")
	}
}

func TestRegenerateOverwritesCurrentCoverage(t *testing.T) {
	store := memory.NewInMemoryStore()
	ctx := context.Background()
	seedTurns(t, store, "s1", 1, 15)
	_ = store.Put(ctx, "s1", 5, "stale")
	stub := &stubCondenser{}
	b := newTestBuilder(store, stub)

	view, err := b.Regenerate(ctx, "s1", DefaultLimits())
	if err != nil {
		t.Fatalf("Regenerate() error = %v", err)
	}
	if view.Summary.Text != "summary of 1-5" {
		t.Fatalf("Regenerate() text = %q", view.Summary.Text)
	}
	if cached, _, _ := store.Get(ctx, "s1", 5); cached != "summary of 1-5" {
		t.Fatalf("cache(5) = %q, want regenerated text", cached)
	}

	failing := newTestBuilder(store, &stubCondenser{
		summarize: func([]memory.Turn, int) (string, error) { return "", unavailable("summarize") },
	})
	if _, err := failing.Regenerate(ctx, "s1", DefaultLimits()); !errors.Is(err, ErrRegenerateFailed) || !errors.Is(err, condense.ErrServiceUnavailable) {
		t.Fatalf("Regenerate() error = %v, want ErrRegenerateFailed wrapping ErrServiceUnavailable", err)
	}
	if cached, _, _ := store.Get(ctx, "s1", 5); cached != "summary of 1-5" {
		t.Fatalf("failed regenerate changed the cache to %q", cached)
	}
}

func TestCompressIfNeededTruncationStaysShorterNearTrigger(t *testing.T) {
	stub := &stubCondenser{
		compress: func(string, int) (string, error) { return "", unavailable("compress") },
	}
	c := NewCompressor(stub, nil, nil, nil)
	content := strings.Repeat("abcd", 802)
	est := tokens.CharEstimator{}

	seg, changed := c.CompressIfNeeded(context.Background(), memory.Turn{Role: memory.RoleUser, Content: content}, 801, 800)
	if !changed {
		t.Fatalf("changed = false, want truncated stand-in")
	}
	if got, orig := est.Estimate(seg.Content), est.Estimate(content); got >= orig {
		t.Fatalf("stand-in estimate = %d, want below original %d", got, orig)
	}
	body := strings.TrimPrefix(seg.Content, CondensedMarker)
	if body == seg.Content || !strings.HasPrefix(content, body) || body == "" {
		t.Fatalf("Content = %q..., want marked prefix of the original", seg.Content[:40])
	}
}
