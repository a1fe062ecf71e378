package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/antoniostano/storyweaver/internal/contextmgr"
	"github.com/antoniostano/storyweaver/internal/llm"
	"github.com/antoniostano/storyweaver/internal/memory"
	"github.com/antoniostano/storyweaver/internal/policy"
	"github.com/antoniostano/storyweaver/internal/ratelimit"
)

type recordingClient struct {
	mu       sync.Mutex
	requests []llm.Request
	err      error
}

func (c *recordingClient) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if c.err != nil {
		return llm.Response{}, c.err
	}
	return llm.Response{Text: fmt.Sprintf("reply %d", len(c.requests))}, nil
}

func (c *recordingClient) last() llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[len(c.requests)-1]
}

type fixedCondenser struct{}

func (fixedCondenser) SummarizeSlice(_ context.Context, turns []memory.Turn, _ int) (string, error) {
	return fmt.Sprintf("summary of %d turns", len(turns)), nil
}

func (fixedCondenser) CompressText(_ context.Context, _ string, _ int) (string, error) {
	return "short", nil
}

const testInstruction = "You are a storyteller."

func newTestService(t *testing.T, client llm.Client, cooldown time.Duration) (*Service, *memory.InMemoryStore) {
	t.Helper()
	store := memory.NewInMemoryStore()
	builder := contextmgr.NewBuilder(store, fixedCondenser{}, contextmgr.Options{BaseInstruction: testInstruction})
	svc := NewService(store, builder, client, ratelimit.NewCooldown(cooldown), nil, Config{
		BaseInstruction: testInstruction,
		DefaultModel:    "story-model",
		MaxOutputTokens: 300,
		InputCostPer1M:  1.0,
		Limits:          contextmgr.DefaultLimits(),
	}, nil, nil)
	svc.newID = func() string { return "req-1" }
	return svc, store
}

func TestChatFirstTurnUsesBaseInstruction(t *testing.T) {
	client := &recordingClient{}
	svc, store := newTestService(t, client, 0)

	reply, err := svc.Chat(context.Background(), Request{Prompt: "  Once upon a time  "})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if reply.SessionID != policy.DefaultSessionID {
		t.Fatalf("SessionID = %q, want %q", reply.SessionID, policy.DefaultSessionID)
	}
	if reply.RequestID != "req-1" || reply.Text != "reply 1" || reply.Model != "story-model" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if reply.Context.Strategy != contextmgr.StrategyEmpty {
		t.Fatalf("Strategy = %q, want %q", reply.Context.Strategy, contextmgr.StrategyEmpty)
	}

	req := client.last()
	if len(req.Messages) != 2 {
		t.Fatalf("messages = %+v, want system + user", req.Messages)
	}
	if req.Messages[0].Role != "system" || req.Messages[0].Content != testInstruction {
		t.Fatalf("first message = %+v", req.Messages[0])
	}
	if req.Messages[1].Role != "user" || req.Messages[1].Content != "Once upon a time" {
		t.Fatalf("last message = %+v", req.Messages[1])
	}
	if req.Temperature != 0.8 || req.MaxTokens != 300 {
		t.Fatalf("Temperature/MaxTokens = %v/%d, want 0.8/300", req.Temperature, req.MaxTokens)
	}

	turns, _ := store.All(context.Background(), policy.DefaultSessionID)
	if len(turns) != 2 || turns[0].Role != memory.RoleUser || turns[1].Content != "reply 1" {
		t.Fatalf("stored turns = %+v", turns)
	}
}

func TestChatLiveTurnAppearsOnce(t *testing.T) {
	client := &recordingClient{}
	svc, _ := newTestService(t, client, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := svc.Chat(ctx, Request{Prompt: fmt.Sprintf("prompt %d", i), SessionID: "tale"}); err != nil {
			t.Fatalf("Chat() #%d error = %v", i, err)
		}
	}
	req := client.last()
	count := 0
	for _, m := range req.Messages {
		if m.Content == "prompt 2" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("live prompt appears %d times, want 1", count)
	}
	// system + 4 stored turns + live prompt
	if len(req.Messages) != 6 {
		t.Fatalf("len(messages) = %d, want 6", len(req.Messages))
	}
}

func TestChatSummaryStrategyKeepsSingleSystemMessage(t *testing.T) {
	client := &recordingClient{}
	svc, store := newTestService(t, client, 0)
	ctx := context.Background()
	for i := 1; i <= 12; i++ {
		role := memory.RoleUser
		if i%2 == 0 {
			role = memory.RoleAssistant
		}
		if _, err := store.Append(ctx, "long", role, fmt.Sprintf("turn %d", i)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	reply, err := svc.Chat(ctx, Request{Prompt: "and then?", SessionID: "long"})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if reply.Context.Strategy != contextmgr.StrategySummary || reply.Context.Coverage != 2 {
		t.Fatalf("context = %+v, want summary covering 2", reply.Context)
	}
	req := client.last()
	systems := 0
	for _, m := range req.Messages {
		if m.Role == "system" {
			systems++
		}
	}
	if systems != 1 {
		t.Fatalf("system messages = %d, want 1", systems)
	}
	if !strings.Contains(req.Messages[0].Content, "Story so far: ") {
		t.Fatalf("system message = %q, want summary wrapper", req.Messages[0].Content)
	}
}

func TestChatRejectsBadInput(t *testing.T) {
	svc, _ := newTestService(t, &recordingClient{}, 0)
	if _, err := svc.Chat(context.Background(), Request{Prompt: "   "}); !errors.Is(err, ErrEmptyPrompt) {
		t.Fatalf("empty prompt error = %v, want ErrEmptyPrompt", err)
	}
	if _, err := svc.Chat(context.Background(), Request{Prompt: "hi", SessionID: "../etc"}); !errors.Is(err, policy.ErrInvalidSessionID) {
		t.Fatalf("bad session error = %v, want ErrInvalidSessionID", err)
	}
}

func TestChatCooldown(t *testing.T) {
	svc, _ := newTestService(t, &recordingClient{}, time.Hour)
	if _, err := svc.Chat(context.Background(), Request{Prompt: "first"}); err != nil {
		t.Fatalf("first Chat() error = %v", err)
	}
	_, err := svc.Chat(context.Background(), Request{Prompt: "second"})
	var ce *ratelimit.CooldownError
	if !errors.As(err, &ce) {
		t.Fatalf("second Chat() error = %v, want *ratelimit.CooldownError", err)
	}
}

type flakyCountStore struct {
	*memory.InMemoryStore
	fail bool
}

func (s *flakyCountStore) Count(ctx context.Context, sessionID string) (int, error) {
	if s.fail {
		return 0, errors.New("storage offline")
	}
	return s.InMemoryStore.Count(ctx, sessionID)
}

func TestChatBuildFailureKeepsCooldownSlot(t *testing.T) {
	store := &flakyCountStore{InMemoryStore: memory.NewInMemoryStore(), fail: true}
	builder := contextmgr.NewBuilder(store, fixedCondenser{}, contextmgr.Options{BaseInstruction: testInstruction})
	svc := NewService(store, builder, &recordingClient{}, ratelimit.NewCooldown(time.Hour), nil, Config{
		BaseInstruction: testInstruction,
		DefaultModel:    "story-model",
		Limits:          contextmgr.DefaultLimits(),
	}, nil, nil)

	if _, err := svc.Chat(context.Background(), Request{Prompt: "first"}); err == nil {
		t.Fatalf("Chat() with failing storage error = nil")
	}
	store.fail = false
	if _, err := svc.Chat(context.Background(), Request{Prompt: "second"}); err != nil {
		t.Fatalf("Chat() after storage recovered error = %v, want slot still free", err)
	}
}

func TestChatGenerationFailure(t *testing.T) {
	client := &recordingClient{err: errors.New("upstream down")}
	svc, store := newTestService(t, client, 0)

	_, err := svc.Chat(context.Background(), Request{Prompt: "hello", SessionID: "s"})
	var ge *GenerationError
	if !errors.As(err, &ge) {
		t.Fatalf("Chat() error = %v, want *GenerationError", err)
	}
	turns, _ := store.All(context.Background(), "s")
	if len(turns) != 1 || turns[0].Role != memory.RoleUser {
		t.Fatalf("stored turns = %+v, want only the user turn", turns)
	}
}

func TestChatRequestOverrides(t *testing.T) {
	client := &recordingClient{}
	svc, _ := newTestService(t, client, 0)
	if _, err := svc.Chat(context.Background(), Request{Prompt: "hi", Model: "other", MaxTokens: 42}); err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	req := client.last()
	if req.Model != "other" || req.MaxTokens != 42 {
		t.Fatalf("Model/MaxTokens = %q/%d, want other/42", req.Model, req.MaxTokens)
	}
}

func TestSummaryStates(t *testing.T) {
	svc, store := newTestService(t, &recordingClient{}, 0)
	ctx := context.Background()

	got, err := svc.Summary(ctx, "s")
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}
	if got.Summary != "No messages yet" {
		t.Fatalf("empty Summary = %q", got.Summary)
	}

	for i := 0; i < 4; i++ {
		_, _ = store.Append(ctx, "s", memory.RoleUser, "x")
	}
	got, _ = svc.Summary(ctx, "s")
	if got.Summary != "Conversation too short for summary" || got.Messages != 4 {
		t.Fatalf("short Summary = %+v", got)
	}

	for i := 0; i < 11; i++ {
		_, _ = store.Append(ctx, "s", memory.RoleUser, "x")
	}
	got, _ = svc.Summary(ctx, "s")
	if got.SummaryCovers != 5 || got.Summary != "summary of 5 turns" {
		t.Fatalf("ready Summary = %+v, want coverage 5", got)
	}

	regen, err := svc.RegenerateSummary(ctx, "s")
	if err != nil {
		t.Fatalf("RegenerateSummary() error = %v", err)
	}
	if regen.SummaryCovers != 5 {
		t.Fatalf("regenerated coverage = %d, want 5", regen.SummaryCovers)
	}
}

func TestStatsAndDelete(t *testing.T) {
	svc, store := newTestService(t, &recordingClient{}, 0)
	ctx := context.Background()
	_, _ = store.Append(ctx, "s", memory.RoleUser, strings.Repeat("a", 400))
	_, _ = store.Append(ctx, "s", memory.RoleAssistant, strings.Repeat("b", 400))

	st, err := svc.Stats(ctx, "s")
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if st.TotalMessages != 2 || st.UserMessages != 1 || st.AssistantMessages != 1 {
		t.Fatalf("Stats() counts = %+v", st)
	}
	if st.TotalCharacters != 800 || st.TotalTokens != 200 {
		t.Fatalf("Stats() size = %d chars / %d tokens, want 800/200", st.TotalCharacters, st.TotalTokens)
	}
	if st.EstimatedCost != "$0.0002" {
		t.Fatalf("EstimatedCost = %q, want $0.0002", st.EstimatedCost)
	}
	if st.FirstMessageAt == nil || st.LastMessageAt == nil {
		t.Fatalf("Stats() timestamps missing")
	}

	res, err := svc.DeleteSession(ctx, "  s ")
	if err != nil || res.DeletedMessages != 2 || res.SessionID != "s" {
		t.Fatalf("DeleteSession() = %+v, %v, want 2 messages of session s", res, err)
	}
	st, _ = svc.Stats(ctx, "s")
	if st.TotalMessages != 0 || st.FirstMessageAt != nil {
		t.Fatalf("Stats() after delete = %+v", st)
	}
}
