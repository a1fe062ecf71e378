package memory

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is a simple in-process store for local/dev use and tests.
type InMemoryStore struct {
	mu        sync.RWMutex
	turns     map[string][]Turn
	summaries map[string]map[int]SummaryRecord
	now       func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		turns:     make(map[string][]Turn),
		summaries: make(map[string]map[int]SummaryRecord),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *InMemoryStore) Append(_ context.Context, sessionID string, role Role, content string) (Turn, error) {
	if sessionID == "" {
		return Turn{}, ErrEmptySession
	}
	if !role.Valid() {
		return Turn{}, ErrInvalidRole
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := Turn{
		SessionID: sessionID,
		Position:  len(s.turns[sessionID]) + 1,
		Role:      role,
		Content:   content,
		CreatedAt: s.now(),
	}
	s.turns[sessionID] = append(s.turns[sessionID], t)
	return t, nil
}

func (s *InMemoryStore) Count(_ context.Context, sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns[sessionID]), nil
}

func (s *InMemoryStore) All(_ context.Context, sessionID string) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyTurns(s.turns[sessionID]), nil
}

func (s *InMemoryStore) LastN(_ context.Context, sessionID string, n int) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.turns[sessionID]
	if n <= 0 || len(arr) == 0 {
		return nil, nil
	}
	if n > len(arr) {
		n = len(arr)
	}
	return copyTurns(arr[len(arr)-n:]), nil
}

func (s *InMemoryStore) Range(_ context.Context, sessionID string, from, to int) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.turns[sessionID]
	from, to, ok := clampRange(from, to, len(arr))
	if !ok {
		return nil, nil
	}
	return copyTurns(arr[from-1 : to]), nil
}

func (s *InMemoryStore) Stats(_ context.Context, sessionID string) (SessionStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st SessionStats
	for i, t := range s.turns[sessionID] {
		if i == 0 {
			st.FirstAt = t.CreatedAt
		}
		st.LastAt = t.CreatedAt
		st.Turns++
		st.Characters += len([]rune(t.Content))
		switch t.Role {
		case RoleUser:
			st.UserTurns++
		case RoleAssistant:
			st.AssistantTurns++
		}
	}
	return st, nil
}

func (s *InMemoryStore) DeleteSession(_ context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.turns[sessionID])
	delete(s.turns, sessionID)
	delete(s.summaries, sessionID)
	return n, nil
}

func (s *InMemoryStore) PruneIdle(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []string
	for id, arr := range s.turns {
		if len(arr) == 0 || arr[len(arr)-1].CreatedAt.Before(cutoff) {
			removed = append(removed, id)
			delete(s.turns, id)
			delete(s.summaries, id)
		}
	}
	sort.Strings(removed)
	return removed, nil
}

func (s *InMemoryStore) Get(_ context.Context, sessionID string, coverage int) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.summaries[sessionID][coverage]
	if !ok {
		return "", false, nil
	}
	return rec.Text, true, nil
}

func (s *InMemoryStore) Latest(_ context.Context, sessionID string) (SummaryRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  SummaryRecord
		found bool
	)
	for _, rec := range s.summaries[sessionID] {
		if !found || rec.Coverage > best.Coverage {
			best = rec
			found = true
		}
	}
	return best, found, nil
}

func (s *InMemoryStore) Put(_ context.Context, sessionID string, coverage int, text string) error {
	if sessionID == "" {
		return ErrEmptySession
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byCoverage, ok := s.summaries[sessionID]
	if !ok {
		byCoverage = make(map[int]SummaryRecord)
		s.summaries[sessionID] = byCoverage
	}
	byCoverage[coverage] = SummaryRecord{
		SessionID: sessionID,
		Coverage:  coverage,
		Text:      text,
		CreatedAt: s.now(),
	}
	return nil
}

func (s *InMemoryStore) DeleteSummaries(_ context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.summaries[sessionID])
	delete(s.summaries, sessionID)
	return n, nil
}

func (s *InMemoryStore) Ping(context.Context) error { return nil }

func (s *InMemoryStore) Close() error { return nil }

func copyTurns(in []Turn) []Turn {
	if len(in) == 0 {
		return nil
	}
	out := make([]Turn, len(in))
	copy(out, in)
	return out
}
