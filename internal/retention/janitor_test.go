package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/antoniostano/storyweaver/internal/memory"
)

type recordingPruner struct {
	cutoffs []time.Time
	removed []string
	err     error
}

func (p *recordingPruner) PruneIdle(_ context.Context, cutoff time.Time) ([]string, error) {
	p.cutoffs = append(p.cutoffs, cutoff)
	return p.removed, p.err
}

func TestRunOnceUsesPeriodCutoff(t *testing.T) {
	p := &recordingPruner{removed: []string{"a", "b"}}
	j, err := NewJanitor(p, Config{Period: 24 * time.Hour}, nil, nil)
	if err != nil {
		t.Fatalf("NewJanitor() error = %v", err)
	}
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	j.now = func() time.Time { return now }

	removed, err := j.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if len(removed) != 2 {
		t.Fatalf("removed = %v, want 2 sessions", removed)
	}
	if want := now.Add(-24 * time.Hour); !p.cutoffs[0].Equal(want) {
		t.Fatalf("cutoff = %v, want %v", p.cutoffs[0], want)
	}
}

func TestRunOncePropagatesStoreError(t *testing.T) {
	boom := errors.New("disk gone")
	j, _ := NewJanitor(&recordingPruner{err: boom}, Config{Period: time.Hour}, nil, nil)
	if _, err := j.RunOnce(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("RunOnce() error = %v, want %v", err, boom)
	}
}

func TestRunOnceAgainstMemoryStore(t *testing.T) {
	store := memory.NewInMemoryStore()
	ctx := context.Background()
	if _, err := store.Append(ctx, "old", memory.RoleUser, "hello"); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := store.Put(ctx, "old", 1, "summary"); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	j, _ := NewJanitor(store, Config{Period: time.Hour}, nil, nil)
	j.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	removed, err := j.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if len(removed) != 1 || removed[0] != "old" {
		t.Fatalf("removed = %v, want [old]", removed)
	}
	if n, _ := store.Count(ctx, "old"); n != 0 {
		t.Fatalf("Count() = %d, want 0", n)
	}
	if _, ok, _ := store.Latest(ctx, "old"); ok {
		t.Fatalf("summary survived retention")
	}
}

func TestNewJanitorValidation(t *testing.T) {
	if _, err := NewJanitor(&recordingPruner{}, Config{}, nil, nil); !errors.Is(err, ErrInvalidPeriod) {
		t.Fatalf("zero period error = %v, want ErrInvalidPeriod", err)
	}
	if _, err := NewJanitor(&recordingPruner{}, Config{Period: time.Hour, Schedule: "every tuesday"}, nil, nil); err == nil {
		t.Fatalf("bad schedule error = nil, want error")
	}
}

func TestStartStopIsIdempotent(t *testing.T) {
	j, _ := NewJanitor(&recordingPruner{}, Config{Period: time.Hour, Schedule: "@every 1h"}, nil, nil)
	if err := j.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := j.Start(context.Background()); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	j.Stop()
	j.Stop()
}
