package memory

import (
	"context"
	"strings"
	"time"
)

type Options struct {
	DatabaseURL string
	SQLitePath  string
	// RedisURL moves the summary cache into Redis when set.
	RedisURL        string
	SummaryCacheTTL time.Duration
}

// NewStore picks postgres when configured, then sqlite, otherwise in-memory.
func NewStore(ctx context.Context, opts Options) (Store, error) {
	var (
		base Store
		err  error
	)
	switch {
	case strings.TrimSpace(opts.DatabaseURL) != "":
		base, err = NewPostgresStore(ctx, opts.DatabaseURL)
	case strings.TrimSpace(opts.SQLitePath) != "":
		base, err = NewSQLiteStore(opts.SQLitePath)
	default:
		base = NewInMemoryStore()
	}
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(opts.RedisURL) == "" {
		return base, nil
	}
	cache, err := NewRedisSummaryCache(ctx, opts.RedisURL, opts.SummaryCacheTTL)
	if err != nil {
		_ = base.Close()
		return nil, err
	}
	return &layeredStore{Store: base, cache: cache}, nil
}

// Backend names the storage a store was built on, for logs and readiness.
func Backend(s Store) string {
	switch v := s.(type) {
	case *layeredStore:
		return Backend(v.Store) + "+redis"
	case *PostgresStore:
		return "postgres"
	case *SQLiteStore:
		return "sqlite"
	case *InMemoryStore:
		return "memory"
	default:
		return "custom"
	}
}
