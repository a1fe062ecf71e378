package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists turns and summaries in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const pgUniqueViolation = "23505"

// appendAttempts bounds retries when two writers race for the same position.
const appendAttempts = 5

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS story_turns (
			session_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (session_id, position)
		);`,
		`CREATE TABLE IF NOT EXISTS story_summaries (
			session_id TEXT NOT NULL,
			coverage INTEGER NOT NULL,
			text TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (session_id, coverage)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_story_turns_created ON story_turns (created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, sessionID string, role Role, content string) (Turn, error) {
	if sessionID == "" {
		return Turn{}, ErrEmptySession
	}
	if !role.Valid() {
		return Turn{}, ErrInvalidRole
	}
	t := Turn{
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}

	var lastErr error
	for attempt := 0; attempt < appendAttempts; attempt++ {
		err := s.pool.QueryRow(ctx,
			`INSERT INTO story_turns (session_id, position, role, content, created_at)
			 SELECT $1, COALESCE(MAX(position), 0) + 1, $2, $3, $4
			 FROM story_turns WHERE session_id = $1
			 RETURNING position`,
			sessionID, string(role), content, t.CreatedAt,
		).Scan(&t.Position)
		if err == nil {
			return t, nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			lastErr = err
			continue
		}
		return Turn{}, fmt.Errorf("append turn: %w", err)
	}
	return Turn{}, fmt.Errorf("append turn: position contention: %w", lastErr)
}

func (s *PostgresStore) Count(ctx context.Context, sessionID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM story_turns WHERE session_id = $1`, sessionID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count turns: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) All(ctx context.Context, sessionID string) ([]Turn, error) {
	return s.queryTurns(ctx,
		`SELECT session_id, position, role, content, created_at
		 FROM story_turns WHERE session_id = $1 ORDER BY position`,
		sessionID,
	)
}

func (s *PostgresStore) LastN(ctx context.Context, sessionID string, n int) ([]Turn, error) {
	if n <= 0 {
		return nil, nil
	}
	items, err := s.queryTurns(ctx,
		`SELECT session_id, position, role, content, created_at
		 FROM story_turns WHERE session_id = $1 ORDER BY position DESC LIMIT $2`,
		sessionID, n,
	)
	if err != nil {
		return nil, err
	}

	// Reverse into chronological order for prompt coherence.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (s *PostgresStore) Range(ctx context.Context, sessionID string, from, to int) ([]Turn, error) {
	if from < 1 {
		from = 1
	}
	if from > to {
		return nil, nil
	}
	return s.queryTurns(ctx,
		`SELECT session_id, position, role, content, created_at
		 FROM story_turns WHERE session_id = $1 AND position BETWEEN $2 AND $3
		 ORDER BY position`,
		sessionID, from, to,
	)
}

func (s *PostgresStore) queryTurns(ctx context.Context, query string, args ...any) ([]Turn, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var items []Turn
	for rows.Next() {
		var (
			t    Turn
			role string
		)
		if err := rows.Scan(&t.SessionID, &t.Position, &role, &t.Content, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		if t.Role, err = ParseRole(role); err != nil {
			return nil, fmt.Errorf("turn %s/%d: %w", t.SessionID, t.Position, err)
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Stats(ctx context.Context, sessionID string) (SessionStats, error) {
	var (
		st      SessionStats
		firstAt *time.Time
		lastAt  *time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE role = 'user'),
		        COUNT(*) FILTER (WHERE role = 'assistant'),
		        COALESCE(SUM(char_length(content)), 0),
		        MIN(created_at), MAX(created_at)
		 FROM story_turns WHERE session_id = $1`,
		sessionID,
	).Scan(&st.Turns, &st.UserTurns, &st.AssistantTurns, &st.Characters, &firstAt, &lastAt)
	if err != nil {
		return SessionStats{}, fmt.Errorf("session stats: %w", err)
	}
	if firstAt != nil {
		st.FirstAt = firstAt.UTC()
	}
	if lastAt != nil {
		st.LastAt = lastAt.UTC()
	}
	return st, nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, sessionID string) (int, error) {
	var deleted int
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM story_turns WHERE session_id = $1`, sessionID)
		if err != nil {
			return err
		}
		deleted = int(tag.RowsAffected())
		_, err = tx.Exec(ctx, `DELETE FROM story_summaries WHERE session_id = $1`, sessionID)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("delete session: %w", err)
	}
	return deleted, nil
}

func (s *PostgresStore) PruneIdle(ctx context.Context, cutoff time.Time) ([]string, error) {
	var removed []string
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`WITH idle AS (
				SELECT session_id FROM story_turns
				GROUP BY session_id HAVING MAX(created_at) < $1
			), gone AS (
				DELETE FROM story_turns t USING idle
				WHERE t.session_id = idle.session_id
				RETURNING t.session_id
			)
			SELECT DISTINCT session_id FROM gone ORDER BY session_id`,
			cutoff,
		)
		if err != nil {
			return err
		}
		removed, err = pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return err
		}
		if len(removed) == 0 {
			return nil
		}
		_, err = tx.Exec(ctx, `DELETE FROM story_summaries WHERE session_id = ANY($1)`, removed)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("prune idle sessions: %w", err)
	}
	return removed, nil
}

func (s *PostgresStore) Get(ctx context.Context, sessionID string, coverage int) (string, bool, error) {
	var text string
	err := s.pool.QueryRow(ctx,
		`SELECT text FROM story_summaries WHERE session_id = $1 AND coverage = $2`,
		sessionID, coverage,
	).Scan(&text)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get summary: %w", err)
	}
	return text, true, nil
}

func (s *PostgresStore) Latest(ctx context.Context, sessionID string) (SummaryRecord, bool, error) {
	rec := SummaryRecord{SessionID: sessionID}
	err := s.pool.QueryRow(ctx,
		`SELECT coverage, text, created_at FROM story_summaries
		 WHERE session_id = $1 ORDER BY coverage DESC LIMIT 1`,
		sessionID,
	).Scan(&rec.Coverage, &rec.Text, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return SummaryRecord{}, false, nil
	}
	if err != nil {
		return SummaryRecord{}, false, fmt.Errorf("latest summary: %w", err)
	}
	return rec, true, nil
}

func (s *PostgresStore) Put(ctx context.Context, sessionID string, coverage int, text string) error {
	if sessionID == "" {
		return ErrEmptySession
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO story_summaries (session_id, coverage, text, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (session_id, coverage) DO UPDATE SET text = EXCLUDED.text, created_at = EXCLUDED.created_at`,
		sessionID, coverage, text, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("put summary: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteSummaries(ctx context.Context, sessionID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM story_summaries WHERE session_id = $1`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("delete summaries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
