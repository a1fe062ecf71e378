package memory

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// SQLiteStore persists turns and summaries in a local SQLite file. Writes
// are serialized by IMMEDIATE transactions, so position assignment never
// races.
type SQLiteStore struct {
	pool *sqlitex.Pool
	path string
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS story_turns (
	session_id TEXT NOT NULL,
	position INTEGER NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (session_id, position)
);
CREATE TABLE IF NOT EXISTS story_summaries (
	session_id TEXT NOT NULL,
	coverage INTEGER NOT NULL,
	text TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (session_id, coverage)
);
CREATE INDEX IF NOT EXISTS idx_story_turns_created ON story_turns (created_at);
`

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	poolSize := runtime.NumCPU()
	if poolSize < 4 {
		poolSize = 4
	}
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareSQLiteConn,
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	s := &SQLiteStore{pool: pool, path: path}

	// Force one connection through PrepareConn so schema errors surface here.
	if err := s.Ping(context.Background()); err != nil {
		_ = pool.Close()
		return nil, err
	}
	return s, nil
}

func prepareSQLiteConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, sqliteSchema, nil); err != nil {
		return fmt.Errorf("init sqlite schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlite take: %w", err)
	}
	return conn, nil
}

func (s *SQLiteStore) Append(ctx context.Context, sessionID string, role Role, content string) (turn Turn, err error) {
	if sessionID == "" {
		return Turn{}, ErrEmptySession
	}
	if !role.Valid() {
		return Turn{}, ErrInvalidRole
	}
	conn, err := s.take(ctx)
	if err != nil {
		return Turn{}, err
	}
	defer s.pool.Put(conn)

	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return Turn{}, fmt.Errorf("append turn: begin: %w", err)
	}
	defer endTx(&err)

	turn = Turn{
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	err = sqlitex.Execute(conn,
		`SELECT COALESCE(MAX(position), 0) + 1 FROM story_turns WHERE session_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				turn.Position = stmt.ColumnInt(0)
				return nil
			},
		})
	if err != nil {
		return Turn{}, fmt.Errorf("append turn: next position: %w", err)
	}
	err = sqlitex.Execute(conn,
		`INSERT INTO story_turns (session_id, position, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID, turn.Position, string(role), content, turn.CreatedAt.UnixNano()},
		})
	if err != nil {
		return Turn{}, fmt.Errorf("append turn: %w", err)
	}
	return turn, nil
}

func (s *SQLiteStore) Count(ctx context.Context, sessionID string) (int, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	var n int
	err = sqlitex.Execute(conn, `SELECT COUNT(*) FROM story_turns WHERE session_id = ?`, &sqlitex.ExecOptions{
		Args: []any{sessionID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			n = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("count turns: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) All(ctx context.Context, sessionID string) ([]Turn, error) {
	return s.queryTurns(ctx,
		`SELECT session_id, position, role, content, created_at
		 FROM story_turns WHERE session_id = ? ORDER BY position`,
		sessionID,
	)
}

func (s *SQLiteStore) LastN(ctx context.Context, sessionID string, n int) ([]Turn, error) {
	if n <= 0 {
		return nil, nil
	}
	return s.queryTurns(ctx,
		`SELECT session_id, position, role, content, created_at FROM (
			SELECT * FROM story_turns WHERE session_id = ? ORDER BY position DESC LIMIT ?
		 ) ORDER BY position`,
		sessionID, n,
	)
}

func (s *SQLiteStore) Range(ctx context.Context, sessionID string, from, to int) ([]Turn, error) {
	if from < 1 {
		from = 1
	}
	if from > to {
		return nil, nil
	}
	return s.queryTurns(ctx,
		`SELECT session_id, position, role, content, created_at
		 FROM story_turns WHERE session_id = ? AND position BETWEEN ? AND ?
		 ORDER BY position`,
		sessionID, from, to,
	)
}

func (s *SQLiteStore) queryTurns(ctx context.Context, query string, args ...any) ([]Turn, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var items []Turn
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			role, err := ParseRole(stmt.ColumnText(2))
			if err != nil {
				return err
			}
			items = append(items, Turn{
				SessionID: stmt.ColumnText(0),
				Position:  stmt.ColumnInt(1),
				Role:      role,
				Content:   stmt.ColumnText(3),
				CreatedAt: time.Unix(0, stmt.ColumnInt64(4)).UTC(),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	return items, nil
}

func (s *SQLiteStore) Stats(ctx context.Context, sessionID string) (SessionStats, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return SessionStats{}, err
	}
	defer s.pool.Put(conn)

	var st SessionStats
	err = sqlitex.Execute(conn,
		`SELECT COUNT(*),
		        COALESCE(SUM(role = 'user'), 0),
		        COALESCE(SUM(role = 'assistant'), 0),
		        COALESCE(SUM(length(content)), 0),
		        COALESCE(MIN(created_at), 0),
		        COALESCE(MAX(created_at), 0)
		 FROM story_turns WHERE session_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				st.Turns = stmt.ColumnInt(0)
				st.UserTurns = stmt.ColumnInt(1)
				st.AssistantTurns = stmt.ColumnInt(2)
				st.Characters = stmt.ColumnInt(3)
				if first := stmt.ColumnInt64(4); first > 0 {
					st.FirstAt = time.Unix(0, first).UTC()
				}
				if last := stmt.ColumnInt64(5); last > 0 {
					st.LastAt = time.Unix(0, last).UTC()
				}
				return nil
			},
		})
	if err != nil {
		return SessionStats{}, fmt.Errorf("session stats: %w", err)
	}
	return st, nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) (deleted int, err error) {
	conn, err := s.take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("delete session: begin: %w", err)
	}
	defer endTx(&err)

	if err = sqlitex.Execute(conn, `DELETE FROM story_turns WHERE session_id = ?`, &sqlitex.ExecOptions{
		Args: []any{sessionID},
	}); err != nil {
		return 0, fmt.Errorf("delete session: %w", err)
	}
	deleted = conn.Changes()
	if err = sqlitex.Execute(conn, `DELETE FROM story_summaries WHERE session_id = ?`, &sqlitex.ExecOptions{
		Args: []any{sessionID},
	}); err != nil {
		return 0, fmt.Errorf("delete session summaries: %w", err)
	}
	return deleted, nil
}

func (s *SQLiteStore) PruneIdle(ctx context.Context, cutoff time.Time) (removed []string, err error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("prune idle sessions: begin: %w", err)
	}
	defer endTx(&err)

	err = sqlitex.Execute(conn,
		`SELECT session_id FROM story_turns GROUP BY session_id
		 HAVING MAX(created_at) < ? ORDER BY session_id`,
		&sqlitex.ExecOptions{
			Args: []any{cutoff.UnixNano()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				removed = append(removed, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("prune idle sessions: %w", err)
	}
	for _, id := range removed {
		for _, q := range []string{
			`DELETE FROM story_turns WHERE session_id = ?`,
			`DELETE FROM story_summaries WHERE session_id = ?`,
		} {
			if err = sqlitex.Execute(conn, q, &sqlitex.ExecOptions{Args: []any{id}}); err != nil {
				return nil, fmt.Errorf("prune session %s: %w", id, err)
			}
		}
	}
	return removed, nil
}

func (s *SQLiteStore) Get(ctx context.Context, sessionID string, coverage int) (string, bool, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return "", false, err
	}
	defer s.pool.Put(conn)

	var (
		text  string
		found bool
	)
	err = sqlitex.Execute(conn,
		`SELECT text FROM story_summaries WHERE session_id = ? AND coverage = ?`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID, coverage},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				text = stmt.ColumnText(0)
				found = true
				return nil
			},
		})
	if err != nil {
		return "", false, fmt.Errorf("get summary: %w", err)
	}
	return text, found, nil
}

func (s *SQLiteStore) Latest(ctx context.Context, sessionID string) (SummaryRecord, bool, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return SummaryRecord{}, false, err
	}
	defer s.pool.Put(conn)

	var (
		rec   SummaryRecord
		found bool
	)
	err = sqlitex.Execute(conn,
		`SELECT coverage, text, created_at FROM story_summaries
		 WHERE session_id = ? ORDER BY coverage DESC LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rec = SummaryRecord{
					SessionID: sessionID,
					Coverage:  stmt.ColumnInt(0),
					Text:      stmt.ColumnText(1),
					CreatedAt: time.Unix(0, stmt.ColumnInt64(2)).UTC(),
				}
				found = true
				return nil
			},
		})
	if err != nil {
		return SummaryRecord{}, false, fmt.Errorf("latest summary: %w", err)
	}
	return rec, found, nil
}

func (s *SQLiteStore) Put(ctx context.Context, sessionID string, coverage int, text string) error {
	if sessionID == "" {
		return ErrEmptySession
	}
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO story_summaries (session_id, coverage, text, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (session_id, coverage) DO UPDATE SET text = excluded.text, created_at = excluded.created_at`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID, coverage, text, time.Now().UTC().UnixNano()},
		})
	if err != nil {
		return fmt.Errorf("put summary: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteSummaries(ctx context.Context, sessionID string) (int, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	if err := sqlitex.Execute(conn, `DELETE FROM story_summaries WHERE session_id = ?`, &sqlitex.ExecOptions{
		Args: []any{sessionID},
	}); err != nil {
		return 0, fmt.Errorf("delete summaries: %w", err)
	}
	return conn.Changes(), nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	s.pool.Put(conn)
	return nil
}

func (s *SQLiteStore) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("close sqlite %s: %w", s.path, err)
	}
	return nil
}
