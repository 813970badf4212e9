package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/reasonance-lab/streamcoder/internal/program"
	"github.com/reasonance-lab/streamcoder/internal/sandbox"
	"github.com/reasonance-lab/streamcoder/internal/storage"

	_ "modernc.org/sqlite"
)

// timeFormat is fixed width so stored timestamps sort and compare as text.
const timeFormat = "2006-01-02T15:04:05.000000Z"

const sessionColumns = `identity, source_id, origin, source, submitted_at, rewritten, result, run_count, created_at, updated_at`

// SQLiteStore implements storage.Store backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database (useful for testing).
func Open(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
		dsn = dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Put(ctx context.Context, sess *storage.SandboxSession) error {
	if sess.Identity == "" {
		return fmt.Errorf("session identity is required")
	}
	result, err := json.Marshal(sess.Result)
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}

	var src program.SourceUnit
	if sess.Source != nil {
		src = *sess.Source
	}
	var status sandbox.Status
	var isolation string
	if sess.Result != nil {
		status = sess.Result.Status
		isolation = sess.Result.Isolation
	}

	now := time.Now().UTC().Format(timeFormat)
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO sandbox_sessions
			(identity, source_id, origin, source, submitted_at, rewritten, status, isolation, result, run_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			source_id = excluded.source_id,
			origin = excluded.origin,
			source = excluded.source,
			submitted_at = excluded.submitted_at,
			rewritten = excluded.rewritten,
			status = excluded.status,
			isolation = excluded.isolation,
			result = excluded.result,
			run_count = sandbox_sessions.run_count + 1,
			updated_at = excluded.updated_at
		RETURNING run_count, created_at, updated_at`,
		sess.Identity, src.ID, string(src.Origin), src.Text, formatTime(src.SubmittedAt),
		sess.RewrittenText, string(status), isolation, string(result), now, now,
	)

	var createdAt, updatedAt string
	if err := row.Scan(&sess.RunCount, &createdAt, &updatedAt); err != nil {
		return fmt.Errorf("saving session %s: %w", sess.Identity, err)
	}
	sess.CreatedAt = parseTime(createdAt)
	sess.UpdatedAt = parseTime(updatedAt)
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, identity string) (*storage.SandboxSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sandbox_sessions WHERE identity = ?`, identity)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, identity)
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) List(ctx context.Context, opts storage.ListOptions) ([]storage.SandboxSession, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + sessionColumns + ` FROM sandbox_sessions`
	var args []any

	if opts.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(opts.Status))
	}

	query += ` ORDER BY updated_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []storage.SandboxSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, identity string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sandbox_sessions WHERE identity = ?`, identity)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, identity)
	}
	return nil
}

func (s *SQLiteStore) DeleteIdle(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sandbox_sessions WHERE updated_at < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("pruning sessions: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Scanner interface to work with both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(s scanner) (*storage.SandboxSession, error) {
	var (
		sess                        storage.SandboxSession
		src                         program.SourceUnit
		origin, submittedAt, result string
		createdAt, updatedAt        string
	)
	err := s.Scan(&sess.Identity, &src.ID, &origin, &src.Text, &submittedAt,
		&sess.RewrittenText, &result, &sess.RunCount, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	src.Identity = sess.Identity
	src.Origin = program.Origin(origin)
	src.SubmittedAt = parseTime(submittedAt)
	sess.Source = &src
	if err := json.Unmarshal([]byte(result), &sess.Result); err != nil {
		return nil, fmt.Errorf("unmarshaling result for %s: %w", sess.Identity, err)
	}
	sess.CreatedAt = parseTime(createdAt)
	sess.UpdatedAt = parseTime(updatedAt)
	return &sess, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}
