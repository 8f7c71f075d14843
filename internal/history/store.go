// Package history journals finished worker results in SQLite. The journal is
// append-only and is never used to restore orchestrator state.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/hochfrequenz/codi/internal/domain"
	"github.com/hochfrequenz/codi/internal/ipcprotocol"
)

// Store provides SQLite-backed result persistence
type Store struct {
	db      *sql.DB
	session string
}

// Entry is one journaled result.
type Entry struct {
	ID      int64
	Session string
	domain.WorkerResult
}

// New opens the database at dbPath, creating it if needed. Results recorded
// through this Store are tagged with a fresh session id.
func New(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating history dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// one connection: sqlite serializes writers anyway and :memory: is per connection
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, err
	}

	// Run migrations
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db, session: uuid.NewString()}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Session returns the id results of this Store are tagged with.
func (s *Store) Session() string { return s.session }

// Record appends a result. It implements orchestrator.ResultSink.
func (s *Store) Record(ctx context.Context, r domain.WorkerResult) error {
	files, err := json.Marshal(r.FilesChanged)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO results (session, worker_id, branch, status, success, response, tool_call_count, tokens_used,
			duration_ms, pr_url, commits, files_changed, error, reason, restart_count, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		s.session,
		r.WorkerID,
		r.Branch,
		string(r.Status),
		r.Success,
		r.Response,
		r.ToolCallCount,
		r.TokensUsed,
		r.Duration.Milliseconds(),
		r.PRURL,
		r.Commits,
		string(files),
		r.Error,
		string(r.Reason),
		r.RestartCount,
		r.CompletedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording result of %s: %w", r.WorkerID, err)
	}
	return nil
}

// ListOptions specifies filters for listing results
type ListOptions struct {
	WorkerID string
	Session  string
	Since    time.Time
	// FailedOnly drops successful results.
	FailedOnly bool
	// Limit caps the number of entries, newest first; 0 means no limit.
	Limit int
}

// List returns matching entries, newest first.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]Entry, error) {
	query := `SELECT id, session, worker_id, branch, status, success, response, tool_call_count, tokens_used,
		duration_ms, pr_url, commits, files_changed, error, reason, restart_count, completed_at
		FROM results WHERE 1=1`
	var args []any

	if opts.WorkerID != "" {
		query += " AND worker_id = ?"
		args = append(args, opts.WorkerID)
	}
	if opts.Session != "" {
		query += " AND session = ?"
		args = append(args, opts.Session)
	}
	if !opts.Since.IsZero() {
		query += " AND completed_at >= ?"
		args = append(args, opts.Since.UTC())
	}
	if opts.FailedOnly {
		query += " AND success = FALSE"
	}
	query += " ORDER BY id DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var (
		e                            Entry
		status, reason               string
		response, prURL, errMsg, fcs sql.NullString
		durationMs                   int64
	)
	err := rows.Scan(&e.ID, &e.Session, &e.WorkerID, &e.Branch, &status, &e.Success, &response, &e.ToolCallCount,
		&e.TokensUsed, &durationMs, &prURL, &e.Commits, &fcs, &errMsg, &reason, &e.RestartCount, &e.CompletedAt)
	if err != nil {
		return Entry{}, err
	}
	e.Status = ipcprotocol.WorkerStatus(status)
	e.Reason = ipcprotocol.ErrorReason(reason)
	e.Duration = time.Duration(durationMs) * time.Millisecond
	e.Response = response.String
	e.PRURL = prURL.String
	e.Error = errMsg.String

	if fcs.Valid && fcs.String != "" && fcs.String != "null" {
		if err := json.Unmarshal([]byte(fcs.String), &e.FilesChanged); err != nil {
			return Entry{}, err
		}
	}
	return e, nil
}
