// Package journal persists an execution journal for orbctl invocations in
// SQLite.
//
// Every CLI invocation the connector makes is appended as one row: which
// machine, which argv, how it ended, how many attempts it took. The journal
// is an audit trail for debugging flaky provisioning runs, not a source of
// truth; writes are best-effort and never block command execution.
//
// The database uses SQLite with WAL mode and a single connection to avoid
// write conflicts.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	dataDirPerms = 0o750
	timeLayout   = time.RFC3339Nano
)

// Store holds the SQLite handle for the execution journal.
//
// Example usage:
//
//	store, err := journal.Open("~/.orblab/journal.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
type Store struct {
	Path string
	DB   *sql.DB
}

// Open connects to SQLite, applies pragmas, and runs migrations.
//
// The parent directory is created if needed. Returns an error if the
// directory cannot be created, the database cannot be opened, or
// migrations fail.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("journal path is required")
	}
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	if err := applyPragmas(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if err := migrate(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &Store{Path: path, DB: conn}, nil
}

// Close releases the underlying database connection. Safe on a nil Store.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// Entry is one journaled orbctl invocation.
type Entry struct {
	ID        int64
	StartedAt time.Time
	Operation string
	Machine   string
	Argv      []string
	ExitCode  int
	Attempts  int
	Duration  time.Duration
	Success   bool
	Error     string
}

// Record appends an entry to the journal.
func (s *Store) Record(ctx context.Context, entry Entry) error {
	if s == nil || s.DB == nil {
		return errors.New("journal store is nil")
	}
	if entry.Operation == "" {
		return errors.New("operation is required")
	}
	startedAt := entry.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	argvJSON, err := json.Marshal(entry.Argv)
	if err != nil {
		return fmt.Errorf("encode argv: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO executions
		(started_at, operation, machine, argv_json, exit_code, attempts, duration_ms, success, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		formatTime(startedAt),
		entry.Operation,
		nullIfEmpty(entry.Machine),
		string(argvJSON),
		entry.ExitCode,
		entry.Attempts,
		entry.Duration.Milliseconds(),
		boolToInt(entry.Success),
		nullIfEmpty(entry.Error),
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// Recent returns the most recent entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("journal store is nil")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, started_at, operation, machine, argv_json,
		exit_code, attempts, duration_ms, success, error
		FROM executions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		entry, err := scanEntryRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}
	return out, nil
}

// RecentByMachine returns the most recent entries for one machine, newest
// first.
func (s *Store) RecentByMachine(ctx context.Context, machine string, limit int) ([]Entry, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("journal store is nil")
	}
	if machine == "" {
		return nil, errors.New("machine is required")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, started_at, operation, machine, argv_json,
		exit_code, attempts, duration_ms, success, error
		FROM executions WHERE machine = ? ORDER BY id DESC LIMIT ?`, machine, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		entry, err := scanEntryRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}
	return out, nil
}

// Prune deletes entries older than the cutoff and returns how many rows
// were removed.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("journal store is nil")
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM executions WHERE started_at < ?`, formatTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("prune executions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune executions: %w", err)
	}
	return n, nil
}

func scanEntryRow(scanner interface{ Scan(dest ...any) error }) (Entry, error) {
	var entry Entry
	var startedAt string
	var machine sql.NullString
	var argvJSON string
	var durationMS int64
	var success int
	var errText sql.NullString
	if err := scanner.Scan(&entry.ID, &startedAt, &entry.Operation, &machine, &argvJSON,
		&entry.ExitCode, &entry.Attempts, &durationMS, &success, &errText); err != nil {
		return Entry{}, err
	}
	if startedAt != "" {
		parsed, err := parseTime(startedAt)
		if err != nil {
			return Entry{}, fmt.Errorf("parse started_at: %w", err)
		}
		entry.StartedAt = parsed
	}
	if machine.Valid {
		entry.Machine = machine.String
	}
	if argvJSON != "" {
		if err := json.Unmarshal([]byte(argvJSON), &entry.Argv); err != nil {
			return Entry{}, fmt.Errorf("decode argv: %w", err)
		}
	}
	entry.Duration = time.Duration(durationMS) * time.Millisecond
	entry.Success = success != 0
	if errText.Valid {
		entry.Error = errText.String
	}
	return entry, nil
}

func ensureDir(path string) error {
	if path == "" {
		return errors.New("journal directory is required")
	}
	if err := os.MkdirAll(path, dataDirPerms); err != nil {
		return fmt.Errorf("create journal dir %s: %w", path, err)
	}
	return nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}
	return nil
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, value)
}

func formatTime(value time.Time) string {
	return value.UTC().Format(timeLayout)
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
