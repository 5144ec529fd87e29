// Package ledger persists one row per spawn: what ran, how it ended, and how
// much it produced. The ledger is an audit record, not runtime state; the
// process table never reads it back.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/drossel-lang/keel/internal/log"
)

// Record is one spawn's row.
type Record struct {
	SpawnID string `json:"spawn_id"`
	Handle  string `json:"handle"`
	Exe     string `json:"exe"`
	Args    []string `json:"args"`
	Mode    string `json:"mode"`
	PID     int    `json:"pid"`

	State     string `json:"state"`
	ExitCode  *int32 `json:"exit_code,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`

	StdoutBytes uint64 `json:"stdout_bytes"`
	StderrBytes uint64 `json:"stderr_bytes"`
	RuntimeMS   int64  `json:"runtime_ms"`

	SpawnedAt  time.Time  `json:"spawned_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Ledger is the sqlite-backed run ledger.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the ledger database at path and ensures
// the schema exists.
func Open(ctx context.Context, path string) (*Ledger, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Ledger{db: db, logger: log.WithComponent("ledger")}, nil
}

func bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS process_log (
  spawn_id     TEXT PRIMARY KEY,
  handle       TEXT NOT NULL,
  exe          TEXT NOT NULL,
  args         JSON NOT NULL,
  mode         TEXT NOT NULL,
  pid          INTEGER NOT NULL,
  state        TEXT NOT NULL,
  exit_code    INTEGER,
  error_code   TEXT,
  stdout_bytes INTEGER NOT NULL DEFAULT 0,
  stderr_bytes INTEGER NOT NULL DEFAULT 0,
  runtime_ms   INTEGER NOT NULL DEFAULT 0,
  spawned_at   TEXT NOT NULL,
  finished_at  TEXT
);`,
		`CREATE INDEX IF NOT EXISTS process_log_state_spawned_at_idx ON process_log(state, spawned_at);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap ledger: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error { return l.db.Close() }

// RecordSpawn inserts the row for a freshly spawned process.
func (l *Ledger) RecordSpawn(ctx context.Context, r Record) error {
	args, err := json.Marshal(r.Args)
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO process_log
		   (spawn_id, handle, exe, args, mode, pid, state, spawned_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SpawnID, r.Handle, r.Exe, string(args), r.Mode, r.PID,
		r.State, r.SpawnedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record spawn %s: %w", r.SpawnID, err)
	}
	return nil
}

// Finalize records the terminal outcome of a spawn.
func (l *Ledger) Finalize(ctx context.Context, spawnID, state string, exitCode *int32, errorCode string, stdoutBytes, stderrBytes uint64, runtime time.Duration) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE process_log
		    SET state = ?, exit_code = ?, error_code = NULLIF(?, ''),
		        stdout_bytes = ?, stderr_bytes = ?, runtime_ms = ?, finished_at = ?
		  WHERE spawn_id = ?`,
		state, exitCodeValue(exitCode), errorCode,
		stdoutBytes, stderrBytes, runtime.Milliseconds(),
		time.Now().UTC().Format(time.RFC3339Nano), spawnID)
	if err != nil {
		return fmt.Errorf("finalize spawn %s: %w", spawnID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finalize spawn %s: no such row", spawnID)
	}
	return nil
}

func exitCodeValue(code *int32) any {
	if code == nil {
		return nil
	}
	return *code
}

// Get returns one spawn's record.
func (l *Ledger) Get(ctx context.Context, spawnID string) (*Record, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT spawn_id, handle, exe, args, mode, pid, state, exit_code,
		        error_code, stdout_bytes, stderr_bytes, runtime_ms,
		        spawned_at, finished_at
		   FROM process_log WHERE spawn_id = ?`, spawnID)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get spawn %s: %w", spawnID, err)
	}
	return r, nil
}

// List returns the most recent spawns, newest first.
func (l *Ledger) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT spawn_id, handle, exe, args, mode, pid, state, exit_code,
		        error_code, stdout_bytes, stderr_bytes, runtime_ms,
		        spawned_at, finished_at
		   FROM process_log ORDER BY spawned_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list spawns: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan spawn row: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// Prune deletes finished rows older than the retention window and returns
// how many were removed.
func (l *Ledger) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UTC().Format(time.RFC3339Nano)
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM process_log WHERE finished_at IS NOT NULL AND finished_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune ledger: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		l.logger.Info("pruned finished spawns", "count", n)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var r Record
	var args string
	var exitCode sql.NullInt32
	var errorCode sql.NullString
	var spawnedAt string
	var finishedAt sql.NullString

	err := row.Scan(&r.SpawnID, &r.Handle, &r.Exe, &args, &r.Mode, &r.PID,
		&r.State, &exitCode, &errorCode, &r.StdoutBytes, &r.StderrBytes,
		&r.RuntimeMS, &spawnedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(args), &r.Args); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	if exitCode.Valid {
		v := exitCode.Int32
		r.ExitCode = &v
	}
	if errorCode.Valid {
		r.ErrorCode = errorCode.String
	}
	if t, err := time.Parse(time.RFC3339Nano, spawnedAt); err == nil {
		r.SpawnedAt = t
	}
	if finishedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, finishedAt.String); err == nil {
			r.FinishedAt = &t
		}
	}
	return &r, nil
}
