package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jaakkos/codeloom/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS plan_results (
	id INTEGER PRIMARY KEY,
	plan_id TEXT NOT NULL,
	tool TEXT NOT NULL DEFAULT '',
	intent TEXT NOT NULL DEFAULT '',
	dry_run INTEGER NOT NULL DEFAULT 0,
	success INTEGER NOT NULL DEFAULT 0,
	rolled_back INTEGER NOT NULL DEFAULT 0,
	modified_files TEXT NOT NULL DEFAULT '[]',
	errors TEXT NOT NULL DEFAULT '[]',
	applied_at TEXT NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS worker_events (
	id INTEGER PRIMARY KEY,
	worker TEXT NOT NULL,
	generation INTEGER NOT NULL DEFAULT 0,
	pid INTEGER NOT NULL DEFAULT 0,
	event TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

const indexes = `
CREATE INDEX IF NOT EXISTS idx_plan_results_plan_id ON plan_results(plan_id);
CREATE INDEX IF NOT EXISTS idx_worker_events_worker ON worker_events(worker, id);
`

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is the SQLite journal of edit-plan results and worker lifecycle events.
type Store struct {
	db *sql.DB
}

// New opens the SQLite database at path (creating parent dirs and schema).
func New(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("sqlite mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// One writer at a time; the journal is append-mostly.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	if _, err := db.Exec(indexes); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite indexes: %w", err)
	}
	_ = runMigrations(db)
	return &Store{db: db}, nil
}

// runMigrations applies schema migrations for older databases. Errors are
// silently ignored because some may already be applied.
func runMigrations(db *sql.DB) error {
	_, _ = db.Exec("ALTER TABLE plan_results ADD COLUMN rolled_back INTEGER NOT NULL DEFAULT 0")
	_, _ = db.Exec("INSERT OR IGNORE INTO meta(key, value) VALUES('schema_version', '1')")
	return nil
}

// Close releases the database connection. Call on shutdown for clean exit.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// parseTime parses RFC3339Nano or returns zero time and error.
func parseTime(s, context string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: parse timestamp %q: %w", context, s, err)
	}
	return t, nil
}

// isNoSuchTableErr returns true if the error indicates the table doesn't exist.
func isNoSuchTableErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

// parseJSON unmarshals b into v or returns error with context.
func parseJSON(b []byte, v interface{}, context string) error {
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%s: %w", context, err)
	}
	return nil
}

func marshalList(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	return string(b), err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// RecordPlan appends a plan result.
func (s *Store) RecordPlan(ctx context.Context, rec domain.PlanRecord) error {
	files, err := marshalList(rec.ModifiedFiles)
	if err != nil {
		return fmt.Errorf("plan_results: %w", err)
	}
	errs, err := marshalList(rec.Errors)
	if err != nil {
		return fmt.Errorf("plan_results: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO plan_results(plan_id, tool, intent, dry_run, success, rolled_back, modified_files, errors, applied_at, duration_ms)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.PlanID, rec.Tool, rec.Intent, boolInt(rec.DryRun), boolInt(rec.Success), boolInt(rec.RolledBack),
		files, errs, rec.AppliedAt.UTC().Format(timeLayout), rec.DurationMs)
	if err != nil {
		return fmt.Errorf("plan_results insert: %w", err)
	}
	return nil
}

// ListPlans returns up to limit plan results, newest first. limit <= 0
// returns all.
func (s *Store) ListPlans(ctx context.Context, limit int) ([]domain.PlanRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT plan_id, tool, intent, dry_run, success, rolled_back, modified_files, errors, applied_at, duration_ms
		 FROM plan_results ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		if isNoSuchTableErr(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("plan_results: %w", err)
	}
	defer rows.Close()

	var out []domain.PlanRecord
	for rows.Next() {
		var rec domain.PlanRecord
		var dryRun, success, rolledBack int
		var files, errs, at string
		if err := rows.Scan(&rec.PlanID, &rec.Tool, &rec.Intent, &dryRun, &success, &rolledBack, &files, &errs, &at, &rec.DurationMs); err != nil {
			return nil, err
		}
		rec.DryRun, rec.Success, rec.RolledBack = dryRun != 0, success != 0, rolledBack != 0
		if err := parseJSON([]byte(files), &rec.ModifiedFiles, "plan_results modified_files"); err != nil {
			return nil, err
		}
		if err := parseJSON([]byte(errs), &rec.Errors, "plan_results errors"); err != nil {
			return nil, err
		}
		if len(rec.Errors) == 0 {
			rec.Errors = nil
		}
		if rec.AppliedAt, err = parseTime(at, "plan_results"); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("plan_results iteration: %w", err)
	}
	return out, nil
}

// RecordWorkerEvent appends a worker lifecycle event.
func (s *Store) RecordWorkerEvent(ctx context.Context, ev domain.WorkerEvent) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO worker_events(worker, generation, pid, event, detail, at) VALUES(?, ?, ?, ?, ?, ?)`,
		ev.Worker, int64(ev.Generation), ev.PID, ev.Event, ev.Detail, at.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("worker_events insert: %w", err)
	}
	return nil
}

// ListWorkerEvents returns up to limit events, newest first. An empty
// worker lists events of every worker.
func (s *Store) ListWorkerEvents(ctx context.Context, worker string, limit int) ([]domain.WorkerEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	q := `SELECT worker, generation, pid, event, detail, at FROM worker_events`
	args := []any{}
	if worker != "" {
		q += ` WHERE worker = ?`
		args = append(args, worker)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("worker_events: %w", err)
	}
	defer rows.Close()

	var out []domain.WorkerEvent
	for rows.Next() {
		var ev domain.WorkerEvent
		var gen int64
		var at string
		if err := rows.Scan(&ev.Worker, &gen, &ev.PID, &ev.Event, &ev.Detail, &at); err != nil {
			return nil, err
		}
		ev.Generation = uint64(gen)
		if ev.At, err = parseTime(at, "worker_events"); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("worker_events iteration: %w", err)
	}
	return out, nil
}

// Prune keeps the newest keep rows of each table and deletes rows older
// than maxAge (when positive). It returns the number of deleted rows.
func (s *Store) Prune(ctx context.Context, keep int, maxAge time.Duration) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var total int64
	for _, table := range []string{"plan_results", "worker_events"} {
		if keep > 0 {
			res, err := tx.ExecContext(ctx,
				fmt.Sprintf(`DELETE FROM %s WHERE id NOT IN (SELECT id FROM %s ORDER BY id DESC LIMIT ?)`, table, table), keep)
			if err != nil {
				return 0, fmt.Errorf("prune %s: %w", table, err)
			}
			n, _ := res.RowsAffected()
			total += n
		}
		if maxAge > 0 {
			col := "applied_at"
			if table == "worker_events" {
				col = "at"
			}
			cutoff := time.Now().Add(-maxAge).UTC().Format(timeLayout)
			res, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s < ?`, table, col), cutoff)
			if err != nil {
				return 0, fmt.Errorf("prune %s: %w", table, err)
			}
			n, _ := res.RowsAffected()
			total += n
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("prune commit: %w", err)
	}
	return total, nil
}
