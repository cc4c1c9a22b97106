package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/callflow/pkg/schema"
)

// LibSQLStore implements Store using libSQL (embedded SQLite fork).
// Timestamps are stored as Unix milliseconds.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/callflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Runs ---

const runColumns = `id, record_id, customer_id, status, terminal_step, last_event, error_code, error, snapshot, started_at, finished_at, created_at`

// SaveRun inserts run, or replaces the stored row when the id exists.
func (s *LibSQLStore) SaveRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "run id is required")
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   status=excluded.status, terminal_step=excluded.terminal_step, last_event=excluded.last_event,
		   error_code=excluded.error_code, error=excluded.error, snapshot=excluded.snapshot,
		   finished_at=excluded.finished_at`,
		run.ID, run.RecordID, run.CustomerID, string(run.Status),
		nullStr(run.TerminalStep), nullStr(run.LastEvent), nullStr(run.ErrorCode), nullStr(run.Error),
		nullStr(string(run.Snapshot)),
		millis(timeOrNow(run.StartedAt)), nullMillis(run.FinishedAt), millis(run.CreatedAt),
	)
	if err != nil {
		return storeError("save run", err)
	}
	return nil
}

// GetRun loads a run by id.
func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, storeError("get run", err)
	}
	return run, nil
}

// ListRuns returns runs matching filter, most recently started first.
func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.RecordID != "" {
		where = append(where, "record_id = ?")
		args = append(args, filter.RecordID)
	}
	if filter.CustomerID != "" {
		where = append(where, "customer_id = ?")
		args = append(args, filter.CustomerID)
	}
	if filter.Since != nil {
		where = append(where, "started_at >= ?")
		args = append(args, millis(*filter.Since))
	}

	query := "SELECT " + runColumns + " FROM runs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list runs", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, storeError("scan run", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	run := &Run{}
	var (
		terminal, lastEvent, errCode, errMsg, snapshot sql.NullString
		status                                         string
		started, created                               int64
		finished                                       sql.NullInt64
	)
	if err := sc.Scan(&run.ID, &run.RecordID, &run.CustomerID, &status,
		&terminal, &lastEvent, &errCode, &errMsg, &snapshot,
		&started, &finished, &created); err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status)
	run.TerminalStep = terminal.String
	run.LastEvent = lastEvent.String
	run.ErrorCode = errCode.String
	run.Error = errMsg.String
	run.Snapshot = rawOrNil(snapshot)
	run.StartedAt = fromMillis(started)
	run.CreatedAt = fromMillis(created)
	if finished.Valid {
		t := fromMillis(finished.Int64)
		run.FinishedAt = &t
	}
	return run, nil
}

// --- Step traces ---

// AppendStepTrace appends trace with the next per-run sequence number.
func (s *LibSQLStore) AppendStepTrace(ctx context.Context, trace *StepTrace) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM runs WHERE id = ?`, trace.RunID).Scan(&exists); err != nil {
		return storeError("check run", err)
	}
	if exists == 0 {
		return storeNotFound("run", trace.RunID)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM step_traces WHERE run_id = ?`, trace.RunID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	trace.Sequence = seq

	_, err = tx.ExecContext(ctx,
		`INSERT INTO step_traces (run_id, sequence, step_id, incoming, emitted, param, error, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trace.RunID, seq, trace.StepID, nullStr(trace.Incoming), nullStr(trace.Emitted),
		nullStr(trace.Param), nullStr(trace.Error),
		millis(timeOrNow(trace.StartedAt)), millis(timeOrNow(trace.FinishedAt)),
	)
	if err != nil {
		return fmt.Errorf("insert step trace: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit step trace: %w", err)
	}
	return nil
}

// ListStepTraces returns the traces of a run in sequence order.
func (s *LibSQLStore) ListStepTraces(ctx context.Context, runID string) ([]*StepTrace, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, sequence, step_id, incoming, emitted, param, error, started_at, finished_at
		 FROM step_traces WHERE run_id = ? ORDER BY sequence`, runID)
	if err != nil {
		return nil, storeError("list step traces", err)
	}
	defer rows.Close()

	var traces []*StepTrace
	for rows.Next() {
		t := &StepTrace{}
		var incoming, emitted, param, errMsg sql.NullString
		var started, finished int64
		if err := rows.Scan(&t.RunID, &t.Sequence, &t.StepID, &incoming, &emitted, &param, &errMsg, &started, &finished); err != nil {
			return nil, storeError("scan step trace", err)
		}
		t.Incoming = incoming.String
		t.Emitted = emitted.String
		t.Param = param.String
		t.Error = errMsg.String
		t.StartedAt = fromMillis(started)
		t.FinishedAt = fromMillis(finished)
		traces = append(traces, t)
	}
	return traces, rows.Err()
}

// --- Retention ---

// PurgeRunsBefore deletes finished runs that finished before cutoff, with
// their traces, and returns how many runs were removed.
func (s *LibSQLStore) PurgeRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const stale = `SELECT id FROM runs WHERE finished_at IS NOT NULL AND finished_at < ?`
	ms := millis(cutoff)
	if _, err := tx.ExecContext(ctx, `DELETE FROM step_traces WHERE run_id IN (`+stale+`)`, ms); err != nil {
		return 0, storeError("purge step traces", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE finished_at IS NOT NULL AND finished_at < ?`, ms)
	if err != nil {
		return 0, storeError("purge runs", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit purge: %w", err)
	}
	return n, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeError(op string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func rawOrNil(ns sql.NullString) []byte {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return []byte(ns.String)
}

var _ Store = (*LibSQLStore)(nil)
