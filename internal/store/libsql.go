package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/maretto/aegis/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded
// SQLite fork). Single writer per database file is assumed; there is no
// cross-process locking.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/aegis.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodePersistence, "open libsql: %s", err.Error()).WithCause(err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
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

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	if err := runMigrations(ctx, s.db); err != nil {
		return schema.NewErrorf(schema.ErrCodePersistence, "migrate: %s", err.Error()).WithCause(err)
	}
	return nil
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return persistErr("vacuum", err)
	}
	return nil
}

// Ping verifies the database connection is alive.
func (s *LibSQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return persistErr("ping", err)
	}
	return nil
}

// --- Executions ---

const executionColumns = `run_id, workflow_id, status, current_step, total_steps, completed_steps,
	backend, outputs, error, started_at, completed_at, created_at, updated_at`

// CreateExecution inserts exactly one record per run ID. A duplicate run
// ID is a CONFLICT, not an overwrite.
func (s *LibSQLStore) CreateExecution(ctx context.Context, rec *ExecutionRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.WorkflowID, string(rec.Status), rec.CurrentStep, rec.TotalSteps, rec.CompletedSteps,
		nullStr(rec.Backend), nullRaw(rec.Outputs), nullStr(rec.Error),
		rec.StartedAt, nullTime(rec.CompletedAt), rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", rec.RunID).WithCause(err)
		}
		return persistErr("create_execution", err)
	}
	return nil
}

// GetExecution fetches the record for a run.
func (s *LibSQLStore) GetExecution(ctx context.Context, runID string) (*ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE run_id = ?`, runID)
	rec, err := scanExecution(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", runID)
	}
	if err != nil {
		return nil, persistErr("get_execution", err)
	}
	return rec, nil
}

// UpdateExecution modifies only the mutable columns of a record.
// Identity fields are never touched. A missing run is NOT_FOUND.
func (s *LibSQLStore) UpdateExecution(ctx context.Context, runID string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.CurrentStep != nil {
		sets = append(sets, "current_step = ?")
		args = append(args, *update.CurrentStep)
	}
	if update.CompletedSteps != nil {
		sets = append(sets, "completed_steps = ?")
		args = append(args, *update.CompletedSteps)
	}
	if update.Backend != nil {
		sets = append(sets, "backend = ?")
		args = append(args, *update.Backend)
	}
	if update.Outputs != nil {
		sets = append(sets, "outputs = ?")
		args = append(args, string(update.Outputs))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *update.Error)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, runID)

	query := fmt.Sprintf("UPDATE executions SET %s WHERE run_id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return persistErr("update_execution", err)
	}
	return checkRowsAffected(res, "execution", runID)
}

// ListExecutions returns records matching the filter, newest first.
func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ExecutionRecord, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, run_id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistErr("list_executions", err)
	}
	defer rows.Close()

	var records []*ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, persistErr("list_executions", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("list_executions", err)
	}
	return records, nil
}

func scanExecution(scan func(...any) error) (*ExecutionRecord, error) {
	rec := &ExecutionRecord{}
	var (
		status           string
		backend, outputs sql.NullString
		errMsg           sql.NullString
		completedAt      sql.NullTime
	)
	err := scan(&rec.RunID, &rec.WorkflowID, &status, &rec.CurrentStep, &rec.TotalSteps, &rec.CompletedSteps,
		&backend, &outputs, &errMsg, &rec.StartedAt, &completedAt, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Status = schema.RunStatus(status)
	rec.Backend = backend.String
	rec.Outputs = rawOrNil(outputs)
	rec.Error = errMsg.String
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	return rec, nil
}

// --- Checkpoints ---

// SaveCheckpoint upserts by (run_id, step_index); the latest write for a
// step wins, supporting repeated writes across retries.
func (s *LibSQLStore) SaveCheckpoint(ctx context.Context, cp *StepCheckpoint) error {
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (run_id, step_index, step_name, status, input, output, error, retry_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(run_id, step_index) DO UPDATE SET
		   step_name=excluded.step_name, status=excluded.status,
		   input=excluded.input, output=excluded.output, error=excluded.error,
		   retry_count=excluded.retry_count, updated_at=CURRENT_TIMESTAMP`,
		cp.RunID, cp.StepIndex, nullStr(cp.StepName), string(cp.Status),
		nullRaw(cp.Input), nullRaw(cp.Output), nullStr(cp.Error), cp.RetryCount, cp.CreatedAt,
	)
	if err != nil {
		return persistErr("save_checkpoint", err)
	}
	return nil
}

// GetCheckpoints returns a run's checkpoints ordered by step index.
func (s *LibSQLStore) GetCheckpoints(ctx context.Context, runID string) ([]*StepCheckpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_index, step_name, status, input, output, error, retry_count, created_at, updated_at
		 FROM checkpoints WHERE run_id = ? ORDER BY step_index ASC`, runID)
	if err != nil {
		return nil, persistErr("get_checkpoints", err)
	}
	defer rows.Close()

	var cps []*StepCheckpoint
	for rows.Next() {
		cp := &StepCheckpoint{}
		var (
			stepName, input, output, errMsg sql.NullString
			status                          string
		)
		if err := rows.Scan(&cp.ID, &cp.RunID, &cp.StepIndex, &stepName, &status,
			&input, &output, &errMsg, &cp.RetryCount, &cp.CreatedAt, &cp.UpdatedAt); err != nil {
			return nil, persistErr("get_checkpoints", err)
		}
		cp.StepName = stepName.String
		cp.Status = schema.StepStatus(status)
		cp.Input = rawOrNil(input)
		cp.Output = rawOrNil(output)
		cp.Error = errMsg.String
		cps = append(cps, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("get_checkpoints", err)
	}
	return cps, nil
}

// GetResumePoint returns 1 + the highest step index among COMPLETED
// checkpoints for the run, or 0 when none exist. FAILED or SKIPPED
// checkpoints at higher indices do not move the resume point.
func (s *LibSQLStore) GetResumePoint(ctx context.Context, runID string) (int, error) {
	var maxIdx sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(step_index) FROM checkpoints WHERE run_id = ? AND status = ?`,
		runID, string(schema.StepStatusCompleted),
	).Scan(&maxIdx)
	if err != nil {
		return 0, persistErr("get_resume_point", err)
	}
	if !maxIdx.Valid {
		return 0, nil
	}
	return int(maxIdx.Int64) + 1, nil
}

// --- Run event log ---

// AppendEvent appends an event with a monotonically increasing per-run
// sequence. The sequence read and insert happen inside one write
// transaction so concurrent appenders cannot interleave.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *schema.RunEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr("append_event", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM run_events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return persistErr("append_event", err)
	}
	event.Sequence = seq

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	var payload any
	if len(event.Payload) > 0 {
		data, err := json.Marshal(event.Payload)
		if err != nil {
			return persistErr("append_event", err)
		}
		payload = string(data)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_events (id, run_id, sequence, event_type, step_index, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.RunID, seq, event.Type, event.StepIndex, payload, event.CreatedAt,
	)
	if err != nil {
		return persistErr("append_event", err)
	}

	if err := tx.Commit(); err != nil {
		return persistErr("append_event", err)
	}
	return nil
}

// ListEvents returns events for a run with sequence > since, ordered by
// sequence. A full replay (since = 0) also validates that the sequence
// is contiguous: a gap means the log is corrupt and resume state built
// from it cannot be trusted.
func (s *LibSQLStore) ListEvents(ctx context.Context, runID string, since int64) ([]*schema.RunEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, sequence, event_type, step_index, payload, created_at
		 FROM run_events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`, runID, since)
	if err != nil {
		return nil, persistErr("list_events", err)
	}
	defer rows.Close()

	var events []*schema.RunEvent
	for rows.Next() {
		e := &schema.RunEvent{}
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.Sequence, &e.Type, &e.StepIndex, &payload, &e.CreatedAt); err != nil {
			return nil, persistErr("list_events", err)
		}
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, persistErr("list_events", err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("list_events", err)
	}

	if since == 0 {
		for i, e := range events {
			if e.Sequence != int64(i+1) {
				return nil, schema.NewErrorf(schema.ErrCodePersistence,
					"event log gap in run %s: expected sequence %d, got %d", runID, i+1, e.Sequence)
			}
		}
	}
	return events, nil
}

// --- Maintenance ---

// CleanupOldRecords bulk-deletes executions created more than olderThanDays
// ago, along with their checkpoints and events. The only destructive
// operation; intended for maintenance sweeps, never the execution hot path.
func (s *LibSQLStore) CleanupOldRecords(ctx context.Context, olderThanDays int) (*CleanupResult, error) {
	if olderThanDays < 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "retention days must be >= 0, got %d", olderThanDays)
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, persistErr("cleanup", err)
	}
	defer tx.Rollback()

	result := &CleanupResult{}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE run_id IN (SELECT run_id FROM executions WHERE created_at < ?)`, cutoff)
	if err != nil {
		return nil, persistErr("cleanup", err)
	}
	result.Checkpoints, _ = res.RowsAffected()

	res, err = tx.ExecContext(ctx,
		`DELETE FROM run_events WHERE run_id IN (SELECT run_id FROM executions WHERE created_at < ?)`, cutoff)
	if err != nil {
		return nil, persistErr("cleanup", err)
	}
	result.Events, _ = res.RowsAffected()

	res, err = tx.ExecContext(ctx, `DELETE FROM executions WHERE created_at < ?`, cutoff)
	if err != nil {
		return nil, persistErr("cleanup", err)
	}
	result.Executions, _ = res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return nil, persistErr("cleanup", err)
	}
	return result, nil
}

// --- Helpers ---

func persistErr(op string, err error) *schema.Error {
	return schema.NewErrorf(schema.ErrCodePersistence, "%s: %s", op, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"op": op})
}

func storeNotFound(resource, id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return persistErr("rows_affected", err)
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
