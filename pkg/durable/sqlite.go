package durable

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// SQLiteConfig holds SQLite journal configuration
type SQLiteConfig struct {
	Path   string
	Logger zerolog.Logger
}

// SQLiteJournal persists workflows and steps in a SQLite database.
type SQLiteJournal struct {
	db     *sql.DB
	logger zerolog.Logger
}

// OpenSQLiteJournal opens (or creates) a journal database at cfg.Path
func OpenSQLiteJournal(cfg SQLiteConfig) (*SQLiteJournal, error) {
	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode so readers (status, history) never block the worker
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	j := &SQLiteJournal{db: db, logger: cfg.Logger}

	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	j.logger.Debug().Str("path", cfg.Path).Msg("Workflow journal opened")
	return j, nil
}

func (j *SQLiteJournal) initSchema() error {
	_, err := j.db.Exec(`
		CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			task_queue TEXT NOT NULL DEFAULT '',
			input TEXT,
			status TEXT NOT NULL,
			output TEXT,
			error_type TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status, created_at);

		CREATE TABLE IF NOT EXISTS steps (
			workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			result TEXT,
			error_type TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL,
			attempt_id TEXT NOT NULL,
			completed_at INTEGER NOT NULL,
			PRIMARY KEY (workflow_id, seq)
		);
	`)
	return err
}

func isConstraintViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}

func nullableRaw(raw json.RawMessage) interface{} {
	if raw == nil {
		return nil
	}
	return string(raw)
}

func rawFromNull(s sql.NullString) json.RawMessage {
	if !s.Valid {
		return nil
	}
	return json.RawMessage(s.String)
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func (j *SQLiteJournal) CreateWorkflow(ctx context.Context, rec WorkflowRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.Status == "" {
		rec.Status = StatusRunning
	}

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO workflows (id, type, task_queue, input, status, output, error_type, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Type, rec.TaskQueue, nullableRaw(rec.Input), string(rec.Status),
		nullableRaw(rec.Output), rec.ErrorType, rec.Error, toMillis(rec.CreatedAt), toMillis(now),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("%w: %s", ErrWorkflowExists, rec.ID)
		}
		return fmt.Errorf("failed to insert workflow: %w", err)
	}
	return nil
}

const workflowColumns = `id, type, task_queue, input, status, output, error_type, error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorkflow(row rowScanner) (WorkflowRecord, error) {
	var (
		rec                  WorkflowRecord
		input, output        sql.NullString
		status               string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&rec.ID, &rec.Type, &rec.TaskQueue, &input, &status, &output,
		&rec.ErrorType, &rec.Error, &createdAt, &updatedAt); err != nil {
		return WorkflowRecord{}, err
	}
	rec.Input = rawFromNull(input)
	rec.Output = rawFromNull(output)
	rec.Status = WorkflowStatus(status)
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	return rec, nil
}

func (j *SQLiteJournal) GetWorkflow(ctx context.Context, id string) (WorkflowRecord, error) {
	row := j.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	rec, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return WorkflowRecord{}, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	if err != nil {
		return WorkflowRecord{}, fmt.Errorf("failed to load workflow: %w", err)
	}
	return rec, nil
}

func (j *SQLiteJournal) CompleteWorkflow(ctx context.Context, id string, output json.RawMessage) error {
	return j.updateWorkflow(ctx, id, `UPDATE workflows SET status = ?, output = ?, updated_at = ? WHERE id = ?`,
		string(StatusCompleted), nullableRaw(output), toMillis(time.Now()), id)
}

func (j *SQLiteJournal) FailWorkflow(ctx context.Context, id, errorType, message string) error {
	return j.updateWorkflow(ctx, id, `UPDATE workflows SET status = ?, error_type = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(StatusFailed), errorType, message, toMillis(time.Now()), id)
}

func (j *SQLiteJournal) updateWorkflow(ctx context.Context, id, query string, args ...interface{}) error {
	res, err := j.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update workflow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update workflow: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	return nil
}

func (j *SQLiteJournal) ListWorkflows(ctx context.Context, status WorkflowStatus) ([]WorkflowRecord, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at, id`

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	out := []WorkflowRecord{}
	for rows.Next() {
		rec, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

const stepColumns = `workflow_id, seq, name, status, result, error_type, error_message, attempts, attempt_id, completed_at`

func scanStep(row rowScanner) (StepRecord, error) {
	var (
		rec         StepRecord
		status      string
		result      sql.NullString
		completedAt int64
	)
	if err := row.Scan(&rec.WorkflowID, &rec.Seq, &rec.Name, &status, &result,
		&rec.ErrorType, &rec.ErrorMessage, &rec.Attempts, &rec.AttemptID, &completedAt); err != nil {
		return StepRecord{}, err
	}
	rec.Status = StepStatus(status)
	rec.Result = rawFromNull(result)
	rec.CompletedAt = fromMillis(completedAt)
	return rec, nil
}

func (j *SQLiteJournal) GetStep(ctx context.Context, workflowID string, seq int) (StepRecord, error) {
	row := j.db.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE workflow_id = ? AND seq = ?`, workflowID, seq)
	rec, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return StepRecord{}, ErrStepNotFound
	}
	if err != nil {
		return StepRecord{}, fmt.Errorf("failed to load step: %w", err)
	}
	return rec, nil
}

func (j *SQLiteJournal) ListSteps(ctx context.Context, workflowID string) ([]StepRecord, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE workflow_id = ? ORDER BY seq`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	out := []StepRecord{}
	for rows.Next() {
		rec, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (j *SQLiteJournal) RecordStep(ctx context.Context, rec StepRecord) error {
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = time.Now().UTC()
	}

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO steps (`+stepColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.WorkflowID, rec.Seq, rec.Name, string(rec.Status), nullableRaw(rec.Result),
		rec.ErrorType, rec.ErrorMessage, rec.Attempts, rec.AttemptID, toMillis(rec.CompletedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			if _, getErr := j.GetWorkflow(ctx, rec.WorkflowID); errors.Is(getErr, ErrWorkflowNotFound) {
				return getErr
			}
			return fmt.Errorf("%w: %s #%d", ErrStepExists, rec.WorkflowID, rec.Seq)
		}
		return fmt.Errorf("failed to insert step: %w", err)
	}
	return nil
}

// Close closes the database
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}
