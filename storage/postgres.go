package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/songzhibin97/automation-engine/types"
)

// Schema is the DDL applied by Migrate. Every statement is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS workflows (
	id          BIGINT PRIMARY KEY,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	is_active   BOOLEAN NOT NULL DEFAULT TRUE,
	definition  JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS workflow_executions (
	id            BIGINT PRIMARY KEY,
	workflow_id   BIGINT NOT NULL,
	schedule_id   BIGINT NOT NULL DEFAULT 0,
	task_id       TEXT NOT NULL DEFAULT '',
	triggered_by  TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	input_data    JSONB,
	output_data   JSONB,
	error_message TEXT NOT NULL DEFAULT '',
	context       JSONB,
	created_at    TIMESTAMPTZ NOT NULL,
	started_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS workflow_executions_created_idx ON workflow_executions (created_at);
CREATE INDEX IF NOT EXISTS workflow_executions_workflow_idx ON workflow_executions (workflow_id, created_at);

CREATE TABLE IF NOT EXISTS workflow_schedules (
	id                  BIGINT PRIMARY KEY,
	workflow_id         BIGINT NOT NULL,
	name                TEXT NOT NULL,
	frequency           TEXT NOT NULL,
	cron_expression     TEXT NOT NULL DEFAULT '',
	run_at_hour         INTEGER NOT NULL DEFAULT 0,
	run_at_minute       INTEGER NOT NULL DEFAULT 0,
	run_on_days         INTEGER[] NOT NULL DEFAULT '{}',
	run_on_day_of_month INTEGER NOT NULL DEFAULT 0,
	timezone            TEXT NOT NULL DEFAULT 'UTC',
	input_data          JSONB,
	last_run            TIMESTAMPTZ,
	next_run            TIMESTAMPTZ NOT NULL,
	is_active           BOOLEAN NOT NULL DEFAULT TRUE,
	failure_count       INTEGER NOT NULL DEFAULT 0,
	created_at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS workflow_schedules_due_idx ON workflow_schedules (next_run) WHERE is_active;
`

const (
	workflowColumns  = `id, name, description, is_active, definition, created_at, updated_at`
	executionColumns = `id, workflow_id, schedule_id, task_id, triggered_by, status, input_data, output_data,
		error_message, context, created_at, started_at, completed_at`
	scheduleColumns = `id, workflow_id, name, frequency, cron_expression, run_at_hour, run_at_minute, run_on_days,
		run_on_day_of_month, timezone, input_data, last_run, next_run, is_active, failure_count, created_at`
)

// PostgresStorage is a PostgreSQL implementation of the Storage interface
// built on sqlx and lib/pq.
type PostgresStorage struct {
	db *sqlx.DB
}

// PostgresOptions configures OpenPostgres.
type PostgresOptions struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	Migrate      bool   `mapstructure:"migrate"`
}

// OpenPostgres connects to PostgreSQL and optionally applies Schema.
func OpenPostgres(ctx context.Context, opts PostgresOptions) (*PostgresStorage, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	s := NewPostgresStorage(db)
	if opts.Migrate {
		if err := s.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewPostgresStorage wraps an open database handle.
func NewPostgresStorage(db *sqlx.DB) *PostgresStorage {
	return &PostgresStorage{db: db}
}

// Migrate creates the tables used by PostgresStorage.
func (s *PostgresStorage) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (s *PostgresStorage) Close() error {
	return s.db.Close()
}

type workflowRow struct {
	ID          uint64    `db:"id"`
	Name        string    `db:"name"`
	Description string    `db:"description"`
	IsActive    bool      `db:"is_active"`
	Definition  []byte    `db:"definition"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r workflowRow) workflow() (types.Workflow, error) {
	wf := types.Workflow{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		IsActive:    r.IsActive,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if err := json.Unmarshal(r.Definition, &wf.Definition); err != nil {
		return types.Workflow{}, fmt.Errorf("failed to decode definition of workflow %d: %w", r.ID, err)
	}
	return wf, nil
}

type executionRow struct {
	types.WorkflowExecution
	Input  []byte `db:"input_data"`
	Output []byte `db:"output_data"`
}

func (r executionRow) execution() (types.WorkflowExecution, error) {
	exec := r.WorkflowExecution
	if err := decodeJSONMap(r.Input, &exec.InputData); err != nil {
		return exec, fmt.Errorf("failed to decode input of execution %d: %w", exec.ID, err)
	}
	if err := decodeJSONMap(r.Output, &exec.OutputData); err != nil {
		return exec, fmt.Errorf("failed to decode output of execution %d: %w", exec.ID, err)
	}
	return exec, nil
}

type scheduleRow struct {
	ID              uint64        `db:"id"`
	WorkflowID      uint64        `db:"workflow_id"`
	Name            string        `db:"name"`
	Frequency       string        `db:"frequency"`
	CronExpression  string        `db:"cron_expression"`
	RunAtHour       int           `db:"run_at_hour"`
	RunAtMinute     int           `db:"run_at_minute"`
	RunOnDays       pq.Int64Array `db:"run_on_days"`
	RunOnDayOfMonth int           `db:"run_on_day_of_month"`
	Timezone        string        `db:"timezone"`
	InputData       []byte        `db:"input_data"`
	LastRun         *time.Time    `db:"last_run"`
	NextRun         time.Time     `db:"next_run"`
	IsActive        bool          `db:"is_active"`
	FailureCount    int           `db:"failure_count"`
	CreatedAt       time.Time     `db:"created_at"`
}

func (r scheduleRow) schedule() (types.WorkflowSchedule, error) {
	sched := types.WorkflowSchedule{
		ID:              r.ID,
		WorkflowID:      r.WorkflowID,
		Name:            r.Name,
		Frequency:       r.Frequency,
		CronExpression:  r.CronExpression,
		RunAtHour:       r.RunAtHour,
		RunAtMinute:     r.RunAtMinute,
		RunOnDayOfMonth: r.RunOnDayOfMonth,
		Timezone:        r.Timezone,
		LastRun:         r.LastRun,
		NextRun:         r.NextRun,
		IsActive:        r.IsActive,
		FailureCount:    r.FailureCount,
		CreatedAt:       r.CreatedAt,
	}
	for _, d := range r.RunOnDays {
		sched.RunOnDays = append(sched.RunOnDays, int(d))
	}
	if err := decodeJSONMap(r.InputData, &sched.InputData); err != nil {
		return sched, fmt.Errorf("failed to decode input of schedule %d: %w", r.ID, err)
	}
	return sched, nil
}

func decodeJSONMap(data []byte, out *map[string]interface{}) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, out)
}

// encodeJSON returns nil for nil maps so they are stored as SQL NULL.
func encodeJSON(v map[string]interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func jsonbOrNull(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

func isUniqueViolation(err error) bool {
	var pgErr *pq.Error
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// SaveWorkflow inserts or updates a workflow.
func (s *PostgresStorage) SaveWorkflow(ctx context.Context, wf types.Workflow) error {
	def, err := json.Marshal(wf.Definition)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow %d: %w", wf.ID, err)
	}
	query := `
		INSERT INTO workflows (` + workflowColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			is_active = EXCLUDED.is_active,
			definition = EXCLUDED.definition,
			updated_at = EXCLUDED.updated_at`
	_, err = s.db.ExecContext(ctx, query, wf.ID, wf.Name, wf.Description, wf.IsActive, def, wf.CreatedAt, wf.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save workflow %d: %w", wf.ID, err)
	}
	return nil
}

// GetWorkflow retrieves a workflow by id.
func (s *PostgresStorage) GetWorkflow(ctx context.Context, id uint64) (types.Workflow, error) {
	var row workflowRow
	err := s.db.GetContext(ctx, &row, `SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Workflow{}, fmt.Errorf("%w: id=%d", ErrWorkflowNotFound, id)
	}
	if err != nil {
		return types.Workflow{}, fmt.Errorf("failed to get workflow %d: %w", id, err)
	}
	return row.workflow()
}

// ListWorkflows returns every workflow ordered by id.
func (s *PostgresStorage) ListWorkflows(ctx context.Context) ([]types.Workflow, error) {
	var rows []workflowRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+workflowColumns+` FROM workflows ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	out := make([]types.Workflow, 0, len(rows))
	for _, row := range rows {
		wf, err := row.workflow()
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, nil
}

// DeleteWorkflow removes a workflow.
func (s *PostgresStorage) DeleteWorkflow(ctx context.Context, id uint64) error {
	return s.execOne(ctx, ErrWorkflowNotFound, id, `DELETE FROM workflows WHERE id = $1`, id)
}

func (s *PostgresStorage) executionArgs(exec types.WorkflowExecution) ([]interface{}, error) {
	input, err := encodeJSON(exec.InputData)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal input of execution %d: %w", exec.ID, err)
	}
	output, err := encodeJSON(exec.OutputData)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal output of execution %d: %w", exec.ID, err)
	}
	return []interface{}{
		exec.ID, exec.WorkflowID, exec.ScheduleID, exec.TaskID, exec.TriggeredBy, exec.Status,
		jsonbOrNull(input), jsonbOrNull(output), exec.ErrorMessage, jsonbOrNull(exec.Context),
		exec.CreatedAt, exec.StartedAt, exec.CompletedAt,
	}, nil
}

const insertExecution = `
		INSERT INTO workflow_executions (` + executionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

// CreateExecution inserts a new execution record.
func (s *PostgresStorage) CreateExecution(ctx context.Context, exec types.WorkflowExecution) error {
	args, err := s.executionArgs(exec)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, insertExecution, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: id=%d", ErrExecutionExists, exec.ID)
		}
		return fmt.Errorf("failed to create execution %d: %w", exec.ID, err)
	}
	return nil
}

// SaveExecution inserts or updates an execution record.
func (s *PostgresStorage) SaveExecution(ctx context.Context, exec types.WorkflowExecution) error {
	args, err := s.executionArgs(exec)
	if err != nil {
		return err
	}
	query := insertExecution + `
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			input_data = EXCLUDED.input_data,
			output_data = EXCLUDED.output_data,
			error_message = EXCLUDED.error_message,
			context = EXCLUDED.context,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at`
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to save execution %d: %w", exec.ID, err)
	}
	return nil
}

// GetExecution retrieves an execution record by id.
func (s *PostgresStorage) GetExecution(ctx context.Context, id uint64) (types.WorkflowExecution, error) {
	var row executionRow
	err := s.db.GetContext(ctx, &row, `SELECT `+executionColumns+` FROM workflow_executions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return types.WorkflowExecution{}, fmt.Errorf("%w: id=%d", ErrExecutionNotFound, id)
	}
	if err != nil {
		return types.WorkflowExecution{}, fmt.Errorf("failed to get execution %d: %w", id, err)
	}
	return row.execution()
}

// ListExecutions lists executions of a workflow, oldest first.
func (s *PostgresStorage) ListExecutions(ctx context.Context, workflowID uint64) ([]types.WorkflowExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM workflow_executions
		WHERE ($1 = 0 OR workflow_id = $1) ORDER BY created_at, id`
	var rows []executionRow
	if err := s.db.SelectContext(ctx, &rows, query, workflowID); err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	out := make([]types.WorkflowExecution, 0, len(rows))
	for _, row := range rows {
		exec, err := row.execution()
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, nil
}

// TransitionExecution changes the status of an execution if it is in from.
func (s *PostgresStorage) TransitionExecution(ctx context.Context, id uint64, from, to string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE workflow_executions SET status = $1 WHERE id = $2 AND status = $3`, to, id, from)
	if err != nil {
		return false, fmt.Errorf("failed to update execution %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	var exists bool
	if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM workflow_executions WHERE id = $1)`, id); err != nil {
		return false, fmt.Errorf("failed to check execution %d: %w", id, err)
	}
	if !exists {
		return false, fmt.Errorf("%w: id=%d", ErrExecutionNotFound, id)
	}
	return false, nil
}

// DeleteExecutionsBefore removes finished executions created before the cutoff.
func (s *PostgresStorage) DeleteExecutionsBefore(ctx context.Context, before time.Time, statuses []string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_executions WHERE created_at < $1 AND status = ANY($2)`,
		before, pq.Array(statuses))
	if err != nil {
		return 0, fmt.Errorf("failed to delete executions: %w", err)
	}
	return res.RowsAffected()
}

// SaveSchedule inserts or updates a schedule.
func (s *PostgresStorage) SaveSchedule(ctx context.Context, sched types.WorkflowSchedule) error {
	input, err := encodeJSON(sched.InputData)
	if err != nil {
		return fmt.Errorf("failed to marshal input of schedule %d: %w", sched.ID, err)
	}
	days := make(pq.Int64Array, 0, len(sched.RunOnDays))
	for _, d := range sched.RunOnDays {
		days = append(days, int64(d))
	}
	query := `
		INSERT INTO workflow_schedules (` + scheduleColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			workflow_id = EXCLUDED.workflow_id,
			name = EXCLUDED.name,
			frequency = EXCLUDED.frequency,
			cron_expression = EXCLUDED.cron_expression,
			run_at_hour = EXCLUDED.run_at_hour,
			run_at_minute = EXCLUDED.run_at_minute,
			run_on_days = EXCLUDED.run_on_days,
			run_on_day_of_month = EXCLUDED.run_on_day_of_month,
			timezone = EXCLUDED.timezone,
			input_data = EXCLUDED.input_data,
			last_run = EXCLUDED.last_run,
			next_run = EXCLUDED.next_run,
			is_active = EXCLUDED.is_active,
			failure_count = EXCLUDED.failure_count`
	_, err = s.db.ExecContext(ctx, query,
		sched.ID, sched.WorkflowID, sched.Name, sched.Frequency, sched.CronExpression,
		sched.RunAtHour, sched.RunAtMinute, days, sched.RunOnDayOfMonth, sched.Timezone,
		jsonbOrNull(input), sched.LastRun, sched.NextRun, sched.IsActive, sched.FailureCount, sched.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save schedule %d: %w", sched.ID, err)
	}
	return nil
}

// GetSchedule retrieves a schedule by id.
func (s *PostgresStorage) GetSchedule(ctx context.Context, id uint64) (types.WorkflowSchedule, error) {
	var row scheduleRow
	err := s.db.GetContext(ctx, &row, `SELECT `+scheduleColumns+` FROM workflow_schedules WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return types.WorkflowSchedule{}, fmt.Errorf("%w: id=%d", ErrScheduleNotFound, id)
	}
	if err != nil {
		return types.WorkflowSchedule{}, fmt.Errorf("failed to get schedule %d: %w", id, err)
	}
	return row.schedule()
}

// ListSchedules returns every schedule ordered by id.
func (s *PostgresStorage) ListSchedules(ctx context.Context) ([]types.WorkflowSchedule, error) {
	return s.selectSchedules(ctx, `SELECT `+scheduleColumns+` FROM workflow_schedules ORDER BY id`)
}

// ListDueSchedules returns active schedules due at now.
func (s *PostgresStorage) ListDueSchedules(ctx context.Context, now time.Time) ([]types.WorkflowSchedule, error) {
	return s.selectSchedules(ctx, `SELECT `+scheduleColumns+` FROM workflow_schedules
		WHERE is_active AND next_run <= $1 ORDER BY next_run, id`, now)
}

func (s *PostgresStorage) selectSchedules(ctx context.Context, query string, args ...interface{}) ([]types.WorkflowSchedule, error) {
	var rows []scheduleRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	out := make([]types.WorkflowSchedule, 0, len(rows))
	for _, row := range rows {
		sched, err := row.schedule()
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	return out, nil
}

// ClaimSchedule advances a schedule with a conditional update on next_run.
func (s *PostgresStorage) ClaimSchedule(ctx context.Context, id uint64, expected, lastRun, nextRun time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_schedules SET last_run = $1, next_run = $2 WHERE id = $3 AND next_run = $4`,
		lastRun, nextRun, id, expected)
	if err != nil {
		return false, fmt.Errorf("failed to claim schedule %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// RecordScheduleOutcome updates the failure counter of a schedule.
func (s *PostgresStorage) RecordScheduleOutcome(ctx context.Context, id uint64, failed bool) error {
	return s.execOne(ctx, ErrScheduleNotFound, id,
		`UPDATE workflow_schedules SET failure_count = CASE WHEN $1 THEN failure_count + 1 ELSE 0 END WHERE id = $2`,
		failed, id)
}

// DeactivateSchedule marks a schedule inactive.
func (s *PostgresStorage) DeactivateSchedule(ctx context.Context, id uint64) error {
	return s.execOne(ctx, ErrScheduleNotFound, id, `UPDATE workflow_schedules SET is_active = FALSE WHERE id = $1`, id)
}

// DeleteSchedule removes a schedule.
func (s *PostgresStorage) DeleteSchedule(ctx context.Context, id uint64) error {
	return s.execOne(ctx, ErrScheduleNotFound, id, `DELETE FROM workflow_schedules WHERE id = $1`, id)
}

// execOne runs a statement that must touch exactly one row.
func (s *PostgresStorage) execOne(ctx context.Context, errNotFound error, id uint64, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update id=%d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: id=%d", errNotFound, id)
	}
	return nil
}
