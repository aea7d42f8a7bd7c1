// Package store persists workflow executions and their event trail to
// SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/agentmux/agentmux/internal/bus"
	"github.com/agentmux/agentmux/internal/workflow"
)

const timeFormat = "2006-01-02T15:04:05.000Z"

// SQLiteStore implements workflow.Store on a database opened by
// internal/database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLiteStore.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// SaveExecution upserts the execution and replaces its step rows.
func (s *SQLiteStore) SaveExecution(ctx context.Context, e workflow.Execution) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO executions (id, project_id, team_id, status, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, finished_at = excluded.finished_at`,
		e.ID, e.ProjectID, e.TeamID, e.Status, e.StartedAt.UTC().Format(timeFormat), formatOpt(e.FinishedAt))
	if err != nil {
		return fmt.Errorf("upserting execution %q: %w", e.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM steps WHERE execution_id = ?`, e.ID); err != nil {
		return fmt.Errorf("clearing steps for %q: %w", e.ID, err)
	}
	for i, st := range e.Steps {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO steps (execution_id, id, ordinal, label, status, started_at, finished_at, error, detail)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, st.ID, i, st.Label, st.Status, formatOpt(st.StartedAt), formatOpt(st.FinishedAt), st.Error, st.Detail)
		if err != nil {
			return fmt.Errorf("inserting step %q of %q: %w", st.ID, e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing execution %q: %w", e.ID, err)
	}
	return nil
}

// GetExecution loads one execution with its steps in declared order.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (workflow.Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, team_id, status, started_at, finished_at
		FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return workflow.Execution{}, fmt.Errorf("execution %q not found", id)
	}
	if err != nil {
		return workflow.Execution{}, fmt.Errorf("getting execution %q: %w", id, err)
	}

	steps, err := s.loadSteps(ctx, id)
	if err != nil {
		return workflow.Execution{}, err
	}
	e.Steps = steps
	return e, nil
}

// ListExecutions returns all executions, newest first, with steps.
func (s *SQLiteStore) ListExecutions(ctx context.Context) ([]workflow.Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, team_id, status, started_at, finished_at
		FROM executions ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	defer rows.Close()

	var execs []workflow.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning execution: %w", err)
		}
		execs = append(execs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}

	for i := range execs {
		steps, err := s.loadSteps(ctx, execs[i].ID)
		if err != nil {
			return nil, err
		}
		execs[i].Steps = steps
	}
	return execs, nil
}

// AppendEvent records one bus event in the trail.
func (s *SQLiteStore) AppendEvent(ctx context.Context, evt bus.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (ts, execution_id, step_id, kind, status, detail)
		VALUES (?, ?, ?, ?, ?, ?)`,
		evt.Ts.UTC().Format(timeFormat), evt.ExecutionID, evt.StepID, evt.Kind, evt.Status, evt.Detail)
	if err != nil {
		return fmt.Errorf("appending event for %q: %w", evt.ExecutionID, err)
	}
	return nil
}

// ListEvents returns the event trail for one execution in append order.
func (s *SQLiteStore) ListEvents(ctx context.Context, executionID string) ([]bus.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, execution_id, step_id, kind, status, detail
		FROM events WHERE execution_id = ? ORDER BY seq`, executionID)
	if err != nil {
		return nil, fmt.Errorf("listing events for %q: %w", executionID, err)
	}
	defer rows.Close()

	var events []bus.Event
	for rows.Next() {
		var (
			evt    bus.Event
			ts     string
			stepID sql.NullString
			detail sql.NullString
		)
		if err := rows.Scan(&ts, &evt.ExecutionID, &stepID, &evt.Kind, &evt.Status, &detail); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		evt.Ts, _ = time.Parse(timeFormat, ts)
		evt.StepID = stepID.String
		evt.Detail = detail.String
		events = append(events, evt)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) loadSteps(ctx context.Context, executionID string) ([]workflow.Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, label, status, started_at, finished_at, error, detail
		FROM steps WHERE execution_id = ? ORDER BY ordinal`, executionID)
	if err != nil {
		return nil, fmt.Errorf("loading steps for %q: %w", executionID, err)
	}
	defer rows.Close()

	var steps []workflow.Step
	for rows.Next() {
		var (
			st                  workflow.Step
			startedAt, finished sql.NullString
			errMsg, detail      sql.NullString
		)
		if err := rows.Scan(&st.ID, &st.Label, &st.Status, &startedAt, &finished, &errMsg, &detail); err != nil {
			return nil, fmt.Errorf("scanning step: %w", err)
		}
		st.StartedAt = parseOpt(startedAt)
		st.FinishedAt = parseOpt(finished)
		st.Error = errMsg.String
		st.Detail = detail.String
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanExecution(row scannable) (workflow.Execution, error) {
	var (
		e        workflow.Execution
		started  string
		finished sql.NullString
	)
	if err := row.Scan(&e.ID, &e.ProjectID, &e.TeamID, &e.Status, &started, &finished); err != nil {
		return workflow.Execution{}, err
	}
	e.StartedAt, _ = time.Parse(timeFormat, started)
	e.FinishedAt = parseOpt(finished)
	return e, nil
}

func formatOpt(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeFormat)
}

func parseOpt(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(timeFormat, s.String)
	if err != nil {
		return nil
	}
	return &t
}
