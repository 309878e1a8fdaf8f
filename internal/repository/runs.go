package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Godjoberto04/dropshipping-crew-ai/internal/domain"
)

// CreateRun inserts a run together with its step states.
func (s *SQLStore) CreateRun(ctx context.Context, run *domain.WorkflowRun) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	errData := marshalTaskError(run.Error)
	if _, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO workflow_runs (run_id, workflow_name, trigger_payload, status, error, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		run.RunID, run.WorkflowName, nullStringBytes(run.TriggerPayload), run.Status, nullStringBytes(errData),
		toMillis(run.CreatedAt), nullMillis(run.CompletedAt)); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	for i := range run.Steps {
		st := &run.Steps[i]
		if _, err := tx.ExecContext(ctx, s.rebind(
			`INSERT INTO workflow_steps (run_id, name, position, status, task_id, error_task_id, output, error, started_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			run.RunID, st.Name, i, st.Status, nullString(st.TaskID), nullString(st.ErrorTaskID), nullStringBytes(st.Output),
			nullStringBytes(marshalTaskError(st.Error)), nullMillis(st.StartedAt), nullMillis(st.CompletedAt)); err != nil {
			return fmt.Errorf("insert step %s: %w", st.Name, err)
		}
	}
	return tx.Commit()
}

// UpdateRun writes the run status and every step state.
func (s *SQLStore) UpdateRun(ctx context.Context, run *domain.WorkflowRun) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.rebind(
		`UPDATE workflow_runs SET status = ?, error = ?, completed_at = ? WHERE run_id = ?`),
		run.Status, nullStringBytes(marshalTaskError(run.Error)), nullMillis(run.CompletedAt), run.RunID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Errorf(domain.ErrNotFound, "workflow run %s not found", run.RunID)
	}
	for i := range run.Steps {
		st := &run.Steps[i]
		if _, err := tx.ExecContext(ctx, s.rebind(
			`UPDATE workflow_steps SET status = ?, task_id = ?, error_task_id = ?, output = ?, error = ?, started_at = ?, completed_at = ?
			WHERE run_id = ? AND name = ?`),
			st.Status, nullString(st.TaskID), nullString(st.ErrorTaskID), nullStringBytes(st.Output),
			nullStringBytes(marshalTaskError(st.Error)), nullMillis(st.StartedAt), nullMillis(st.CompletedAt),
			run.RunID, st.Name); err != nil {
			return fmt.Errorf("update step %s: %w", st.Name, err)
		}
	}
	return tx.Commit()
}

// GetRun retrieves a run and its steps.
func (s *SQLStore) GetRun(ctx context.Context, runID string) (*domain.WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT run_id, workflow_name, trigger_payload, status, error, created_at, completed_at FROM workflow_runs WHERE run_id = ?`),
		runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Errorf(domain.ErrNotFound, "workflow run %s not found", runID)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT name, status, task_id, error_task_id, output, error, started_at, completed_at
		FROM workflow_steps WHERE run_id = ? ORDER BY position`), runID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var st domain.StepState
		var taskID, errTaskID, output, errData sql.NullString
		var started, completed sql.NullInt64
		if err := rows.Scan(&st.Name, &st.Status, &taskID, &errTaskID, &output, &errData, &started, &completed); err != nil {
			return nil, err
		}
		st.TaskID = taskID.String
		st.ErrorTaskID = errTaskID.String
		if output.Valid {
			st.Output = json.RawMessage(output.String)
		}
		st.Error = unmarshalTaskError(errData)
		st.StartedAt = fromNullMillis(started)
		st.CompletedAt = fromNullMillis(completed)
		run.Steps = append(run.Steps, st)
	}
	return run, rows.Err()
}

// ListRuns lists runs newest first. Step states are not loaded.
func (s *SQLStore) ListRuns(ctx context.Context, filter domain.RunFilter) ([]*domain.WorkflowRun, error) {
	query := `SELECT run_id, workflow_name, trigger_payload, status, error, created_at, completed_at FROM workflow_runs WHERE 1=1`
	var args []interface{}
	if filter.WorkflowName != "" {
		query += ` AND workflow_name = ?`
		args = append(args, filter.WorkflowName)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, run_id DESC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*domain.WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanRun(row rowScanner) (*domain.WorkflowRun, error) {
	var run domain.WorkflowRun
	var trigger, errData sql.NullString
	var created int64
	var completed sql.NullInt64
	if err := row.Scan(&run.RunID, &run.WorkflowName, &trigger, &run.Status, &errData, &created, &completed); err != nil {
		return nil, err
	}
	if trigger.Valid {
		run.TriggerPayload = json.RawMessage(trigger.String)
	}
	run.Error = unmarshalTaskError(errData)
	run.CreatedAt = fromMillis(created)
	run.CompletedAt = fromNullMillis(completed)
	return &run, nil
}

func marshalTaskError(te *domain.TaskError) []byte {
	if te == nil {
		return nil
	}
	data, _ := json.Marshal(te)
	return data
}

func unmarshalTaskError(v sql.NullString) *domain.TaskError {
	if !v.Valid || v.String == "" {
		return nil
	}
	var te domain.TaskError
	if err := json.Unmarshal([]byte(v.String), &te); err != nil {
		return nil
	}
	return &te
}
