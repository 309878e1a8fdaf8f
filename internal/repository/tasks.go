package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Godjoberto04/dropshipping-crew-ai/internal/domain"
)

const taskPageSize = 100

const taskColumns = `task_id, action, input, status, result, error, agent_id, owner_workflow_id, owner_step,
	deadline_at, created_at, started_at, completed_at`

// CreateTask inserts a new queued task. TaskID and CreatedAt are filled in
// when empty.
func (s *SQLStore) CreateTask(ctx context.Context, task *domain.Task) error {
	if strings.TrimSpace(task.Action) == "" {
		return domain.Errorf(domain.ErrValidation, "action is required")
	}
	if task.TaskID == "" {
		task.TaskID = "task_" + uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = s.now().UTC()
	}
	if len(task.Input) == 0 {
		task.Input = json.RawMessage(`{}`)
	}
	task.Status = domain.TaskStatusQueued

	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO tasks (task_id, action, input, status, agent_id, owner_workflow_id, owner_step, deadline_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		task.TaskID, task.Action, string(task.Input), task.Status, nullString(task.AgentID),
		nullString(task.OwnerWorkflowID), nullString(task.OwnerStep), nullMillis(task.DeadlineAt), toMillis(task.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *SQLStore) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`), taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Errorf(domain.ErrNotFound, "task %s not found", taskID)
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

// UpdateTaskStatus moves a task forward. Transitions of one task are
// serialised in-process by a per-task lock and across processes by the
// conditional update on the previous status.
func (s *SQLStore) UpdateTaskStatus(ctx context.Context, taskID string, to domain.TaskStatus, upd domain.StatusUpdate) (*domain.Task, error) {
	unlock := s.locks.Lock(taskID)
	defer unlock()

	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	from := task.Status
	if !domain.CanTransition(from, to) {
		return task, domain.Errorf(domain.ErrInvalidTransition, "task %s cannot move from %s to %s", taskID, from, to)
	}

	now := s.now().UTC()
	task.Status = to
	if upd.AgentID != "" {
		task.AgentID = upd.AgentID
	}
	if to == domain.TaskStatusRunning && task.StartedAt == nil {
		task.StartedAt = &now
	}
	if to.Terminal() {
		task.CompletedAt = &now
	}
	switch to {
	case domain.TaskStatusCompleted:
		task.Result = upd.Result
		if len(task.Result) == 0 {
			task.Result = json.RawMessage(`null`)
		}
	case domain.TaskStatusFailed:
		task.Error = upd.Error
		if task.Error == nil {
			task.Error = &domain.TaskError{Kind: domain.ErrAgent, Message: "task failed"}
		}
	}

	var errData []byte
	if task.Error != nil {
		errData, _ = json.Marshal(task.Error)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE tasks SET status = ?, result = ?, error = ?, agent_id = ?, started_at = ?, completed_at = ?
		WHERE task_id = ? AND status = ?`),
		task.Status, nullStringBytes(task.Result), nullStringBytes(errData), nullString(task.AgentID),
		nullMillis(task.StartedAt), nullMillis(task.CompletedAt), taskID, from)
	if err != nil {
		return nil, fmt.Errorf("update task status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		current, gerr := s.GetTask(ctx, taskID)
		if gerr != nil {
			return nil, gerr
		}
		return current, domain.Errorf(domain.ErrInvalidTransition, "task %s changed concurrently (now %s)", taskID, current.Status)
	}
	return task, nil
}

// ListTasks returns a lazy sequence of tasks ordered by creation time.
// Pages are fetched on demand; ranging over the sequence again restarts
// the listing from the beginning.
func (s *SQLStore) ListTasks(ctx context.Context, filter domain.TaskFilter) iter.Seq2[*domain.Task, error] {
	return func(yield func(*domain.Task, error) bool) {
		var afterAt int64
		var afterID string
		started := false
		for {
			page, err := s.listTaskPage(ctx, filter, started, afterAt, afterID)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, t := range page {
				if !yield(t, nil) {
					return
				}
			}
			if len(page) < taskPageSize {
				return
			}
			last := page[len(page)-1]
			started = true
			afterAt, afterID = toMillis(last.CreatedAt), last.TaskID
		}
	}
}

func (s *SQLStore) listTaskPage(ctx context.Context, filter domain.TaskFilter, hasCursor bool, afterAt int64, afterID string) ([]*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []interface{}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.ActionPrefix != "" {
		query += ` AND action LIKE ? ESCAPE '\'`
		args = append(args, escapeLike(filter.ActionPrefix)+"%")
	}
	if filter.OwnerRunID != "" {
		query += ` AND owner_workflow_id = ?`
		args = append(args, filter.OwnerRunID)
	}
	if hasCursor {
		query += ` AND (created_at > ? OR (created_at = ? AND task_id > ?))`
		args = append(args, afterAt, afterAt, afterID)
	}
	query += fmt.Sprintf(` ORDER BY created_at ASC, task_id ASC LIMIT %d`, taskPageSize)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ListExpiredTasks returns unfinished tasks whose deadline has passed.
func (s *SQLStore) ListExpiredTasks(ctx context.Context, now time.Time, limit int) ([]*domain.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+taskColumns+` FROM tasks
		WHERE status IN ('queued', 'running') AND deadline_at IS NOT NULL AND deadline_at <= ?
		ORDER BY deadline_at ASC LIMIT ?`),
		toMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("list expired tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var t domain.Task
	var input, result, errData, agentID, ownerID, ownerStep sql.NullString
	var deadline, started, completed sql.NullInt64
	var created int64
	if err := row.Scan(&t.TaskID, &t.Action, &input, &t.Status, &result, &errData, &agentID, &ownerID, &ownerStep,
		&deadline, &created, &started, &completed); err != nil {
		return nil, err
	}
	if input.Valid {
		t.Input = json.RawMessage(input.String)
	}
	if result.Valid {
		t.Result = json.RawMessage(result.String)
	}
	if errData.Valid {
		var te domain.TaskError
		if err := json.Unmarshal([]byte(errData.String), &te); err == nil {
			t.Error = &te
		}
	}
	t.AgentID = agentID.String
	t.OwnerWorkflowID = ownerID.String
	t.OwnerStep = ownerStep.String
	t.DeadlineAt = fromNullMillis(deadline)
	t.CreatedAt = fromMillis(created)
	t.StartedAt = fromNullMillis(started)
	t.CompletedAt = fromNullMillis(completed)
	return &t, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
