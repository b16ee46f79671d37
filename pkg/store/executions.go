package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// CreateWorkflowExecution opens a new execution row.
func (s *Store) CreateWorkflowExecution(ctx context.Context, e *WorkflowExecution) (int64, error) {
	if e.Status == "" {
		e.Status = ExecutionPending
	}
	e.CreatedAt = time.Now().UTC()

	id, err := s.insert(ctx, `INSERT INTO workflow_executions
		(workflow_id, status, trigger_data, context_data, started_at, completed_at, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.WorkflowID, e.Status, e.TriggerData, e.ContextData,
		e.StartedAt, e.CompletedAt, e.ErrorMsg, e.CreatedAt)
	if err != nil {
		return 0, err
	}
	e.ID = id
	return id, nil
}

const executionColumns = `id, workflow_id, status, trigger_data, context_data, started_at, completed_at, error_message, created_at`

func scanExecution(row interface{ Scan(...interface{}) error }) (*WorkflowExecution, error) {
	var e WorkflowExecution
	var startedAt, completedAt sql.NullTime
	var errMsg sql.NullString
	err := row.Scan(&e.ID, &e.WorkflowID, &e.Status, &e.TriggerData, &e.ContextData,
		&startedAt, &completedAt, &errMsg, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		e.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	e.ErrorMsg = errMsg.String
	return &e, nil
}

// GetWorkflowExecution returns the execution with the given id.
func (s *Store) GetWorkflowExecution(ctx context.Context, id int64) (*WorkflowExecution, error) {
	row := s.queryRow(ctx, `SELECT `+executionColumns+` FROM workflow_executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundErr("workflow_execution", id)
	}
	return e, err
}

// ListWorkflowExecutions returns executions of a workflow, newest first.
func (s *Store) ListWorkflowExecutions(ctx context.Context, workflowID int64, limit int) ([]*WorkflowExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.query(ctx, `SELECT `+executionColumns+` FROM workflow_executions
		WHERE workflow_id = ? ORDER BY id DESC LIMIT ?`, workflowID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []*WorkflowExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, e)
	}
	return executions, rows.Err()
}

// TransitionExecution performs an optimistic status transition: the update
// only applies when the row still has the expected status. A lost race
// returns ErrConflict.
func (s *Store) TransitionExecution(ctx context.Context, id int64, from, to ExecutionStatus) error {
	res, err := s.exec(ctx, `UPDATE workflow_executions SET status = ? WHERE id = ? AND status = ?`,
		to, id, from)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// MarkExecutionStarted transitions PENDING -> RUNNING and stamps started_at.
func (s *Store) MarkExecutionStarted(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	res, err := s.exec(ctx, `UPDATE workflow_executions SET status = ?, started_at = ?
		WHERE id = ? AND status = ?`, ExecutionRunning, now, id, ExecutionPending)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// SaveExecutionContext persists the growing context tree.
func (s *Store) SaveExecutionContext(ctx context.Context, id int64, contextData JSONMap) error {
	res, err := s.exec(ctx, `UPDATE workflow_executions SET context_data = ? WHERE id = ?`,
		contextData, id)
	if err != nil {
		return err
	}
	return requireRow(res, "workflow_execution", id)
}

// FinishExecution writes a terminal status with completed_at and an optional
// error message. Already-terminal rows are left untouched (ErrConflict).
func (s *Store) FinishExecution(ctx context.Context, id int64, status ExecutionStatus, contextData JSONMap, errMsg string) error {
	now := time.Now().UTC()
	res, err := s.exec(ctx, `UPDATE workflow_executions
		SET status = ?, context_data = ?, completed_at = ?, error_message = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)`,
		status, contextData, now, errMsg,
		id, ExecutionCompleted, ExecutionFailed, ExecutionCancelled)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// CreateAgentExecution opens an agent invocation record.
func (s *Store) CreateAgentExecution(ctx context.Context, e *AgentExecution) (int64, error) {
	if e.Status == "" {
		e.Status = AgentRunRunning
	}
	if e.StartedAt == nil {
		now := time.Now().UTC()
		e.StartedAt = &now
	}

	id, err := s.insert(ctx, `INSERT INTO agent_executions
		(agent_id, workflow_execution_id, workflow_step_id, status, input, output, tokens_used, execution_time_ms, error_message, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.AgentID, e.ExecutionID, e.StepID, e.Status, e.Input, e.Output,
		e.TokensUsed, e.ExecutionTimeMs, e.ErrorMsg, e.StartedAt, e.CompletedAt)
	if err != nil {
		return 0, err
	}
	e.ID = id
	return id, nil
}

// FinishAgentExecution writes the terminal state of an agent invocation.
func (s *Store) FinishAgentExecution(ctx context.Context, id int64, status AgentRunStatus, output JSONMap, tokensUsed int, executionTimeMs int64, errMsg string) error {
	now := time.Now().UTC()
	res, err := s.exec(ctx, `UPDATE agent_executions
		SET status = ?, output = ?, tokens_used = ?, execution_time_ms = ?, error_message = ?, completed_at = ?
		WHERE id = ?`,
		status, output, tokensUsed, executionTimeMs, errMsg, now, id)
	if err != nil {
		return err
	}
	return requireRow(res, "agent_execution", id)
}

// GetAgentExecution returns a single agent invocation record.
func (s *Store) GetAgentExecution(ctx context.Context, id int64) (*AgentExecution, error) {
	row := s.queryRow(ctx, `SELECT id, agent_id, workflow_execution_id, workflow_step_id,
			status, input, output, tokens_used, execution_time_ms, error_message, started_at, completed_at
		FROM agent_executions WHERE id = ?`, id)
	e, err := scanAgentExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundErr("agent_execution", id)
	}
	return e, err
}

// ListAgentExecutions returns the agent invocations owned by a workflow
// execution in creation order.
func (s *Store) ListAgentExecutions(ctx context.Context, executionID int64) ([]*AgentExecution, error) {
	rows, err := s.query(ctx, `SELECT id, agent_id, workflow_execution_id, workflow_step_id,
			status, input, output, tokens_used, execution_time_ms, error_message, started_at, completed_at
		FROM agent_executions WHERE workflow_execution_id = ? ORDER BY id`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []*AgentExecution
	for rows.Next() {
		e, err := scanAgentExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, e)
	}
	return executions, rows.Err()
}

func scanAgentExecution(row interface{ Scan(...interface{}) error }) (*AgentExecution, error) {
	var e AgentExecution
	var executionID, stepID sql.NullInt64
	var errMsg sql.NullString
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&e.ID, &e.AgentID, &executionID, &stepID, &e.Status,
		&e.Input, &e.Output, &e.TokensUsed, &e.ExecutionTimeMs, &errMsg,
		&startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if executionID.Valid {
		e.ExecutionID = &executionID.Int64
	}
	if stepID.Valid {
		e.StepID = &stepID.Int64
	}
	e.ErrorMsg = errMsg.String
	if startedAt.Valid {
		e.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	return &e, nil
}
