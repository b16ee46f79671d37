package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// CreateWorkflow persists a workflow and its steps in one transaction.
// Graph-shape validation (acyclicity, output-key collisions) lives in the
// workflow package; this layer enforces field-level invariants only.
func (s *Store) CreateWorkflow(ctx context.Context, w *Workflow, steps []*WorkflowStep) (int64, error) {
	if w.Name == "" {
		return 0, validationErr("workflow", "name is required")
	}
	switch w.TriggerKind {
	case TriggerManual, TriggerScheduled, TriggerEvent:
	default:
		return 0, validationErr("workflow", "unsupported trigger kind %q", w.TriggerKind)
	}
	switch w.ExecutionMode {
	case ModeSync, ModeAsync:
	default:
		return 0, validationErr("workflow", "unsupported execution mode %q", w.ExecutionMode)
	}
	switch w.InterfaceKind {
	case InterfaceForm, InterfaceChat, InterfaceAPI, InterfaceCustom:
	default:
		return 0, validationErr("workflow", "unsupported interface kind %q", w.InterfaceKind)
	}
	if err := ValidateInputSchema(w.InputSchema); err != nil {
		return 0, err
	}
	for _, step := range steps {
		if err := validateStepFields(step); err != nil {
			return 0, err
		}
	}

	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now

	id, err := s.insert(ctx, `INSERT INTO workflows
		(name, description, trigger_kind, trigger_config, execution_mode, input_schema, interface_kind, public, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.Name, w.Description, w.TriggerKind, w.TriggerConfig, w.ExecutionMode,
		w.InputSchema, w.InterfaceKind, w.Public, w.Active, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return 0, err
	}
	w.ID = id

	for _, step := range steps {
		step.WorkflowID = id
		if _, err := s.CreateWorkflowStep(ctx, step); err != nil {
			return 0, err
		}
	}

	return id, nil
}

func validateStepFields(step *WorkflowStep) error {
	if step.StepOrder < 1 {
		return validationErr("workflow_step", "step_order must be positive")
	}
	switch step.Kind {
	case StepAgentExecution:
		if step.AgentID == nil {
			return validationErr("workflow_step", "step %d: agent reference is required for AGENT_EXECUTION", step.StepOrder)
		}
	case StepApproval, StepCondition, StepParallel:
	default:
		return validationErr("workflow_step", "step %d: unsupported kind %q", step.StepOrder, step.Kind)
	}
	if step.TimeoutSeconds == 0 {
		step.TimeoutSeconds = 300
	}
	if step.TimeoutSeconds < 1 || step.TimeoutSeconds > 3600 {
		return validationErr("workflow_step", "step %d: timeout_seconds must be within [1, 3600]", step.StepOrder)
	}
	return nil
}

// CreateWorkflowStep persists a single step row.
func (s *Store) CreateWorkflowStep(ctx context.Context, step *WorkflowStep) (int64, error) {
	if err := validateStepFields(step); err != nil {
		return 0, err
	}
	id, err := s.insert(ctx, `INSERT INTO workflow_steps
		(workflow_id, step_order, kind, agent_id, name, input_mapping, output_variable, condition_expr, depends_on, approval_config, retry_config, timeout_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.WorkflowID, step.StepOrder, step.Kind, step.AgentID, step.Name,
		step.InputMapping, step.OutputVariable, step.Condition, step.DependsOn,
		step.ApprovalConfig, step.RetryConfig, step.TimeoutSeconds)
	if err != nil {
		return 0, err
	}
	step.ID = id
	return id, nil
}

const workflowColumns = `id, name, description, trigger_kind, trigger_config, execution_mode, input_schema, interface_kind, public, active, created_at, updated_at`

func scanWorkflow(row interface{ Scan(...interface{}) error }) (*Workflow, error) {
	var w Workflow
	var description sql.NullString
	err := row.Scan(&w.ID, &w.Name, &description, &w.TriggerKind, &w.TriggerConfig,
		&w.ExecutionMode, &w.InputSchema, &w.InterfaceKind, &w.Public, &w.Active,
		&w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	w.Description = description.String
	return &w, nil
}

// GetWorkflow returns the workflow with the given id.
func (s *Store) GetWorkflow(ctx context.Context, id int64) (*Workflow, error) {
	row := s.queryRow(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	w, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundErr("workflow", id)
	}
	return w, err
}

// ListWorkflows returns all workflows.
func (s *Store) ListWorkflows(ctx context.Context) ([]*Workflow, error) {
	rows, err := s.query(ctx, `SELECT `+workflowColumns+` FROM workflows ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, w)
	}
	return workflows, rows.Err()
}

// GetWorkflowSteps returns a workflow's steps ordered by step_order.
func (s *Store) GetWorkflowSteps(ctx context.Context, workflowID int64) ([]*WorkflowStep, error) {
	rows, err := s.query(ctx, `SELECT id, workflow_id, step_order, kind, agent_id, name,
			input_mapping, output_variable, condition_expr, depends_on,
			approval_config, retry_config, timeout_seconds
		FROM workflow_steps WHERE workflow_id = ? ORDER BY step_order`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*WorkflowStep
	for rows.Next() {
		var step WorkflowStep
		var agentID sql.NullInt64
		var name, outputVar, condition sql.NullString
		err := rows.Scan(&step.ID, &step.WorkflowID, &step.StepOrder, &step.Kind,
			&agentID, &name, &step.InputMapping, &outputVar, &condition,
			&step.DependsOn, &step.ApprovalConfig, &step.RetryConfig, &step.TimeoutSeconds)
		if err != nil {
			return nil, err
		}
		if agentID.Valid {
			step.AgentID = &agentID.Int64
		}
		step.Name = name.String
		step.OutputVariable = outputVar.String
		step.Condition = condition.String
		steps = append(steps, &step)
	}
	return steps, rows.Err()
}

// GetWorkflowStep returns a single step row.
func (s *Store) GetWorkflowStep(ctx context.Context, id int64) (*WorkflowStep, error) {
	row := s.queryRow(ctx, `SELECT id, workflow_id, step_order, kind, agent_id, name,
			input_mapping, output_variable, condition_expr, depends_on,
			approval_config, retry_config, timeout_seconds
		FROM workflow_steps WHERE id = ?`, id)

	var step WorkflowStep
	var agentID sql.NullInt64
	var name, outputVar, condition sql.NullString
	err := row.Scan(&step.ID, &step.WorkflowID, &step.StepOrder, &step.Kind,
		&agentID, &name, &step.InputMapping, &outputVar, &condition,
		&step.DependsOn, &step.ApprovalConfig, &step.RetryConfig, &step.TimeoutSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundErr("workflow_step", id)
	}
	if err != nil {
		return nil, err
	}
	if agentID.Valid {
		step.AgentID = &agentID.Int64
	}
	step.Name = name.String
	step.OutputVariable = outputVar.String
	step.Condition = condition.String
	return &step, nil
}

// UpdateWorkflow rewrites the mutable fields of a workflow.
func (s *Store) UpdateWorkflow(ctx context.Context, w *Workflow) error {
	w.UpdatedAt = time.Now().UTC()
	res, err := s.exec(ctx, `UPDATE workflows SET
		name = ?, description = ?, trigger_kind = ?, trigger_config = ?,
		execution_mode = ?, input_schema = ?, interface_kind = ?, public = ?,
		active = ?, updated_at = ?
		WHERE id = ?`,
		w.Name, w.Description, w.TriggerKind, w.TriggerConfig, w.ExecutionMode,
		w.InputSchema, w.InterfaceKind, w.Public, w.Active, w.UpdatedAt, w.ID)
	if err != nil {
		return err
	}
	return requireRow(res, "workflow", w.ID)
}

// SetWorkflowActive flips the active flag.
func (s *Store) SetWorkflowActive(ctx context.Context, id int64, active bool) error {
	res, err := s.exec(ctx, `UPDATE workflows SET active = ?, updated_at = ? WHERE id = ?`,
		active, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res, "workflow", id)
}

// DeleteWorkflow removes a workflow with its steps and schedules.
// Executions are historical records and are removed with their owned rows.
func (s *Store) DeleteWorkflow(ctx context.Context, id int64) error {
	if _, err := s.exec(ctx, `DELETE FROM approval_requests WHERE workflow_execution_id IN
		(SELECT id FROM workflow_executions WHERE workflow_id = ?)`, id); err != nil {
		return err
	}
	if _, err := s.exec(ctx, `DELETE FROM agent_executions WHERE workflow_execution_id IN
		(SELECT id FROM workflow_executions WHERE workflow_id = ?)`, id); err != nil {
		return err
	}
	if _, err := s.exec(ctx, `DELETE FROM workflow_executions WHERE workflow_id = ?`, id); err != nil {
		return err
	}
	if _, err := s.exec(ctx, `DELETE FROM workflow_schedules WHERE workflow_id = ?`, id); err != nil {
		return err
	}
	if _, err := s.exec(ctx, `DELETE FROM workflow_steps WHERE workflow_id = ?`, id); err != nil {
		return err
	}
	res, err := s.exec(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res, "workflow", id)
}
