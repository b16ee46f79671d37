package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// CreateSchedule persists a cron binding for a workflow.
func (s *Store) CreateSchedule(ctx context.Context, sched *WorkflowSchedule) (int64, error) {
	if sched.CronExpr == "" {
		return 0, validationErr("workflow_schedule", "cron expression is required")
	}
	if sched.NextRunAt.IsZero() {
		return 0, validationErr("workflow_schedule", "next_run_at is required")
	}
	if _, err := s.GetWorkflow(ctx, sched.WorkflowID); err != nil {
		return 0, err
	}

	id, err := s.insert(ctx, `INSERT INTO workflow_schedules
		(workflow_id, cron_expression, enabled, last_run_at, next_run_at, trigger_data)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sched.WorkflowID, sched.CronExpr, sched.Enabled, sched.LastRunAt,
		sched.NextRunAt, sched.TriggerData)
	if err != nil {
		return 0, err
	}
	sched.ID = id
	return id, nil
}

const scheduleColumns = `id, workflow_id, cron_expression, enabled, last_run_at, next_run_at, trigger_data`

func scanSchedule(row interface{ Scan(...interface{}) error }) (*WorkflowSchedule, error) {
	var sched WorkflowSchedule
	var lastRunAt sql.NullTime
	err := row.Scan(&sched.ID, &sched.WorkflowID, &sched.CronExpr, &sched.Enabled,
		&lastRunAt, &sched.NextRunAt, &sched.TriggerData)
	if err != nil {
		return nil, err
	}
	if lastRunAt.Valid {
		sched.LastRunAt = &lastRunAt.Time
	}
	return &sched, nil
}

// GetSchedule returns the schedule with the given id.
func (s *Store) GetSchedule(ctx context.Context, id int64) (*WorkflowSchedule, error) {
	row := s.queryRow(ctx, `SELECT `+scheduleColumns+` FROM workflow_schedules WHERE id = ?`, id)
	sched, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundErr("workflow_schedule", id)
	}
	return sched, err
}

// ListSchedulesForWorkflow returns a workflow's schedules.
func (s *Store) ListSchedulesForWorkflow(ctx context.Context, workflowID int64) ([]*WorkflowSchedule, error) {
	rows, err := s.query(ctx, `SELECT `+scheduleColumns+` FROM workflow_schedules
		WHERE workflow_id = ? ORDER BY id`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*WorkflowSchedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sched)
	}
	return schedules, rows.Err()
}

// ListDueSchedules returns enabled schedules with next_run_at <= now.
func (s *Store) ListDueSchedules(ctx context.Context, now time.Time) ([]*WorkflowSchedule, error) {
	rows, err := s.query(ctx, `SELECT `+scheduleColumns+` FROM workflow_schedules
		WHERE enabled = ? AND next_run_at <= ? ORDER BY next_run_at`, true, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*WorkflowSchedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sched)
	}
	return schedules, rows.Err()
}

// ClaimSchedule atomically stamps last_run_at and advances next_run_at.
// The guard on the previous next_run_at makes concurrent ticks race safely:
// the loser sees zero rows and skips the fire.
func (s *Store) ClaimSchedule(ctx context.Context, id int64, prevNextRun, lastRun, nextRun time.Time) (bool, error) {
	res, err := s.exec(ctx, `UPDATE workflow_schedules
		SET last_run_at = ?, next_run_at = ?
		WHERE id = ? AND enabled = ? AND next_run_at = ?`,
		lastRun, nextRun, id, true, prevNextRun)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetScheduleEnabled flips the enabled flag (Cancel/Reactivate).
func (s *Store) SetScheduleEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := s.exec(ctx, `UPDATE workflow_schedules SET enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return err
	}
	return requireRow(res, "workflow_schedule", id)
}

// UpdateScheduleCron rewrites the cron expression and the precomputed
// next_run_at (callers recompute it from the new expression).
func (s *Store) UpdateScheduleCron(ctx context.Context, id int64, cronExpr string, nextRun time.Time) error {
	if cronExpr == "" {
		return validationErr("workflow_schedule", "cron expression is required")
	}
	res, err := s.exec(ctx, `UPDATE workflow_schedules SET cron_expression = ?, next_run_at = ? WHERE id = ?`,
		cronExpr, nextRun, id)
	if err != nil {
		return err
	}
	return requireRow(res, "workflow_schedule", id)
}

// UpdateScheduleTriggerData rewrites the trigger payload.
func (s *Store) UpdateScheduleTriggerData(ctx context.Context, id int64, triggerData JSONMap) error {
	res, err := s.exec(ctx, `UPDATE workflow_schedules SET trigger_data = ? WHERE id = ?`,
		triggerData, id)
	if err != nil {
		return err
	}
	return requireRow(res, "workflow_schedule", id)
}

// DeleteSchedule removes a schedule row.
func (s *Store) DeleteSchedule(ctx context.Context, id int64) error {
	res, err := s.exec(ctx, `DELETE FROM workflow_schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res, "workflow_schedule", id)
}
