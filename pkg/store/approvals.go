package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// CreateApprovalRequest opens a PENDING approval gate for a workflow step.
// A step may have at most one non-terminal request at a time.
func (s *Store) CreateApprovalRequest(ctx context.Context, r *ApprovalRequest) (int64, error) {
	var pending int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM approval_requests
		WHERE workflow_step_id = ? AND workflow_execution_id = ? AND status = ?`,
		r.StepID, r.ExecutionID, ApprovalPending).Scan(&pending)
	if err != nil {
		return 0, err
	}
	if pending > 0 {
		return 0, validationErr("approval_request", "step already has a pending request")
	}

	r.Status = ApprovalPending
	r.RequestedAt = time.Now().UTC()

	id, err := s.insert(ctx, `INSERT INTO approval_requests
		(workflow_execution_id, workflow_step_id, status, required_role, resolved_by, resolved_at, comments, timeout_at, requested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ExecutionID, r.StepID, r.Status, r.RequiredRole, r.ResolvedBy,
		r.ResolvedAt, r.Comments, r.TimeoutAt, r.RequestedAt)
	if err != nil {
		return 0, err
	}
	r.ID = id
	return id, nil
}

const approvalColumns = `id, workflow_execution_id, workflow_step_id, status, required_role, resolved_by, resolved_at, comments, timeout_at, requested_at`

func scanApproval(row interface{ Scan(...interface{}) error }) (*ApprovalRequest, error) {
	var r ApprovalRequest
	var requiredRole, resolvedBy, comments sql.NullString
	var resolvedAt sql.NullTime
	err := row.Scan(&r.ID, &r.ExecutionID, &r.StepID, &r.Status,
		&requiredRole, &resolvedBy, &resolvedAt, &comments, &r.TimeoutAt, &r.RequestedAt)
	if err != nil {
		return nil, err
	}
	r.RequiredRole = requiredRole.String
	r.ResolvedBy = resolvedBy.String
	r.Comments = comments.String
	if resolvedAt.Valid {
		r.ResolvedAt = &resolvedAt.Time
	}
	return &r, nil
}

// GetApprovalRequest returns the request with the given id.
func (s *Store) GetApprovalRequest(ctx context.Context, id int64) (*ApprovalRequest, error) {
	row := s.queryRow(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE id = ?`, id)
	r, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundErr("approval_request", id)
	}
	return r, err
}

// ResolveApproval performs the optimistic PENDING -> terminal transition.
// Concurrent resolvers lose with ErrConflict.
func (s *Store) ResolveApproval(ctx context.Context, id int64, status ApprovalStatus, resolvedBy, comments string) error {
	switch status {
	case ApprovalApproved, ApprovalRejected, ApprovalTimeout:
	default:
		return validationErr("approval_request", "%q is not a terminal status", status)
	}

	now := time.Now().UTC()
	res, err := s.exec(ctx, `UPDATE approval_requests
		SET status = ?, resolved_by = ?, resolved_at = ?, comments = ?
		WHERE id = ? AND status = ?`,
		status, resolvedBy, now, comments, id, ApprovalPending)
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

// ListPendingApprovals returns PENDING requests, optionally filtered by role.
func (s *Store) ListPendingApprovals(ctx context.Context, role string) ([]*ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM approval_requests WHERE status = ?`
	args := []interface{}{ApprovalPending}
	if role != "" {
		query += ` AND required_role = ?`
		args = append(args, role)
	}
	query += ` ORDER BY requested_at`

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []*ApprovalRequest
	for rows.Next() {
		r, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

// ListExecutionApprovals returns every request for an execution, whatever
// its status, oldest first.
func (s *Store) ListExecutionApprovals(ctx context.Context, executionID int64) ([]*ApprovalRequest, error) {
	rows, err := s.query(ctx, `SELECT `+approvalColumns+` FROM approval_requests
		WHERE workflow_execution_id = ? ORDER BY requested_at, id`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []*ApprovalRequest
	for rows.Next() {
		r, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

// CountPendingApprovals returns the number of PENDING requests.
func (s *Store) CountPendingApprovals(ctx context.Context) (int, error) {
	var count int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM approval_requests WHERE status = ?`,
		ApprovalPending).Scan(&count)
	return count, err
}

// ListExpiredApprovals returns PENDING requests whose timeout_at has passed.
func (s *Store) ListExpiredApprovals(ctx context.Context, now time.Time) ([]*ApprovalRequest, error) {
	rows, err := s.query(ctx, `SELECT `+approvalColumns+` FROM approval_requests
		WHERE status = ? AND timeout_at <= ? ORDER BY timeout_at`, ApprovalPending, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []*ApprovalRequest
	for rows.Next() {
		r, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, r)
	}
	return requests, rows.Err()
}
