// Copyright 2026 Flowmatic Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package approval implements the approval coordinator: durable pending
// requests, human resolution, timeout sweeping, and the bridge back into
// the orchestrator.
package approval

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/flowmatic-io/flowmatic/pkg/observability"
	"github.com/flowmatic-io/flowmatic/pkg/store"
	"github.com/flowmatic-io/flowmatic/pkg/workflow"
)

// ErrAlreadyResolved reports a resolution attempt against a request another
// actor resolved first.
var ErrAlreadyResolved = errors.New("approval request already resolved")

// Resumer re-enters a parked execution once its approval resolves. The
// orchestrator satisfies this.
type Resumer interface {
	ResumeAfterApproval(ctx context.Context, executionID, stepID int64, res workflow.Resolution) error
}

// Coordinator owns the approval request lifecycle.
type Coordinator struct {
	store   *store.Store
	resumer Resumer
	metrics *observability.Metrics
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithMetrics(m *observability.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func NewCoordinator(st *store.Store, resumer Resumer, opts ...Option) *Coordinator {
	c := &Coordinator{store: st, resumer: resumer}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Create opens a pending request with timeout_at = now + timeoutMinutes.
func (c *Coordinator) Create(ctx context.Context, executionID, stepID int64, requiredRole string, timeoutMinutes int) (*store.ApprovalRequest, error) {
	if timeoutMinutes <= 0 {
		timeoutMinutes = 60
	}
	req := &store.ApprovalRequest{
		ExecutionID:  executionID,
		StepID:       stepID,
		RequiredRole: requiredRole,
		TimeoutAt:    time.Now().UTC().Add(time.Duration(timeoutMinutes) * time.Minute),
	}
	if _, err := c.store.CreateApprovalRequest(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

// Approve resolves a pending request as APPROVED and resumes the parked
// execution. A lost race returns ErrAlreadyResolved.
func (c *Coordinator) Approve(ctx context.Context, id int64, identity, comments string) error {
	return c.resolve(ctx, id, store.ApprovalApproved, identity, comments)
}

// Reject resolves a pending request as REJECTED and resumes the parked
// execution; the rejected step surfaces as skipped.
func (c *Coordinator) Reject(ctx context.Context, id int64, identity, reason string) error {
	return c.resolve(ctx, id, store.ApprovalRejected, identity, reason)
}

func (c *Coordinator) resolve(ctx context.Context, id int64, status store.ApprovalStatus, identity, comments string) error {
	req, err := c.store.GetApprovalRequest(ctx, id)
	if err != nil {
		return err
	}

	err = c.store.ResolveApproval(ctx, id, status, identity, comments)
	if errors.Is(err, store.ErrConflict) {
		return ErrAlreadyResolved
	}
	if err != nil {
		return err
	}

	c.metrics.RecordApprovalResolution(ctx, string(status))
	slog.Info("Approval resolved", "approval_id", id, "status", status, "by", identity)

	return c.resumer.ResumeAfterApproval(ctx, req.ExecutionID, req.StepID, workflow.Resolution{
		Approved:   status == store.ApprovalApproved,
		ApprovedBy: identity,
		Comments:   comments,
	})
}

// ListPending returns pending requests, optionally filtered by required
// role.
func (c *Coordinator) ListPending(ctx context.Context, role string) ([]*store.ApprovalRequest, error) {
	return c.store.ListPendingApprovals(ctx, role)
}

// CountPending returns the number of pending requests.
func (c *Coordinator) CountPending(ctx context.Context) (int, error) {
	return c.store.CountPendingApprovals(ctx)
}

// SweepTimeouts expires pending requests past their deadline and resumes
// their executions as rejected with reason "timeout". Returns the number of
// requests swept.
func (c *Coordinator) SweepTimeouts(ctx context.Context) (int, error) {
	expired, err := c.store.ListExpiredApprovals(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, req := range expired {
		err := c.store.ResolveApproval(ctx, req.ID, store.ApprovalTimeout, "system", "timeout")
		if errors.Is(err, store.ErrConflict) {
			continue // resolved by a human between the scan and the sweep
		}
		if err != nil {
			return swept, err
		}
		swept++

		c.metrics.RecordApprovalResolution(ctx, string(store.ApprovalTimeout))
		slog.Warn("Approval timed out", "approval_id", req.ID, "execution_id", req.ExecutionID)

		if err := c.resumer.ResumeAfterApproval(ctx, req.ExecutionID, req.StepID, workflow.Resolution{
			Approved:   false,
			ApprovedBy: "system",
			Comments:   "timeout",
		}); err != nil {
			slog.Error("Failed to resume after approval timeout", "approval_id", req.ID, "error", err)
		}
	}
	return swept, nil
}

// RunSweeper runs SweepTimeouts on the interval until the context ends.
func (c *Coordinator) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.SweepTimeouts(ctx); err != nil {
				slog.Error("Approval sweep failed", "error", err)
			}
		}
	}
}
