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

// Package scheduler converts cron-bound schedule rows into workflow
// triggers. Firing is at-most-one per tick; missed windows are not made
// up and next-fire times always move forward from now.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flowmatic-io/flowmatic/pkg/observability"
	"github.com/flowmatic-io/flowmatic/pkg/store"
	"github.com/flowmatic-io/flowmatic/pkg/workflow"
)

// cronParser accepts standard 5-field expressions plus an optional leading
// seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseCron validates a schedule expression.
func ParseCron(expr string) (cron.Schedule, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return schedule, nil
}

// NextRun computes the next fire time after now, strictly greater than
// prev. Invalid expressions push the schedule an hour out so a bad row
// cannot hot-loop the tick.
func NextRun(expr string, now, prev time.Time) time.Time {
	schedule, err := ParseCron(expr)
	if err != nil {
		return now.Add(time.Hour)
	}
	next := schedule.Next(now)
	for !next.After(prev) {
		next = schedule.Next(next)
	}
	return next
}

// Scheduler is the background tick loop.
type Scheduler struct {
	store        *store.Store
	orchestrator *workflow.Orchestrator
	tickInterval time.Duration
	metrics      *observability.Metrics

	// now is swappable for tests.
	now func() time.Time

	wg sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(st *store.Store, orchestrator *workflow.Orchestrator, tickInterval time.Duration, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:        st,
		orchestrator: orchestrator,
		tickInterval: tickInterval,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run ticks until the context ends, then waits for in-flight fires.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("Scheduler started", "tick_interval", s.tickInterval)
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			slog.Info("Scheduler stopped")
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				slog.Error("Scheduler tick failed", "error", err)
			}
		}
	}
}

// Tick fires every due schedule once. Each schedule is claimed with an
// optimistic update; a lost claim means another instance fired it.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.now()
	due, err := s.store.ListDueSchedules(ctx, now)
	if err != nil {
		return err
	}

	for _, sched := range due {
		next := NextRun(sched.CronExpr, now, sched.NextRunAt)
		claimed, err := s.store.ClaimSchedule(ctx, sched.ID, sched.NextRunAt, now, next)
		if err != nil {
			return err
		}
		if !claimed {
			continue
		}

		s.metrics.RecordScheduleFired(ctx)
		slog.Info("Schedule fired", "schedule_id", sched.ID, "workflow_id", sched.WorkflowID, "next_run_at", next)

		s.wg.Add(1)
		go func(sched *store.WorkflowSchedule) {
			defer s.wg.Done()
			_, err := s.orchestrator.Execute(ctx, sched.WorkflowID, sched.TriggerData)
			if err != nil {
				// The schedule row stays enabled; a broken workflow is an
				// operator problem, not a scheduling one.
				slog.Error("Scheduled execution failed to start", "schedule_id", sched.ID, "workflow_id", sched.WorkflowID, "error", err)
			}
		}(sched)
	}
	return nil
}

// CreateSchedule validates the expression, computes the first fire time and
// persists the row.
func (s *Scheduler) CreateSchedule(ctx context.Context, workflowID int64, cronExpr string, triggerData store.JSONMap) (*store.WorkflowSchedule, error) {
	if _, err := ParseCron(cronExpr); err != nil {
		return nil, err
	}
	sched := &store.WorkflowSchedule{
		WorkflowID:  workflowID,
		CronExpr:    cronExpr,
		Enabled:     true,
		NextRunAt:   NextRun(cronExpr, s.now(), time.Time{}),
		TriggerData: triggerData,
	}
	if _, err := s.store.CreateSchedule(ctx, sched); err != nil {
		return nil, err
	}
	return sched, nil
}

// UpdateCron replaces the expression and recomputes next_run_at forward
// from now.
func (s *Scheduler) UpdateCron(ctx context.Context, id int64, cronExpr string) error {
	if _, err := ParseCron(cronExpr); err != nil {
		return err
	}
	sched, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	return s.store.UpdateScheduleCron(ctx, id, cronExpr, NextRun(cronExpr, s.now(), sched.NextRunAt))
}
