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

// Package runtime assembles the orchestrator stack from configuration and
// exposes the command surface consumed by CLIs and servers.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowmatic-io/flowmatic/pkg/agent"
	"github.com/flowmatic-io/flowmatic/pkg/approval"
	"github.com/flowmatic-io/flowmatic/pkg/config"
	"github.com/flowmatic-io/flowmatic/pkg/llms"
	"github.com/flowmatic-io/flowmatic/pkg/observability"
	"github.com/flowmatic-io/flowmatic/pkg/scheduler"
	"github.com/flowmatic-io/flowmatic/pkg/store"
	"github.com/flowmatic-io/flowmatic/pkg/tools"
	"github.com/flowmatic-io/flowmatic/pkg/workflow"
)

// Runtime wires the store, providers, engine, orchestrator, approvals and
// scheduler into one unit.
type Runtime struct {
	cfg *config.Config

	store        *store.Store
	providers    *llms.Registry
	dispatcher   *tools.Dispatcher
	engine       *agent.Engine
	orchestrator *workflow.Orchestrator
	approvals    *approval.Coordinator
	scheduler    *scheduler.Scheduler
	metrics      *observability.Metrics
	tracer       *observability.Tracer
}

// New builds a runtime from configuration. The caller owns Close.
func New(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	metrics, err := observability.NewMetrics(cfg.Observability.Metrics)
	if err != nil {
		return nil, fmt.Errorf("metrics setup failed: %w", err)
	}
	tracer, err := observability.NewTracer(ctx, cfg.Observability.Tracing)
	if err != nil {
		return nil, fmt.Errorf("tracing setup failed: %w", err)
	}

	st, err := store.Open(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("store setup failed: %w", err)
	}

	providers, err := llms.NewRegistryFromConfig(cfg.LLMs)
	if err != nil {
		st.Close()
		return nil, err
	}

	dispatcher := tools.NewDispatcher(st)
	engine := agent.NewEngine(st, providers, dispatcher, cfg.Engine,
		agent.WithMetrics(metrics), agent.WithTracer(tracer))
	orchestrator := workflow.NewOrchestrator(st, engine, cfg.Engine,
		workflow.WithMetrics(metrics), workflow.WithTracer(tracer))
	approvals := approval.NewCoordinator(st, orchestrator, approval.WithMetrics(metrics))
	sched := scheduler.New(st, orchestrator,
		time.Duration(cfg.Scheduler.TickInterval)*time.Second,
		scheduler.WithMetrics(metrics))

	return &Runtime{
		cfg:          cfg,
		store:        st,
		providers:    providers,
		dispatcher:   dispatcher,
		engine:       engine,
		orchestrator: orchestrator,
		approvals:    approvals,
		scheduler:    sched,
		metrics:      metrics,
		tracer:       tracer,
	}, nil
}

// Start launches the background loops: scheduler ticks, approval timeout
// sweeping and the metrics endpoint. Blocks until the context ends.
func (r *Runtime) Start(ctx context.Context) {
	go func() {
		if err := r.metrics.Serve(r.cfg.Observability.Metrics.Port); err != nil {
			slog.Error("Metrics endpoint failed", "error", err)
		}
	}()
	go r.approvals.RunSweeper(ctx, time.Duration(r.cfg.Scheduler.SweepInterval)*time.Second)
	r.scheduler.Run(ctx)
}

// Close releases providers, telemetry and the store.
func (r *Runtime) Close(ctx context.Context) error {
	var firstErr error
	if err := r.providers.Close(); err != nil {
		firstErr = err
	}
	if err := r.metrics.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.tracer.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Accessors for the command surface.

func (r *Runtime) Store() *store.Store                    { return r.store }
func (r *Runtime) Dispatcher() *tools.Dispatcher          { return r.dispatcher }
func (r *Runtime) Orchestrator() *workflow.Orchestrator   { return r.orchestrator }
func (r *Runtime) Approvals() *approval.Coordinator       { return r.approvals }
func (r *Runtime) Scheduler() *scheduler.Scheduler        { return r.scheduler }

// ExecutionResult is the command-surface view of a workflow run.
type ExecutionResult struct {
	Success     bool                  `json:"success"`
	ExecutionID int64                 `json:"execution_id"`
	Status      store.ExecutionStatus `json:"status"`
	Context     store.JSONMap         `json:"context,omitempty"`
	Error       string                `json:"error,omitempty"`
}

func resultFrom(exec *store.WorkflowExecution) *ExecutionResult {
	return &ExecutionResult{
		Success:     exec.Status != store.ExecutionFailed && exec.Status != store.ExecutionCancelled,
		ExecutionID: exec.ID,
		Status:      exec.Status,
		Context:     exec.ContextData,
		Error:       exec.ErrorMsg,
	}
}

// ExecuteWorkflow runs a workflow, blocking or in the background per its
// execution mode.
func (r *Runtime) ExecuteWorkflow(ctx context.Context, workflowID int64, trigger store.JSONMap) (*ExecutionResult, error) {
	wf, err := r.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	var exec *store.WorkflowExecution
	if wf.ExecutionMode == store.ModeAsync {
		exec, err = r.orchestrator.Submit(ctx, workflowID, trigger)
	} else {
		exec, err = r.orchestrator.Execute(ctx, workflowID, trigger)
	}
	if err != nil {
		return nil, err
	}
	return resultFrom(exec), nil
}

// ExecutePublicWorkflow runs a workflow on behalf of an unauthenticated
// caller; only public workflows qualify.
func (r *Runtime) ExecutePublicWorkflow(ctx context.Context, workflowID int64, input store.JSONMap) (*ExecutionResult, error) {
	wf, err := r.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !wf.Public {
		return nil, fmt.Errorf("workflow %d (%s): %w", wf.ID, wf.Name, workflow.ErrNotPublic)
	}
	return r.ExecuteWorkflow(ctx, workflowID, input)
}

// CancelExecution cancels a running or parked execution.
func (r *Runtime) CancelExecution(ctx context.Context, executionID int64) error {
	return r.orchestrator.Cancel(ctx, executionID)
}

// AgentResult is the command-surface view of a direct agent run.
type AgentResult struct {
	Text   string                 `json:"text"`
	Raw    map[string]interface{} `json:"raw"`
	Usage  llms.Usage             `json:"usage"`
	RunID  int64                  `json:"run_id"`
	Tokens int                    `json:"tokens"`
}

// ExecuteAgent runs a single agent outside any workflow.
func (r *Runtime) ExecuteAgent(ctx context.Context, agentID int64, input map[string]interface{}) (*AgentResult, error) {
	result, err := r.engine.Run(ctx, agent.RunRequest{AgentID: agentID, Input: input})
	if err != nil {
		return nil, err
	}
	return &AgentResult{
		Text:   result.Text,
		Raw:    result.Output,
		Usage:  result.Usage,
		RunID:  result.RunID,
		Tokens: result.Usage.Total(),
	}, nil
}

// CreateWorkflow persists a workflow after validating the step graph.
func (r *Runtime) CreateWorkflow(ctx context.Context, wf *store.Workflow, steps []*store.WorkflowStep) (int64, error) {
	if err := workflow.ValidateGraph(steps); err != nil {
		return 0, err
	}
	return r.store.CreateWorkflow(ctx, wf, steps)
}

// Schedule commands.

func (r *Runtime) CreateSchedule(ctx context.Context, workflowID int64, cronExpr string, triggerData store.JSONMap) (*store.WorkflowSchedule, error) {
	if _, err := r.store.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	return r.scheduler.CreateSchedule(ctx, workflowID, cronExpr, triggerData)
}

// CancelSchedule disables a schedule without deleting its row.
func (r *Runtime) CancelSchedule(ctx context.Context, id int64) error {
	return r.store.SetScheduleEnabled(ctx, id, false)
}

// ReactivateSchedule re-enables a disabled schedule and moves its next fire
// time forward from now.
func (r *Runtime) ReactivateSchedule(ctx context.Context, id int64) error {
	sched, err := r.store.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	if err := r.store.UpdateScheduleCron(ctx, id, sched.CronExpr, scheduler.NextRun(sched.CronExpr, time.Now().UTC(), sched.NextRunAt)); err != nil {
		return err
	}
	return r.store.SetScheduleEnabled(ctx, id, true)
}

func (r *Runtime) UpdateScheduleCron(ctx context.Context, id int64, cronExpr string) error {
	return r.scheduler.UpdateCron(ctx, id, cronExpr)
}

func (r *Runtime) UpdateScheduleTriggerData(ctx context.Context, id int64, triggerData store.JSONMap) error {
	return r.store.UpdateScheduleTriggerData(ctx, id, triggerData)
}

func (r *Runtime) ListSchedulesForWorkflow(ctx context.Context, workflowID int64) ([]*store.WorkflowSchedule, error) {
	return r.store.ListSchedulesForWorkflow(ctx, workflowID)
}

// IsNotFound reports whether an error is a missing-entity failure, for
// callers mapping errors to exit codes or HTTP statuses.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
