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

// Package workflow implements the orchestrator: wave-based execution of a
// step graph with context propagation, conditions, retries, timeouts and
// durable approval suspension.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flowmatic-io/flowmatic/pkg/agent"
	"github.com/flowmatic-io/flowmatic/pkg/config"
	"github.com/flowmatic-io/flowmatic/pkg/llms"
	"github.com/flowmatic-io/flowmatic/pkg/observability"
	"github.com/flowmatic-io/flowmatic/pkg/store"
)

// Orchestrator executes workflow graphs. Safe for concurrent use; separate
// executions are fully independent.
type Orchestrator struct {
	store   *store.Store
	engine  *agent.Engine
	cfg     config.EngineConfig
	metrics *observability.Metrics
	tracer  *observability.Tracer

	mu      sync.Mutex
	cancels map[int64]context.CancelFunc
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithTracer(t *observability.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

func NewOrchestrator(st *store.Store, engine *agent.Engine, cfg config.EngineConfig, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:   st,
		engine:  engine,
		cfg:     cfg,
		cancels: map[int64]context.CancelFunc{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Resolution is the outcome of a resolved approval step.
type Resolution struct {
	Approved   bool
	ApprovedBy string
	Comments   string
}

// Execute runs a workflow to a terminal state or an approval suspension.
// The returned execution carries the final status and context; an error is
// returned only for infrastructure or validation failures that prevented a
// run from being recorded.
func (o *Orchestrator) Execute(ctx context.Context, workflowID int64, trigger store.JSONMap) (*store.WorkflowExecution, error) {
	exec, wf, steps, err := o.prepare(ctx, workflowID, trigger)
	if err != nil {
		return nil, err
	}
	return o.run(ctx, exec, wf, steps)
}

// Submit creates the execution row and runs it in the background, for
// workflows with asynchronous execution mode.
func (o *Orchestrator) Submit(ctx context.Context, workflowID int64, trigger store.JSONMap) (*store.WorkflowExecution, error) {
	exec, wf, steps, err := o.prepare(ctx, workflowID, trigger)
	if err != nil {
		return nil, err
	}
	go func() {
		if _, err := o.run(context.WithoutCancel(ctx), exec, wf, steps); err != nil {
			slog.Error("Background execution failed", "execution_id", exec.ID, "error", err)
		}
	}()
	return exec, nil
}

// prepare loads and validates the workflow and opens the execution row.
func (o *Orchestrator) prepare(ctx context.Context, workflowID int64, trigger store.JSONMap) (*store.WorkflowExecution, *store.Workflow, []*store.WorkflowStep, error) {
	wf, err := o.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, nil, nil, err
	}
	if !wf.Active {
		return nil, nil, nil, fmt.Errorf("workflow %d (%s): %w", wf.ID, wf.Name, ErrWorkflowInactive)
	}

	steps, err := o.store.GetWorkflowSteps(ctx, workflowID)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := ValidateGraph(steps); err != nil {
		return nil, nil, nil, err
	}

	exec := &store.WorkflowExecution{
		WorkflowID:  wf.ID,
		Status:      store.ExecutionPending,
		TriggerData: trigger,
		ContextData: NewContext(trigger),
	}
	if _, err := o.store.CreateWorkflowExecution(ctx, exec); err != nil {
		return nil, nil, nil, err
	}

	slog.Info("Starting workflow execution", "workflow", wf.Name, "execution_id", exec.ID)
	return exec, wf, steps, nil
}

// ExecutePublic runs a workflow on behalf of an unauthenticated caller.
// Fails unless the workflow's public flag is set.
func (o *Orchestrator) ExecutePublic(ctx context.Context, workflowID int64, input store.JSONMap) (*store.WorkflowExecution, error) {
	wf, err := o.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !wf.Public {
		return nil, fmt.Errorf("workflow %d (%s): %w", wf.ID, wf.Name, ErrNotPublic)
	}
	return o.Execute(ctx, workflowID, input)
}

// Cancel transitions an execution to CANCELLED. In-flight runs are
// signalled and finish cooperatively; parked runs are finished directly.
func (o *Orchestrator) Cancel(ctx context.Context, executionID int64) error {
	o.mu.Lock()
	cancel := o.cancels[executionID]
	o.mu.Unlock()

	if cancel != nil {
		cancel()
		return nil
	}

	exec, err := o.store.GetWorkflowExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.IsTerminal() {
		return nil
	}
	err = o.store.FinishExecution(ctx, executionID, store.ExecutionCancelled, exec.ContextData, "cancelled by operator")
	if errors.Is(err, store.ErrConflict) {
		return nil
	}
	return err
}

// ResumeAfterApproval records an approval resolution into the execution
// context, marks the step terminal, and re-enters the scheduling loop.
// Idempotent: a second resume for an already-advanced execution is a no-op.
func (o *Orchestrator) ResumeAfterApproval(ctx context.Context, executionID, stepID int64, res Resolution) error {
	step, err := o.store.GetWorkflowStep(ctx, stepID)
	if err != nil {
		return err
	}

	err = o.store.TransitionExecution(ctx, executionID, store.ExecutionAwaitingApproval, store.ExecutionRunning)
	if errors.Is(err, store.ErrConflict) {
		// Either the execution already advanced past this step, or another
		// resume currently holds the RUNNING window. The resolution is
		// durable in the request row; an in-flight run picks it up when it
		// next parks (see suspend).
		return nil
	}
	if err != nil {
		return err
	}

	exec, err := o.store.GetWorkflowExecution(ctx, executionID)
	if err != nil {
		return err
	}

	contextData := map[string]interface{}(exec.ContextData)
	if contextData == nil {
		contextData = map[string]interface{}(NewContext(exec.TriggerData))
	}

	statuses := stepStatuses(contextData)
	if !isTerminalStepStatus(statuses[step.StepOrder]) {
		applyResolution(contextData, step, res)
		exec.ContextData = store.JSONMap(contextData)
		if err := o.store.SaveExecutionContext(ctx, executionID, exec.ContextData); err != nil {
			return err
		}
	}

	wf, err := o.store.GetWorkflow(ctx, exec.WorkflowID)
	if err != nil {
		return err
	}
	steps, err := o.store.GetWorkflowSteps(ctx, exec.WorkflowID)
	if err != nil {
		return err
	}

	slog.Info("Resuming execution after approval", "execution_id", executionID, "step", step.Name, "approved", res.Approved)
	_, err = o.run(ctx, exec, wf, steps)
	return err
}

// run drives an execution until terminal or parked, recording the outcome.
func (o *Orchestrator) run(ctx context.Context, exec *store.WorkflowExecution, wf *store.Workflow, steps []*store.WorkflowStep) (*store.WorkflowExecution, error) {
	runCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancels[exec.ID] = cancel
	o.mu.Unlock()
	defer func() {
		cancel()
		o.mu.Lock()
		delete(o.cancels, exec.ID)
		o.mu.Unlock()
	}()

	if exec.Status == store.ExecutionPending {
		if err := o.store.MarkExecutionStarted(runCtx, exec.ID); err != nil && !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
		exec.Status = store.ExecutionRunning
	}

	spanCtx, span := o.tracer.StartExecution(runCtx, wf.ID, exec.ID)
	start := time.Now()
	runErr := o.runLoop(spanCtx, exec, steps)
	duration := time.Since(start)

	// Terminal bookkeeping survives cancellation.
	finishCtx, finishCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer finishCancel()

	switch {
	case runErr == nil:
		o.finish(finishCtx, exec, store.ExecutionCompleted, "")
		o.metrics.RecordWorkflowExecution(finishCtx, string(store.ExecutionCompleted), duration)
		observability.EndSpan(span, nil)
	case errors.Is(runErr, errSuspended):
		exec.Status = store.ExecutionAwaitingApproval
		observability.EndSpan(span, nil)
	case runCtx.Err() != nil || errors.Is(runErr, context.Canceled):
		o.finish(finishCtx, exec, store.ExecutionCancelled, "cancelled")
		o.metrics.RecordWorkflowExecution(finishCtx, string(store.ExecutionCancelled), duration)
		observability.EndSpan(span, runErr)
	default:
		o.finish(finishCtx, exec, store.ExecutionFailed, runErr.Error())
		o.metrics.RecordWorkflowExecution(finishCtx, string(store.ExecutionFailed), duration)
		observability.EndSpan(span, runErr)
	}

	return exec, nil
}

func (o *Orchestrator) finish(ctx context.Context, exec *store.WorkflowExecution, status store.ExecutionStatus, errMsg string) {
	err := o.store.FinishExecution(ctx, exec.ID, status, exec.ContextData, errMsg)
	if err != nil && !errors.Is(err, store.ErrConflict) {
		slog.Error("Failed to record execution outcome", "execution_id", exec.ID, "status", status, "error", err)
		return
	}
	exec.Status = status
	exec.ErrorMsg = errMsg
	slog.Info("Execution finished", "execution_id", exec.ID, "status", status)
}

// runLoop is the wave scheduler: pick all ready steps, run them
// concurrently, merge outputs, repeat.
func (o *Orchestrator) runLoop(ctx context.Context, exec *store.WorkflowExecution, steps []*store.WorkflowStep) error {
	contextData := map[string]interface{}(exec.ContextData)
	if contextData == nil {
		contextData = map[string]interface{}(NewContext(exec.TriggerData))
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		statuses := stepStatuses(contextData)
		var ready []*store.WorkflowStep
		pending := false
		awaiting := false
		for _, step := range steps {
			status := statuses[step.StepOrder]
			if isTerminalStepStatus(status) {
				continue
			}
			if status == StepAwaitingApproval {
				awaiting = true
				continue
			}
			pending = true
			if depsTerminal(step, statuses) {
				ready = append(ready, step)
			}
		}

		if len(ready) == 0 {
			if awaiting {
				err := o.suspend(ctx, exec, contextData, nil, steps)
				if errors.Is(err, errResumedInline) {
					continue
				}
				return err
			}
			if pending {
				return ErrDeadlock
			}
			exec.ContextData = store.JSONMap(contextData)
			return nil
		}

		results := o.runWave(ctx, exec, ready, contextData)

		suspended := false
		var approvals []stepResult
		var failure error
		for _, res := range results {
			setStepStatus(contextData, res.step.StepOrder, res.status)
			if res.hasOutput {
				contextData[outputKey(res.step)] = res.output
			}
			switch res.status {
			case StepAwaitingApproval:
				suspended = true
				approvals = append(approvals, res)
			case StepFailed:
				if failure == nil {
					failure = &StepError{StepOrder: res.step.StepOrder, Name: res.step.Name, Err: res.err}
				}
			}
		}

		exec.ContextData = store.JSONMap(contextData)

		if failure != nil {
			return failure
		}
		if suspended {
			err := o.suspend(ctx, exec, contextData, approvals, steps)
			if errors.Is(err, errResumedInline) {
				continue
			}
			return err
		}
		if err := o.store.SaveExecutionContext(ctx, exec.ID, exec.ContextData); err != nil {
			return err
		}
	}
}

// suspend parks the execution: persist the cursor, flip the status, then
// open the approval requests. Requests are created last so a racing
// approver always observes the parked state. Resolutions recorded while
// this run held the RUNNING window lost that race, so before walking away
// suspend reconciles them; when any apply, it returns errResumedInline and
// the loop keeps scheduling.
func (o *Orchestrator) suspend(ctx context.Context, exec *store.WorkflowExecution, contextData map[string]interface{}, approvals []stepResult, steps []*store.WorkflowStep) error {
	exec.ContextData = store.JSONMap(contextData)
	if err := o.store.SaveExecutionContext(ctx, exec.ID, exec.ContextData); err != nil {
		return err
	}
	err := o.store.TransitionExecution(ctx, exec.ID, store.ExecutionRunning, store.ExecutionAwaitingApproval)
	if err != nil && !errors.Is(err, store.ErrConflict) {
		return err
	}

	for _, res := range approvals {
		policy := *res.approval
		req := &store.ApprovalRequest{
			ExecutionID:  exec.ID,
			StepID:       res.step.ID,
			RequiredRole: policy.RequiredRole,
			TimeoutAt:    time.Now().UTC().Add(time.Duration(policy.TimeoutMinutes) * time.Minute),
		}
		if _, err := o.store.CreateApprovalRequest(ctx, req); err != nil {
			var vErr *store.ValidationError
			if errors.As(err, &vErr) {
				// A pending request already exists for this step.
				continue
			}
			return err
		}
		slog.Info("Approval requested", "execution_id", exec.ID, "step", res.step.Name, "role", policy.RequiredRole, "timeout_at", req.TimeoutAt)
	}

	return o.reconcileResolved(ctx, exec, contextData, steps)
}

// reconcileResolved applies approval resolutions whose resumes hit the
// RUNNING window of this run and backed off. A terminal request row whose
// step is still parked in the cursor is such a dropped resolution. The
// execution is claimed back before the context is touched so exactly one
// runner proceeds; on a lost claim the new owner reconciles at its own
// park.
func (o *Orchestrator) reconcileResolved(ctx context.Context, exec *store.WorkflowExecution, contextData map[string]interface{}, steps []*store.WorkflowStep) error {
	requests, err := o.store.ListExecutionApprovals(ctx, exec.ID)
	if err != nil {
		return err
	}

	stepsByID := make(map[int64]*store.WorkflowStep, len(steps))
	for _, step := range steps {
		stepsByID[step.ID] = step
	}

	statuses := stepStatuses(contextData)
	var dropped []*store.ApprovalRequest
	for _, req := range requests {
		if req.Status == store.ApprovalPending {
			continue
		}
		step := stepsByID[req.StepID]
		if step == nil || statuses[step.StepOrder] != StepAwaitingApproval {
			continue
		}
		dropped = append(dropped, req)
	}
	if len(dropped) == 0 {
		return errSuspended
	}

	err = o.store.TransitionExecution(ctx, exec.ID, store.ExecutionAwaitingApproval, store.ExecutionRunning)
	if errors.Is(err, store.ErrConflict) {
		return errSuspended
	}
	if err != nil {
		return err
	}

	for _, req := range dropped {
		step := stepsByID[req.StepID]
		applyResolution(contextData, step, Resolution{
			Approved:   req.Status == store.ApprovalApproved,
			ApprovedBy: req.ResolvedBy,
			Comments:   req.Comments,
		})
		slog.Info("Applying approval resolved during resume", "execution_id", exec.ID, "step", step.Name, "status", req.Status)
	}
	exec.ContextData = store.JSONMap(contextData)
	if err := o.store.SaveExecutionContext(ctx, exec.ID, exec.ContextData); err != nil {
		return err
	}
	return errResumedInline
}

// applyResolution writes an approval outcome into the context and marks
// the step terminal: COMPLETED when approved, SKIPPED otherwise.
func applyResolution(contextData map[string]interface{}, step *store.WorkflowStep, res Resolution) {
	contextData[outputKey(step)] = map[string]interface{}{
		"approved":   res.Approved,
		"approvedBy": res.ApprovedBy,
		"comments":   res.Comments,
	}
	status := StepCompleted
	if !res.Approved {
		status = StepSkipped
	}
	setStepStatus(contextData, step.StepOrder, status)
}

type stepResult struct {
	step      *store.WorkflowStep
	status    string
	output    interface{}
	hasOutput bool
	err       error
	approval  *ApprovalPolicy
}

// runWave executes all ready steps concurrently against an immutable
// context snapshot. Step failures are carried in results, never as wave
// errors.
func (o *Orchestrator) runWave(ctx context.Context, exec *store.WorkflowExecution, ready []*store.WorkflowStep, contextData map[string]interface{}) []stepResult {
	snapshot := cloneContext(contextData)
	results := make([]stepResult, len(ready))

	g, gctx := errgroup.WithContext(ctx)
	for i, step := range ready {
		g.Go(func() error {
			results[i] = o.runStep(gctx, exec, step, snapshot)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (o *Orchestrator) runStep(ctx context.Context, exec *store.WorkflowExecution, step *store.WorkflowStep, snapshot map[string]interface{}) stepResult {
	start := time.Now()
	stepCtx, span := o.tracer.StartStep(ctx, step.ID, string(step.Kind), step.Name)

	res := o.executeStep(stepCtx, exec, step, snapshot)
	res.step = step

	observability.EndSpan(span, res.err)
	o.metrics.RecordStepExecution(ctx, string(step.Kind), res.status, time.Since(start))

	if res.err != nil {
		slog.Warn("Step failed", "execution_id", exec.ID, "step", step.Name, "error", res.err)
	} else {
		slog.Debug("Step finished", "execution_id", exec.ID, "step", step.Name, "status", res.status)
	}
	return res
}

func (o *Orchestrator) executeStep(ctx context.Context, exec *store.WorkflowExecution, step *store.WorkflowStep, snapshot map[string]interface{}) stepResult {
	// The condition gates execution for every kind except CONDITION, where
	// it is the step's computation.
	if step.Kind != store.StepCondition && step.Condition != "" {
		pass, err := EvaluateCondition(step.Condition, snapshot)
		if err != nil {
			return stepResult{status: StepFailed, err: err}
		}
		if !pass {
			return stepResult{status: StepSkipped}
		}
	}

	switch step.Kind {
	case store.StepParallel:
		// Marker step for authoring clarity; its dependents fan out.
		return stepResult{status: StepCompleted}

	case store.StepCondition:
		value, err := EvaluateCondition(step.Condition, snapshot)
		if err != nil {
			return stepResult{status: StepFailed, err: err}
		}
		return stepResult{status: StepCompleted, output: value, hasOutput: true}

	case store.StepApproval:
		policy := ApprovalPolicyFrom(step.ApprovalConfig)
		return stepResult{status: StepAwaitingApproval, approval: &policy}

	case store.StepAgentExecution:
		return o.runAgentStep(ctx, exec, step, snapshot)

	default:
		return stepResult{status: StepFailed, err: fmt.Errorf("unsupported step kind %q", step.Kind)}
	}
}

// runAgentStep invokes the agent engine under the step's timeout and retry
// policy.
func (o *Orchestrator) runAgentStep(ctx context.Context, exec *store.WorkflowExecution, step *store.WorkflowStep, snapshot map[string]interface{}) stepResult {
	input := SubstituteMap(map[string]interface{}(step.InputMapping), snapshot)
	policy := RetryPolicyFrom(step.RetryConfig)
	timeout := o.stepTimeout(step)

	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := policy.Delay(attempt - 1)
			slog.Warn("Retrying step", "execution_id", exec.ID, "step", step.Name, "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return stepResult{status: StepFailed, err: ctx.Err()}
			case <-time.After(delay):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		result, err := o.engine.Run(attemptCtx, agent.RunRequest{
			AgentID:     *step.AgentID,
			Input:       input,
			ExecutionID: &exec.ID,
			StepID:      &step.ID,
		})
		cancel()

		if err == nil {
			return stepResult{status: StepCompleted, output: result.Output, hasOutput: true}
		}
		lastErr = err

		if ctx.Err() != nil {
			return stepResult{status: StepFailed, err: ctx.Err()}
		}
		if !isStepRetryable(err) {
			break
		}
	}
	return stepResult{status: StepFailed, err: lastErr}
}

func (o *Orchestrator) stepTimeout(step *store.WorkflowStep) time.Duration {
	seconds := step.TimeoutSeconds
	if seconds <= 0 {
		seconds = o.cfg.DefaultStepTimeout
	}
	if o.cfg.MaxStepTimeout > 0 && seconds > o.cfg.MaxStepTimeout {
		seconds = o.cfg.MaxStepTimeout
	}
	return time.Duration(seconds) * time.Second
}

// isStepRetryable classifies failures for the step retry policy: step
// timeouts, agent iteration exhaustion and transient provider errors
// retry; everything else is permanent.
func isStepRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var iterErr *agent.IterationLimitError
	if errors.As(err, &iterErr) {
		return true
	}
	return llms.IsRetryable(err)
}

func depsTerminal(step *store.WorkflowStep, statuses map[int]string) bool {
	for _, dep := range step.DependsOn {
		if !isTerminalStepStatus(statuses[int(dep)]) {
			return false
		}
	}
	return true
}
