package workflow

import (
	"errors"
	"fmt"
)

// ErrWorkflowInactive reports an execution request against a deactivated
// workflow.
var ErrWorkflowInactive = errors.New("workflow is inactive")

// ErrNotPublic reports a public execution request against a non-public
// workflow.
var ErrNotPublic = errors.New("workflow is not public")

// ErrDeadlock reports remaining steps that can never become ready.
var ErrDeadlock = errors.New("deadlock detected: remaining steps are unreachable")

// ErrNotRunnable reports a run request against an execution that is neither
// pending nor running.
var ErrNotRunnable = errors.New("execution is not in a runnable state")

// errSuspended is the internal signal that the run loop parked on an
// approval. Never escapes the orchestrator.
var errSuspended = errors.New("execution suspended awaiting approval")

// errResumedInline is the internal signal that suspend found resolutions
// recorded during this run's window, reclaimed the execution and applied
// them, so the loop must keep scheduling. Never escapes the orchestrator.
var errResumedInline = errors.New("execution resumed inline")

// InvalidConditionError reports an unparseable condition expression.
type InvalidConditionError struct {
	Expr   string
	Reason string
}

func (e *InvalidConditionError) Error() string {
	return fmt.Sprintf("invalid condition %q: %s", e.Expr, e.Reason)
}

// GraphError reports a structurally invalid step graph.
type GraphError struct {
	Reason string
}

func (e *GraphError) Error() string {
	return "invalid workflow graph: " + e.Reason
}

// StepError reports a step that exhausted its retry policy.
type StepError struct {
	StepOrder int
	Name      string
	Err       error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s) failed: %v", e.StepOrder, e.Name, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
