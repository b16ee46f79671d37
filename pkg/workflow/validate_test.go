package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmatic-io/flowmatic/pkg/store"
)

func agentStep(order int, name string, deps ...int64) *store.WorkflowStep {
	agentID := int64(1)
	return &store.WorkflowStep{
		StepOrder:      order,
		Kind:           store.StepAgentExecution,
		AgentID:        &agentID,
		Name:           name,
		OutputVariable: name,
		DependsOn:      store.Int64List(deps),
	}
}

func TestValidateGraphAccepts(t *testing.T) {
	steps := []*store.WorkflowStep{
		agentStep(1, "fetch"),
		agentStep(2, "summarize", 1),
		agentStep(3, "notify", 2),
	}
	assert.NoError(t, ValidateGraph(steps))
}

func TestValidateGraphRejects(t *testing.T) {
	tests := []struct {
		name  string
		steps []*store.WorkflowStep
	}{
		{
			"duplicate step_order",
			[]*store.WorkflowStep{agentStep(1, "a"), agentStep(1, "b")},
		},
		{
			"non-positive step_order",
			[]*store.WorkflowStep{agentStep(0, "a")},
		},
		{
			"unknown dependency",
			[]*store.WorkflowStep{agentStep(1, "a", 9)},
		},
		{
			"self dependency",
			[]*store.WorkflowStep{agentStep(1, "a", 1)},
		},
		{
			"cycle",
			[]*store.WorkflowStep{agentStep(1, "a", 2), agentStep(2, "b", 1)},
		},
		{
			"agent required",
			[]*store.WorkflowStep{{StepOrder: 1, Kind: store.StepAgentExecution, Name: "a"}},
		},
		{
			"duplicate output key",
			[]*store.WorkflowStep{agentStep(1, "same"), agentStep(2, "same")},
		},
		{
			"reserved output key",
			[]*store.WorkflowStep{agentStep(1, "trigger")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gErr *GraphError
			assert.ErrorAs(t, ValidateGraph(tt.steps), &gErr)
		})
	}
}

func TestValidateGraphDefaultKeysCollide(t *testing.T) {
	// Two steps with empty output variables default to stepN keys, which
	// stay distinct; an explicit stepN matching another's default collides.
	a := agentStep(1, "")
	a.OutputVariable = ""
	b := agentStep(2, "")
	b.OutputVariable = "step1"
	var gErr *GraphError
	require.ErrorAs(t, ValidateGraph([]*store.WorkflowStep{a, b}), &gErr)
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicyFrom(store.JSONMap{
		"maxRetries":     float64(3),
		"initialDelayMs": float64(100),
		"multiplier":     float64(2),
		"maxDelayMs":     float64(350),
	})
	assert.Equal(t, 3, p.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, p.Delay(0))
	assert.Equal(t, 200*time.Millisecond, p.Delay(1))
	// Capped at maxDelayMs.
	assert.Equal(t, 350*time.Millisecond, p.Delay(2))
}

func TestRetryPolicyDefaults(t *testing.T) {
	p := RetryPolicyFrom(nil)
	assert.Equal(t, 0, p.MaxRetries)
	assert.Equal(t, 1000, p.InitialDelayMs)
	assert.Equal(t, float64(2), p.Multiplier)
}

func TestApprovalPolicyDefaults(t *testing.T) {
	p := ApprovalPolicyFrom(store.JSONMap{"requiredRole": "manager"})
	assert.Equal(t, "manager", p.RequiredRole)
	assert.Equal(t, 60, p.TimeoutMinutes)

	p = ApprovalPolicyFrom(store.JSONMap{"timeoutMinutes": float64(5)})
	assert.Equal(t, 5, p.TimeoutMinutes)
}
