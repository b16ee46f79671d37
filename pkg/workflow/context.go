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

package workflow

import (
	"fmt"
	"strconv"

	"github.com/flowmatic-io/flowmatic/pkg/store"
)

// Per-step statuses recorded in the context cursor. PENDING is implicit:
// a step without a cursor entry has not run.
const (
	StepCompleted        = "COMPLETED"
	StepSkipped          = "SKIPPED"
	StepAwaitingApproval = "AWAITING_APPROVAL"
	StepFailed           = "FAILED"
)

// Reserved context keys.
const (
	contextKeyTrigger = "trigger"
	contextKeyMeta    = "meta"
	metaKeySteps      = "steps"
)

// NewContext builds the initial execution context with the trigger data
// under the reserved key.
func NewContext(trigger store.JSONMap) store.JSONMap {
	if trigger == nil {
		trigger = store.JSONMap{}
	}
	return store.JSONMap{
		contextKeyTrigger: map[string]interface{}(trigger),
		contextKeyMeta: map[string]interface{}{
			metaKeySteps: map[string]interface{}{},
		},
	}
}

// cloneContext deep-copies the context tree. Step tasks receive snapshots;
// only the orchestrator mutates the live tree between waves.
func cloneContext(src map[string]interface{}) map[string]interface{} {
	return cloneValue(src).(map[string]interface{})
}

func cloneValue(v interface{}) interface{} {
	switch node := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(node))
		for k, child := range node {
			out[k] = cloneValue(child)
		}
		return out
	case store.JSONMap:
		return cloneValue(map[string]interface{}(node))
	case []interface{}:
		out := make([]interface{}, len(node))
		for i, child := range node {
			out[i] = cloneValue(child)
		}
		return out
	default:
		return node
	}
}

// stepStatuses reads the per-step cursor from meta.steps, keyed by
// step_order.
func stepStatuses(contextData map[string]interface{}) map[int]string {
	out := map[int]string{}
	meta, _ := contextData[contextKeyMeta].(map[string]interface{})
	if meta == nil {
		return out
	}
	steps, _ := meta[metaKeySteps].(map[string]interface{})
	for key, value := range steps {
		order, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		if status, ok := value.(string); ok {
			out[order] = status
		}
	}
	return out
}

// setStepStatus writes one cursor entry, creating meta.steps as needed.
func setStepStatus(contextData map[string]interface{}, stepOrder int, status string) {
	meta, ok := contextData[contextKeyMeta].(map[string]interface{})
	if !ok {
		meta = map[string]interface{}{}
		contextData[contextKeyMeta] = meta
	}
	steps, ok := meta[metaKeySteps].(map[string]interface{})
	if !ok {
		steps = map[string]interface{}{}
		meta[metaKeySteps] = steps
	}
	steps[strconv.Itoa(stepOrder)] = status
}

func isTerminalStepStatus(status string) bool {
	return status == StepCompleted || status == StepSkipped || status == StepFailed
}

// outputKey is the context key a step's result lands under: its declared
// output variable, or a kind-derived default.
func outputKey(step *store.WorkflowStep) string {
	if step.OutputVariable != "" {
		return step.OutputVariable
	}
	if step.Kind == store.StepApproval {
		return fmt.Sprintf("approval%d", step.StepOrder)
	}
	return fmt.Sprintf("step%d", step.StepOrder)
}
