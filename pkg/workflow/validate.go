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

	"github.com/flowmatic-io/flowmatic/pkg/store"
)

// ValidateGraph checks the structural invariants of a step list: positive
// unique step orders, resolvable and acyclic depends_on references, agent
// references where required, and collision-free output keys.
func ValidateGraph(steps []*store.WorkflowStep) error {
	byOrder := make(map[int]*store.WorkflowStep, len(steps))
	for _, step := range steps {
		if step.StepOrder < 1 {
			return &GraphError{Reason: fmt.Sprintf("step %q has non-positive step_order %d", step.Name, step.StepOrder)}
		}
		if _, dup := byOrder[step.StepOrder]; dup {
			return &GraphError{Reason: fmt.Sprintf("duplicate step_order %d", step.StepOrder)}
		}
		byOrder[step.StepOrder] = step

		if step.Kind == store.StepAgentExecution && step.AgentID == nil {
			return &GraphError{Reason: fmt.Sprintf("step %d (%s) requires an agent", step.StepOrder, step.Name)}
		}
	}

	for _, step := range steps {
		for _, dep := range step.DependsOn {
			if int(dep) == step.StepOrder {
				return &GraphError{Reason: fmt.Sprintf("step %d depends on itself", step.StepOrder)}
			}
			if _, ok := byOrder[int(dep)]; !ok {
				return &GraphError{Reason: fmt.Sprintf("step %d depends on unknown step_order %d", step.StepOrder, dep)}
			}
		}
	}

	if err := checkAcyclic(steps, byOrder); err != nil {
		return err
	}

	return checkOutputKeys(steps)
}

// checkAcyclic runs a colored DFS over the depends_on adjacency.
func checkAcyclic(steps []*store.WorkflowStep, byOrder map[int]*store.WorkflowStep) error {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // fully explored
	)
	colors := make(map[int]int, len(steps))

	var visit func(order int) error
	visit = func(order int) error {
		switch colors[order] {
		case gray:
			return &GraphError{Reason: fmt.Sprintf("dependency cycle through step_order %d", order)}
		case black:
			return nil
		}
		colors[order] = gray
		for _, dep := range byOrder[order].DependsOn {
			if err := visit(int(dep)); err != nil {
				return err
			}
		}
		colors[order] = black
		return nil
	}

	for _, step := range steps {
		if err := visit(step.StepOrder); err != nil {
			return err
		}
	}
	return nil
}

// checkOutputKeys rejects workflows where two steps would write the same
// context key, including steps that could run concurrently in one wave.
func checkOutputKeys(steps []*store.WorkflowStep) error {
	seen := map[string]int{}
	for _, step := range steps {
		if step.Kind == store.StepParallel {
			continue // marker steps record no output
		}
		key := outputKey(step)
		if key == contextKeyTrigger || key == contextKeyMeta {
			return &GraphError{Reason: fmt.Sprintf("step %d uses reserved output key %q", step.StepOrder, key)}
		}
		if prev, dup := seen[key]; dup {
			return &GraphError{Reason: fmt.Sprintf("steps %d and %d write the same output key %q", prev, step.StepOrder, key)}
		}
		seen[key] = step.StepOrder
	}
	return nil
}
