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

// Package tools implements the tool dispatcher: dynamic resolution of a
// tool name to an in-process handler, an external JSON-RPC endpoint, or an
// agent invocation, plus input validation against the stored JSON Schema.
package tools

import (
	"context"
	"encoding/json"
	"time"
)

// Handler is an in-process tool implementation registered under a symbol.
type Handler interface {
	Execute(ctx context.Context, input map[string]interface{}) (interface{}, error)
}

// InputValidator is optionally implemented by handlers that want a cheap
// pre-dispatch input check beyond the JSON Schema.
type InputValidator interface {
	Validate(input map[string]interface{}) bool
}

// AgentInvoker routes reserved invoke_agent_<id> tool calls back into the
// agent execution engine. The engine satisfies this after construction to
// break the dispatcher/engine cycle.
type AgentInvoker interface {
	InvokeAgent(ctx context.Context, agentID int64, input map[string]interface{}) (map[string]interface{}, error)
}

// Result is the outcome of one dispatch. Failures carry an error blob so
// the agent loop can surface them to the model as tool results.
type Result struct {
	ToolName      string                 `json:"tool_name"`
	Output        interface{}            `json:"output,omitempty"`
	Error         string                 `json:"error,omitempty"`
	IsError       bool                   `json:"is_error,omitempty"`
	ExecutionTime time.Duration          `json:"execution_time,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// Content renders the result as the string fed back to the model: the JSON
// output on success, the `{error, is_error}` blob on failure.
func (r Result) Content() string {
	if r.IsError {
		blob, _ := json.Marshal(map[string]interface{}{
			"error":    r.Error,
			"is_error": true,
		})
		return string(blob)
	}
	if s, ok := r.Output.(string); ok {
		return s
	}
	data, err := json.Marshal(r.Output)
	if err != nil {
		return ""
	}
	return string(data)
}
