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

// Package flowmatic is a data-driven multi-agent workflow orchestrator.
//
// Agents, tools, workflow graphs and schedules are database records; the
// engine executes directed graphs of agent invocations, approvals,
// conditionals and parallel fan-outs with persistence, retries, timeouts,
// context propagation and cron triggering.
//
// The main packages:
//
//   - pkg/store: durable entities over sqlite, postgres or mysql
//   - pkg/llms: provider gateway (Anthropic, OpenAI-compatible)
//   - pkg/tools: tool dispatch (in-process, JSON-RPC, agent invocation)
//   - pkg/agent: bounded reasoning loop driving LLM and tool calls
//   - pkg/workflow: wave-based graph orchestrator
//   - pkg/approval: human approval gates with timeout sweeping
//   - pkg/scheduler: cron-driven workflow triggering
//   - pkg/runtime: wiring and the external command surface
//
// The flowmatic CLI in cmd/flowmatic runs the orchestrator loop and
// provides operational commands.
package flowmatic
