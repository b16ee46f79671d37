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

// Package agent implements the agent execution engine: a bounded
// reasoning loop that alternates LLM calls with tool dispatch until the
// model ends its turn.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flowmatic-io/flowmatic/pkg/config"
	"github.com/flowmatic-io/flowmatic/pkg/llms"
	"github.com/flowmatic-io/flowmatic/pkg/observability"
	"github.com/flowmatic-io/flowmatic/pkg/store"
	"github.com/flowmatic-io/flowmatic/pkg/tools"
)

// Engine runs agents against their configured providers and tool catalogs.
// Safe for concurrent use.
type Engine struct {
	store   *store.Store
	llms    *llms.Registry
	tools   *tools.Dispatcher
	cfg     config.EngineConfig
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithTracer(t *observability.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// NewEngine creates an engine and wires itself into the dispatcher as the
// agent invoker.
func NewEngine(st *store.Store, providers *llms.Registry, dispatcher *tools.Dispatcher, cfg config.EngineConfig, opts ...Option) *Engine {
	e := &Engine{
		store: st,
		llms:  providers,
		tools: dispatcher,
		cfg:   cfg,
	}
	for _, opt := range opts {
		opt(e)
	}
	dispatcher.SetAgentInvoker(e)
	return e
}

// RunRequest describes one agent invocation.
type RunRequest struct {
	AgentID int64
	Input   map[string]interface{}

	// Owning workflow execution and step, when invoked by the orchestrator.
	ExecutionID *int64
	StepID      *int64

	// ExtraTools extends the agent's catalog for this run.
	ExtraTools []llms.ToolDefinition
}

// RunResult is the outcome of a completed agent run.
type RunResult struct {
	RunID  int64
	Text   string
	Output map[string]interface{}
	Usage  llms.Usage
}

// Run executes one agent invocation to completion.
func (e *Engine) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	a, err := e.store.GetAgent(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	if !a.Active {
		return nil, fmt.Errorf("agent %d (%s): %w", a.ID, a.Name, ErrAgentInactive)
	}

	provider, ok := e.llms.Get(a.Provider)
	if !ok {
		return nil, fmt.Errorf("agent %d: %w: %q", a.ID, ErrProviderUnknown, a.Provider)
	}

	catalog, err := e.buildCatalog(ctx, a, req.ExtraTools)
	if err != nil {
		return nil, err
	}

	run := &store.AgentExecution{
		AgentID:     a.ID,
		ExecutionID: req.ExecutionID,
		StepID:      req.StepID,
		Input:       store.JSONMap(req.Input),
	}
	if _, err := e.store.CreateAgentExecution(ctx, run); err != nil {
		return nil, err
	}

	ctx, span := e.tracer.StartAgent(ctx, a.ID)
	start := time.Now()

	result, runErr := e.loop(ctx, a, provider, catalog, req.Input)

	duration := time.Since(start)
	tokens := 0
	if result != nil {
		tokens = result.Usage.Total()
	}
	e.metrics.RecordAgentRun(ctx, duration, tokens, runErr)
	observability.EndSpan(span, runErr)

	// Terminal bookkeeping on a fresh context so cancellation does not lose
	// the record.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if runErr != nil {
		if err := e.store.FinishAgentExecution(finishCtx, run.ID, store.AgentRunFailed, nil, tokens, duration.Milliseconds(), runErr.Error()); err != nil {
			slog.Error("Failed to record agent failure", "run_id", run.ID, "error", err)
		}
		return nil, runErr
	}

	result.RunID = run.ID
	if err := e.store.FinishAgentExecution(finishCtx, run.ID, store.AgentRunCompleted, store.JSONMap(result.Output), tokens, duration.Milliseconds(), ""); err != nil {
		slog.Error("Failed to record agent completion", "run_id", run.ID, "error", err)
	}
	return result, nil
}

// InvokeAgent routes reserved invoke_agent_<id> tool calls back through the
// engine.
func (e *Engine) InvokeAgent(ctx context.Context, agentID int64, input map[string]interface{}) (map[string]interface{}, error) {
	result, err := e.Run(ctx, RunRequest{AgentID: agentID, Input: input})
	if err != nil {
		return nil, err
	}
	return result.Output, nil
}

// loop is the bounded reasoning loop: call the model, dispatch requested
// tools, feed results back, until end_turn or the iteration cap.
func (e *Engine) loop(ctx context.Context, a *store.Agent, provider llms.Provider, catalog []llms.ToolDefinition, input map[string]interface{}) (*RunResult, error) {
	messages := []llms.Message{llms.UserText(seedText(input))}
	maxIterations := e.maxIterationsFor(a)

	var usage llms.Usage
	for iteration := 0; iteration < maxIterations; iteration++ {
		resp, err := e.generate(ctx, a, provider, catalog, messages)
		if err != nil {
			return &RunResult{Usage: usage}, err
		}
		usage.InputTokens += resp.Usage.InputTokens
		usage.OutputTokens += resp.Usage.OutputTokens

		messages = append(messages, llms.Message{Role: llms.RoleAssistant, Blocks: resp.Blocks})

		if resp.StopReason != llms.StopToolUse {
			text := resp.Text()
			output := map[string]interface{}{
				"text": text,
				"usage": map[string]interface{}{
					"input_tokens":  usage.InputTokens,
					"output_tokens": usage.OutputTokens,
					"total_tokens":  usage.Total(),
				},
			}
			if resp.StopReason == llms.StopMaxTokens {
				output["truncated"] = true
			}
			return &RunResult{Text: text, Output: output, Usage: usage}, nil
		}

		resultBlocks, err := e.dispatchAll(ctx, resp.ToolUses())
		if err != nil {
			return &RunResult{Usage: usage}, err
		}
		messages = append(messages, llms.ToolResults(resultBlocks))
	}

	return &RunResult{Usage: usage}, &IterationLimitError{AgentID: a.ID, Max: maxIterations}
}

// generate issues one model call with in-turn retries on retryable provider
// errors.
func (e *Engine) generate(ctx context.Context, a *store.Agent, provider llms.Provider, catalog []llms.ToolDefinition, messages []llms.Message) (*llms.Response, error) {
	req := llms.Request{
		System:      a.SystemPrompt,
		Messages:    messages,
		Tools:       catalog,
		Model:       a.Model,
		Temperature: a.Temperature,
		MaxTokens:   a.MaxTokens,
	}

	var lastErr error
	for attempt := 0; attempt <= e.cfg.LLMRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * 2 * time.Second
			slog.Warn("Retrying LLM call", "agent", a.Name, "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		start := time.Now()
		resp, err := provider.Generate(ctx, req)
		model := a.Model
		if model == "" {
			model = provider.ModelName()
		}
		if err != nil {
			e.metrics.RecordLLMCall(ctx, model, time.Since(start), 0, 0, err)
			lastErr = err
			if !llms.IsRetryable(err) {
				return nil, err
			}
			continue
		}
		e.metrics.RecordLLMCall(ctx, model, time.Since(start), resp.Usage.InputTokens, resp.Usage.OutputTokens, nil)
		return resp, nil
	}
	return nil, lastErr
}

// dispatchAll executes one turn's tool_use blocks concurrently and
// reassembles results in block order. Tool failures become is_error results
// fed back to the model, never loop failures.
func (e *Engine) dispatchAll(ctx context.Context, uses []llms.ContentBlock) ([]llms.ContentBlock, error) {
	results := make([]llms.ContentBlock, len(uses))

	g, gctx := errgroup.WithContext(ctx)
	for i, use := range uses {
		g.Go(func() error {
			res, _ := e.tools.Dispatch(gctx, use.Name, use.Input)
			e.metrics.RecordToolDispatch(gctx, use.Name, res.ExecutionTime, res.IsError)
			results[i] = llms.ContentBlock{
				Type:      llms.BlockToolResult,
				ToolUseID: use.ID,
				Content:   res.Content(),
				IsError:   res.IsError,
			}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// buildCatalog assembles the per-run tool catalog: bound tool rows, the
// agent's configured subagents, and any caller-provided extras.
func (e *Engine) buildCatalog(ctx context.Context, a *store.Agent, extras []llms.ToolDefinition) ([]llms.ToolDefinition, error) {
	bound, err := e.store.ToolsForAgent(ctx, a.ID)
	if err != nil {
		return nil, err
	}

	catalog := make([]llms.ToolDefinition, 0, len(bound)+len(extras))
	for _, t := range bound {
		catalog = append(catalog, llms.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}

	for _, subID := range subagentIDs(a.Config) {
		sub, err := e.store.GetAgent(ctx, subID)
		if err != nil || !sub.Active {
			slog.Warn("Skipping unavailable subagent", "agent", a.Name, "subagent_id", subID)
			continue
		}
		catalog = append(catalog, SubagentToolDefinition(sub))
	}

	return append(catalog, extras...), nil
}

// SubagentToolDefinition builds the invoke_agent_<id> catalog entry for a
// delegate agent.
func SubagentToolDefinition(sub *store.Agent) llms.ToolDefinition {
	description := sub.Description
	if description == "" {
		description = fmt.Sprintf("Delegate a task to the %s agent", sub.Name)
	}
	return llms.ToolDefinition{
		Name:        tools.AgentToolName(sub.ID),
		Description: description,
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"input": map[string]interface{}{
					"type":        "string",
					"description": "The task or question for the agent",
				},
			},
			"required": []interface{}{"input"},
		},
	}
}

func (e *Engine) maxIterationsFor(a *store.Agent) int {
	if a.Config != nil {
		switch v := a.Config["max_iterations"].(type) {
		case float64:
			if v >= 1 {
				return int(v)
			}
		case int:
			if v >= 1 {
				return v
			}
		}
	}
	return e.cfg.MaxIterations
}

// subagentIDs extracts the delegate agent ids from an agent's config blob.
func subagentIDs(cfg store.JSONMap) []int64 {
	if cfg == nil {
		return nil
	}
	raw, ok := cfg["subagents"].([]interface{})
	if !ok {
		return nil
	}
	ids := make([]int64, 0, len(raw))
	for _, entry := range raw {
		switch v := entry.(type) {
		case float64:
			ids = append(ids, int64(v))
		case int64:
			ids = append(ids, v)
		case json.Number:
			if id, err := v.Int64(); err == nil {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// seedText renders the invocation input as the opening user message.
func seedText(input map[string]interface{}) string {
	if s, ok := input["input"].(string); ok && len(input) == 1 {
		return s
	}
	data, err := json.Marshal(input)
	if err != nil {
		return fmt.Sprint(input)
	}
	return string(data)
}
