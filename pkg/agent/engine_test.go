package agent

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmatic-io/flowmatic/pkg/config"
	"github.com/flowmatic-io/flowmatic/pkg/llms"
	"github.com/flowmatic-io/flowmatic/pkg/store"
	"github.com/flowmatic-io/flowmatic/pkg/tools"
)

// scriptedProvider plays back a canned sequence of responses and records
// every request it sees. When the script runs out it falls back to a plain
// end_turn reply.
type scriptedProvider struct {
	mu       sync.Mutex
	script   []func(req llms.Request) (*llms.Response, error)
	fallback func(req llms.Request) (*llms.Response, error)
	requests []llms.Request
}

func (p *scriptedProvider) Generate(ctx context.Context, req llms.Request) (*llms.Response, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	var next func(llms.Request) (*llms.Response, error)
	if len(p.script) > 0 {
		next = p.script[0]
		p.script = p.script[1:]
	} else {
		next = p.fallback
	}
	p.mu.Unlock()

	if next == nil {
		return textResponse("done"), nil
	}
	return next(req)
}

func (p *scriptedProvider) ModelName() string { return "scripted" }
func (p *scriptedProvider) Close() error      { return nil }

func (p *scriptedProvider) requestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *scriptedProvider) request(i int) llms.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

func textResponse(text string) *llms.Response {
	return &llms.Response{
		Blocks:     []llms.ContentBlock{{Type: llms.BlockText, Text: text}},
		StopReason: llms.StopEndTurn,
		Usage:      llms.Usage{InputTokens: 10, OutputTokens: 5},
	}
}

func toolUseResponse(id, name string, input map[string]interface{}) *llms.Response {
	return &llms.Response{
		Blocks: []llms.ContentBlock{
			{Type: llms.BlockText, Text: "thinking"},
			{Type: llms.BlockToolUse, ID: id, Name: name, Input: input},
		},
		StopReason: llms.StopToolUse,
		Usage:      llms.Usage{InputTokens: 10, OutputTokens: 5},
	}
}

type funcHandler func(ctx context.Context, input map[string]interface{}) (interface{}, error)

func (f funcHandler) Execute(ctx context.Context, input map[string]interface{}) (interface{}, error) {
	return f(ctx, input)
}

func newTestEngine(t *testing.T, p llms.Provider) (*store.Store, *tools.Dispatcher, *Engine) {
	t.Helper()
	st, err := store.Open(context.Background(), &config.DatabaseConfig{
		Driver:       "sqlite",
		DSN:          ":memory:",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	providers := llms.NewRegistry()
	require.NoError(t, providers.Register("anthropic", p))

	dispatcher := tools.NewDispatcher(st)
	engine := NewEngine(st, providers, dispatcher, config.EngineConfig{
		MaxIterations:      3,
		LLMRetries:         0,
		DefaultStepTimeout: 300,
		MaxStepTimeout:     3600,
	})
	return st, dispatcher, engine
}

func createEngineAgent(t *testing.T, st *store.Store, cfg store.JSONMap) int64 {
	t.Helper()
	id, err := st.CreateAgent(context.Background(), &store.Agent{
		Name:         "assistant",
		Provider:     "anthropic",
		SystemPrompt: "Be helpful.",
		MaxTokens:    512,
		Config:       cfg,
		Active:       true,
	})
	require.NoError(t, err)
	return id
}

func TestRunSimpleCompletion(t *testing.T) {
	p := &scriptedProvider{script: []func(llms.Request) (*llms.Response, error){
		func(req llms.Request) (*llms.Response, error) { return textResponse("hi there"), nil },
	}}
	st, _, engine := newTestEngine(t, p)
	ctx := context.Background()
	agentID := createEngineAgent(t, st, nil)

	result, err := engine.Run(ctx, RunRequest{AgentID: agentID, Input: map[string]interface{}{"input": "hello"}})
	require.NoError(t, err)
	assert.Equal(t, "hi there", result.Text)
	assert.Equal(t, "hi there", result.Output["text"])
	assert.Equal(t, llms.Usage{InputTokens: 10, OutputTokens: 5}, result.Usage)

	// The single-key input form seeds the conversation verbatim.
	req := p.request(0)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "hello", req.Messages[0].Blocks[0].Text)
	assert.Equal(t, "Be helpful.", req.System)

	// The invocation record is terminal with token accounting.
	run, err := st.GetAgentExecution(ctx, result.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentRunCompleted, run.Status)
	assert.Equal(t, 15, run.TokensUsed)
	assert.NotNil(t, run.CompletedAt)
}

func TestRunToolLoop(t *testing.T) {
	p := &scriptedProvider{script: []func(llms.Request) (*llms.Response, error){
		func(req llms.Request) (*llms.Response, error) {
			return toolUseResponse("tu_1", "lookup", map[string]interface{}{"query": "answer"}), nil
		},
		func(req llms.Request) (*llms.Response, error) { return textResponse("the answer is 42"), nil },
	}}
	st, dispatcher, engine := newTestEngine(t, p)
	ctx := context.Background()
	agentID := createEngineAgent(t, st, nil)

	toolID, err := st.CreateTool(ctx, &store.Tool{
		Name:    "lookup",
		Kind:    store.ToolInProcess,
		Handler: "lookup",
		InputSchema: store.JSONMap{
			"type":       "object",
			"properties": map[string]interface{}{"query": map[string]interface{}{"type": "string"}},
			"required":   []interface{}{"query"},
		},
		Active: true,
	})
	require.NoError(t, err)
	_, err = st.BindTool(ctx, agentID, toolID, nil)
	require.NoError(t, err)

	var gotQuery string
	require.NoError(t, dispatcher.RegisterHandler("lookup", funcHandler(
		func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
			gotQuery, _ = input["query"].(string)
			return map[string]interface{}{"answer": "42"}, nil
		})))

	result, err := engine.Run(ctx, RunRequest{AgentID: agentID, Input: map[string]interface{}{"input": "what is the answer"}})
	require.NoError(t, err)
	assert.Equal(t, "the answer is 42", result.Text)
	assert.Equal(t, "answer", gotQuery)

	// Usage accumulates across both turns.
	assert.Equal(t, llms.Usage{InputTokens: 20, OutputTokens: 10}, result.Usage)

	// The second call carried the tool catalog and the tool result.
	require.Equal(t, 2, p.requestCount())
	first := p.request(0)
	require.Len(t, first.Tools, 1)
	assert.Equal(t, "lookup", first.Tools[0].Name)

	second := p.request(1)
	last := second.Messages[len(second.Messages)-1]
	assert.Equal(t, llms.RoleUser, last.Role)
	require.Len(t, last.Blocks, 1)
	assert.Equal(t, llms.BlockToolResult, last.Blocks[0].Type)
	assert.Equal(t, "tu_1", last.Blocks[0].ToolUseID)
	assert.Contains(t, last.Blocks[0].Content, "42")
	assert.False(t, last.Blocks[0].IsError)
}

func TestRunToolFailureFedBack(t *testing.T) {
	p := &scriptedProvider{script: []func(llms.Request) (*llms.Response, error){
		func(req llms.Request) (*llms.Response, error) {
			return toolUseResponse("tu_1", "no_such_tool", map[string]interface{}{}), nil
		},
		func(req llms.Request) (*llms.Response, error) { return textResponse("recovered"), nil },
	}}
	st, _, engine := newTestEngine(t, p)
	agentID := createEngineAgent(t, st, nil)

	result, err := engine.Run(context.Background(), RunRequest{AgentID: agentID, Input: map[string]interface{}{"input": "go"}})
	require.NoError(t, err)
	assert.Equal(t, "recovered", result.Text)

	// The failure became an is_error tool result, not a run failure.
	second := p.request(1)
	last := second.Messages[len(second.Messages)-1]
	require.Len(t, last.Blocks, 1)
	assert.True(t, last.Blocks[0].IsError)
	assert.Contains(t, last.Blocks[0].Content, "is_error")
}

func TestRunIterationLimit(t *testing.T) {
	loop := func(req llms.Request) (*llms.Response, error) {
		return toolUseResponse("tu", "no_such_tool", map[string]interface{}{}), nil
	}
	p := &scriptedProvider{fallback: loop}
	st, _, engine := newTestEngine(t, p)
	ctx := context.Background()

	// The per-agent cap overrides the engine default.
	agentID := createEngineAgent(t, st, store.JSONMap{"max_iterations": float64(2)})

	_, err := engine.Run(ctx, RunRequest{AgentID: agentID, Input: map[string]interface{}{"input": "go"}})
	var iterErr *IterationLimitError
	require.ErrorAs(t, err, &iterErr)
	assert.Equal(t, 2, iterErr.Max)
	assert.Equal(t, 2, p.requestCount())

	// The invocation record is terminal and failed.
	run, err := st.GetAgentExecution(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, store.AgentRunFailed, run.Status)
	assert.NotEmpty(t, run.ErrorMsg)
}

func TestRunTruncatedOutput(t *testing.T) {
	p := &scriptedProvider{script: []func(llms.Request) (*llms.Response, error){
		func(req llms.Request) (*llms.Response, error) {
			resp := textResponse("partial")
			resp.StopReason = llms.StopMaxTokens
			return resp, nil
		},
	}}
	st, _, engine := newTestEngine(t, p)
	agentID := createEngineAgent(t, st, nil)

	result, err := engine.Run(context.Background(), RunRequest{AgentID: agentID, Input: map[string]interface{}{"input": "go"}})
	require.NoError(t, err)
	assert.Equal(t, true, result.Output["truncated"])
}

func TestRunInactiveAgent(t *testing.T) {
	p := &scriptedProvider{}
	st, _, engine := newTestEngine(t, p)
	ctx := context.Background()

	id, err := st.CreateAgent(ctx, &store.Agent{
		Name: "dormant", Provider: "anthropic", MaxTokens: 10, Active: false,
	})
	require.NoError(t, err)

	_, err = engine.Run(ctx, RunRequest{AgentID: id, Input: map[string]interface{}{"input": "x"}})
	assert.ErrorIs(t, err, ErrAgentInactive)
	assert.Equal(t, 0, p.requestCount())
}

func TestRunUnknownProvider(t *testing.T) {
	p := &scriptedProvider{}
	st, _, engine := newTestEngine(t, p)
	ctx := context.Background()

	id, err := st.CreateAgent(ctx, &store.Agent{
		Name: "misconfigured", Provider: "mystery", MaxTokens: 10, Active: true,
	})
	require.NoError(t, err)

	_, err = engine.Run(ctx, RunRequest{AgentID: id, Input: map[string]interface{}{"input": "x"}})
	assert.ErrorIs(t, err, ErrProviderUnknown)
}

func TestRunPermanentProviderError(t *testing.T) {
	p := &scriptedProvider{fallback: func(req llms.Request) (*llms.Response, error) {
		return nil, &llms.ProviderError{Provider: "scripted", Status: 401, Message: "bad key"}
	}}
	st, _, engine := newTestEngine(t, p)
	agentID := createEngineAgent(t, st, nil)

	_, err := engine.Run(context.Background(), RunRequest{AgentID: agentID, Input: map[string]interface{}{"input": "x"}})
	var provErr *llms.ProviderError
	require.ErrorAs(t, err, &provErr)

	// Permanent failures are not retried in-turn.
	assert.Equal(t, 1, p.requestCount())
}

func TestSubagentCatalogEntry(t *testing.T) {
	p := &scriptedProvider{}
	st, _, engine := newTestEngine(t, p)
	ctx := context.Background()

	subID, err := st.CreateAgent(ctx, &store.Agent{
		Name: "summarizer", Provider: "anthropic", Description: "Summarizes text",
		MaxTokens: 128, Active: true,
	})
	require.NoError(t, err)

	agentID := createEngineAgent(t, st, store.JSONMap{"subagents": []interface{}{float64(subID)}})

	_, err = engine.Run(ctx, RunRequest{AgentID: agentID, Input: map[string]interface{}{"input": "x"}})
	require.NoError(t, err)

	req := p.request(0)
	require.Len(t, req.Tools, 1)
	assert.Equal(t, tools.AgentToolName(subID), req.Tools[0].Name)
	assert.Equal(t, "Summarizes text", req.Tools[0].Description)
}

func TestStructuredInputSeed(t *testing.T) {
	p := &scriptedProvider{}
	st, _, engine := newTestEngine(t, p)
	agentID := createEngineAgent(t, st, nil)

	_, err := engine.Run(context.Background(), RunRequest{
		AgentID: agentID,
		Input:   map[string]interface{}{"ticket": "T-1", "priority": "high"},
	})
	require.NoError(t, err)

	// Multi-key inputs are serialized as JSON.
	seed := p.request(0).Messages[0].Blocks[0].Text
	assert.Contains(t, seed, `"ticket":"T-1"`)
	assert.Contains(t, seed, `"priority":"high"`)
}
