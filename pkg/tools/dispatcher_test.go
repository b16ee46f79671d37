package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmatic-io/flowmatic/pkg/config"
	"github.com/flowmatic-io/flowmatic/pkg/store"
)

type funcHandler func(ctx context.Context, input map[string]interface{}) (interface{}, error)

func (f funcHandler) Execute(ctx context.Context, input map[string]interface{}) (interface{}, error) {
	return f(ctx, input)
}

func newTestDispatcher(t *testing.T) (*store.Store, *Dispatcher) {
	t.Helper()
	st, err := store.Open(context.Background(), &config.DatabaseConfig{
		Driver:       "sqlite",
		DSN:          ":memory:",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st, NewDispatcher(st)
}

func createTool(t *testing.T, st *store.Store, tool *store.Tool) int64 {
	t.Helper()
	if tool.InputSchema == nil {
		tool.InputSchema = store.JSONMap{
			"type":       "object",
			"properties": map[string]interface{}{"query": map[string]interface{}{"type": "string"}},
			"required":   []interface{}{"query"},
		}
	}
	id, err := st.CreateTool(context.Background(), tool)
	require.NoError(t, err)
	return id
}

func TestDispatchInProcess(t *testing.T) {
	st, d := newTestDispatcher(t)
	ctx := context.Background()

	createTool(t, st, &store.Tool{
		Name: "lookup", Kind: store.ToolInProcess, Handler: "lookup", Active: true,
	})
	require.NoError(t, d.RegisterHandler("lookup", funcHandler(
		func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"answer": input["query"]}, nil
		})))

	res, err := d.Dispatch(ctx, "lookup", map[string]interface{}{"query": "meaning"})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, res.Content(), "meaning")
	assert.Equal(t, "in_process", res.Metadata["tool_type"])
}

func TestDispatchUnknownTool(t *testing.T) {
	_, d := newTestDispatcher(t)

	res, err := d.Dispatch(context.Background(), "ghost", nil)
	var nfErr *NotFoundError
	require.ErrorAs(t, err, &nfErr)
	assert.True(t, res.IsError)

	// The error blob is model-consumable.
	var blob map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(res.Content()), &blob))
	assert.Equal(t, true, blob["is_error"])
	assert.NotEmpty(t, blob["error"])
}

func TestDispatchInactiveTool(t *testing.T) {
	st, d := newTestDispatcher(t)
	ctx := context.Background()

	id := createTool(t, st, &store.Tool{
		Name: "lookup", Kind: store.ToolInProcess, Handler: "lookup", Active: true,
	})
	require.NoError(t, st.SetToolActive(ctx, id, false))

	_, err := d.Dispatch(ctx, "lookup", map[string]interface{}{"query": "x"})
	var nfErr *NotFoundError
	assert.ErrorAs(t, err, &nfErr)
}

func TestDispatchSchemaRejection(t *testing.T) {
	st, d := newTestDispatcher(t)
	ctx := context.Background()

	createTool(t, st, &store.Tool{
		Name: "lookup", Kind: store.ToolInProcess, Handler: "lookup", Active: true,
	})
	called := false
	require.NoError(t, d.RegisterHandler("lookup", funcHandler(
		func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
			called = true
			return nil, nil
		})))

	// Missing required property.
	res, err := d.Dispatch(ctx, "lookup", map[string]interface{}{})
	var invErr *InvalidInputError
	require.ErrorAs(t, err, &invErr)
	assert.True(t, res.IsError)
	assert.False(t, called)

	// Wrong property type.
	_, err = d.Dispatch(ctx, "lookup", map[string]interface{}{"query": float64(7)})
	assert.ErrorAs(t, err, &invErr)
	assert.False(t, called)
}

func TestDispatchHandlerPanic(t *testing.T) {
	st, d := newTestDispatcher(t)
	ctx := context.Background()

	createTool(t, st, &store.Tool{
		Name: "explode", Kind: store.ToolInProcess, Handler: "explode", Active: true,
		InputSchema: store.JSONMap{"type": "object", "properties": map[string]interface{}{}},
	})
	require.NoError(t, d.RegisterHandler("explode", funcHandler(
		func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
			panic("boom")
		})))

	res, err := d.Dispatch(ctx, "explode", map[string]interface{}{})
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Error, "boom")
}

func TestDispatchUnregisteredHandler(t *testing.T) {
	st, d := newTestDispatcher(t)
	ctx := context.Background()

	createTool(t, st, &store.Tool{
		Name: "orphan", Kind: store.ToolInProcess, Handler: "nobody_home", Active: true,
		InputSchema: store.JSONMap{"type": "object", "properties": map[string]interface{}{}},
	})

	res, err := d.Dispatch(ctx, "orphan", map[string]interface{}{})
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.True(t, res.IsError)
}

type stubInvoker struct {
	gotAgentID int64
	gotInput   map[string]interface{}
}

func (s *stubInvoker) InvokeAgent(ctx context.Context, agentID int64, input map[string]interface{}) (map[string]interface{}, error) {
	s.gotAgentID = agentID
	s.gotInput = input
	return map[string]interface{}{"text": "delegated"}, nil
}

func TestDispatchAgentInvocation(t *testing.T) {
	_, d := newTestDispatcher(t)
	ctx := context.Background()

	// Unconfigured invoker degrades to an error result.
	res, err := d.Dispatch(ctx, "invoke_agent_7", map[string]interface{}{"input": "hi"})
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.True(t, res.IsError)

	inv := &stubInvoker{}
	d.SetAgentInvoker(inv)

	res, err = d.Dispatch(ctx, "invoke_agent_7", map[string]interface{}{"input": "hi"})
	require.NoError(t, err)
	assert.Equal(t, int64(7), inv.gotAgentID)
	assert.Equal(t, "hi", inv.gotInput["input"])
	assert.Equal(t, "agent", res.Metadata["tool_type"])
	assert.Contains(t, res.Content(), "delegated")
}

func TestAgentToolName(t *testing.T) {
	assert.Equal(t, "invoke_agent_12", AgentToolName(12))
	assert.NotNil(t, agentToolPattern.FindStringSubmatch("invoke_agent_12"))
	assert.Nil(t, agentToolPattern.FindStringSubmatch("invoke_agent_"))
	assert.Nil(t, agentToolPattern.FindStringSubmatch("invoke_agent_x"))
}

func TestDispatchExternalRPC(t *testing.T) {
	st, d := newTestDispatcher(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "2.0", req.JSONRPC)
		assert.Equal(t, "tools/call", req.Method)

		params := req.Params.(map[string]interface{})
		assert.Equal(t, "remote_search", params["name"])

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  map[string]interface{}{"hits": float64(3)},
		})
	}))
	defer srv.Close()

	createTool(t, st, &store.Tool{
		Name: "remote_search", Kind: store.ToolExternal, Endpoint: srv.URL, Active: true,
	})

	res, err := d.Dispatch(ctx, "remote_search", map[string]interface{}{"query": "x"})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, res.Content(), "hits")
	assert.Equal(t, "external_rpc", res.Metadata["tool_type"])
}

func TestDispatchExternalRPCError(t *testing.T) {
	st, d := newTestDispatcher(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Response{
			JSONRPC: "2.0",
			Error:   &Error{Code: -32000, Message: "upstream unavailable"},
		})
	}))
	defer srv.Close()

	createTool(t, st, &store.Tool{
		Name: "remote_search", Kind: store.ToolExternal, Endpoint: srv.URL, Active: true,
	})

	res, err := d.Dispatch(ctx, "remote_search", map[string]interface{}{"query": "x"})
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Error, "upstream unavailable")
}

func TestParseResponseSSE(t *testing.T) {
	body := "event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":\"1\",\"result\":{\"ok\":true}}\n\n"
	resp, err := parseResponse([]byte(body))
	require.NoError(t, err)
	require.NotNil(t, resp.Result)

	_, err = parseResponse([]byte("not json at all"))
	assert.Error(t, err)
}
