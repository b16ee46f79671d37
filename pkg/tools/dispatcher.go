package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/flowmatic-io/flowmatic/pkg/registry"
	"github.com/flowmatic-io/flowmatic/pkg/store"
)

// invoke_agent_<id> is a reserved tool-name pattern routed to the agent
// engine rather than a tool row.
var agentToolPattern = regexp.MustCompile(`^invoke_agent_(\d+)$`)

// AgentToolName returns the reserved tool name for invoking an agent.
func AgentToolName(agentID int64) string {
	return fmt.Sprintf("invoke_agent_%d", agentID)
}

// Dispatcher resolves tool names to handlers and executes them.
// Safe for concurrent use; handlers own their internal synchronization.
type Dispatcher struct {
	store    *store.Store
	handlers *registry.BaseRegistry[Handler]
	rpc      *RPCClient
	agents   AgentInvoker
}

// NewDispatcher creates a dispatcher with the built-in handlers registered.
func NewDispatcher(st *store.Store) *Dispatcher {
	d := &Dispatcher{
		store:    st,
		handlers: registry.NewBaseRegistry[Handler](),
		rpc:      NewRPCClient(),
	}
	if err := d.RegisterHandler("web_request", NewWebRequestHandler(nil)); err != nil {
		slog.Error("Failed to register builtin handler", "error", err)
	}
	return d
}

// RegisterHandler registers an in-process handler under its symbol.
func (d *Dispatcher) RegisterHandler(symbol string, h Handler) error {
	return d.handlers.Register(symbol, h)
}

// SetAgentInvoker wires the agent engine in after construction.
func (d *Dispatcher) SetAgentInvoker(inv AgentInvoker) {
	d.agents = inv
}

// Dispatch resolves and executes one tool call. The returned Result always
// carries a usable error blob on failure so the agent loop can feed it back
// to the model; the error return distinguishes failure kinds for callers
// that need them.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, input map[string]interface{}) (Result, error) {
	start := time.Now()

	if m := agentToolPattern.FindStringSubmatch(name); m != nil {
		return d.dispatchAgent(ctx, name, m[1], input, start)
	}

	tool, err := d.store.GetToolByName(ctx, name)
	if err != nil || !tool.Active {
		nfErr := &NotFoundError{Name: name}
		return d.errorResult(name, nfErr, start), nfErr
	}

	if err := validateAgainstSchema(name, tool.InputSchema, input); err != nil {
		return d.errorResult(name, err, start), err
	}

	switch tool.Kind {
	case store.ToolInProcess:
		return d.dispatchInProcess(ctx, tool, input, start)
	case store.ToolExternal:
		return d.dispatchExternal(ctx, tool, input, start)
	default:
		execErr := &ExecutionError{Name: name, Err: fmt.Errorf("unsupported tool kind %q", tool.Kind)}
		return d.errorResult(name, execErr, start), execErr
	}
}

func (d *Dispatcher) dispatchAgent(ctx context.Context, name, rawID string, input map[string]interface{}, start time.Time) (Result, error) {
	agentID, _ := strconv.ParseInt(rawID, 10, 64)

	if d.agents == nil {
		execErr := &ExecutionError{Name: name, Err: fmt.Errorf("agent invoker not configured")}
		return d.errorResult(name, execErr, start), execErr
	}

	slog.Debug("Dispatching agent invocation", "tool", name, "agent_id", agentID)

	output, err := d.agents.InvokeAgent(ctx, agentID, input)
	if err != nil {
		execErr := &ExecutionError{Name: name, Err: err}
		return d.errorResult(name, execErr, start), execErr
	}

	return Result{
		ToolName:      name,
		Output:        output,
		ExecutionTime: time.Since(start),
		Metadata:      map[string]interface{}{"tool_type": "agent", "agent_id": agentID},
	}, nil
}

func (d *Dispatcher) dispatchInProcess(ctx context.Context, tool *store.Tool, input map[string]interface{}, start time.Time) (Result, error) {
	handler, ok := d.handlers.Get(tool.Handler)
	if !ok {
		execErr := &ExecutionError{Name: tool.Name, Err: fmt.Errorf("handler %q not registered", tool.Handler)}
		return d.errorResult(tool.Name, execErr, start), execErr
	}

	if v, ok := handler.(InputValidator); ok && !v.Validate(input) {
		invErr := &InvalidInputError{Name: tool.Name, Reason: "rejected by handler validator"}
		return d.errorResult(tool.Name, invErr, start), invErr
	}

	output, err := safeExecute(ctx, handler, input)
	if err != nil {
		execErr := &ExecutionError{Name: tool.Name, Err: err}
		return d.errorResult(tool.Name, execErr, start), execErr
	}

	return Result{
		ToolName:      tool.Name,
		Output:        output,
		ExecutionTime: time.Since(start),
		Metadata:      map[string]interface{}{"tool_type": "in_process", "handler": tool.Handler},
	}, nil
}

func (d *Dispatcher) dispatchExternal(ctx context.Context, tool *store.Tool, input map[string]interface{}, start time.Time) (Result, error) {
	output, err := d.rpc.Call(ctx, tool.Endpoint, tool.Name, input)
	if err != nil {
		var execErr *ExecutionError
		if e, ok := err.(*ExecutionError); ok {
			execErr = e
		} else {
			execErr = &ExecutionError{Name: tool.Name, Err: err}
		}
		return d.errorResult(tool.Name, execErr, start), execErr
	}

	return Result{
		ToolName:      tool.Name,
		Output:        output,
		ExecutionTime: time.Since(start),
		Metadata:      map[string]interface{}{"tool_type": "external_rpc", "endpoint": tool.Endpoint},
	}, nil
}

func (d *Dispatcher) errorResult(name string, err error, start time.Time) Result {
	return Result{
		ToolName:      name,
		Error:         err.Error(),
		IsError:       true,
		ExecutionTime: time.Since(start),
	}
}

// safeExecute runs a handler and converts panics into errors, so a
// misbehaving handler degrades to an error blob instead of taking down the
// agent loop.
func safeExecute(ctx context.Context, handler Handler, input map[string]interface{}) (output interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			output = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler.Execute(ctx, input)
}

// validateAgainstSchema compiles the stored JSON Schema and validates the
// input payload against it.
func validateAgainstSchema(toolName string, schema store.JSONMap, input map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return &InvalidInputError{Name: toolName, Reason: "unreadable input schema"}
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return &InvalidInputError{Name: toolName, Reason: "invalid input schema"}
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("tool.json", doc); err != nil {
		return &InvalidInputError{Name: toolName, Reason: err.Error()}
	}
	compiled, err := compiler.Compile("tool.json")
	if err != nil {
		return &InvalidInputError{Name: toolName, Reason: err.Error()}
	}

	// Round-trip the input so numbers and nested values match the JSON
	// shapes the validator expects.
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return &InvalidInputError{Name: toolName, Reason: "unserializable input"}
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(inputJSON))
	if err != nil {
		return &InvalidInputError{Name: toolName, Reason: "unreadable input"}
	}

	if err := compiled.Validate(instance); err != nil {
		return &InvalidInputError{Name: toolName, Reason: err.Error()}
	}
	return nil
}
