package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Workflow execution statuses.
type ExecutionStatus string

const (
	ExecutionPending          ExecutionStatus = "PENDING"
	ExecutionRunning          ExecutionStatus = "RUNNING"
	ExecutionAwaitingApproval ExecutionStatus = "AWAITING_APPROVAL"
	ExecutionCompleted        ExecutionStatus = "COMPLETED"
	ExecutionFailed           ExecutionStatus = "FAILED"
	ExecutionCancelled        ExecutionStatus = "CANCELLED"
)

// IsTerminal reports whether no further transitions are allowed.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// Agent invocation statuses.
type AgentRunStatus string

const (
	AgentRunPending   AgentRunStatus = "PENDING"
	AgentRunRunning   AgentRunStatus = "RUNNING"
	AgentRunCompleted AgentRunStatus = "COMPLETED"
	AgentRunFailed    AgentRunStatus = "FAILED"
)

// Approval request statuses.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
	ApprovalTimeout  ApprovalStatus = "TIMEOUT"
)

// Workflow step kinds.
type StepKind string

const (
	StepAgentExecution StepKind = "AGENT_EXECUTION"
	StepApproval       StepKind = "APPROVAL"
	StepCondition      StepKind = "CONDITION"
	StepParallel       StepKind = "PARALLEL"
)

// Tool kinds.
type ToolKind string

const (
	ToolInProcess ToolKind = "IN_PROCESS"
	ToolExternal  ToolKind = "EXTERNAL_RPC"
)

// Workflow trigger kinds.
type TriggerKind string

const (
	TriggerManual    TriggerKind = "MANUAL"
	TriggerScheduled TriggerKind = "SCHEDULED"
	TriggerEvent     TriggerKind = "EVENT"
)

// Workflow execution modes.
type ExecutionMode string

const (
	ModeSync  ExecutionMode = "SYNC"
	ModeAsync ExecutionMode = "ASYNC"
)

// Workflow interface kinds.
type InterfaceKind string

const (
	InterfaceForm   InterfaceKind = "FORM"
	InterfaceChat   InterfaceKind = "CHAT"
	InterfaceAPI    InterfaceKind = "API"
	InterfaceCustom InterfaceKind = "CUSTOM"
)

// JSONMap is a JSON object persisted in a TEXT column.
type JSONMap map[string]interface{}

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(src interface{}) error {
	if src == nil {
		*m = nil
		return nil
	}
	data, err := jsonBytes(src)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(data, m)
}

// JSONValue is an arbitrary JSON tree persisted in a TEXT column.
type JSONValue struct {
	V interface{}
}

func (v JSONValue) Value() (driver.Value, error) {
	if v.V == nil {
		return nil, nil
	}
	return json.Marshal(v.V)
}

func (v *JSONValue) Scan(src interface{}) error {
	if src == nil {
		v.V = nil
		return nil
	}
	data, err := jsonBytes(src)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		v.V = nil
		return nil
	}
	return json.Unmarshal(data, &v.V)
}

// Int64List is a JSON array of ids persisted in a TEXT column
// (step depends_on references).
type Int64List []int64

func (l Int64List) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

func (l *Int64List) Scan(src interface{}) error {
	if src == nil {
		*l = nil
		return nil
	}
	data, err := jsonBytes(src)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(data, l)
}

func jsonBytes(src interface{}) ([]byte, error) {
	switch v := src.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("cannot scan %T as JSON", src)
	}
}

// Agent is an LLM persona: a system prompt, sampling parameters and a set
// of bound tools.
type Agent struct {
	ID           int64
	Name         string
	Description  string
	Provider     string // LLM provider tag from config
	Model        string // optional model override
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	Config       JSONMap // free-form: max_iterations, subagents, ...
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Tool is a capability descriptor with a JSON Schema typed input.
type Tool struct {
	ID          int64
	Name        string
	Kind        ToolKind
	Description string
	InputSchema JSONMap
	Handler     string // registered symbol for in-process tools
	Endpoint    string // JSON-RPC URL for external tools
	Config      JSONMap
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AgentTool binds a tool to an agent with optional per-binding config.
type AgentTool struct {
	ID      int64
	AgentID int64
	ToolID  int64
	Config  JSONMap
}

// Workflow is a named graph of steps.
type Workflow struct {
	ID            int64
	Name          string
	Description   string
	TriggerKind   TriggerKind
	TriggerConfig JSONMap
	ExecutionMode ExecutionMode
	InputSchema   JSONMap
	InterfaceKind InterfaceKind
	Public        bool
	Active        bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// WorkflowStep is one node of a workflow graph.
type WorkflowStep struct {
	ID             int64
	WorkflowID     int64
	StepOrder      int
	Kind           StepKind
	AgentID        *int64 // required when Kind == AGENT_EXECUTION
	Name           string
	InputMapping   JSONMap
	OutputVariable string
	Condition      string
	DependsOn      Int64List // step_order references
	ApprovalConfig JSONMap   // {requiredRole, timeoutMinutes}
	RetryConfig    JSONMap   // {maxRetries, initialDelayMs, multiplier, maxDelayMs}
	TimeoutSeconds int
}

// WorkflowExecution is a single run of a workflow.
type WorkflowExecution struct {
	ID          int64
	WorkflowID  int64
	Status      ExecutionStatus
	TriggerData JSONMap
	ContextData JSONMap
	StartedAt   *time.Time
	CompletedAt *time.Time
	ErrorMsg    string
	CreatedAt   time.Time
}

// AgentExecution is one invocation of an agent, optionally owned by a
// workflow step.
type AgentExecution struct {
	ID              int64
	AgentID         int64
	ExecutionID     *int64 // owning workflow execution
	StepID          *int64 // owning workflow step
	Status          AgentRunStatus
	Input           JSONMap
	Output          JSONMap
	TokensUsed      int
	ExecutionTimeMs int64
	ErrorMsg        string
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// ApprovalRequest is a durable human gate on a workflow step.
type ApprovalRequest struct {
	ID           int64
	ExecutionID  int64
	StepID       int64
	Status       ApprovalStatus
	RequiredRole string
	ResolvedBy   string
	ResolvedAt   *time.Time
	Comments     string
	TimeoutAt    time.Time
	RequestedAt  time.Time
}

// WorkflowSchedule binds a cron expression to a workflow.
type WorkflowSchedule struct {
	ID          int64
	WorkflowID  int64
	CronExpr    string
	Enabled     bool
	LastRunAt   *time.Time
	NextRunAt   time.Time
	TriggerData JSONMap
}
