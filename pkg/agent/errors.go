package agent

import (
	"errors"
	"fmt"
)

// ErrAgentInactive reports an invocation of a deactivated agent.
var ErrAgentInactive = errors.New("agent is inactive")

// ErrProviderUnknown reports an agent bound to an unconfigured provider tag.
var ErrProviderUnknown = errors.New("unknown llm provider")

// IterationLimitError reports a reasoning loop that hit its iteration cap
// without the model ending its turn.
type IterationLimitError struct {
	AgentID int64
	Max     int
}

func (e *IterationLimitError) Error() string {
	return fmt.Sprintf("agent %d exceeded iteration limit of %d", e.AgentID, e.Max)
}
