package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrAgentNotFound is reported when the agent key is not registered.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrUnsupportedAction is reported when the action is outside the agent's capability set.
	ErrUnsupportedAction = errors.New("unsupported action")
	// ErrUnknownAction is reported by an agent that has no handler for an action.
	ErrUnknownAction = errors.New("unknown action")
	// ErrDuplicateAgent is returned when registering a name twice.
	ErrDuplicateAgent = errors.New("agent already registered")
	// ErrCapabilityMismatch is returned when declared capabilities and handlers differ.
	ErrCapabilityMismatch = errors.New("capability set does not match handlers")
	// ErrInvalidParams is returned by handlers for missing or malformed parameters.
	ErrInvalidParams = errors.New("invalid params")
)

// HandlerError is an agent-internal failure such as an upstream non-2xx response.
type HandlerError struct {
	Upstream   string
	StatusCode int
	Body       string
	Err        error
}

func (e *HandlerError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s returned status %d: %s", e.Upstream, e.StatusCode, e.Body)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s request failed: %v", e.Upstream, e.Err)
	}
	return e.Upstream + " request failed"
}

func (e *HandlerError) Unwrap() error { return e.Err }
