package coordination

import (
	"errors"
	"fmt"

	"github.com/massgen-ai/coordination-core/tools"
)

// StateError represents a structured Coordination State failure that
// preserves message and causal context while still implementing the
// standard error interface, supporting errors.Is/As through Unwrap.
//
// Grounded on runtime/agent/toolerrors.ToolError, generalized from tool
// failures to state-mutation failures: both need a chain that survives
// across the single-writer apply boundary without losing diagnostic detail.
type StateError struct {
	Message string
	Cause   *StateError
}

func newStateError(message string) *StateError {
	return &StateError{Message: message}
}

func stateErrorf(format string, args ...any) *StateError {
	return newStateError(fmt.Sprintf(format, args...))
}

// Error implements the error interface.
func (e *StateError) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying state error to support errors.Is/As.
func (e *StateError) Unwrap() error {
	if e == nil || e.Cause == nil {
		return nil
	}
	return e.Cause
}

// InvariantViolation marks a StateError that, if it ever surfaced, would
// indicate a bug in the single-writer apply path rather than a caller
// mistake — e.g. a generation that failed to strictly increase. It is kept
// distinct from ordinary StateError so callers can choose to treat it as
// fatal to the session rather than as a recoverable tool-call failure.
type InvariantViolation struct {
	*StateError
}

func invariantViolation(format string, args ...any) *InvariantViolation {
	return &InvariantViolation{StateError: stateErrorf(format, args...)}
}

// ErrSessionClosed is returned once the session is closed (by Freeze, or
// when every agent is Completed or Failed): ApplyNewAnswer and ApplyVote
// reject every call, and ApplyStatus rejects any status other than
// Completed or Failed.
// It wraps tools.ErrSessionClosed so the Tool Router, which only ever sees
// these errors through the tools.Coordinator interface, can classify the
// rejection with a plain errors.Is against its own sentinel rather than
// reaching into this package.
var ErrSessionClosed = fmt.Errorf("coordination: session is closed: %w", tools.ErrSessionClosed)

// ErrUnknownAgent is returned when an operation names an agent_id the state
// has never seen register a status.
var ErrUnknownAgent = errors.New("coordination: unknown agent")

// ErrInvalidVoteTarget is returned when a vote's target_label does not name
// any entry currently in latest_by_author. Wraps tools.ErrInvalidCoordinationCall
// for the same reason ErrSessionClosed wraps tools.ErrSessionClosed, above.
var ErrInvalidVoteTarget = fmt.Errorf("coordination: target label is not a current latest answer: %w", tools.ErrInvalidCoordinationCall)
