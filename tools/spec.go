package tools

import (
	"context"
	"encoding/json"
)

// EffectClass classifies the side-effect behavior of an external tool, per
// §6 of the spec ("a declared side-effect classification"). The Tool Router
// uses this classification to decide whether a call must be deferred while
// planning mode is active.
type EffectClass string

const (
	// EffectPure tools have no observable side effects (pure functions of
	// their input) and always execute, in any mode.
	EffectPure EffectClass = "pure"

	// EffectIdempotent tools may touch external state but calling them
	// repeatedly with the same input produces no additional effect. They
	// remain executable during coordination.
	EffectIdempotent EffectClass = "idempotent"

	// EffectSideEffecting tools mutate external state in a way that is not
	// safe to repeat. When planning mode is enabled, the router defers
	// these calls instead of invoking them.
	EffectSideEffecting EffectClass = "side_effecting"
)

// ReadOnly reports whether calls with this classification may execute
// during the coordination phase even when planning mode is enabled.
func (c EffectClass) ReadOnly() bool {
	return c == EffectPure || c == EffectIdempotent
}

// Spec describes an external tool's metadata: the schema used to validate
// incoming arguments, a human-readable description for planners, and the
// side-effect classification the router enforces planning-mode policy with.
//
// Grounded on the teacher's runtime/agent/tools.ToolSpec, generalized here
// since this module has no code-generation step producing per-tool typed
// Go structs: payloads stay json.RawMessage end to end, validated at
// dispatch time against Schema.
type Spec struct {
	// Name is the tool identifier as presented to planners and agents.
	Name Ident
	// Description is shown to the backend as part of the available-tools
	// descriptor set (§4.1).
	Description string
	// Schema is the JSON Schema (as raw JSON) describing the argument
	// payload. May be nil, in which case arguments are not validated
	// beyond being well-formed JSON.
	Schema json.RawMessage
	// Effect classifies the tool's side-effect behavior for planning-mode
	// policy enforcement.
	Effect EffectClass
}

// Result is the outcome of invoking an external tool, matching §4.2's
// "ToolResult{call_id, ok, content, error?}" wire shape.
type Result struct {
	CallID  string
	OK      bool
	Content string
	Error   *ResultError
}

// ResultError carries a structured error classification returned to the
// calling agent as a tool result rather than as a turn-terminating failure
// (per §7: ToolError never terminates a runner).
type ResultError struct {
	Kind    string
	Message string
}

// ExternalTool is the narrow execution interface every registered external
// tool implements. Grounded on runtime/agent/runtime.ToolCallExecutor: a
// single Execute method rather than a bag of closures, so registrations are
// swappable and testable in isolation.
type ExternalTool interface {
	// Execute invokes the tool with the given JSON argument payload and
	// returns its result. Implementations should return a non-nil error
	// only for failures that are not meaningful to report to the calling
	// agent (e.g. the executor itself is misconfigured); ordinary tool
	// failures should be encoded in Result.Error instead.
	Execute(ctx context.Context, callID string, args json.RawMessage) (Result, error)
}

// ExternalToolFunc adapts a function to the ExternalTool interface.
type ExternalToolFunc func(ctx context.Context, callID string, args json.RawMessage) (Result, error)

// Execute calls f(ctx, callID, args).
func (f ExternalToolFunc) Execute(ctx context.Context, callID string, args json.RawMessage) (Result, error) {
	return f(ctx, callID, args)
}
