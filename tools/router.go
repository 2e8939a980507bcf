package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Coordinator is the narrow slice of Coordination State (C5) the router
// needs to dispatch the two builtin coordination tools. Implemented by
// coordination.State; declared here (rather than imported from the
// coordination package) to avoid a import cycle, since coordination never
// needs to know about the router.
type Coordinator interface {
	// ApplyNewAnswer publishes an answer authored by agent and returns its
	// label. Returns ErrSessionClosed if consensus has already been
	// reached and the session is frozen.
	ApplyNewAnswer(ctx context.Context, agent AgentID, content, snapshotID string) (label string, err error)
	// ApplyVote casts or replaces voter's vote. Returns
	// ErrInvalidCoordinationCall if targetLabel does not name a current
	// latest answer, or ErrSessionClosed if the session is frozen.
	ApplyVote(ctx context.Context, voter AgentID, targetLabel, reason string) error
}

// Snapshotter is the narrow slice of the Workspace Manager (C3) the router
// needs: new_answer must snapshot the calling agent's workspace before the
// answer is recorded, per §4.3 ("the snapshot they reference is frozen at
// creation").
type Snapshotter interface {
	Snapshot(ctx context.Context, agent AgentID) (snapshotID string, err error)
}

// DeferredCall records a side-effecting external tool call that planning
// mode intercepted instead of invoking, per §4.2 and scenario S3. The
// Orchestrator surfaces these to the winner during final presentation.
type DeferredCall struct {
	Agent   AgentID
	Name    Ident
	Payload json.RawMessage
	CallID  string
}

// ErrSessionClosed is returned when a coordination-tool call arrives after
// consensus has frozen the session (§7's SessionClosed error kind).
var ErrSessionClosed = errors.New("tools: session closed, coordination tool calls are rejected")

// ErrInvalidCoordinationCall is returned for a vote whose target does not
// name a current latest answer (§7's InvalidCoordinationCall error kind).
var ErrInvalidCoordinationCall = errors.New("tools: invalid coordination call")

// Router dispatches tool calls from an agent's turn: the two coordination
// tools always execute locally via Coordinator/Snapshotter; everything else
// is looked up in Registry and, when planning mode is active, checked
// against its EffectClass before being allowed to run.
//
// Grounded on runtime/agent's split between coordination-tool handling
// (inline, in the workflow) and tool-activity dispatch (through a
// registered executor) — the same two-path shape, specialized to this
// spec's closed builtin set.
type Router struct {
	registry     *Registry
	coordinator  Coordinator
	snapshotter  Snapshotter
	planningMode bool

	mu       sync.Mutex
	deferred []DeferredCall
}

// NewRouter constructs a Router. planningMode gates whether side-effecting
// external tools are deferred during coordination (§4.2); it is flipped to
// false by the Orchestrator for the winner's final-presentation turn.
func NewRouter(registry *Registry, coordinator Coordinator, snapshotter Snapshotter, planningMode bool) *Router {
	return &Router{
		registry:     registry,
		coordinator:  coordinator,
		snapshotter:  snapshotter,
		planningMode: planningMode,
	}
}

// SetPlanningMode toggles planning-mode enforcement. The Orchestrator calls
// this with false before replaying the winner's final-presentation turn, so
// deferred tools may now execute for real.
func (r *Router) SetPlanningMode(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.planningMode = enabled
}

// DeferredCalls returns and clears the calls recorded while planning mode
// deferred them, for the orchestrator to surface as hints to the winner.
func (r *Router) DeferredCalls() []DeferredCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.deferred
	r.deferred = nil
	return out
}

// Dispatch routes a single tool call. callID identifies the call for
// correlation with stream/hook events; agent is the calling agent.
func (r *Router) Dispatch(ctx context.Context, agent AgentID, name Ident, callID string, payload json.RawMessage) Result {
	switch name {
	case NewAnswer:
		return r.dispatchNewAnswer(ctx, agent, callID, payload)
	case Vote:
		return r.dispatchVote(ctx, agent, callID, payload)
	default:
		return r.dispatchExternal(ctx, agent, name, callID, payload)
	}
}

type newAnswerArgs struct {
	Content string `json:"content"`
}

func (r *Router) dispatchNewAnswer(ctx context.Context, agent AgentID, callID string, payload json.RawMessage) Result {
	var args newAnswerArgs
	if err := json.Unmarshal(payload, &args); err != nil {
		return errResult(callID, "invalid_arguments", fmt.Sprintf("new_answer: invalid payload: %v", err))
	}
	if args.Content == "" {
		return errResult(callID, "missing_fields", "new_answer: content is required")
	}

	snapshotID, err := r.snapshotter.Snapshot(ctx, agent)
	if err != nil {
		return errResult(callID, "snapshot_failed", fmt.Sprintf("new_answer: snapshot failed: %v", err))
	}

	label, err := r.coordinator.ApplyNewAnswer(ctx, agent, args.Content, snapshotID)
	if err != nil {
		return coordinationErrResult(callID, err)
	}
	return Result{CallID: callID, OK: true, Content: fmt.Sprintf("published %s", label)}
}

type voteArgs struct {
	Target string `json:"target"`
	Reason string `json:"reason"`
}

func (r *Router) dispatchVote(ctx context.Context, agent AgentID, callID string, payload json.RawMessage) Result {
	var args voteArgs
	if err := json.Unmarshal(payload, &args); err != nil {
		return errResult(callID, "invalid_arguments", fmt.Sprintf("vote: invalid payload: %v", err))
	}
	if args.Target == "" {
		return errResult(callID, "missing_fields", "vote: target is required")
	}

	if err := r.coordinator.ApplyVote(ctx, agent, args.Target, args.Reason); err != nil {
		return coordinationErrResult(callID, err)
	}
	return Result{CallID: callID, OK: true, Content: fmt.Sprintf("voted for %s", args.Target)}
}

func (r *Router) dispatchExternal(ctx context.Context, agent AgentID, name Ident, callID string, payload json.RawMessage) Result {
	spec, impl, ok := r.registry.Lookup(name)
	if !ok {
		return errResult(callID, "tool_unavailable", fmt.Sprintf("tool %q is not registered", name))
	}

	if err := r.registry.Validate(name, payload); err != nil {
		return errResult(callID, "invalid_arguments", err.Error())
	}

	r.mu.Lock()
	deferring := r.planningMode && !spec.Effect.ReadOnly()
	if deferring {
		r.deferred = append(r.deferred, DeferredCall{Agent: agent, Name: name, Payload: payload, CallID: callID})
	}
	r.mu.Unlock()

	if deferring {
		return Result{
			CallID:  callID,
			OK:      true,
			Content: fmt.Sprintf("execution of %q deferred to the winner's final-presentation phase", name),
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, toolCallTimeout)
	defer cancel()
	result, err := impl.Execute(callCtx, callID, payload)
	if err != nil {
		return errResult(callID, "tool_error", err.Error())
	}
	result.CallID = callID
	return result
}

func errResult(callID, kind, message string) Result {
	return Result{CallID: callID, OK: false, Error: &ResultError{Kind: kind, Message: message}}
}

func coordinationErrResult(callID string, err error) Result {
	switch {
	case errors.Is(err, ErrSessionClosed):
		return errResult(callID, "session_closed", err.Error())
	case errors.Is(err, ErrInvalidCoordinationCall):
		return errResult(callID, "invalid_coordination_call", err.Error())
	default:
		return errResult(callID, "tool_error", err.Error())
	}
}

// toolCallTimeout bounds a single external tool invocation; callers that
// need a shorter bound should wrap the context they pass to Dispatch (a
// longer one cannot be set this way).
const toolCallTimeout = 60 * time.Second
