// Package runner implements the Agent Runner (C4): the state machine that
// drives one agent's participation across Working turns, assembling partial
// tool-call arguments from the Backend Adapter's event stream and invoking
// the Tool Router once a call completes.
//
// Grounded on runtime/agent/runtime's turn-handling split (tool_calls.go,
// workflow_turn.go, workflow_loop.go): argument fragments are buffered per
// ToolCallID into a strings.Builder and only unmarshaled once the adapter
// signals EventToolCallEnd, and cancellation is checked between every
// suspension point (Recv, tool dispatch) rather than only at turn
// boundaries, mirroring await_errors.go's "observable at every suspension
// point" cancellation contract.
//
// The Tool Router (tools.Router) already applies coordination-tool calls
// directly to coordination.State, which serializes them under its own
// mutex — so, unlike the teacher's workflow engine, a Runner does not wait
// for a central queue to perform the mutation before it can continue. What
// it still reports to the Orchestrator's queue is the *notification* that
// something changed, so the Orchestrator can emit the corresponding Event
// Bus event and evaluate restart/consensus; the authoritative label,
// content, and snapshot ID live in CoordinationState itself, not duplicated
// onto this Event.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/massgen-ai/coordination-core/backend"
	"github.com/massgen-ai/coordination-core/tools"
)

// Status is one state in the runner's state machine (§4.4).
type Status string

const (
	StatusIdle            Status = "idle"
	StatusWorking         Status = "working"
	StatusAnswerPublished Status = "answer_published"
	StatusVoted           Status = "voted"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
)

// Terminal reports whether s admits no further transitions without an
// explicit restart signal.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// EventKind discriminates Event.
type EventKind int

const (
	// EventAnswerPublished reports that the agent's new_answer call was
	// accepted by CoordinationState; the Orchestrator reads the resulting
	// label/content/snapshot from State.Snapshot().LatestByAuthor[agent].
	EventAnswerPublished EventKind = iota
	// EventVoteCast reports that the agent's vote call was accepted;
	// the Orchestrator reads State.Snapshot().Votes[agent] for the target.
	EventVoteCast
	// EventNoAction reports that the agent twice stopped without any
	// coordination-tool call (§4.4's tie-break exhaustion).
	EventNoAction
	// EventFailed reports a fatal, non-recoverable turn error.
	EventFailed
)

// Event is what a Runner reports to the Orchestrator's single queue after
// each Working turn.
type Event struct {
	Kind  EventKind
	Agent tools.AgentID
	Err   error // populated only for EventFailed
}

// PromptBuilder produces the next turn's Request for an agent, given the
// coordination-state-derived context the Orchestrator assembles (§6's
// message template). The Runner is deliberately ignorant of prompt
// construction details; the Orchestrator owns BuildPrompt (C6). reprompt is
// true only for the §4.4 tie-break re-prompt.
type PromptBuilder func(ctx context.Context, agent tools.AgentID, reprompt bool) (backend.Request, error)

// Runner drives one agent through repeated Working turns until it reaches a
// terminal status or is told to restart.
//
// Not safe for concurrent use by multiple goroutines other than via the
// context passed to Run: a Runner owns exactly one goroutine, per §5's "no
// locking discipline is imposed on runners" design — all cross-agent
// coordination flows through CoordinationState and the Orchestrator's
// queue, never through a Runner's own fields.
type Runner struct {
	agent   tools.AgentID
	backend backend.Client
	router  *tools.Router
	prompt  PromptBuilder
	events  chan<- Event
	restart <-chan struct{}

	maxConsecutiveFailures int
	consecutiveFailures    int

	status Status
}

// New constructs a Runner. events is the Orchestrator's single queue.
// restart is signaled (non-blocking, one pending signal is enough) whenever
// the Orchestrator wants this runner to abort its in-progress turn and
// rebuild its prompt against the latest CoordinationState snapshot (§4.4
// "Restart"); it may be nil if this Runner never needs restarting.
// maxConsecutiveFailures is §7's
// PermanentBackend threshold (SessionConfig.MaxConsecutiveBackendFailures);
// a value <= 0 defaults to 3.
func New(agent tools.AgentID, client backend.Client, router *tools.Router, prompt PromptBuilder, events chan<- Event, restart <-chan struct{}, maxConsecutiveFailures int) *Runner {
	if maxConsecutiveFailures <= 0 {
		maxConsecutiveFailures = 3
	}
	return &Runner{
		agent:                  agent,
		backend:                client,
		router:                 router,
		prompt:                 prompt,
		events:                 events,
		restart:                restart,
		maxConsecutiveFailures: maxConsecutiveFailures,
		status:                 StatusIdle,
	}
}

// Status reports the runner's current state.
func (r *Runner) Status() Status { return r.status }

// Run drives Working turns until the turn yields a coordination-tool call,
// a fatal error, or the tie-break policy exhausts its one re-prompt. ctx
// cancellation is honored at every suspension point: between Recv calls and
// around each tool dispatch (§5, §4.4's cancellation contract). A restart
// signal aborts only the in-flight turn (its context is canceled) and the
// loop starts a fresh Working turn against the rebuilt prompt, discarding
// any tie-break re-prompt state, per §4.4's restart semantics. Run sends
// exactly one Event to events before returning, except when ctx itself is
// canceled, in which case it returns ctx's error without sending — the
// Orchestrator already knows it canceled this runner.
func (r *Runner) Run(ctx context.Context) error {
	r.status = StatusWorking
	reprompted := false

	for {
		turnCtx, cancel, restarted := r.withRestartWatch(ctx)
		outcome, err := r.runTurn(turnCtx, reprompted)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if turnCtx.Err() != nil && restarted() {
				// The turn was aborted by a restart signal, not a fatal
				// error or an outer cancellation: start over with a fresh
				// prompt build (§4.4's restart semantics), resetting the
				// tie-break state since this is a new Working attempt. Not
				// counted as a backend failure.
				reprompted = false
				continue
			}

			// Transient network errors are already retried inside the
			// Backend Adapter (backend.StartStreamWithRetry); an error that
			// reaches here is a PermanentBackend failure (§7). Only after
			// maxConsecutiveFailures of these in a row does the agent give
			// up, per §7's "marks Failed after N consecutive PermanentBackend
			// errors" rule — a single bad turn starts over with a fresh
			// prompt build instead of ending the session for this agent.
			r.consecutiveFailures++
			if r.consecutiveFailures < r.maxConsecutiveFailures {
				reprompted = false
				continue
			}
			r.status = StatusFailed
			r.events <- Event{Kind: EventFailed, Agent: r.agent, Err: err}
			return nil
		}
		r.consecutiveFailures = 0

		switch outcome {
		case outcomeAnswer:
			r.status = StatusAnswerPublished
			r.events <- Event{Kind: EventAnswerPublished, Agent: r.agent}
			return nil
		case outcomeVote:
			r.status = StatusVoted
			r.events <- Event{Kind: EventVoteCast, Agent: r.agent}
			return nil
		case outcomeNoAction:
			if reprompted {
				r.events <- Event{Kind: EventNoAction, Agent: r.agent}
				return nil
			}
			// Tie-break: re-prompt once with an explicit instruction to
			// either vote or publish (§4.4).
			reprompted = true
			continue
		}
	}
}

type turnOutcome int

const (
	outcomeAnswer turnOutcome = iota
	outcomeVote
	outcomeNoAction
)

// withRestartWatch derives a child context that is canceled either when ctx
// is canceled or when a restart signal arrives on r.restart, whichever
// happens first. The returned restarted func reports, after the turn ends,
// whether a restart signal (rather than ctx itself) caused the
// cancellation — the caller uses this to distinguish "abort and retry" from
// "stop for good".
func (r *Runner) withRestartWatch(ctx context.Context) (context.Context, context.CancelFunc, func() bool) {
	turnCtx, cancel := context.WithCancel(ctx)
	if r.restart == nil {
		return turnCtx, cancel, func() bool { return false }
	}

	var viaRestart bool
	done := make(chan struct{})
	go func() {
		select {
		case <-r.restart:
			viaRestart = true
			cancel()
		case <-done:
		}
	}()

	wrappedCancel := func() {
		close(done)
		cancel()
	}
	return turnCtx, wrappedCancel, func() bool { return viaRestart }
}

// runTurn consumes backend turns until a coordination-tool call resolves or
// the agent stops without one. External-tool results are fed back into the
// conversation as a fresh Stream call, since backend.Streamer models one
// provider round trip, not a full turn with tool-result continuations.
func (r *Runner) runTurn(ctx context.Context, reprompt bool) (turnOutcome, error) {
	req, err := r.prompt(ctx, r.agent, reprompt)
	if err != nil {
		return 0, fmt.Errorf("runner: build prompt: %w", err)
	}

	for {
		outcome, resolved, followUps, err := r.driveStream(ctx, req)
		if err != nil {
			return 0, err
		}
		if resolved {
			return outcome, nil
		}
		if len(followUps) == 0 {
			return outcomeNoAction, nil
		}
		req.Messages = append(req.Messages, backend.Message{Role: backend.RoleUser, Parts: followUps})
	}
}

// driveStream pulls one Streamer to EventTurnEnd, buffering tool-call
// arguments per call ID. It returns (outcome, true, nil, nil) the moment a
// coordination-tool call (new_answer/vote) is accepted; otherwise it returns
// (_, false, followUps, nil) with the ToolResultParts for any external tool
// calls made during the turn, to be fed back as the next Stream call.
func (r *Runner) driveStream(ctx context.Context, req backend.Request) (turnOutcome, bool, []backend.Part, error) {
	streamer, err := r.backend.Stream(ctx, req)
	if err != nil {
		return 0, false, nil, fmt.Errorf("runner: start stream: %w", err)
	}
	defer streamer.Close()

	type pendingCall struct {
		name string
		args strings.Builder
	}
	pending := make(map[string]*pendingCall)
	var followUps []backend.Part

	for {
		if err := ctx.Err(); err != nil {
			return 0, false, nil, err
		}

		ev, err := streamer.Recv()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return 0, false, nil, err
			}
			return 0, false, nil, fmt.Errorf("runner: receive turn event: %w", err)
		}

		switch ev.Kind {
		case backend.EventTextDelta:
			// Presentation wiring (AgentTextDeltaEvent) is the
			// Orchestrator's responsibility, since it owns the Event Bus
			// handle; the Runner only reports coordination-relevant
			// outcomes upward.

		case backend.EventToolCallStart:
			pending[ev.ToolCallID] = &pendingCall{name: ev.ToolCallName}

		case backend.EventToolCallArgDelta:
			if pc, ok := pending[ev.ToolCallID]; ok {
				pc.args.WriteString(ev.ArgDelta)
			}

		case backend.EventToolCallEnd:
			pc, ok := pending[ev.ToolCallID]
			if !ok {
				continue
			}
			name := tools.Ident(pc.name)
			result := r.router.Dispatch(ctx, r.agent, name, ev.ToolCallID, []byte(pc.args.String()))
			delete(pending, ev.ToolCallID)

			if name == tools.NewAnswer || name == tools.Vote {
				if !result.OK {
					// A rejected coordination call (SessionClosed,
					// InvalidCoordinationCall, ...) is reported back to the
					// agent as a tool result so it can retry within the
					// same turn, not surfaced as a runner failure.
					followUps = append(followUps, backend.ToolResultPart{
						CallID: ev.ToolCallID, Content: result.Error.Message, IsError: true,
					})
					continue
				}
				if name == tools.NewAnswer {
					return outcomeAnswer, true, nil, nil
				}
				return outcomeVote, true, nil, nil
			}

			followUps = append(followUps, toolResultPart(ev.ToolCallID, result))

		case backend.EventTurnEnd:
			if ev.StopReason == backend.StopReasonError {
				return 0, false, nil, fmt.Errorf("runner: turn ended in error: %w", ev.Err)
			}
			return 0, false, followUps, nil
		}
	}
}

func toolResultPart(callID string, result tools.Result) backend.Part {
	if result.OK {
		return backend.ToolResultPart{CallID: callID, Content: result.Content}
	}
	return backend.ToolResultPart{CallID: callID, Content: result.Error.Message, IsError: true}
}
