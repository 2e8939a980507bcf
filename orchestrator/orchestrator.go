package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/massgen-ai/coordination-core/backend"
	"github.com/massgen-ai/coordination-core/coordination"
	"github.com/massgen-ai/coordination-core/hooks"
	"github.com/massgen-ai/coordination-core/runner"
	"github.com/massgen-ai/coordination-core/telemetry"
	"github.com/massgen-ai/coordination-core/tools"
	"github.com/massgen-ai/coordination-core/workspace"
)

// ErrSessionTimeout is the context.Cause value used when the session's
// overall wall-clock deadline (§5's "timeout at (c)") fires, distinguishing
// it from an operator-initiated Cancelled shutdown.
var ErrSessionTimeout = errors.New("orchestrator: session timeout exceeded")

// ErrNoSurvivors is returned when every agent reaches Failed and no
// fallback winner can be declared.
var ErrNoSurvivors = errors.New("orchestrator: every agent failed, no winner available")

// Outcome is RunSession's result: the winning answer as finally presented.
type Outcome struct {
	WinnerAgent  tools.AgentID
	WinnerLabel  string
	FinalLabel   string
	FinalContent string
	// ForcedWithoutVote is true when the winner was declared via the §4.6
	// step 5 degenerate-survivor fallback rather than genuine consensus.
	ForcedWithoutVote bool
}

// agentHandle bundles one agent's Runner with the bookkeeping the event
// loop needs to decide on restarts: the generation its current Working turn
// (or idle wait) began at, and the channel used to signal it.
type agentHandle struct {
	desc     AgentDescriptor
	r        *runner.Runner
	restart  chan struct{}
	startGen coordination.Generation
}

// Orchestrator drives one coordination session end to end: spawning Agent
// Runners, applying their events to Coordination State, issuing restart
// signals, detecting consensus, and running the winner's final
// presentation turn.
//
// Grounded on runtime/agent/engine/inmem.eng's single-process scheduling
// model: one goroutine per agent, a locked map of per-run state owned by a
// single event-loop goroutine, no shared mutable state outside it.
type Orchestrator struct {
	cfg       SessionConfig
	state     *coordination.State
	workspace *workspace.Manager
	router    *tools.Router
	bus       hooks.Bus
	backends  map[string]backend.Client
	logger    telemetry.Logger
	task      string

	mu      sync.Mutex
	handles map[string]*agentHandle

	// lastAnswerLabel and lastVoteKey remember what was last published to
	// the Event Bus per agent, so afterMutation emits AnswerPublishedEvent
	// and VoteCastEvent only for genuinely new facts instead of replaying
	// the whole snapshot on every mutation. Touched only from the single
	// event-loop goroutine, so no lock is needed.
	lastAnswerLabel map[tools.AgentID]string
	lastVoteKey     map[tools.AgentID]string
}

// New constructs an Orchestrator. backends maps each AgentDescriptor's
// BackendRef to the Backend Adapter client that serves it.
func New(cfg SessionConfig, state *coordination.State, ws *workspace.Manager, router *tools.Router, bus hooks.Bus, backends map[string]backend.Client, logger telemetry.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		state:     state,
		workspace: ws,
		router:    router,
		bus:       bus,
		backends:  backends,
		logger:    logger,
		handles:   make(map[string]*agentHandle),

		lastAnswerLabel: make(map[tools.AgentID]string),
		lastVoteKey:     make(map[tools.AgentID]string),
	}
}

// RunSession drives the full session lifecycle for task, the user-supplied
// problem statement every agent's initial prompt includes.
func (o *Orchestrator) RunSession(ctx context.Context, task string) (Outcome, error) {
	o.task = task

	root, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	timer := time.AfterFunc(o.cfg.SessionTimeout, func() { cancel(ErrSessionTimeout) })
	defer timer.Stop()

	events := make(chan runner.Event, len(o.cfg.Agents)*4)
	var wg sync.WaitGroup

	if err := o.spawn(root, task, events, &wg); err != nil {
		return Outcome{}, err
	}

	outcome, runErr := o.eventLoop(root, cancel, events)

	// Every spawned agent goroutine exits once its context is canceled or it
	// reaches a terminal status; RunSession does not return to its caller
	// until they have all unwound, so no agent goroutine outlives the
	// session that owns it.
	wg.Wait()

	if runErr != nil {
		return Outcome{}, runErr
	}
	return outcome, nil
}

func (o *Orchestrator) spawn(root context.Context, task string, events chan runner.Event, wg *sync.WaitGroup) error {
	for _, desc := range o.cfg.Agents {
		agent := tools.AgentID(desc.AgentID)
		o.state.RegisterAgent(agent)

		if _, err := o.workspace.Prepare(desc.AgentID); err != nil {
			return fmt.Errorf("orchestrator: prepare workspace for %s: %w", desc.AgentID, err)
		}

		client, ok := o.backends[desc.BackendRef]
		if !ok {
			return fmt.Errorf("orchestrator: no backend registered for ref %q (agent %s)", desc.BackendRef, desc.AgentID)
		}

		h := &agentHandle{desc: desc, restart: make(chan struct{}, 1)}
		builder := o.promptBuilderFor(desc, task)
		h.r = runner.New(agent, client, o.router, builder, events, h.restart, o.cfg.MaxConsecutiveBackendFailures)

		o.mu.Lock()
		o.handles[desc.AgentID] = h
		o.mu.Unlock()

		o.publish(root, hooks.NewAgentStartedEvent(agent, 1))

		wg.Add(1)
		go func(h *agentHandle) {
			defer wg.Done()
			o.driveAgent(root, h)
		}(h)
	}
	return nil
}

func (o *Orchestrator) promptBuilderFor(desc AgentDescriptor, task string) runner.PromptBuilder {
	return func(_ context.Context, _ tools.AgentID, reprompt bool) (backend.Request, error) {
		view := o.state.Snapshot()
		return BuildPrompt(o.cfg, desc, task, view, reprompt, false, nil), nil
	}
}

// driveAgent repeatedly runs one agent's Working turns: after a turn
// settles into AnswerPublished or Voted, the agent idles until either a
// restart signal arrives (it starts a fresh Working turn, per §4.4) or its
// context is canceled (the session is ending for it).
func (o *Orchestrator) driveAgent(root context.Context, h *agentHandle) {
	for {
		if root.Err() != nil {
			return
		}
		if err := h.r.Run(root); err != nil {
			return // root canceled mid-turn; the event loop already knows why.
		}

		switch h.r.Status() {
		case runner.StatusCompleted, runner.StatusFailed:
			return
		default:
			select {
			case <-h.restart:
				continue
			case <-root.Done():
				return
			}
		}
	}
}

func (o *Orchestrator) publish(ctx context.Context, ev hooks.Event) {
	if err := o.bus.Publish(ctx, ev); err != nil {
		o.logger.Error(ctx, "orchestrator: critical subscriber rejected event", "error", err, "event_type", ev.Type())
	}
}

// eventLoop is the single queue consumer (§4.6 step 2): the only goroutine
// that decides restarts, forces votes and applies status changes. The
// new_answer and vote calls themselves are applied to Coordination State
// by the Tool Router, inside each runner's goroutine.
func (o *Orchestrator) eventLoop(root context.Context, cancel context.CancelCauseFunc, events chan runner.Event) (Outcome, error) {
	for {
		select {
		case <-root.Done():
			return o.handleTimeoutOrCancel(root)
		case ev := <-events:
			outcome, done, err := o.applyRunnerEvent(root, cancel, ev)
			if err != nil {
				return Outcome{}, err
			}
			if done {
				return outcome, nil
			}
		}
	}
}

func (o *Orchestrator) handleTimeoutOrCancel(root context.Context) (Outcome, error) {
	cause := context.Cause(root)
	if errors.Is(cause, ErrSessionTimeout) {
		o.logger.Warn(root, "orchestrator: session timeout, forcing fallback winner")
		return o.fallbackWinner(context.Background())
	}
	return Outcome{}, cause
}

// applyRunnerEvent applies one RunnerEvent to Coordination State, emits the
// matching Event Bus event, issues restart signals, and checks consensus.
// done reports whether the session has concluded (consensus reached and
// final presentation completed, or the degenerate-survivor path taken).
func (o *Orchestrator) applyRunnerEvent(root context.Context, cancel context.CancelCauseFunc, ev runner.Event) (Outcome, bool, error) {
	switch ev.Kind {
	case runner.EventAnswerPublished, runner.EventVoteCast:
		o.afterMutation(root)
		if o.consensusReached() {
			return o.concludeByConsensus(root, cancel)
		}
		return Outcome{}, false, nil

	case runner.EventNoAction:
		o.forceVote(root, ev.Agent)
		o.afterMutation(root)
		if o.consensusReached() {
			return o.concludeByConsensus(root, cancel)
		}
		return Outcome{}, false, nil

	case runner.EventFailed:
		o.logger.Warn(root, "orchestrator: agent failed", "agent", ev.Agent, "error", ev.Err)
		if err := o.state.ApplyStatus(ev.Agent, coordination.StatusFailed); err != nil {
			o.logger.Error(root, "orchestrator: apply failed status", "agent", ev.Agent, "error", err)
		}
		o.publish(root, hooks.NewAgentStatusChangedEvent(ev.Agent, uint64(o.state.Snapshot().Generation), string(coordination.StatusFailed)))

		survivors := o.nonFailedAgents()
		if len(survivors) >= 2 {
			return Outcome{}, false, nil
		}
		outcome, err := o.degenerateSurvivorOutcome(root, survivors)
		if err != nil {
			return Outcome{}, false, err
		}
		cancel(nil)
		return outcome, true, nil

	default:
		return Outcome{}, false, fmt.Errorf("orchestrator: unknown runner event kind %v", ev.Kind)
	}
}

// afterMutation emits the Event Bus event matching the state's latest
// mutation and issues restart signals for every runner left behind by the
// new generation, per §4.6 step 2.
func (o *Orchestrator) afterMutation(root context.Context) {
	view := o.state.Snapshot()

	// The specific (label, author, content) of the mutation just applied is
	// not separately threaded through runner.Event (the Router already
	// applied it); instead the fresh snapshot is diffed against what was
	// last published so the Event Bus reflects only genuinely new facts,
	// never a stale copy carried on the event and never a replay of
	// everything that hasn't changed since the prior mutation.
	for agent, answer := range view.LatestByAuthor {
		if o.lastAnswerLabel[agent] == answer.Label {
			continue
		}
		o.lastAnswerLabel[agent] = answer.Label
		o.publish(root, hooks.NewAnswerPublishedEvent(agent, uint64(view.Generation), answer.Label, answer.SnapshotID, answer.Content))

		// §4.3: every other agent's shared_view/<agent>/ must track this
		// agent's newly published snapshot, not just the one taken at
		// Prepare time.
		for other := range o.handles {
			if tools.AgentID(other) == agent {
				continue
			}
			if err := o.workspace.RefreshSharedView(other); err != nil {
				o.logger.Error(root, "orchestrator: refresh shared view", "agent", other, "error", err)
			}
		}
	}
	for voter, vote := range view.Votes {
		key := vote.TargetLabel + "\x00" + vote.Reason
		if o.lastVoteKey[voter] == key {
			continue
		}
		o.lastVoteKey[voter] = key
		o.publish(root, hooks.NewVoteCastEvent(voter, uint64(view.Generation), vote.TargetLabel, vote.Reason))
	}

	o.issueRestarts(view)
}

// issueRestarts signals every runner that must abandon its in-flight
// context and rebuild its prompt: any agent whose turn began at a strictly
// lower generation, except one whose status is Voted with a vote that is
// still valid (§4.6 step 2's carve-out — a valid current vote is not
// restarted for mere status changes, only when it goes stale).
func (o *Orchestrator) issueRestarts(view coordination.ImmutableView) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for agentID, h := range o.handles {
		agent := tools.AgentID(agentID)
		status := view.Status[agent]
		if status == coordination.StatusCompleted || status == coordination.StatusFailed {
			continue
		}

		if status == coordination.StatusVoted {
			if _, stillValid := view.Votes[agent]; stillValid {
				// Valid current vote: not restarted for mere status changes,
				// unless the operator opted into reconsidering every new
				// answer even when the existing vote is still technically
				// valid (the open question resolved by
				// RestartOnVoteTargetUpdate; default false).
				if !o.cfg.RestartOnVoteTargetUpdate || h.startGen >= view.Generation {
					continue
				}
			}
			h.startGen = view.Generation
			select {
			case h.restart <- struct{}{}:
			default:
			}
			continue
		}

		if h.startGen < view.Generation {
			h.startGen = view.Generation
			select {
			case h.restart <- struct{}{}:
			default:
			}
		}
	}
}

// consensusReached evaluates the consensus predicate against the latest
// snapshot (§4.5).
func (o *Orchestrator) consensusReached() bool {
	return coordination.Consensus(o.state.Snapshot())
}

// concludeByConsensus freezes the session, marks non-winners Completed,
// cancels their runner contexts, and drives the winner's final-presentation
// turn.
func (o *Orchestrator) concludeByConsensus(root context.Context, cancel context.CancelCauseFunc) (Outcome, bool, error) {
	view := o.state.Snapshot()
	winner, ok := coordination.Winner(view)
	if !ok {
		return Outcome{}, false, fmt.Errorf("orchestrator: consensus reached but no answers to select from")
	}

	o.state.Freeze()
	o.publish(root, hooks.NewConsensusReachedEvent(uint64(view.Generation), winner.Label, winner.Author))

	for agentID := range o.handles {
		agent := tools.AgentID(agentID)
		if agent == winner.Author {
			continue
		}
		st := view.Status[agent]
		if st == coordination.StatusCompleted || st == coordination.StatusFailed {
			continue
		}
		if err := o.state.ApplyStatus(agent, coordination.StatusCompleted); err != nil {
			o.logger.Error(root, "orchestrator: mark non-winner completed", "agent", agent, "error", err)
		}
	}

	outcome, err := o.runFinalPresentation(root, winner, false)
	cancel(nil)
	if err != nil {
		return Outcome{}, false, err
	}
	return outcome, true, nil
}

// forceVote applies §4.4's tie-break-exhaustion fallback policy on behalf
// of agent: vote for the highest-tallied current answer, or the earliest
// published answer if no votes exist yet.
func (o *Orchestrator) forceVote(root context.Context, agent tools.AgentID) {
	view := o.state.Snapshot()
	target := fallbackVoteTarget(view)
	if target == "" {
		o.logger.Warn(root, "orchestrator: no action and no answers to force a vote for", "agent", agent)
		return
	}
	if err := o.state.ApplyVote(root, agent, target, "forced: exhausted tie-break re-prompt"); err != nil {
		o.logger.Error(root, "orchestrator: force vote failed", "agent", agent, "target", target, "error", err)
	}
}

func fallbackVoteTarget(view coordination.ImmutableView) string {
	tally := voteTally(view)
	if len(tally) > 0 {
		return tally[0].label
	}
	var earliest *coordination.Answer
	for _, a := range view.LatestByAuthor {
		a := a
		if earliest == nil || a.CreatedAt.Before(earliest.CreatedAt) {
			earliest = &a
		}
	}
	if earliest == nil {
		return ""
	}
	return earliest.Label
}

func (o *Orchestrator) nonFailedAgents() []tools.AgentID {
	view := o.state.Snapshot()
	var out []tools.AgentID
	for agent, st := range view.Status {
		if st != coordination.StatusFailed {
			out = append(out, agent)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// degenerateSurvivorOutcome implements §4.6 step 5: when fewer than two
// agents remain non-failed, the sole survivor's latest answer is declared
// winner without a vote; if no survivor remains, the session cannot
// conclude.
func (o *Orchestrator) degenerateSurvivorOutcome(root context.Context, survivors []tools.AgentID) (Outcome, error) {
	if len(survivors) == 0 {
		return Outcome{}, ErrNoSurvivors
	}
	sole := survivors[0]
	view := o.state.Snapshot()
	answer, ok := view.LatestByAuthor[sole]
	if !ok {
		return Outcome{}, fmt.Errorf("orchestrator: degenerate survivor %s has no published answer", sole)
	}

	o.state.Freeze()
	o.publish(root, hooks.NewConsensusReachedEvent(uint64(view.Generation), answer.Label, answer.Author))
	return o.runFinalPresentation(root, answer, true)
}

// fallbackWinner implements the §5 "timeout at (c) forces the fallback
// winner path" contract: the overall session deadline elapsed, so a winner
// is selected from whatever CoordinationState holds right now, without
// waiting for genuine consensus.
func (o *Orchestrator) fallbackWinner(ctx context.Context) (Outcome, error) {
	view := o.state.Snapshot()
	winner, ok := coordination.Winner(view)
	if !ok {
		return Outcome{}, fmt.Errorf("orchestrator: session timed out with no answers published")
	}
	o.state.Freeze()
	o.publish(ctx, hooks.NewConsensusReachedEvent(uint64(view.Generation), winner.Label, winner.Author))
	return o.runFinalPresentation(ctx, winner, false)
}
