package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/massgen-ai/coordination-core/backend"
	"github.com/massgen-ai/coordination-core/coordination"
	"github.com/massgen-ai/coordination-core/hooks"
	"github.com/massgen-ai/coordination-core/tools"
)

// runFinalPresentation drives the winner's final-presentation turn (§4.6
// step 4): planning mode is lifted, the deferred side-effecting tool calls
// recorded during coordination are replayed as prompt hints, and the
// winner's output is streamed to the Event Bus as FinalAnswerDeltaEvents and
// persisted under Label+FinalSuffix.
//
// This intentionally duplicates a slice of runner.Runner.driveStream's
// buffering logic rather than reusing it unexported: a final-presentation
// turn has no coordination-tool exit condition to resolve (the session is
// already frozen) and streams presentation deltas the Event Bus must see,
// neither of which fits runner.Runner's ordinary Working-turn contract.
func (o *Orchestrator) runFinalPresentation(ctx context.Context, winner coordination.Answer, forcedWithoutVote bool) (Outcome, error) {
	h, ok := o.handles[string(winner.Author)]
	if !ok {
		return Outcome{}, fmt.Errorf("orchestrator: no runner handle for winner %s", winner.Author)
	}
	client, ok := o.backends[h.desc.BackendRef]
	if !ok {
		return Outcome{}, fmt.Errorf("orchestrator: no backend registered for ref %q", h.desc.BackendRef)
	}

	o.router.SetPlanningMode(false)
	hints := o.router.DeferredCalls()

	view := o.state.Snapshot()
	req := BuildPrompt(o.cfg, h.desc, o.task, view, false, true, hints)

	content, err := o.streamFinalAnswer(ctx, client, winner.Author, req)
	if err != nil {
		return Outcome{}, fmt.Errorf("orchestrator: final presentation: %w", err)
	}

	if err := o.state.ApplyStatus(winner.Author, coordination.StatusCompleted); err != nil && !errors.Is(err, coordination.ErrSessionClosed) {
		o.logger.Error(ctx, "orchestrator: mark winner completed", "agent", winner.Author, "error", err)
	}

	finalLabel := winner.Label + coordination.FinalSuffix
	if err := o.workspace.PublishFinal(string(winner.Author), finalLabel); err != nil {
		o.logger.Error(ctx, "orchestrator: publish final workspace snapshot", "agent", winner.Author, "error", err)
	}
	o.publish(ctx, hooks.NewSessionEndedEvent(uint64(o.state.Snapshot().Generation), finalLabel))

	return Outcome{
		WinnerAgent:       winner.Author,
		WinnerLabel:       winner.Label,
		FinalLabel:        finalLabel,
		FinalContent:      content,
		ForcedWithoutVote: forcedWithoutVote,
	}, nil
}

// streamFinalAnswer drains one backend turn for the winner's final
// presentation, publishing each text delta and dispatching any tool call to
// completion (now that planning mode no longer defers side effects).
func (o *Orchestrator) streamFinalAnswer(ctx context.Context, client backend.Client, agent tools.AgentID, req backend.Request) (string, error) {
	streamer, err := client.Stream(ctx, req)
	if err != nil {
		return "", fmt.Errorf("start stream: %w", err)
	}
	defer streamer.Close()

	type pendingCall struct {
		name string
		args strings.Builder
	}
	pending := make(map[string]*pendingCall)
	var content strings.Builder

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		ev, err := streamer.Recv()
		if err != nil {
			return "", fmt.Errorf("receive turn event: %w", err)
		}

		switch ev.Kind {
		case backend.EventTextDelta:
			content.WriteString(ev.Text)
			o.publish(ctx, hooks.NewFinalAnswerDeltaEvent(agent, ev.Text))

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
			result := o.router.Dispatch(ctx, agent, name, ev.ToolCallID, []byte(pc.args.String()))
			delete(pending, ev.ToolCallID)
			o.publish(ctx, hooks.NewToolCallObservedEvent(agent, name, ev.ToolCallID, []byte(pc.args.String()), result.OK, false))

		case backend.EventTurnEnd:
			if ev.StopReason == backend.StopReasonError {
				return "", fmt.Errorf("final turn ended in error: %w", ev.Err)
			}
			return content.String(), nil
		}
	}
}
