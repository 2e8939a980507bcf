package runner

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/massgen-ai/coordination-core/backend"
	"github.com/massgen-ai/coordination-core/tools"
)

// scriptedStreamer replays a fixed sequence of backend.Events, then io.EOF.
type scriptedStreamer struct {
	events []backend.Event
	pos    int
}

func (s *scriptedStreamer) Recv() (backend.Event, error) {
	if s.pos >= len(s.events) {
		return backend.Event{}, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

func (s *scriptedStreamer) Close() error            { return nil }
func (s *scriptedStreamer) Metadata() map[string]any { return nil }

// scriptedClient returns one scriptedStreamer per Stream call, in order, so a
// test can script an entire multi-turn conversation (e.g. a no-action turn
// followed by the tie-break re-prompt's answer).
type scriptedClient struct {
	turns []*scriptedStreamer
	pos   int
}

func (c *scriptedClient) Stream(_ context.Context, _ backend.Request) (backend.Streamer, error) {
	if c.pos >= len(c.turns) {
		return nil, io.EOF
	}
	s := c.turns[c.pos]
	c.pos++
	return s, nil
}

// fakeCoordinator is a narrow, directly-scripted stand-in for
// coordination.State, so each test controls the label and error returned.
type fakeCoordinator struct {
	label   string
	nextErr error
}

func (f *fakeCoordinator) ApplyNewAnswer(_ context.Context, _ tools.AgentID, _, _ string) (string, error) {
	if f.nextErr != nil {
		return "", f.nextErr
	}
	return f.label, nil
}

func (f *fakeCoordinator) ApplyVote(_ context.Context, _ tools.AgentID, _, _ string) error {
	return f.nextErr
}

type fakeSnapshotter struct{}

func (fakeSnapshotter) Snapshot(_ context.Context, _ tools.AgentID) (string, error) {
	return "snap-1", nil
}

func newAnswerTurn(content string) *scriptedStreamer {
	payload, _ := json.Marshal(map[string]string{"content": content})
	return &scriptedStreamer{events: []backend.Event{
		{Kind: backend.EventToolCallStart, ToolCallID: "call-1", ToolCallName: "new_answer"},
		{Kind: backend.EventToolCallArgDelta, ToolCallID: "call-1", ArgDelta: string(payload)},
		{Kind: backend.EventToolCallEnd, ToolCallID: "call-1"},
	}}
}

func voteTurn(target string) *scriptedStreamer {
	payload, _ := json.Marshal(map[string]string{"target": target, "reason": "looks right"})
	return &scriptedStreamer{events: []backend.Event{
		{Kind: backend.EventToolCallStart, ToolCallID: "call-2", ToolCallName: "vote"},
		{Kind: backend.EventToolCallArgDelta, ToolCallID: "call-2", ArgDelta: string(payload)},
		{Kind: backend.EventToolCallEnd, ToolCallID: "call-2"},
	}}
}

func noActionTurn() *scriptedStreamer {
	return &scriptedStreamer{events: []backend.Event{
		{Kind: backend.EventTextDelta, Text: "thinking out loud"},
		{Kind: backend.EventTurnEnd, StopReason: backend.StopReasonStop},
	}}
}

func promptBuilder() PromptBuilder {
	return func(_ context.Context, _ tools.AgentID, _ bool) (backend.Request, error) {
		return backend.Request{SystemPrompt: "coordinate"}, nil
	}
}

func TestRunPublishesAnswerAndReportsEvent(t *testing.T) {
	coord := &fakeCoordinator{label: "agent1.1"}
	router := tools.NewRouter(tools.NewRegistry(), coord, fakeSnapshotter{}, false)
	client := &scriptedClient{turns: []*scriptedStreamer{newAnswerTurn("my answer")}}
	events := make(chan Event, 4)

	r := New("agent1", client, router, promptBuilder(), events, nil, 1)
	require.NoError(t, r.Run(context.Background()))

	require.Equal(t, StatusAnswerPublished, r.Status())
	select {
	case ev := <-events:
		require.Equal(t, EventAnswerPublished, ev.Kind)
		require.Equal(t, tools.AgentID("agent1"), ev.Agent)
	default:
		t.Fatal("expected one event to be reported")
	}
}

func TestRunCastsVoteAndReportsEvent(t *testing.T) {
	coord := &fakeCoordinator{}
	router := tools.NewRouter(tools.NewRegistry(), coord, fakeSnapshotter{}, false)
	client := &scriptedClient{turns: []*scriptedStreamer{voteTurn("agent2.1")}}
	events := make(chan Event, 4)

	r := New("agent1", client, router, promptBuilder(), events, nil, 1)
	require.NoError(t, r.Run(context.Background()))

	require.Equal(t, StatusVoted, r.Status())
	ev := <-events
	require.Equal(t, EventVoteCast, ev.Kind)
}

func TestRunRepromptsOnceThenReportsNoAction(t *testing.T) {
	coord := &fakeCoordinator{}
	router := tools.NewRouter(tools.NewRegistry(), coord, fakeSnapshotter{}, false)
	client := &scriptedClient{turns: []*scriptedStreamer{noActionTurn(), noActionTurn()}}
	events := make(chan Event, 4)

	r := New("agent1", client, router, promptBuilder(), events, nil, 1)
	require.NoError(t, r.Run(context.Background()))

	ev := <-events
	require.Equal(t, EventNoAction, ev.Kind, "two consecutive no-action turns must exhaust the tie-break re-prompt")
}

func errorTurn() *scriptedStreamer {
	return &scriptedStreamer{events: []backend.Event{
		{Kind: backend.EventTurnEnd, StopReason: backend.StopReasonError, Err: io.ErrUnexpectedEOF},
	}}
}

// TestRunTurnErrorBelowThresholdRetriesInstead verifies that a single
// PermanentBackend-style turn error does not fail the agent outright: per
// §7, only maxConsecutiveFailures in a row does that. One failure followed
// by a successful turn must report the successful outcome.
func TestRunTurnErrorBelowThresholdRetriesInstead(t *testing.T) {
	coord := &fakeCoordinator{label: "agent1.1"}
	router := tools.NewRouter(tools.NewRegistry(), coord, fakeSnapshotter{}, false)
	client := &scriptedClient{turns: []*scriptedStreamer{errorTurn(), newAnswerTurn("recovered")}}
	events := make(chan Event, 4)

	r := New("agent1", client, router, promptBuilder(), events, nil, 3)
	require.NoError(t, r.Run(context.Background()))

	require.Equal(t, StatusAnswerPublished, r.Status())
	ev := <-events
	require.Equal(t, EventAnswerPublished, ev.Kind)
}

// TestRunReportsFailedAfterConsecutiveTurnErrors matches spec scenario S5:
// only the Nth consecutive PermanentBackend-style error (N =
// maxConsecutiveFailures) marks the agent Failed.
func TestRunReportsFailedAfterConsecutiveTurnErrors(t *testing.T) {
	coord := &fakeCoordinator{}
	router := tools.NewRouter(tools.NewRegistry(), coord, fakeSnapshotter{}, false)
	client := &scriptedClient{turns: []*scriptedStreamer{errorTurn(), errorTurn(), errorTurn()}}
	events := make(chan Event, 4)

	r := New("agent1", client, router, promptBuilder(), events, nil, 3)
	require.NoError(t, r.Run(context.Background()))

	require.Equal(t, StatusFailed, r.Status())
	ev := <-events
	require.Equal(t, EventFailed, ev.Kind)
	require.Error(t, ev.Err)
}

// blockingStreamer never produces an event on its own; Recv only returns
// once its turn's context is canceled, at which point it reports that
// context's error. This lets a test deterministically exercise a restart
// arriving mid-turn instead of racing a scripted event against the signal.
type blockingStreamer struct{ ctx context.Context }

func (s blockingStreamer) Recv() (backend.Event, error) {
	<-s.ctx.Done()
	return backend.Event{}, s.ctx.Err()
}
func (s blockingStreamer) Close() error            { return nil }
func (s blockingStreamer) Metadata() map[string]any { return nil }

type blockingClient struct {
	second backend.Client
	used   bool
}

func (c *blockingClient) Stream(ctx context.Context, req backend.Request) (backend.Streamer, error) {
	if !c.used {
		c.used = true
		return blockingStreamer{ctx: ctx}, nil
	}
	return c.second.Stream(ctx, req)
}

func TestRunRestartAbortsAndRebuildsPrompt(t *testing.T) {
	coord := &fakeCoordinator{label: "agent1.2"}
	router := tools.NewRouter(tools.NewRegistry(), coord, fakeSnapshotter{}, false)

	restart := make(chan struct{}, 1)
	client := &blockingClient{second: &scriptedClient{turns: []*scriptedStreamer{newAnswerTurn("post-restart answer")}}}
	events := make(chan Event, 4)

	r := New("agent1", client, router, promptBuilder(), events, restart, 1)

	restart <- struct{}{}
	require.NoError(t, r.Run(context.Background()))

	require.Equal(t, StatusAnswerPublished, r.Status())
	ev := <-events
	require.Equal(t, EventAnswerPublished, ev.Kind)
}

func TestRunReturnsWithoutEventWhenContextCanceled(t *testing.T) {
	coord := &fakeCoordinator{}
	router := tools.NewRouter(tools.NewRegistry(), coord, fakeSnapshotter{}, false)
	client := &scriptedClient{turns: []*scriptedStreamer{noActionTurn()}}
	events := make(chan Event, 4)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := New("agent1", client, router, promptBuilder(), events, nil, 1)
	err := r.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	select {
	case <-events:
		t.Fatal("no event should be sent when the outer context is already canceled")
	case <-time.After(10 * time.Millisecond):
	}
}
