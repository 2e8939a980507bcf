package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeCoordinator is a minimal in-memory stand-in for coordination.State,
// scripted to return whatever the test needs without pulling in the real
// package (which would create an import cycle back into tools).
type fakeCoordinator struct {
	nextLabel  string
	answerErr  error
	voteErr    error
	lastVote   struct {
		voter  AgentID
		target string
		reason string
	}
}

func (f *fakeCoordinator) ApplyNewAnswer(_ context.Context, _ AgentID, _, _ string) (string, error) {
	if f.answerErr != nil {
		return "", f.answerErr
	}
	return f.nextLabel, nil
}

func (f *fakeCoordinator) ApplyVote(_ context.Context, voter AgentID, target, reason string) error {
	if f.voteErr != nil {
		return f.voteErr
	}
	f.lastVote.voter = voter
	f.lastVote.target = target
	f.lastVote.reason = reason
	return nil
}

type fakeSnapshotter struct {
	snapshotID string
	err        error
}

func (f fakeSnapshotter) Snapshot(_ context.Context, _ AgentID) (string, error) {
	return f.snapshotID, f.err
}

func TestDispatchNewAnswerSuccess(t *testing.T) {
	coord := &fakeCoordinator{nextLabel: "agent1.1"}
	snap := fakeSnapshotter{snapshotID: "snap-1"}
	r := NewRouter(NewRegistry(), coord, snap, true)

	payload, _ := json.Marshal(map[string]string{"content": "my answer"})
	result := r.Dispatch(context.Background(), "agent1", NewAnswer, "call-1", payload)

	require.True(t, result.OK)
	require.Contains(t, result.Content, "agent1.1")
}

func TestDispatchNewAnswerMissingContent(t *testing.T) {
	coord := &fakeCoordinator{}
	snap := fakeSnapshotter{snapshotID: "snap-1"}
	r := NewRouter(NewRegistry(), coord, snap, false)

	payload, _ := json.Marshal(map[string]string{})
	result := r.Dispatch(context.Background(), "agent1", NewAnswer, "call-1", payload)

	require.False(t, result.OK)
	require.Equal(t, "missing_fields", result.Error.Kind)
}

func TestDispatchNewAnswerSessionClosed(t *testing.T) {
	coord := &fakeCoordinator{answerErr: ErrSessionClosed}
	snap := fakeSnapshotter{snapshotID: "snap-1"}
	r := NewRouter(NewRegistry(), coord, snap, false)

	payload, _ := json.Marshal(map[string]string{"content": "too late"})
	result := r.Dispatch(context.Background(), "agent1", NewAnswer, "call-1", payload)

	require.False(t, result.OK)
	require.Equal(t, "session_closed", result.Error.Kind)
}

func TestDispatchVoteSuccess(t *testing.T) {
	coord := &fakeCoordinator{}
	r := NewRouter(NewRegistry(), coord, fakeSnapshotter{}, false)

	payload, _ := json.Marshal(map[string]string{"target": "agent2.1", "reason": "clear and correct"})
	result := r.Dispatch(context.Background(), "agent1", Vote, "call-2", payload)

	require.True(t, result.OK)
	require.Equal(t, AgentID("agent1"), coord.lastVote.voter)
	require.Equal(t, "agent2.1", coord.lastVote.target)
}

func TestDispatchVoteInvalidTarget(t *testing.T) {
	coord := &fakeCoordinator{voteErr: ErrInvalidCoordinationCall}
	r := NewRouter(NewRegistry(), coord, fakeSnapshotter{}, false)

	payload, _ := json.Marshal(map[string]string{"target": "nonexistent"})
	result := r.Dispatch(context.Background(), "agent1", Vote, "call-2", payload)

	require.False(t, result.OK)
	require.Equal(t, "invalid_coordination_call", result.Error.Kind)
}

func TestDispatchExternalToolUnavailable(t *testing.T) {
	r := NewRouter(NewRegistry(), &fakeCoordinator{}, fakeSnapshotter{}, false)
	result := r.Dispatch(context.Background(), "agent1", "search_web", "call-3", json.RawMessage(`{}`))

	require.False(t, result.OK)
	require.Equal(t, "tool_unavailable", result.Error.Kind)
}

func TestDispatchExternalToolDeferredDuringPlanningMode(t *testing.T) {
	registry := NewRegistry()
	called := false
	err := registry.Register(Spec{Name: "send_email", Effect: EffectSideEffecting}, ExternalToolFunc(
		func(_ context.Context, callID string, _ json.RawMessage) (Result, error) {
			called = true
			return Result{CallID: callID, OK: true}, nil
		}))
	require.NoError(t, err)

	r := NewRouter(registry, &fakeCoordinator{}, fakeSnapshotter{}, true)
	result := r.Dispatch(context.Background(), "agent1", "send_email", "call-4", json.RawMessage(`{}`))

	require.True(t, result.OK)
	require.False(t, called, "side-effecting tool must not run while planning mode is active")
	require.Contains(t, result.Content, "deferred")

	deferred := r.DeferredCalls()
	require.Len(t, deferred, 1)
	require.Equal(t, Ident("send_email"), deferred[0].Name)

	require.Empty(t, r.DeferredCalls(), "DeferredCalls must clear the buffer once read")
}

func TestDispatchExternalToolRunsWhenReadOnlyEvenDuringPlanningMode(t *testing.T) {
	registry := NewRegistry()
	called := false
	err := registry.Register(Spec{Name: "read_file", Effect: EffectPure}, ExternalToolFunc(
		func(_ context.Context, callID string, _ json.RawMessage) (Result, error) {
			called = true
			return Result{CallID: callID, OK: true, Content: "file contents"}, nil
		}))
	require.NoError(t, err)

	r := NewRouter(registry, &fakeCoordinator{}, fakeSnapshotter{}, true)
	result := r.Dispatch(context.Background(), "agent1", "read_file", "call-5", json.RawMessage(`{}`))

	require.True(t, result.OK)
	require.True(t, called, "pure/read-only tools must execute immediately regardless of planning mode")
}

func TestSetPlanningModeFalseLetsSideEffectingCallsRun(t *testing.T) {
	registry := NewRegistry()
	calls := 0
	err := registry.Register(Spec{Name: "post_message", Effect: EffectSideEffecting}, ExternalToolFunc(
		func(_ context.Context, callID string, _ json.RawMessage) (Result, error) {
			calls++
			return Result{CallID: callID, OK: true}, nil
		}))
	require.NoError(t, err)

	r := NewRouter(registry, &fakeCoordinator{}, fakeSnapshotter{}, true)
	r.Dispatch(context.Background(), "agent1", "post_message", "call-6", json.RawMessage(`{}`))
	require.Equal(t, 0, calls)

	r.SetPlanningMode(false)
	result := r.Dispatch(context.Background(), "agent1", "post_message", "call-7", json.RawMessage(`{}`))
	require.True(t, result.OK)
	require.Equal(t, 1, calls, "after planning mode lifts, new calls to the same tool execute for real")
}
