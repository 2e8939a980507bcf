package hooks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// blockingRecorder records every event delivered to it, blocking on release
// until told to proceed — used to simulate a slow consumer so a second
// AgentTextDeltaEvent arrives while the first is still "in flight".
type blockingRecorder struct {
	mu       sync.Mutex
	received []Event
	release  chan struct{}
}

func newBlockingRecorder() *blockingRecorder {
	return &blockingRecorder{release: make(chan struct{})}
}

func (r *blockingRecorder) HandleEvent(_ context.Context, event Event) error {
	<-r.release
	r.mu.Lock()
	r.received = append(r.received, event)
	r.mu.Unlock()
	return nil
}

func (r *blockingRecorder) events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.received))
	copy(out, r.received)
	return out
}

func TestCoalescingSubscriberMergesDeltasWhileBusy(t *testing.T) {
	recorder := newBlockingRecorder()
	c := NewCoalescingSubscriber(recorder)

	done := make(chan struct{})
	go func() {
		require.NoError(t, c.HandleEvent(context.Background(), NewAgentTextDeltaEvent("agent1", "hello ")))
		close(done)
	}()

	// Give the first call a moment to enter "busy" before sending the second.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.HandleEvent(context.Background(), NewAgentTextDeltaEvent("agent1", "world")))

	close(recorder.release)
	<-done

	events := recorder.events()
	require.Len(t, events, 1, "the coalesced second delta must not reach the wrapped subscriber as a separate event")
	require.Equal(t, "hello ", events[0].(*AgentTextDeltaEvent).Text)
}

func TestCoalescingSubscriberFlushesPendingDeltaBeforeOtherEvents(t *testing.T) {
	recorder := newBlockingRecorder()
	c := NewCoalescingSubscriber(recorder)

	done := make(chan struct{})
	go func() {
		require.NoError(t, c.HandleEvent(context.Background(), NewAgentTextDeltaEvent("agent1", "first")))
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.HandleEvent(context.Background(), NewAgentTextDeltaEvent("agent1", "second")))
	close(recorder.release)
	<-done

	require.NoError(t, c.HandleEvent(context.Background(), NewConsensusReachedEvent(3, "agent1.1", "agent1")))

	events := recorder.events()
	require.Len(t, events, 3)
	require.Equal(t, "first", events[0].(*AgentTextDeltaEvent).Text)
	require.Equal(t, "second", events[1].(*AgentTextDeltaEvent).Text)
	_, isConsensus := events[2].(*ConsensusReachedEvent)
	require.True(t, isConsensus, "the flushed delta must precede the non-delta event, never drop or reorder it")
}

func TestCoalescingSubscriberNeverDropsNonDeltaEvents(t *testing.T) {
	var delivered []EventType
	next := SubscriberFunc(func(_ context.Context, e Event) error {
		delivered = append(delivered, e.Type())
		return nil
	})
	c := NewCoalescingSubscriber(next)

	require.NoError(t, c.HandleEvent(context.Background(), NewAnswerPublishedEvent("agent1", 1, "agent1.1", "snap", "content")))
	require.NoError(t, c.HandleEvent(context.Background(), NewVoteCastEvent("agent2", 2, "agent1.1", "good")))
	require.NoError(t, c.HandleEvent(context.Background(), NewSessionEndedEvent(5, "agent1.1.final")))

	require.Equal(t, []EventType{AnswerPublished, VoteCast, SessionEnded}, delivered)
}
