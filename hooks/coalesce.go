package hooks

import (
	"context"
	"sync"
)

// CoalescingSubscriber wraps a Subscriber with the §5 backpressure policy:
// when the wrapped subscriber's HandleEvent is still busy with a previous
// event, a new AgentTextDeltaEvent is merged into the pending one instead
// of being queued, so a slow consumer sees the text delta's fold-over
// effect rather than an unbounded backlog. Every other event type is never
// dropped or coalesced — in particular AnswerPublished, VoteCast,
// ConsensusReached, and SessionEnded always reach the wrapped subscriber
// exactly once, in order.
//
// Not present in the teacher (its hooks.Bus has no backpressure concept at
// all, since it runs in-process with a synchronous bus); added here as a
// wrapper around the ported Bus core rather than a change to it, so the
// fan-out core stays a straightforward port.
type CoalescingSubscriber struct {
	next Subscriber

	mu      sync.Mutex
	pending *AgentTextDeltaEvent
	busy    bool
}

// NewCoalescingSubscriber wraps next with the coalescing policy.
func NewCoalescingSubscriber(next Subscriber) *CoalescingSubscriber {
	return &CoalescingSubscriber{next: next}
}

// HandleEvent implements Subscriber. For AgentTextDeltaEvent: while next is
// still handling an earlier delta, the new one is merged into the pending
// delta and HandleEvent returns immediately; otherwise the delta, with any
// pending text prepended, is delivered synchronously. Every other event type is delivered
// synchronously, after first flushing any coalesced delta that preceded it
// so delivery order is preserved.
func (c *CoalescingSubscriber) HandleEvent(ctx context.Context, event Event) error {
	delta, isDelta := event.(*AgentTextDeltaEvent)
	if !isDelta {
		if err := c.flush(ctx); err != nil {
			return err
		}
		return c.next.HandleEvent(ctx, event)
	}

	c.mu.Lock()
	if c.busy {
		c.pending = mergeDelta(c.pending, delta)
		c.mu.Unlock()
		return nil
	}
	c.busy = true
	delta = mergeDelta(c.pending, delta)
	c.pending = nil
	c.mu.Unlock()

	err := c.next.HandleEvent(ctx, delta)

	c.mu.Lock()
	c.busy = false
	c.mu.Unlock()
	return err
}

// flush delivers any delta coalesced while the subscriber was busy, before
// a non-delta event is allowed through.
func (c *CoalescingSubscriber) flush(ctx context.Context) error {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	if pending == nil {
		return nil
	}
	return c.next.HandleEvent(ctx, pending)
}

func mergeDelta(pending, incoming *AgentTextDeltaEvent) *AgentTextDeltaEvent {
	if pending == nil {
		return incoming
	}
	merged := *incoming
	merged.Text = pending.Text + incoming.Text
	return &merged
}
