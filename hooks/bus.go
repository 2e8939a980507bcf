// Package hooks implements the Event Bus (C7): a synchronous, fail-fast
// fan-out of typed domain events from Agent Runners and the Orchestrator to
// the presentation layer.
//
// Grounded on runtime/agent/hooks.Bus, adapted in one respect: the teacher's
// bus keys subscribers in a Go map, whose iteration order is not guaranteed,
// despite its own doc comment promising "registration order" delivery. This
// spec calls for genuinely registration-ordered delivery (so, e.g., a
// transcript writer and a UI renderer see events in a stable relative
// order), so this port keeps subscribers in a slice instead.
package hooks

import (
	"context"
	"errors"
	"sync"
)

type (
	// Bus publishes domain events to registered subscribers in a fan-out
	// pattern. Thread-safe; supports concurrent Publish, Register, and
	// subscription Close.
	Bus interface {
		// Publish delivers event to every currently registered subscriber,
		// in registration order, stopping at the first subscriber error.
		Publish(ctx context.Context, event Event) error
		// Register adds sub to the bus and returns a Subscription that can
		// be closed to unregister it.
		Register(sub Subscriber) (Subscription, error)
	}

	// Subscriber reacts to published events.
	Subscriber interface {
		// HandleEvent processes a single event. An error return halts
		// delivery to remaining subscribers for this Publish call; use this
		// only for failures that should stop the session (critical
		// subscribers), not for best-effort ones like journal sinks.
		HandleEvent(ctx context.Context, event Event) error
	}

	// SubscriberFunc adapts a function to the Subscriber interface.
	SubscriberFunc func(ctx context.Context, event Event) error

	// Subscription represents an active registration. Close is idempotent
	// and safe to call concurrently or multiple times.
	Subscription interface {
		Close() error
	}

	bus struct {
		mu   sync.RWMutex
		subs []*subscription
	}

	subscription struct {
		bus     *bus
		handler Subscriber
		once    sync.Once
	}
)

// HandleEvent calls f(ctx, event).
func (f SubscriberFunc) HandleEvent(ctx context.Context, event Event) error { return f(ctx, event) }

// NewBus constructs an empty, ready-to-use event bus.
func NewBus() Bus {
	return &bus{}
}

// Publish delivers event to every currently registered subscriber in
// registration order. The slice of subscribers is snapshotted under a read
// lock before iteration begins, so registrations or unregistrations that
// happen mid-Publish never affect the current delivery.
func (b *bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		if err := s.handler.HandleEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Register adds sub to the bus, appended after every currently registered
// subscriber.
func (b *bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("hooks: subscriber is required")
	}
	s := &subscription{bus: b, handler: sub}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return s, nil
}

// Close removes the subscriber from the bus. Idempotent: subsequent calls
// are no-ops and always return nil.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		for i, other := range s.bus.subs {
			if other == s {
				s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
				break
			}
		}
	})
	return nil
}
