package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func recordingSubscriber(order *[]string, name string) Subscriber {
	return SubscriberFunc(func(_ context.Context, _ Event) error {
		*order = append(*order, name)
		return nil
	})
}

func TestPublishDeliversInRegistrationOrder(t *testing.T) {
	b := NewBus()
	var order []string

	_, err := b.Register(recordingSubscriber(&order, "first"))
	require.NoError(t, err)
	_, err = b.Register(recordingSubscriber(&order, "second"))
	require.NoError(t, err)
	_, err = b.Register(recordingSubscriber(&order, "third"))
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), NewAgentStartedEvent("agent1", 1)))
	require.Equal(t, []string{"first", "second", "third"}, order)
}

func TestPublishStopsAtFirstSubscriberError(t *testing.T) {
	b := NewBus()
	var order []string
	failure := errors.New("critical subscriber rejected event")

	_, err := b.Register(recordingSubscriber(&order, "first"))
	require.NoError(t, err)
	_, err = b.Register(SubscriberFunc(func(_ context.Context, _ Event) error {
		order = append(order, "second")
		return failure
	}))
	require.NoError(t, err)
	_, err = b.Register(recordingSubscriber(&order, "third"))
	require.NoError(t, err)

	err = b.Publish(context.Background(), NewAgentStartedEvent("agent1", 1))
	require.ErrorIs(t, err, failure)
	require.Equal(t, []string{"first", "second"}, order, "delivery must stop before the third subscriber")
}

func TestRegisterRejectsNilSubscriber(t *testing.T) {
	b := NewBus()
	_, err := b.Register(nil)
	require.Error(t, err)
}

func TestSubscriptionCloseUnregistersAndIsIdempotent(t *testing.T) {
	b := NewBus()
	var order []string

	sub, err := b.Register(recordingSubscriber(&order, "doomed"))
	require.NoError(t, err)
	_, err = b.Register(recordingSubscriber(&order, "survivor"))
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close(), "Close must be idempotent")

	require.NoError(t, b.Publish(context.Background(), NewAgentStartedEvent("agent1", 1)))
	require.Equal(t, []string{"survivor"}, order)
}

func TestPublishSnapshotsSubscribersBeforeDelivery(t *testing.T) {
	b := NewBus()
	var order []string

	var self Subscription
	self, err := b.Register(SubscriberFunc(func(_ context.Context, _ Event) error {
		order = append(order, "self")
		return self.Close()
	}))
	require.NoError(t, err)
	_, err = b.Register(recordingSubscriber(&order, "other"))
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), NewAgentStartedEvent("agent1", 1)))
	require.Equal(t, []string{"self", "other"}, order, "a subscriber closing itself mid-publish must not affect the in-flight delivery")
}
