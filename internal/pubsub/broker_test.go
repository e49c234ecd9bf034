package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBroker_PublishDeliversToSubscribers(t *testing.T) {
	b := NewBroker[string]()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := b.Subscribe(ctx)
	b.Publish(LogLineEvent, "hello")

	select {
	case ev := <-sub:
		require.Equal(t, LogLineEvent, ev.Type)
		require.Equal(t, "hello", ev.Payload)
		require.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroker_SubscribeAfterCloseReturnsClosedChannel(t *testing.T) {
	b := NewBroker[int]()
	b.Close()

	sub := b.Subscribe(context.Background())
	_, ok := <-sub
	require.False(t, ok, "channel should be closed")
}

func TestBroker_ContextCancelRemovesSubscriber(t *testing.T) {
	b := NewBroker[int]()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	b.Subscribe(ctx)
	require.Equal(t, 1, b.SubscriberCount())

	cancel()
	require.Eventually(t, func() bool {
		return b.SubscriberCount() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestBroker_PublishAfterCloseIsNoop(t *testing.T) {
	b := NewBroker[int]()
	b.Close()
	// Must not panic.
	b.Publish(LogLineEvent, 42)
}

func TestBroker_DoubleCloseIsSafe(t *testing.T) {
	b := NewBroker[int]()
	b.Close()
	b.Close()
}
