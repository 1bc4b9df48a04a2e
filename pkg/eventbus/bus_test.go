package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToExactSubjectSubscriber(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	received := make(chan Event, 1)
	_, err := bus.Subscribe(context.Background(), "approval.requested", func(e Event) {
		received <- e
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "approval.requested", Event{Kind: KindApprovalRequested, SessionID: "s1"}))

	select {
	case e := <-received:
		assert.Equal(t, "s1", e.SessionID)
		assert.False(t, e.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishMatchesWildcardSubject(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	received := make(chan Event, 1)
	_, err := bus.Subscribe(context.Background(), "approval.*", func(e Event) {
		received <- e
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "approval.resolved", Event{Kind: KindApprovalResolved}))

	select {
	case e := <-received:
		assert.Equal(t, KindApprovalResolved, e.Kind)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	received := make(chan Event, 1)
	sub, err := bus.Subscribe(context.Background(), "budget.warning", func(e Event) {
		received <- e
	})
	require.NoError(t, err)
	sub.Unsubscribe()

	require.NoError(t, bus.Publish(context.Background(), "budget.warning", Event{Kind: KindBudgetWarning}))

	select {
	case <-received:
		t.Fatal("unexpected delivery after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublishAfterCloseReturnsError(t *testing.T) {
	bus := NewMemoryBus()
	require.NoError(t, bus.Close())
	err := bus.Publish(context.Background(), "x", Event{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSubscribeAfterCloseReturnsError(t *testing.T) {
	bus := NewMemoryBus()
	require.NoError(t, bus.Close())
	_, err := bus.Subscribe(context.Background(), "x", func(e Event) {})
	assert.ErrorIs(t, err, ErrClosed)
}
