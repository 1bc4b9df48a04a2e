package daemon

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/sentineld/kernel/pkg/eventbus"
)

func TestEventsServerBroadcastsBusEventsToWebSocketClients(t *testing.T) {
	bus := eventbus.NewMemoryBus()
	defer bus.Close()

	srv, err := NewEventsServer("127.0.0.1:19191", bus, nil)
	require.NoError(t, err)
	errCh := make(chan error, 1)
	require.NoError(t, srv.Start(errCh))
	defer srv.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://127.0.0.1:19191/events", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	time.Sleep(50 * time.Millisecond) // allow Accept's goroutine to register the client

	require.NoError(t, bus.Publish(context.Background(), "session.started", eventbus.Event{
		Kind:      eventbus.KindSessionStarted,
		SessionID: "s1",
		Timestamp: time.Now(),
	}))

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var got eventbus.Event
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, eventbus.KindSessionStarted, got.Kind)
	require.Equal(t, "s1", got.SessionID)
}

func TestEventsServerKindFilterDropsNonMatchingEvents(t *testing.T) {
	bus := eventbus.NewMemoryBus()
	defer bus.Close()

	srv, err := NewEventsServer("127.0.0.1:19192", bus, nil)
	require.NoError(t, err)
	errCh := make(chan error, 1)
	require.NoError(t, srv.Start(errCh))
	defer srv.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://127.0.0.1:19192/events?kind=budget.", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	time.Sleep(50 * time.Millisecond)

	require.NoError(t, bus.Publish(context.Background(), "session.started", eventbus.Event{Kind: eventbus.KindSessionStarted}))
	require.NoError(t, bus.Publish(context.Background(), "budget.warning", eventbus.Event{Kind: eventbus.KindBudgetWarning}))

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var got eventbus.Event
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, eventbus.KindBudgetWarning, got.Kind)
}
