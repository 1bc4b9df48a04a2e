package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/sentineld/kernel/pkg/eventbus"
	"github.com/sentineld/kernel/pkg/logging"
)

// wsWriteTimeout bounds a single event delivery to a subscriber; a
// client that can't keep up within this window is dropped rather than
// left to stall the bus subscription's delivery goroutine.
const wsWriteTimeout = 15 * time.Second

// wsClientBacklog bounds how many undelivered events a single
// WebSocket subscriber can accumulate; a subscriber whose backlog is
// full when a new event arrives is disconnected.
const wsClientBacklog = 64

// eventsHub fans out bus events to connected WebSocket subscribers. It
// is a parallel read-only surface onto the same eventbus.Bus the
// control socket's subscribeEvents RPC subscribes to: external
// dashboards and browser-based observers can watch kernel events over
// a standard WebSocket instead of speaking the control socket's
// JSON-RPC framing.
type eventsHub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

func newEventsHub() *eventsHub {
	return &eventsHub{clients: make(map[*wsClient]struct{})}
}

func (h *eventsHub) broadcast(ev eventbus.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.enqueue(ev) {
			go h.remove(c)
		}
	}
}

func (h *eventsHub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *eventsHub) remove(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		close(c.send)
	}
}

// wsClient is one accepted WebSocket connection's outbound queue.
type wsClient struct {
	conn   *websocket.Conn
	send   chan eventbus.Event
	prefix string
}

func (c *wsClient) enqueue(ev eventbus.Event) bool {
	if c.prefix != "" && !strings.HasPrefix(string(ev.Kind), c.prefix) {
		return true
	}
	select {
	case c.send <- ev:
		return true
	default:
		return false
	}
}

func (c *wsClient) writeLoop(ctx context.Context) {
	for ev := range c.send {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
		err = c.conn.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			return
		}
	}
}

// EventsServer hosts a WebSocket event-subscription endpoint at
// "/events", separate from the daemon's Unix control socket, serving
// the same bus the subscribeEvents RPC draws from. It exists alongside
// that RPC rather than replacing it: JSON-RPC-over-local-stream stays
// the control path a daemon client uses to drive sessions, while this
// listens over TCP for the kind of external, read-only event consumer
// (a dashboard, a log shipper) that the control socket was never meant
// to serve directly.
type EventsServer struct {
	addr string
	hub  *eventsHub
	sub  eventbus.Subscription
	srv  *http.Server
	log  *logging.Logger
}

// NewEventsServer builds an EventsServer bound to addr, subscribing to
// every event on bus. It does not start listening until Start is
// called.
func NewEventsServer(addr string, bus eventbus.Bus, log *logging.Logger) (*EventsServer, error) {
	hub := newEventsHub()
	sub, err := bus.Subscribe(context.Background(), "*", hub.broadcast)
	if err != nil {
		return nil, err
	}

	s := &EventsServer{addr: addr, hub: hub, sub: sub, log: log}
	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleEvents)
	s.srv = &http.Server{Addr: addr, Handler: mux}
	return s, nil
}

func (s *EventsServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		if s.log != nil {
			_ = s.log.Warn(logging.CategoryDaemon, "events-ws-accept-failed", err.Error(), nil)
		}
		return
	}

	client := &wsClient{
		conn:   conn,
		send:   make(chan eventbus.Event, wsClientBacklog),
		prefix: strings.TrimSuffix(r.URL.Query().Get("kind"), "*"),
	}
	s.hub.add(client)

	ctx := r.Context()
	client.writeLoop(ctx)
	s.hub.remove(client)
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

// Start begins serving in the background. It returns once the listener
// is bound; serve errors other than a clean shutdown are reported to
// errCh, which the caller should drain.
func (s *EventsServer) Start(errCh chan<- error) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return nil
}

// Shutdown stops accepting connections, unsubscribes from the bus, and
// closes every still-connected client.
func (s *EventsServer) Shutdown(ctx context.Context) error {
	s.sub.Unsubscribe()
	err := s.srv.Shutdown(ctx)

	s.hub.mu.Lock()
	for c := range s.hub.clients {
		close(c.send)
		delete(s.hub.clients, c)
	}
	s.hub.mu.Unlock()

	return err
}
