package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig configures a NATSBus connection.
type NATSConfig struct {
	URL     string
	Name    string
	Timeout time.Duration
}

// DefaultNATSConfig returns sensible connection defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{URL: nats.DefaultURL, Name: "sentineld", Timeout: 10 * time.Second}
}

// NATSBus is a Bus backed by a NATS connection, for multi-process kernel
// deployments where the daemon and one or more out-of-process plugin
// hosts or CLI clients all need to observe the same event stream.
type NATSBus struct {
	conn   *nats.Conn
	closed atomic.Bool
}

// NewNATSBus connects to the NATS server described by cfg.
func NewNATSBus(cfg NATSConfig) (*NATSBus, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSBus{conn: conn}, nil
}

// Publish marshals event as JSON and publishes it to subject.
func (b *NATSBus) Publish(ctx context.Context, subject string, event Event) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return b.conn.Publish(subject, data)
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() {
	_ = s.sub.Unsubscribe()
}

// Subscribe registers handler for subject, unmarshalling each message
// back into an Event before dispatch.
func (b *NATSBus) Subscribe(ctx context.Context, subject string, handler Handler) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			return
		}
		handler(event)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}
	return &natsSubscription{sub: sub}, nil
}

// Close closes the underlying NATS connection without draining its
// subscriptions first.
func (b *NATSBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.conn.Close()
	return nil
}
