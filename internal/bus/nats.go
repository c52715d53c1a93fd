package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSBridge republishes engine events to NATS subjects so other
// services (compliance reporting, dashboards) can consume them without
// coupling to this process. The bridge is a plain subscriber on the
// in-process bus; the engine runs unchanged without it.
type NATSBridge struct {
	conn *nats.Conn
}

// NewNATSBridge connects to NATS with automatic reconnection support.
// Extra nats.Option values (e.g. disconnect handlers) can be appended.
func NewNATSBridge(url string, opts ...nats.Option) (*NATSBridge, error) {
	defaults := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSBridge{conn: nc}, nil
}

// Handler returns a bus Handler that JSON-encodes the event payload and
// publishes it on the event's topic as the NATS subject.
func (n *NATSBridge) Handler() Handler {
	return func(ctx context.Context, evt Event) error {
		data, err := json.Marshal(evt.Payload)
		if err != nil {
			return fmt.Errorf("marshaling event payload: %w", err)
		}
		if err := n.conn.Publish(evt.Topic, data); err != nil {
			return fmt.Errorf("publishing %s: %w", evt.Topic, err)
		}
		return nil
	}
}

// Mirror subscribes the bridge to the given topics on the bus. It
// returns a function that unsubscribes all of them.
func (n *NATSBridge) Mirror(b Bus, topics ...string) func() {
	h := n.Handler()
	cancels := make([]func(), 0, len(topics))
	for _, topic := range topics {
		cancels = append(cancels, b.Subscribe(topic, h))
	}
	slog.Info("NATSBridge: mirroring topics", "count", len(topics))
	return func() {
		for _, cancel := range cancels {
			cancel()
		}
	}
}

// Close drains and closes the NATS connection.
func (n *NATSBridge) Close() error {
	n.conn.Close()
	return nil
}
