// Package bus defines the transport contract between the bridge and the
// publish/subscribe bus it consumes records from.
package bus

import (
	"context"
	"errors"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("bridge-bus")

// Transport errors.
var (
	ErrUnknownTopic  = errors.New("unknown topic")
	ErrSubscribed    = errors.New("already subscribed")
	ErrTransportDown = errors.New("transport closed")
)

// TopicInfo describes a topic visible on the bus.
type TopicInfo struct {
	Name     string `json:"name"`
	SchemaID string `json:"schemaId"`
}

// Handler receives messages delivered on a subscribed topic. It runs on
// the transport's delivery goroutine for that topic and must not block;
// anything slower than a queue enqueue belongs elsewhere.
type Handler func(topic string, payload []byte, schemaID string, capturedAt time.Time)

// Subscription is a live per-topic subscription handle. Cancel may
// fail when the underlying transport refuses the unsubscribe; callers
// are expected to log the failure and treat the subscription as gone
// regardless.
type Subscription interface {
	Topic() string
	Cancel() error
}

// Transport is the bus collaborator: topic listing and per-topic
// message delivery. Implementations: the libp2p gossipsub transport
// (P2PTransport) and the in-process transport used by tests
// (MemoryTransport).
type Transport interface {
	// ListTopics returns all topics currently visible on the bus.
	ListTopics(ctx context.Context) ([]TopicInfo, error)

	// Subscribe starts delivery for one topic. The handler is invoked
	// serially per topic, in bus-delivery order.
	Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error)

	// Close releases all subscriptions and transport resources.
	Close() error
}
