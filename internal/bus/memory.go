package bus

import (
	"context"
	"sync"
	"time"
)

// MemoryTransport is an in-process Transport. Tests and the local bench
// harness use it to drive the bridge without a network.
type MemoryTransport struct {
	mu     sync.RWMutex
	topics map[string]TopicInfo
	subs   map[string]*memorySub
	closed bool

	// ListErr, when set, is returned by ListTopics. Lets tests exercise
	// discovery failure paths.
	ListErr error
	// SubscribeErr, when set, is returned by Subscribe.
	SubscribeErr error
	// CancelErr, when set, is returned by Subscription.Cancel.
	CancelErr error
}

// NewMemoryTransport creates an empty in-process transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		topics: make(map[string]TopicInfo),
		subs:   make(map[string]*memorySub),
	}
}

type memorySub struct {
	transport *MemoryTransport
	topic     string
	handler   Handler
	cancelled bool
}

func (s *memorySub) Topic() string { return s.topic }

func (s *memorySub) Cancel() error {
	s.transport.mu.Lock()
	defer s.transport.mu.Unlock()
	if s.cancelled {
		return nil
	}
	s.cancelled = true
	if current, ok := s.transport.subs[s.topic]; ok && current == s {
		delete(s.transport.subs, s.topic)
	}
	if s.transport.CancelErr != nil {
		return s.transport.CancelErr
	}
	return nil
}

// AddTopic makes a topic visible to ListTopics.
func (t *MemoryTransport) AddTopic(name, schemaID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.topics[name] = TopicInfo{Name: name, SchemaID: schemaID}
}

// RemoveTopic hides a topic from ListTopics. Existing subscriptions
// keep delivering until cancelled, matching a real bus where a
// publisher can vanish from discovery while late messages drain.
func (t *MemoryTransport) RemoveTopic(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.topics, name)
}

// Publish delivers a message to the topic's subscriber, if any.
func (t *MemoryTransport) Publish(topic string, payload []byte, schemaID string, capturedAt time.Time) {
	t.mu.RLock()
	sub := t.subs[topic]
	t.mu.RUnlock()

	if sub != nil {
		sub.handler(topic, payload, schemaID, capturedAt)
	}
}

// ListTopics implements Transport.
func (t *MemoryTransport) ListTopics(ctx context.Context) ([]TopicInfo, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return nil, ErrTransportDown
	}
	if t.ListErr != nil {
		return nil, t.ListErr
	}

	infos := make([]TopicInfo, 0, len(t.topics))
	for _, info := range t.topics {
		infos = append(infos, info)
	}
	return infos, nil
}

// Subscribe implements Transport.
func (t *MemoryTransport) Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrTransportDown
	}
	if t.SubscribeErr != nil {
		return nil, t.SubscribeErr
	}
	if _, ok := t.subs[topic]; ok {
		return nil, ErrSubscribed
	}

	sub := &memorySub{transport: t, topic: topic, handler: handler}
	t.subs[topic] = sub
	return sub, nil
}

// Subscribed reports whether a topic currently has a subscription.
func (t *MemoryTransport) Subscribed(topic string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.subs[topic]
	return ok
}

// SubscribedTopics returns the names of all subscribed topics.
func (t *MemoryTransport) SubscribedTopics() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.subs))
	for name := range t.subs {
		names = append(names, name)
	}
	return names
}

// Close implements Transport.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.subs = make(map[string]*memorySub)
	return nil
}
