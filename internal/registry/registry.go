// Package registry tracks the set of data streams known on the bus.
//
// The discovery loop is the registry's only writer. Readers receive
// immutable topic views, never the live map, so lookups and listings
// are safe against a concurrent refresh.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/robolink/bridge-server/internal/bus"
)

var log = logging.Logger("bridge-registry")

// Registry errors.
var (
	ErrTopicNotFound = errors.New("topic not found")
	ErrDiscovery     = errors.New("discovery failed")
)

// TopicStatus describes how a registry entry may be consumed.
type TopicStatus string

const (
	// StatusAvailable means the topic appeared in the latest discovery.
	StatusAvailable TopicStatus = "available"
	// StatusMissing means the topic is inside its stale grace period:
	// absent from discovery but not yet removed.
	StatusMissing TopicStatus = "missing"
	// StatusTypeConflict means discovery reported a different type
	// descriptor for an already-known topic name. The original entry is
	// kept; the conflict is surfaced, never silently merged.
	StatusTypeConflict TopicStatus = "type_conflict"
)

// Topic is one known data stream.
type Topic struct {
	Name             string      `json:"name"`
	SchemaID         string      `json:"schemaId"`
	Status           TopicStatus `json:"status"`
	ConflictSchemaID string      `json:"conflictSchemaId,omitempty"`
	DiscoveredAt     time.Time   `json:"discoveredAt"`
	LastSeen         time.Time   `json:"lastSeen"`
}

// Diff is the outcome of one refresh pass.
type Diff struct {
	Added   []Topic `json:"added,omitempty"`
	Updated []Topic `json:"updated,omitempty"`
	Removed []Topic `json:"removed,omitempty"`
}

// Empty reports whether the diff carries no changes.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0
}

// Options tunes registry behaviour.
type Options struct {
	// RefreshInterval is the discovery cadence.
	RefreshInterval time.Duration
	// StaleAfter is how long a topic may be absent from discovery
	// before it is removed from the registry.
	StaleAfter time.Duration
	// MaxBackoff caps the retry delay after discovery failures.
	MaxBackoff time.Duration
}

// DefaultOptions is a one-second discovery poll with a generous
// removal grace.
func DefaultOptions() Options {
	return Options{
		RefreshInterval: time.Second,
		StaleAfter:      30 * time.Second,
		MaxBackoff:      30 * time.Second,
	}
}

// Registry tracks known topics and notifies watchers of changes.
type Registry struct {
	transport bus.Transport
	opts      Options

	mu       sync.RWMutex
	topics   map[string]*Topic
	watchers map[int]chan Diff
	nextID   int
}

// New creates an empty registry over the given transport.
func New(transport bus.Transport, opts Options) *Registry {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultOptions().RefreshInterval
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultOptions().StaleAfter
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultOptions().MaxBackoff
	}
	return &Registry{
		transport: transport,
		opts:      opts,
		topics:    make(map[string]*Topic),
		watchers:  make(map[int]chan Diff),
	}
}

// Refresh queries discovery once, diffs against the prior state, and
// notifies watchers. A discovery failure never clears known topics.
func (r *Registry) Refresh(ctx context.Context) (Diff, error) {
	listed, err := r.transport.ListTopics(ctx)
	if err != nil {
		return Diff{}, errors.Join(ErrDiscovery, err)
	}

	now := time.Now()
	var diff Diff

	r.mu.Lock()
	seen := make(map[string]bool, len(listed))
	for _, info := range listed {
		seen[info.Name] = true
		existing, ok := r.topics[info.Name]
		if !ok {
			topic := &Topic{
				Name:         info.Name,
				SchemaID:     info.SchemaID,
				Status:       StatusAvailable,
				DiscoveredAt: now,
				LastSeen:     now,
			}
			r.topics[info.Name] = topic
			diff.Added = append(diff.Added, *topic)
			continue
		}

		existing.LastSeen = now
		switch {
		case existing.SchemaID != info.SchemaID:
			// A type change is a distinct logical stream. Keep the
			// original descriptor, flag the conflict.
			if existing.Status != StatusTypeConflict || existing.ConflictSchemaID != info.SchemaID {
				log.Errorf("Topic %s re-discovered with type %q (was %q); flagging conflict", info.Name, info.SchemaID, existing.SchemaID)
				existing.Status = StatusTypeConflict
				existing.ConflictSchemaID = info.SchemaID
				diff.Updated = append(diff.Updated, *existing)
			}
		case existing.Status != StatusAvailable:
			existing.Status = StatusAvailable
			existing.ConflictSchemaID = ""
			diff.Updated = append(diff.Updated, *existing)
		}
	}

	for name, topic := range r.topics {
		if seen[name] {
			continue
		}
		if now.Sub(topic.LastSeen) > r.opts.StaleAfter {
			delete(r.topics, name)
			diff.Removed = append(diff.Removed, *topic)
			continue
		}
		if topic.Status == StatusAvailable {
			topic.Status = StatusMissing
			diff.Updated = append(diff.Updated, *topic)
		}
	}
	r.mu.Unlock()

	if !diff.Empty() {
		r.notify(diff)
	}
	return diff, nil
}

// Run refreshes on the configured interval until the context ends.
// Discovery failures back off exponentially up to MaxBackoff and do
// not disturb the known topic set.
func (r *Registry) Run(ctx context.Context) {
	delay := r.opts.RefreshInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if _, err := r.Refresh(ctx); err != nil {
			log.Warnf("Discovery refresh failed: %v (retrying in %v)", err, delay)
			delay *= 2
			if delay > r.opts.MaxBackoff {
				delay = r.opts.MaxBackoff
			}
			continue
		}
		delay = r.opts.RefreshInterval
	}
}

// Lookup returns a copy of the named topic.
func (r *Registry) Lookup(name string) (Topic, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	topic, ok := r.topics[name]
	if !ok {
		return Topic{}, ErrTopicNotFound
	}
	return *topic, nil
}

// List returns all known topics sorted by name.
func (r *Registry) List() []Topic {
	r.mu.RLock()
	topics := make([]Topic, 0, len(r.topics))
	for _, topic := range r.topics {
		topics = append(topics, *topic)
	}
	r.mu.RUnlock()

	sort.Slice(topics, func(i, j int) bool { return topics[i].Name < topics[j].Name })
	return topics
}

// Watch registers a diff watcher. The returned cancel function must be
// called to release it. A watcher that falls behind loses diffs rather
// than blocking the discovery loop.
func (r *Registry) Watch(buffer int) (<-chan Diff, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Diff, buffer)

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.watchers[id] = ch
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		if existing, ok := r.watchers[id]; ok {
			delete(r.watchers, id)
			close(existing)
		}
		r.mu.Unlock()
	}
	return ch, cancel
}

func (r *Registry) notify(diff Diff) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, ch := range r.watchers {
		select {
		case ch <- diff:
		default:
			log.Debugf("Registry watcher %d is slow; dropping diff", id)
		}
	}
}
