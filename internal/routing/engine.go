package routing

import (
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/robolink/bridge-server/internal/confstore"
	"github.com/robolink/bridge-server/internal/sink"
)

var log = logging.Logger("bridge-routing")

// Engine fans incoming records out to the sinks of every consumer whose
// committed selection covers the record's topic. Deliver runs on the
// transport's receive goroutine and must never block: a full sink queue
// drops according to the sink's policy, it does not stall the bus.
type Engine struct {
	store      *confstore.Store
	transforms *Transforms

	mu    sync.RWMutex
	sinks map[string]sink.Sink
	// cache holds one Transform instance per consumer+topic, rebuilt
	// when that consumer's config version changes. Stateful transforms
	// (downsample counters) live here across deliveries.
	cache map[cacheKey]*cachedTransform
}

type cacheKey struct {
	consumerID string
	topic      string
}

type cachedTransform struct {
	version   uint64
	transform Transform
}

// NewEngine builds a routing engine over the config store and the
// capability registry.
func NewEngine(store *confstore.Store, transforms *Transforms) *Engine {
	return &Engine{
		store:      store,
		transforms: transforms,
		sinks:      make(map[string]sink.Sink),
		cache:      make(map[cacheKey]*cachedTransform),
	}
}

// AttachSink makes the sink addressable by its consumer id. Records for
// a consumer without an attached sink are counted and dropped.
func (e *Engine) AttachSink(s sink.Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks[s.ID()] = s
}

// DetachSink removes the sink and its cached transform state.
func (e *Engine) DetachSink(consumerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sinks, consumerID)
	for key := range e.cache {
		if key.consumerID == consumerID {
			delete(e.cache, key)
		}
	}
}

// Sinks returns the currently attached sinks.
func (e *Engine) Sinks() []sink.Sink {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]sink.Sink, 0, len(e.sinks))
	for _, s := range e.sinks {
		out = append(out, s)
	}
	return out
}

// Sink returns the attached sink for a consumer id.
func (e *Engine) Sink(consumerID string) (sink.Sink, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.sinks[consumerID]
	return s, ok
}

// Deliver routes one record. It reads the current snapshot once, so a
// config committed mid-delivery applies from the next record on.
func (e *Engine) Deliver(topic string, payload []byte, schemaID string, capturedAt time.Time) {
	snapshot := e.store.Current()
	ids := snapshot.ConsumersFor(topic)
	if len(ids) == 0 {
		return
	}

	for _, id := range ids {
		cfg := snapshot.Consumers[id]
		if cfg == nil {
			continue
		}

		e.mu.RLock()
		s := e.sinks[id]
		e.mu.RUnlock()
		if s == nil {
			log.Debugf("No sink attached for consumer %s; dropping record on %s", id, topic)
			continue
		}

		transform := e.transformFor(id, topic, cfg)
		out, skip := transform.Apply(payload, schemaID)
		if skip {
			continue
		}
		s.Enqueue(sink.Record{
			Topic:      topic,
			SchemaID:   schemaID,
			CapturedAt: capturedAt,
			Payload:    out,
		})
	}
}

// transformFor returns the consumer's transform instance for the topic,
// building one when the consumer's config version moved.
func (e *Engine) transformFor(consumerID, topic string, cfg *confstore.ConsumerConfig) Transform {
	key := cacheKey{consumerID: consumerID, topic: topic}

	e.mu.RLock()
	cached := e.cache[key]
	e.mu.RUnlock()
	if cached != nil && cached.version == cfg.Version {
		return cached.transform
	}

	transform, err := e.transforms.Build(cfg.TransformFor(topic))
	if err != nil {
		// Committed configs were validated at propose time; an
		// unbuildable transform here means a capability was
		// unregistered afterwards. Fall back to identity.
		log.Errorf("Rebuilding transform for consumer %s on %s failed: %v", consumerID, topic, err)
		transform = identity{}
	}

	e.mu.Lock()
	e.cache[key] = &cachedTransform{version: cfg.Version, transform: transform}
	e.mu.Unlock()
	return transform
}

// Validator returns the propose-time hook for the config store. A
// transform rule is rejected when its capability is unknown or its
// arguments do not parse.
func (e *Engine) Validator() confstore.Validator {
	return func(topic string, params confstore.TransformParams) error {
		return e.transforms.Validate(params)
	}
}
