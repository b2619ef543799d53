// Package confstore holds per-consumer topic selections and transform
// parameters, published as immutable versioned snapshots.
//
// Writers (control-plane proposals) serialize on a single mutex;
// readers (the routing engine, the subscription controller) load the
// current snapshot through an atomic pointer and never block a writer
// or each other. A snapshot is never mutated after publication:
// proposing rebuilds only the mutated consumer's entry and the
// aggregate topic index, structurally sharing everything else.
package confstore

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("bridge-confstore")

// Store errors.
var (
	ErrConfigValidation = errors.New("config validation failed")
	ErrUnknownConsumer  = errors.New("unknown consumer")
)

// WildcardSuffix marks a prefix selection rule: "/tf/*" selects every
// topic whose name starts with "/tf/".
const WildcardSuffix = "/*"

// TransformParams is the opaque per-topic parameter map interpreted by
// the routing engine's transform stage.
type TransformParams map[string]string

// Mutation is a proposed full replacement of one consumer's
// configuration.
type Mutation struct {
	// Selection is the set of topic names, possibly with prefix rules.
	Selection []string `json:"selection"`
	// Transforms maps a selected topic (or prefix rule) to transform
	// parameters.
	Transforms map[string]TransformParams `json:"transforms,omitempty"`
}

// ConsumerConfig is one consumer's committed configuration. Instances
// are immutable once a snapshot containing them is published.
type ConsumerConfig struct {
	ConsumerID  string                     `json:"consumerId"`
	Selection   []string                   `json:"selection"`
	Transforms  map[string]TransformParams `json:"transforms,omitempty"`
	Version     uint64                     `json:"version"`
	fingerprint uint64
}

// SelectionMatches reports whether the config selects the given topic,
// honouring prefix rules.
func (c *ConsumerConfig) SelectionMatches(topic string) bool {
	for _, rule := range c.Selection {
		if ruleMatches(rule, topic) {
			return true
		}
	}
	return false
}

// TransformFor returns the transform parameters applying to a topic:
// an exact entry wins over a prefix entry; nil means identity.
func (c *ConsumerConfig) TransformFor(topic string) TransformParams {
	if params, ok := c.Transforms[topic]; ok {
		return params
	}
	for rule, params := range c.Transforms {
		if strings.HasSuffix(rule, WildcardSuffix) && ruleMatches(rule, topic) {
			return params
		}
	}
	return nil
}

func ruleMatches(rule, topic string) bool {
	if prefix, ok := strings.CutSuffix(rule, WildcardSuffix); ok {
		return strings.HasPrefix(topic, prefix+"/") || topic == prefix
	}
	return rule == topic
}

// Snapshot is an immutable point-in-time aggregate of all consumer
// configurations.
type Snapshot struct {
	Version   uint64
	Consumers map[string]*ConsumerConfig

	// exact maps a plainly-named topic to the consumers selecting it.
	exact map[string][]string
	// prefixes holds the prefix rules in deterministic order.
	prefixes []prefixRule
}

type prefixRule struct {
	prefix    string // without the trailing wildcard
	consumers []string
}

// ConsumersFor returns the ids of every consumer whose committed
// selection covers the topic.
func (s *Snapshot) ConsumersFor(topic string) []string {
	var out []string
	out = append(out, s.exact[topic]...)
	for _, rule := range s.prefixes {
		if strings.HasPrefix(topic, rule.prefix+"/") || topic == rule.prefix {
			for _, id := range rule.consumers {
				if !contains(out, id) {
					out = append(out, id)
				}
			}
		}
	}
	return out
}

// ExactTopics returns the union of plainly-named topics across all
// consumers, sorted.
func (s *Snapshot) ExactTopics() []string {
	names := make([]string, 0, len(s.exact))
	for name := range s.exact {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Selects reports whether any consumer's selection covers the topic.
func (s *Snapshot) Selects(topic string) bool {
	if len(s.exact[topic]) > 0 {
		return true
	}
	for _, rule := range s.prefixes {
		if strings.HasPrefix(topic, rule.prefix+"/") || topic == rule.prefix {
			return true
		}
	}
	return false
}

func contains(ids []string, id string) bool {
	for _, existing := range ids {
		if existing == id {
			return true
		}
	}
	return false
}

// Validator checks a topic's transform parameters before a mutation is
// accepted. The routing engine supplies one that resolves the named
// transform capability against the topic's schema.
type Validator func(topic string, params TransformParams) error

// CommitHook observes every published snapshot.
type CommitHook func(*Snapshot)

// Store is the configuration store.
type Store struct {
	validator Validator

	writeMu sync.Mutex
	current atomic.Pointer[Snapshot]

	hookMu sync.RWMutex
	hooks  []CommitHook
}

// New creates a store with an empty initial snapshot. validator may be
// nil, in which case transform parameters are accepted unchecked.
func New(validator Validator) *Store {
	s := &Store{validator: validator}
	s.current.Store(&Snapshot{
		Version:   0,
		Consumers: make(map[string]*ConsumerConfig),
		exact:     make(map[string][]string),
	})
	return s
}

// Current returns the current snapshot. The only read primitive; the
// caller holds the reference for the duration of one operation.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// OnCommit registers a hook invoked after every snapshot publication,
// on the proposer's goroutine.
func (s *Store) OnCommit(hook CommitHook) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// Propose validates and applies a mutation for one consumer. On
// acceptance it returns the consumer's new version. An identical
// re-proposal is accepted without a version bump or a new snapshot.
// A rejected mutation leaves the prior configuration visible.
func (s *Store) Propose(consumerID string, mutation Mutation) (uint64, error) {
	if consumerID == "" {
		return 0, fmt.Errorf("%w: empty consumer id", ErrConfigValidation)
	}
	if err := s.validate(mutation); err != nil {
		return 0, err
	}

	fingerprint := mutationFingerprint(mutation)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	prior := s.current.Load()
	if existing, ok := prior.Consumers[consumerID]; ok && existing.fingerprint == fingerprint {
		log.Debugf("Consumer %s proposed identical config; keeping version %d", consumerID, existing.Version)
		return existing.Version, nil
	}

	version := uint64(1)
	if existing, ok := prior.Consumers[consumerID]; ok {
		version = existing.Version + 1
	}

	entry := &ConsumerConfig{
		ConsumerID:  consumerID,
		Selection:   normalizeSelection(mutation.Selection),
		Transforms:  copyTransforms(mutation.Transforms),
		Version:     version,
		fingerprint: fingerprint,
	}

	next := s.rebuild(prior, consumerID, entry)
	s.current.Store(next)
	log.Infof("Consumer %s committed config version %d (snapshot %d, %d topics selected)",
		consumerID, version, next.Version, len(entry.Selection))

	s.runHooks(next)
	return version, nil
}

// Remove deletes a consumer's configuration (viewer disconnect). It is
// a no-op for an unknown consumer.
func (s *Store) Remove(consumerID string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	prior := s.current.Load()
	if _, ok := prior.Consumers[consumerID]; !ok {
		return
	}

	next := s.rebuild(prior, consumerID, nil)
	s.current.Store(next)
	log.Infof("Consumer %s removed (snapshot %d)", consumerID, next.Version)

	s.runHooks(next)
}

// Get returns a consumer's committed configuration from the current
// snapshot.
func (s *Store) Get(consumerID string) (*ConsumerConfig, error) {
	entry, ok := s.Current().Consumers[consumerID]
	if !ok {
		return nil, ErrUnknownConsumer
	}
	return entry, nil
}

// rebuild produces the next snapshot: unchanged consumer entries are
// shared with the prior snapshot; only the aggregate index is remade.
// entry == nil removes the consumer.
func (s *Store) rebuild(prior *Snapshot, consumerID string, entry *ConsumerConfig) *Snapshot {
	consumers := make(map[string]*ConsumerConfig, len(prior.Consumers)+1)
	for id, cfg := range prior.Consumers {
		if id != consumerID {
			consumers[id] = cfg
		}
	}
	if entry != nil {
		consumers[consumerID] = entry
	}

	next := &Snapshot{
		Version:   prior.Version + 1,
		Consumers: consumers,
		exact:     make(map[string][]string),
	}

	prefixConsumers := make(map[string][]string)
	ids := make([]string, 0, len(consumers))
	for id := range consumers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		for _, rule := range consumers[id].Selection {
			if prefix, ok := strings.CutSuffix(rule, WildcardSuffix); ok {
				prefixConsumers[prefix] = append(prefixConsumers[prefix], id)
			} else {
				next.exact[rule] = append(next.exact[rule], id)
			}
		}
	}

	prefixes := make([]string, 0, len(prefixConsumers))
	for prefix := range prefixConsumers {
		prefixes = append(prefixes, prefix)
	}
	sort.Strings(prefixes)
	for _, prefix := range prefixes {
		next.prefixes = append(next.prefixes, prefixRule{prefix: prefix, consumers: prefixConsumers[prefix]})
	}

	return next
}

func (s *Store) runHooks(snapshot *Snapshot) {
	s.hookMu.RLock()
	hooks := make([]CommitHook, len(s.hooks))
	copy(hooks, s.hooks)
	s.hookMu.RUnlock()

	for _, hook := range hooks {
		hook(snapshot)
	}
}

func (s *Store) validate(mutation Mutation) error {
	for _, rule := range mutation.Selection {
		if rule == "" {
			return fmt.Errorf("%w: empty topic name in selection", ErrConfigValidation)
		}
	}
	for topic, params := range mutation.Transforms {
		if !selectionCovers(mutation.Selection, topic) {
			return fmt.Errorf("%w: transform for %q which the selection does not cover", ErrConfigValidation, topic)
		}
		if s.validator != nil {
			if err := s.validator(topic, params); err != nil {
				return fmt.Errorf("%w: topic %q: %v", ErrConfigValidation, topic, err)
			}
		}
	}
	return nil
}

func selectionCovers(selection []string, rule string) bool {
	for _, entry := range selection {
		if entry == rule {
			return true
		}
		if !strings.HasSuffix(rule, WildcardSuffix) && ruleMatches(entry, rule) {
			return true
		}
	}
	return false
}

func normalizeSelection(selection []string) []string {
	out := make([]string, 0, len(selection))
	seen := make(map[string]bool, len(selection))
	for _, rule := range selection {
		if !seen[rule] {
			seen[rule] = true
			out = append(out, rule)
		}
	}
	sort.Strings(out)
	return out
}

func copyTransforms(transforms map[string]TransformParams) map[string]TransformParams {
	if len(transforms) == 0 {
		return nil
	}
	out := make(map[string]TransformParams, len(transforms))
	for topic, params := range transforms {
		copied := make(TransformParams, len(params))
		for key, value := range params {
			copied[key] = value
		}
		out[topic] = copied
	}
	return out
}

// mutationFingerprint hashes a canonical encoding of the mutation so
// identical re-proposals are detected regardless of map and slice
// ordering.
func mutationFingerprint(mutation Mutation) uint64 {
	digest := xxhash.New()

	selection := normalizeSelection(mutation.Selection)
	for _, rule := range selection {
		digest.WriteString(rule)
		digest.WriteString("\x00")
	}
	digest.WriteString("\x01")

	topics := make([]string, 0, len(mutation.Transforms))
	for topic := range mutation.Transforms {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	for _, topic := range topics {
		digest.WriteString(topic)
		digest.WriteString("\x00")
		params := mutation.Transforms[topic]
		keys := make([]string, 0, len(params))
		for key := range params {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			digest.WriteString(key)
			digest.WriteString("=")
			digest.WriteString(params[key])
			digest.WriteString("\x00")
		}
		digest.WriteString("\x01")
	}

	return digest.Sum64()
}
