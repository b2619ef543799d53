package routing

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/robolink/bridge-server/internal/confstore"
)

// Transform errors.
var (
	ErrUnknownTransform = errors.New("unknown transform")
	ErrBadTransformArg  = errors.New("bad transform argument")
)

// transformKey selects the capability in a parameter map. All other
// keys are arguments to the selected capability.
const transformKey = "transform"

// Transform processes one payload for one consumer on one topic. It
// returns the outgoing payload and skip=true when the record should
// not be delivered at all. Instances may carry per-consumer state
// (e.g. a downsample counter) but must never block.
type Transform interface {
	Apply(payload []byte, schemaID string) (out []byte, skip bool)
}

// Factory builds a Transform instance from its parameters. Factories
// validate their arguments so a bad configuration is rejected at
// propose time, not at routing time.
type Factory func(params confstore.TransformParams) (Transform, error)

// Transforms is the capability registry, keyed by transform name.
// Type-specific behaviour stays out of the routing core: a capability
// sees only bytes, a schema id, and its parameters.
type Transforms struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewTransforms returns a registry with the built-in capabilities
// registered: identity, downsample, truncate.
func NewTransforms() *Transforms {
	t := &Transforms{factories: make(map[string]Factory)}
	t.Register("identity", newIdentity)
	t.Register("downsample", newDownsample)
	t.Register("truncate", newTruncate)
	return t
}

// Register adds a capability. Later registrations replace earlier ones
// of the same name.
func (t *Transforms) Register(name string, factory Factory) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.factories[name] = factory
}

// Build resolves a parameter map into a Transform instance. A nil or
// empty map, or one without a transform key, builds the identity.
func (t *Transforms) Build(params confstore.TransformParams) (Transform, error) {
	name := params[transformKey]
	if name == "" {
		name = "identity"
	}

	t.mu.RLock()
	factory, ok := t.factories[name]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransform, name)
	}
	return factory(params)
}

// Validate checks a parameter map without instantiating routing state.
func (t *Transforms) Validate(params confstore.TransformParams) error {
	_, err := t.Build(params)
	return err
}

// identity passes payloads through untouched.
type identity struct{}

func newIdentity(confstore.TransformParams) (Transform, error) { return identity{}, nil }

func (identity) Apply(payload []byte, _ string) ([]byte, bool) { return payload, false }

// downsample forwards one record in every rate records, per consumer.
type downsample struct {
	rate    uint64
	counter uint64
	mu      sync.Mutex
}

func newDownsample(params confstore.TransformParams) (Transform, error) {
	raw, ok := params["rate"]
	if !ok {
		return nil, fmt.Errorf("%w: downsample requires rate", ErrBadTransformArg)
	}
	rate, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || rate == 0 {
		return nil, fmt.Errorf("%w: downsample rate %q must be a positive integer", ErrBadTransformArg, raw)
	}
	return &downsample{rate: rate}, nil
}

func (d *downsample) Apply(payload []byte, _ string) ([]byte, bool) {
	d.mu.Lock()
	n := d.counter
	d.counter++
	d.mu.Unlock()
	if n%d.rate != 0 {
		return nil, true
	}
	return payload, false
}

// truncate caps the payload at max_bytes.
type truncate struct {
	maxBytes int
}

func newTruncate(params confstore.TransformParams) (Transform, error) {
	raw, ok := params["max_bytes"]
	if !ok {
		return nil, fmt.Errorf("%w: truncate requires max_bytes", ErrBadTransformArg)
	}
	maxBytes, err := strconv.Atoi(raw)
	if err != nil || maxBytes <= 0 {
		return nil, fmt.Errorf("%w: truncate max_bytes %q must be a positive integer", ErrBadTransformArg, raw)
	}
	return truncate{maxBytes: maxBytes}, nil
}

func (t truncate) Apply(payload []byte, _ string) ([]byte, bool) {
	if len(payload) <= t.maxBytes {
		return payload, false
	}
	return payload[:t.maxBytes], false
}
