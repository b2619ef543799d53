package routing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/robolink/bridge-server/internal/confstore"
	"github.com/robolink/bridge-server/internal/sink"
)

// captureSink records enqueued records without a drain loop.
type captureSink struct {
	id string

	mu      sync.Mutex
	records []sink.Record
}

func newCaptureSink(id string) *captureSink { return &captureSink{id: id} }

func (s *captureSink) ID() string { return s.id }

func (s *captureSink) Enqueue(rec sink.Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return true
}

func (s *captureSink) Run(ctx context.Context) {}
func (s *captureSink) Stats() sink.Stats       { return sink.Stats{ID: s.id} }
func (s *captureSink) Close()                  {}

func (s *captureSink) recorded() []sink.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sink.Record, len(s.records))
	copy(out, s.records)
	return out
}

func newTestEngine(t *testing.T) (*Engine, *confstore.Store) {
	t.Helper()
	transforms := NewTransforms()
	store := confstore.New(func(topic string, params confstore.TransformParams) error {
		return transforms.Validate(params)
	})
	return NewEngine(store, transforms), store
}

func TestDeliverRoutesToSelectingConsumers(t *testing.T) {
	engine, store := newTestEngine(t)

	a := newCaptureSink("viewer-a")
	b := newCaptureSink("viewer-b")
	engine.AttachSink(a)
	engine.AttachSink(b)

	if _, err := store.Propose("viewer-a", confstore.Mutation{Selection: []string{"/odom"}}); err != nil {
		t.Fatalf("Failed to propose viewer-a config: %v", err)
	}
	if _, err := store.Propose("viewer-b", confstore.Mutation{Selection: []string{"/cmd_vel"}}); err != nil {
		t.Fatalf("Failed to propose viewer-b config: %v", err)
	}

	engine.Deliver("/odom", []byte("pose"), "nav_msgs/Odometry", time.Now())

	if got := a.recorded(); len(got) != 1 || got[0].Topic != "/odom" {
		t.Errorf("viewer-a expected 1 /odom record, got %v", got)
	}
	if got := b.recorded(); len(got) != 0 {
		t.Errorf("viewer-b selected nothing on /odom, got %v", got)
	}
}

func TestDeliverNoConsumers(t *testing.T) {
	engine, _ := newTestEngine(t)
	// No consumers at all: must not panic, nothing delivered.
	engine.Deliver("/odom", []byte("pose"), "nav_msgs/Odometry", time.Now())
}

func TestDeliverHonoursWildcards(t *testing.T) {
	engine, store := newTestEngine(t)

	a := newCaptureSink("viewer-a")
	engine.AttachSink(a)
	if _, err := store.Propose("viewer-a", confstore.Mutation{Selection: []string{"/tf/*"}}); err != nil {
		t.Fatalf("Failed to propose config: %v", err)
	}

	engine.Deliver("/tf/base_link", []byte("x"), "tf2_msgs/TFMessage", time.Now())
	engine.Deliver("/odom", []byte("y"), "nav_msgs/Odometry", time.Now())

	got := a.recorded()
	if len(got) != 1 || got[0].Topic != "/tf/base_link" {
		t.Errorf("Expected only /tf/base_link, got %v", got)
	}
}

func TestDownsampleTransform(t *testing.T) {
	engine, store := newTestEngine(t)

	a := newCaptureSink("viewer-a")
	engine.AttachSink(a)
	if _, err := store.Propose("viewer-a", confstore.Mutation{
		Selection: []string{"/scan"},
		Transforms: map[string]confstore.TransformParams{
			"/scan": {"transform": "downsample", "rate": "3"},
		},
	}); err != nil {
		t.Fatalf("Failed to propose config: %v", err)
	}

	for i := 0; i < 9; i++ {
		engine.Deliver("/scan", []byte{byte(i)}, "sensor_msgs/LaserScan", time.Now())
	}

	got := a.recorded()
	if len(got) != 3 {
		t.Fatalf("Expected 3 of 9 records at rate 3, got %d", len(got))
	}
	// Every third record, starting with the first.
	for i, rec := range got {
		if rec.Payload[0] != byte(i*3) {
			t.Errorf("Record %d has payload %d, want %d", i, rec.Payload[0], i*3)
		}
	}
}

func TestTruncateTransform(t *testing.T) {
	engine, store := newTestEngine(t)

	a := newCaptureSink("viewer-a")
	engine.AttachSink(a)
	if _, err := store.Propose("viewer-a", confstore.Mutation{
		Selection: []string{"/image"},
		Transforms: map[string]confstore.TransformParams{
			"/image": {"transform": "truncate", "max_bytes": "4"},
		},
	}); err != nil {
		t.Fatalf("Failed to propose config: %v", err)
	}

	engine.Deliver("/image", []byte("0123456789"), "sensor_msgs/Image", time.Now())
	engine.Deliver("/image", []byte("ab"), "sensor_msgs/Image", time.Now())

	got := a.recorded()
	if len(got) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(got))
	}
	if string(got[0].Payload) != "0123" {
		t.Errorf("Oversized payload not truncated: %q", got[0].Payload)
	}
	if string(got[1].Payload) != "ab" {
		t.Errorf("Small payload altered: %q", got[1].Payload)
	}
}

func TestPerConsumerIndependentTransforms(t *testing.T) {
	engine, store := newTestEngine(t)

	a := newCaptureSink("viewer-a")
	b := newCaptureSink("viewer-b")
	engine.AttachSink(a)
	engine.AttachSink(b)

	if _, err := store.Propose("viewer-a", confstore.Mutation{
		Selection: []string{"/scan"},
		Transforms: map[string]confstore.TransformParams{
			"/scan": {"transform": "downsample", "rate": "2"},
		},
	}); err != nil {
		t.Fatalf("Failed to propose viewer-a config: %v", err)
	}
	if _, err := store.Propose("viewer-b", confstore.Mutation{Selection: []string{"/scan"}}); err != nil {
		t.Fatalf("Failed to propose viewer-b config: %v", err)
	}

	for i := 0; i < 4; i++ {
		engine.Deliver("/scan", []byte{byte(i)}, "sensor_msgs/LaserScan", time.Now())
	}

	if got := a.recorded(); len(got) != 2 {
		t.Errorf("Downsampling consumer expected 2 records, got %d", len(got))
	}
	if got := b.recorded(); len(got) != 4 {
		t.Errorf("Identity consumer expected all 4 records, got %d", len(got))
	}
}

func TestConfigChangeAppliesFromNextRecord(t *testing.T) {
	engine, store := newTestEngine(t)

	a := newCaptureSink("viewer-a")
	engine.AttachSink(a)
	if _, err := store.Propose("viewer-a", confstore.Mutation{Selection: []string{"/odom"}}); err != nil {
		t.Fatalf("Failed to propose config: %v", err)
	}

	engine.Deliver("/odom", []byte("one"), "nav_msgs/Odometry", time.Now())

	if _, err := store.Propose("viewer-a", confstore.Mutation{Selection: []string{"/cmd_vel"}}); err != nil {
		t.Fatalf("Failed to re-propose config: %v", err)
	}
	engine.Deliver("/odom", []byte("two"), "nav_msgs/Odometry", time.Now())

	got := a.recorded()
	if len(got) != 1 || string(got[0].Payload) != "one" {
		t.Errorf("Deselected topic kept delivering: %v", got)
	}
}

func TestDetachSinkStopsDelivery(t *testing.T) {
	engine, store := newTestEngine(t)

	a := newCaptureSink("viewer-a")
	engine.AttachSink(a)
	if _, err := store.Propose("viewer-a", confstore.Mutation{Selection: []string{"/odom"}}); err != nil {
		t.Fatalf("Failed to propose config: %v", err)
	}

	engine.DetachSink("viewer-a")
	engine.Deliver("/odom", []byte("pose"), "nav_msgs/Odometry", time.Now())

	if got := a.recorded(); len(got) != 0 {
		t.Errorf("Detached sink still received records: %v", got)
	}
}

func TestValidatorRejectsBadTransforms(t *testing.T) {
	transforms := NewTransforms()
	engine := NewEngine(confstore.New(nil), transforms)
	validate := engine.Validator()

	tests := []struct {
		name    string
		params  confstore.TransformParams
		wantErr error
	}{
		{"unknown capability", confstore.TransformParams{"transform": "resample"}, ErrUnknownTransform},
		{"downsample without rate", confstore.TransformParams{"transform": "downsample"}, ErrBadTransformArg},
		{"downsample zero rate", confstore.TransformParams{"transform": "downsample", "rate": "0"}, ErrBadTransformArg},
		{"truncate bad max", confstore.TransformParams{"transform": "truncate", "max_bytes": "lots"}, ErrBadTransformArg},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := validate("/any", tt.params); !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	if err := validate("/any", nil); err != nil {
		t.Errorf("Nil params (identity) should validate: %v", err)
	}
	if err := validate("/any", confstore.TransformParams{"transform": "identity"}); err != nil {
		t.Errorf("Identity should validate: %v", err)
	}
}

func TestRegisterCustomTransform(t *testing.T) {
	transforms := NewTransforms()
	transforms.Register("reverse", func(confstore.TransformParams) (Transform, error) {
		return transformFunc(func(payload []byte, _ string) ([]byte, bool) {
			out := make([]byte, len(payload))
			for i, b := range payload {
				out[len(payload)-1-i] = b
			}
			return out, false
		}), nil
	})

	tr, err := transforms.Build(confstore.TransformParams{"transform": "reverse"})
	if err != nil {
		t.Fatalf("Failed to build custom transform: %v", err)
	}
	out, skip := tr.Apply([]byte("abc"), "")
	if skip || string(out) != "cba" {
		t.Errorf("Custom transform misapplied: %q skip=%v", out, skip)
	}
}

// transformFunc adapts a function to Transform for tests.
type transformFunc func(payload []byte, schemaID string) ([]byte, bool)

func (f transformFunc) Apply(payload []byte, schemaID string) ([]byte, bool) {
	return f(payload, schemaID)
}
