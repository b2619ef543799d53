package confstore

import (
	"errors"
	"fmt"
	"testing"
)

func TestProposeCreatesVersionedConfig(t *testing.T) {
	store := New(nil)

	version, err := store.Propose("viewer-1", Mutation{Selection: []string{"/cmd_vel", "/odom"}})
	if err != nil {
		t.Fatalf("Failed to propose config: %v", err)
	}
	if version != 1 {
		t.Errorf("Expected version 1, got %d", version)
	}

	cfg, err := store.Get("viewer-1")
	if err != nil {
		t.Fatalf("Failed to get config: %v", err)
	}
	if len(cfg.Selection) != 2 {
		t.Errorf("Expected 2 selected topics, got %d", len(cfg.Selection))
	}

	version, err = store.Propose("viewer-1", Mutation{Selection: []string{"/cmd_vel"}})
	if err != nil {
		t.Fatalf("Failed to propose second config: %v", err)
	}
	if version != 2 {
		t.Errorf("Expected version 2 after mutation, got %d", version)
	}
}

func TestProposeIdempotent(t *testing.T) {
	store := New(nil)

	mutation := Mutation{
		Selection:  []string{"/odom", "/cmd_vel"},
		Transforms: map[string]TransformParams{"/odom": {"transform": "identity"}},
	}

	v1, err := store.Propose("viewer-1", mutation)
	if err != nil {
		t.Fatalf("Failed to propose config: %v", err)
	}
	snapshotBefore := store.Current().Version

	// Same content, different slice order: no version bump, no new
	// snapshot.
	v2, err := store.Propose("viewer-1", Mutation{
		Selection:  []string{"/cmd_vel", "/odom"},
		Transforms: map[string]TransformParams{"/odom": {"transform": "identity"}},
	})
	if err != nil {
		t.Fatalf("Failed to re-propose config: %v", err)
	}
	if v2 != v1 {
		t.Errorf("Identical proposal bumped version: %d -> %d", v1, v2)
	}
	if got := store.Current().Version; got != snapshotBefore {
		t.Errorf("Identical proposal published a new snapshot: %d -> %d", snapshotBefore, got)
	}
}

func TestRejectedMutationInvisible(t *testing.T) {
	store := New(func(topic string, params TransformParams) error {
		if params["transform"] == "bogus" {
			return errors.New("unknown transform")
		}
		return nil
	})

	if _, err := store.Propose("viewer-1", Mutation{Selection: []string{"/odom"}}); err != nil {
		t.Fatalf("Failed to propose config: %v", err)
	}
	before := store.Current()

	_, err := store.Propose("viewer-1", Mutation{
		Selection:  []string{"/odom"},
		Transforms: map[string]TransformParams{"/odom": {"transform": "bogus"}},
	})
	if err == nil {
		t.Fatal("Expected validation rejection")
	}
	if !errors.Is(err, ErrConfigValidation) {
		t.Errorf("Expected ErrConfigValidation, got %v", err)
	}

	if store.Current() != before {
		t.Error("Rejected mutation produced a new snapshot")
	}
	cfg, _ := store.Get("viewer-1")
	if cfg.Version != 1 {
		t.Errorf("Rejected mutation changed version to %d", cfg.Version)
	}
	if len(cfg.Transforms) != 0 {
		t.Error("Rejected transforms became visible")
	}
}

func TestProposeValidation(t *testing.T) {
	store := New(nil)

	tests := []struct {
		name     string
		mutation Mutation
	}{
		{
			name:     "empty topic name",
			mutation: Mutation{Selection: []string{""}},
		},
		{
			name: "transform outside selection",
			mutation: Mutation{
				Selection:  []string{"/odom"},
				Transforms: map[string]TransformParams{"/cmd_vel": {"transform": "identity"}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := store.Propose("viewer-1", tt.mutation); !errors.Is(err, ErrConfigValidation) {
				t.Errorf("Expected ErrConfigValidation, got %v", err)
			}
		})
	}
}

func TestWildcardSelection(t *testing.T) {
	store := New(nil)

	if _, err := store.Propose("viewer-1", Mutation{Selection: []string{"/tf/*", "/odom"}}); err != nil {
		t.Fatalf("Failed to propose config: %v", err)
	}
	snapshot := store.Current()

	tests := []struct {
		topic string
		want  bool
	}{
		{"/odom", true},
		{"/tf", true},
		{"/tf/base_link", true},
		{"/tf/arm/joint1", true},
		{"/tfx", false},
		{"/cmd_vel", false},
	}

	for _, tt := range tests {
		if got := snapshot.Selects(tt.topic); got != tt.want {
			t.Errorf("Selects(%q) = %v, want %v", tt.topic, got, tt.want)
		}
	}
}

func TestConsumersForMergesExactAndPrefix(t *testing.T) {
	store := New(nil)

	if _, err := store.Propose("viewer-1", Mutation{Selection: []string{"/tf/*"}}); err != nil {
		t.Fatalf("Failed to propose viewer-1 config: %v", err)
	}
	if _, err := store.Propose("viewer-2", Mutation{Selection: []string{"/tf/base_link"}}); err != nil {
		t.Fatalf("Failed to propose viewer-2 config: %v", err)
	}

	ids := store.Current().ConsumersFor("/tf/base_link")
	if len(ids) != 2 {
		t.Fatalf("Expected 2 consumers, got %v", ids)
	}

	ids = store.Current().ConsumersFor("/tf/arm")
	if len(ids) != 1 || ids[0] != "viewer-1" {
		t.Errorf("Expected only viewer-1, got %v", ids)
	}
}

func TestRemoveReleasesEntry(t *testing.T) {
	store := New(nil)

	if _, err := store.Propose("viewer-1", Mutation{Selection: []string{"/odom"}}); err != nil {
		t.Fatalf("Failed to propose config: %v", err)
	}
	held := store.Current()

	store.Remove("viewer-1")

	if store.Current().Selects("/odom") {
		t.Error("Removed consumer's selection still visible in new snapshot")
	}
	if _, err := store.Get("viewer-1"); !errors.Is(err, ErrUnknownConsumer) {
		t.Errorf("Expected ErrUnknownConsumer, got %v", err)
	}

	// The previously loaded snapshot is immutable: an in-flight reader
	// still sees the entry it started with.
	if !held.Selects("/odom") {
		t.Error("Held snapshot was mutated by Remove")
	}

	// Removing twice is a no-op.
	store.Remove("viewer-1")
}

func TestRemovalObservedViaNextSnapshot(t *testing.T) {
	store := New(nil)

	if _, err := store.Propose("viewer-a", Mutation{Selection: []string{"/cmd_vel"}}); err != nil {
		t.Fatalf("Failed to propose viewer-a config: %v", err)
	}
	if _, err := store.Propose("viewer-b", Mutation{Selection: []string{"/odom"}}); err != nil {
		t.Fatalf("Failed to propose viewer-b config: %v", err)
	}

	store.Remove("viewer-a")
	snapshot := store.Current()

	if snapshot.Selects("/cmd_vel") {
		t.Error("/cmd_vel still selected after viewer-a removal")
	}
	if !snapshot.Selects("/odom") {
		t.Error("/odom lost although viewer-b still present")
	}
}

func TestStructuralSharing(t *testing.T) {
	store := New(nil)

	if _, err := store.Propose("viewer-1", Mutation{Selection: []string{"/odom"}}); err != nil {
		t.Fatalf("Failed to propose viewer-1 config: %v", err)
	}
	before := store.Current().Consumers["viewer-1"]

	if _, err := store.Propose("viewer-2", Mutation{Selection: []string{"/cmd_vel"}}); err != nil {
		t.Fatalf("Failed to propose viewer-2 config: %v", err)
	}
	after := store.Current().Consumers["viewer-1"]

	if before != after {
		t.Error("Unchanged consumer entry was rebuilt instead of shared")
	}
}

func TestOnCommitHook(t *testing.T) {
	store := New(nil)

	var commits int
	store.OnCommit(func(*Snapshot) { commits++ })

	if _, err := store.Propose("viewer-1", Mutation{Selection: []string{"/odom"}}); err != nil {
		t.Fatalf("Failed to propose config: %v", err)
	}
	// Identical re-proposal commits nothing.
	if _, err := store.Propose("viewer-1", Mutation{Selection: []string{"/odom"}}); err != nil {
		t.Fatalf("Failed to re-propose config: %v", err)
	}
	store.Remove("viewer-1")

	if commits != 2 {
		t.Errorf("Expected 2 commits (propose + remove), got %d", commits)
	}
}

func TestTransformForPrecedence(t *testing.T) {
	cfg := &ConsumerConfig{
		Selection: []string{"/tf/*"},
		Transforms: map[string]TransformParams{
			"/tf/*":         {"transform": "downsample", "rate": "10"},
			"/tf/base_link": {"transform": "identity"},
		},
	}

	if params := cfg.TransformFor("/tf/base_link"); params["transform"] != "identity" {
		t.Errorf("Exact transform rule should win, got %v", params)
	}
	if params := cfg.TransformFor("/tf/arm"); params["transform"] != "downsample" {
		t.Errorf("Prefix transform rule should apply, got %v", params)
	}
	if params := cfg.TransformFor("/odom"); params != nil {
		t.Errorf("Unselected topic should have nil params, got %v", params)
	}
}

func TestSnapshotVersionMonotonic(t *testing.T) {
	store := New(nil)

	last := store.Current().Version
	for i := 0; i < 5; i++ {
		if _, err := store.Propose("viewer-1", Mutation{Selection: []string{fmt.Sprintf("/t%d", i)}}); err != nil {
			t.Fatalf("Failed to propose config: %v", err)
		}
		got := store.Current().Version
		if got <= last {
			t.Fatalf("Snapshot version not monotonic: %d after %d", got, last)
		}
		last = got
	}
}
