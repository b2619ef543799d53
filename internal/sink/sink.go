// Package sink implements the delivery endpoints records are fanned
// out to: remote viewer sessions and the local file recorder.
//
// Every sink owns a bounded queue and a dedicated drain goroutine.
// Enqueue never blocks and never performs I/O; all network and disk
// work happens inside the drain loop, decoupled from the routing path.
package sink

import (
	"context"
	"errors"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("bridge-sink")

// Sink errors.
var (
	ErrSinkClosed = errors.New("sink closed")
	ErrSinkWrite  = errors.New("sink write failed")
)

// Record is the unit of delivery: one captured bus message, possibly
// transformed for the receiving consumer.
type Record struct {
	Topic      string
	SchemaID   string
	CapturedAt time.Time
	Payload    []byte
}

// Stats is a point-in-time snapshot of a sink's accounting.
type Stats struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Enqueued  uint64 `json:"enqueued"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Queued    int    `json:"queued"`
	Halted    bool   `json:"halted"`
	LastError string `json:"lastError,omitempty"`
}

// Sink is the uniform consumer delivery interface.
type Sink interface {
	// ID is the owning consumer's id.
	ID() string
	// Enqueue offers a record. It returns false when the record was
	// dropped (by this sink's backpressure policy) or the sink is no
	// longer accepting.
	Enqueue(Record) bool
	// Run drains the queue until the context ends or the sink halts.
	Run(ctx context.Context)
	// Stats reports accounting.
	Stats() Stats
	// Close stops the sink and releases its queue.
	Close()
}
