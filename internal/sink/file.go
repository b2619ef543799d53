package sink

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// RecordWriter is the durable append target of the file sink
// (implemented by storage.RecordLog).
type RecordWriter interface {
	Append(ctx context.Context, rec Record) error
	AppendBatch(ctx context.Context, recs []Record) error
}

// FileSinkID is the fixed identity of the singleton file sink
// consumer.
const FileSinkID = "file-sink"

// FileSink records routed records to durable storage. It captures a
// superset of what viewers see, so its queue drops the newest record
// when full: completeness of the already-captured stream wins over
// recency. A write failure is sink-scoped fatal — it halts only this
// sink's drain loop and reports the error; routing and viewer delivery
// continue.
type FileSink struct {
	id        string
	queue     *recordQueue
	writer    RecordWriter
	batchSize int

	enqueued  atomic.Uint64
	delivered atomic.Uint64

	mu      sync.Mutex
	lastErr error
	halted  bool

	closeOnce sync.Once
}

// NewFileSink creates the file sink with a drop-newest queue of the
// given depth. batchSize caps how many queued records one write
// transaction absorbs.
func NewFileSink(queueDepth, batchSize int, writer RecordWriter) *FileSink {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &FileSink{
		id:        FileSinkID,
		queue:     newRecordQueue(queueDepth, DropNewest),
		writer:    writer,
		batchSize: batchSize,
	}
}

// ID implements Sink.
func (f *FileSink) ID() string { return f.id }

// Enqueue implements Sink. A full queue refuses the incoming record
// with a warning.
func (f *FileSink) Enqueue(rec Record) bool {
	f.mu.Lock()
	halted := f.halted
	f.mu.Unlock()
	if halted {
		return false
	}

	if !f.queue.push(rec) {
		log.Warnf("File sink queue full; dropping newest record on %s", rec.Topic)
		return false
	}
	f.enqueued.Add(1)
	return true
}

// Run implements Sink: drains the queue into the record writer. The
// first write failure halts the loop and records the error status.
func (f *FileSink) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		f.queue.close()
	}()

	batch := make([]Record, 0, f.batchSize)
	for {
		rec, ok := f.queue.pop()
		if !ok {
			return
		}

		// Absorb whatever else is already queued into one transaction.
		batch = append(batch[:0], rec)
		for len(batch) < f.batchSize {
			next, ok := f.queue.tryPop()
			if !ok {
				break
			}
			batch = append(batch, next)
		}

		if err := f.writer.AppendBatch(ctx, batch); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Errorf("File sink write failed, halting recorder: %v", err)
			f.mu.Lock()
			f.halted = true
			f.lastErr = fmt.Errorf("%w: %v", ErrSinkWrite, err)
			f.mu.Unlock()
			f.queue.close()
			return
		}
		f.delivered.Add(uint64(len(batch)))
	}
}

// Stats implements Sink.
func (f *FileSink) Stats() Stats {
	queued, dropped := f.queue.stats()
	f.mu.Lock()
	defer f.mu.Unlock()

	stats := Stats{
		ID:        f.id,
		Kind:      "file",
		Enqueued:  f.enqueued.Load(),
		Delivered: f.delivered.Load(),
		Dropped:   dropped,
		Queued:    queued,
		Halted:    f.halted,
	}
	if f.lastErr != nil {
		stats.LastError = f.lastErr.Error()
	}
	return stats
}

// Close implements Sink.
func (f *FileSink) Close() {
	f.closeOnce.Do(func() {
		f.queue.close()
	})
}
