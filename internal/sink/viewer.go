package sink

import (
	"context"
	"sync"
	"sync/atomic"
)

// Appender is the remote viewer transport's append-record call.
type Appender interface {
	Append(ctx context.Context, rec Record) error
}

// AppenderFunc adapts a function to Appender.
type AppenderFunc func(ctx context.Context, rec Record) error

// Append implements Appender.
func (f AppenderFunc) Append(ctx context.Context, rec Record) error { return f(ctx, rec) }

// ViewerSink streams records to one remote viewer session. Delivery
// failure marks the session dead and fires the onDead callback once;
// the caller uses that to tear the consumer down.
type ViewerSink struct {
	id       string
	queue    *recordQueue
	appender Appender
	onDead   func(id string)

	enqueued  atomic.Uint64
	delivered atomic.Uint64

	mu      sync.Mutex
	lastErr error
	dead    bool

	closeOnce sync.Once
}

// NewViewerSink creates a viewer sink with a drop-oldest queue of the
// given depth. onDead may be nil.
func NewViewerSink(id string, queueDepth int, appender Appender, onDead func(id string)) *ViewerSink {
	return &ViewerSink{
		id:       id,
		queue:    newRecordQueue(queueDepth, DropOldest),
		appender: appender,
		onDead:   onDead,
	}
}

// ID implements Sink.
func (v *ViewerSink) ID() string { return v.id }

// Enqueue implements Sink. A full queue evicts the oldest queued
// record in favour of the new one.
func (v *ViewerSink) Enqueue(rec Record) bool {
	v.mu.Lock()
	dead := v.dead
	v.mu.Unlock()
	if dead {
		return false
	}

	ok := v.queue.push(rec)
	if ok {
		v.enqueued.Add(1)
	}
	return ok
}

// Run implements Sink: drains the queue into the appender. The first
// append failure marks the session dead and ends the loop.
func (v *ViewerSink) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		v.queue.close()
	}()

	for {
		rec, ok := v.queue.pop()
		if !ok {
			return
		}
		if err := v.appender.Append(ctx, rec); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warnf("Viewer %s append failed, marking session dead: %v", v.id, err)
			v.markDead(err)
			return
		}
		v.delivered.Add(1)
	}
}

func (v *ViewerSink) markDead(err error) {
	v.mu.Lock()
	alreadyDead := v.dead
	v.dead = true
	v.lastErr = err
	v.mu.Unlock()

	v.queue.close()
	if !alreadyDead && v.onDead != nil {
		v.onDead(v.id)
	}
}

// Stats implements Sink.
func (v *ViewerSink) Stats() Stats {
	queued, dropped := v.queue.stats()
	v.mu.Lock()
	defer v.mu.Unlock()

	stats := Stats{
		ID:        v.id,
		Kind:      "viewer",
		Enqueued:  v.enqueued.Load(),
		Delivered: v.delivered.Load(),
		Dropped:   dropped,
		Queued:    queued,
		Halted:    v.dead,
	}
	if v.lastErr != nil {
		stats.LastError = v.lastErr.Error()
	}
	return stats
}

// Close implements Sink.
func (v *ViewerSink) Close() {
	v.closeOnce.Do(func() {
		v.mu.Lock()
		v.dead = true
		v.mu.Unlock()
		v.queue.close()
	})
}
