// Package controller drives the bus subscribe/unsubscribe lifecycle to
// match the union of consumer interests.
//
// Each topic owns an explicit state machine:
//
//	Unsubscribed -> Subscribing -> Active -> Unsubscribing -> Unsubscribed
//
// Subscribe failures retry with bounded exponential backoff and a
// capped attempt count, after which the topic is surfaced as
// unavailable. Reconciliation passes are coalesced: at most one runs
// at a time; a kick arriving mid-pass schedules exactly one rerun.
package controller

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/robolink/bridge-server/internal/bus"
	"github.com/robolink/bridge-server/internal/confstore"
	"github.com/robolink/bridge-server/internal/registry"
)

var log = logging.Logger("bridge-controller")

// ErrSubscription marks a topic that exhausted its subscribe retries.
var ErrSubscription = errors.New("subscription failed")

// State is a topic's position in the subscription lifecycle.
type State string

const (
	StateUnsubscribed  State = "unsubscribed"
	StateSubscribing   State = "subscribing"
	StateActive        State = "active"
	StateUnsubscribing State = "unsubscribing"
	// StateError means subscribe attempts are exhausted. The topic is
	// reported unavailable until discovery re-adds it or interest is
	// re-declared.
	StateError State = "error"
)

// TopicStatus is the externally visible subscription status of one
// topic.
type TopicStatus struct {
	Topic     string `json:"topic"`
	State     State  `json:"state"`
	Attempts  int    `json:"attempts,omitempty"`
	LastError string `json:"lastError,omitempty"`
}

// Options tunes retry behaviour.
type Options struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultOptions returns the retry policy used in production.
func DefaultOptions() Options {
	return Options{
		MaxAttempts: 5,
		BaseBackoff: 250 * time.Millisecond,
		MaxBackoff:  10 * time.Second,
	}
}

type topicState struct {
	state       State
	sub         bus.Subscription
	attempts    int
	nextAttempt time.Time
	lastErr     error
}

// Controller reconciles active bus subscriptions against the desired
// topic union.
type Controller struct {
	transport bus.Transport
	registry  *registry.Registry
	store     *confstore.Store
	deliver   bus.Handler
	opts      Options

	mu     sync.Mutex
	topics map[string]*topicState

	kick chan struct{}
}

// New creates a controller. deliver is the routing engine's dispatch
// entry point; it is installed as the handler on every subscription.
func New(transport bus.Transport, reg *registry.Registry, store *confstore.Store, deliver bus.Handler, opts Options) *Controller {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultOptions().MaxAttempts
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = DefaultOptions().BaseBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultOptions().MaxBackoff
	}
	return &Controller{
		transport: transport,
		registry:  reg,
		store:     store,
		deliver:   deliver,
		opts:      opts,
		topics:    make(map[string]*topicState),
		kick:      make(chan struct{}, 1),
	}
}

// Kick requests a reconciliation pass. Safe from any goroutine;
// concurrent kicks coalesce into one pending pass.
func (c *Controller) Kick() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Run reconciles on kicks and on retry deadlines until the context
// ends. All state machine transitions happen on this goroutine.
func (c *Controller) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		c.Reconcile(ctx)

		wait := c.nextRetryDelay()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			c.teardown()
			return
		case <-c.kick:
		case <-timer.C:
		}
	}
}

// nextRetryDelay returns the time until the earliest scheduled retry,
// or a long idle wait when nothing is pending.
func (c *Controller) nextRetryDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	wait := time.Hour
	now := time.Now()
	for _, ts := range c.topics {
		if ts.state != StateUnsubscribed || ts.attempts == 0 {
			continue
		}
		until := ts.nextAttempt.Sub(now)
		if until < time.Millisecond {
			until = time.Millisecond
		}
		if until < wait {
			wait = until
		}
	}
	return wait
}

// Reconcile runs one pass: compute the desired set and drive each
// topic's state machine toward it. Idempotent against an unchanged
// desired set.
func (c *Controller) Reconcile(ctx context.Context) {
	desired := c.desiredSet()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Topics leaving the union: Active -> Unsubscribing -> Unsubscribed.
	// An unsubscribe failure is logged and the topic is forced to
	// Unsubscribed locally; bookkeeping never waits on the transport.
	for name, ts := range c.topics {
		if desired[name] {
			continue
		}
		if ts.state == StateActive {
			ts.state = StateUnsubscribing
			if err := ts.sub.Cancel(); err != nil {
				log.Warnf("Unsubscribe %s failed: %v (forcing local unsubscribed)", name, err)
			}
			ts.sub = nil
			log.Infof("Unsubscribed from %s", name)
		}
		delete(c.topics, name)
	}

	// Topics entering or remaining in the union.
	now := time.Now()
	for name := range desired {
		ts := c.topics[name]
		if ts == nil {
			ts = &topicState{state: StateUnsubscribed}
			c.topics[name] = ts
		}

		switch ts.state {
		case StateActive, StateError:
			continue
		case StateUnsubscribed:
			if ts.attempts > 0 && now.Before(ts.nextAttempt) {
				continue
			}
		}

		ts.state = StateSubscribing
		sub, err := c.transport.Subscribe(ctx, name, c.deliver)
		if err != nil {
			ts.attempts++
			ts.lastErr = err
			if ts.attempts >= c.opts.MaxAttempts {
				ts.state = StateError
				log.Errorf("Subscribe %s failed after %d attempts: %v", name, ts.attempts, err)
				continue
			}
			ts.state = StateUnsubscribed
			ts.nextAttempt = now.Add(c.backoff(ts.attempts))
			log.Warnf("Subscribe %s failed (attempt %d/%d): %v", name, ts.attempts, c.opts.MaxAttempts, err)
			continue
		}

		ts.state = StateActive
		ts.sub = sub
		ts.attempts = 0
		ts.lastErr = nil
		log.Infof("Subscribed to %s", name)
	}
}

// desiredSet is the topic union: every registry-known topic that some
// consumer's committed selection covers. Selected-but-undiscovered
// names stay out of the set until discovery reports them.
func (c *Controller) desiredSet() map[string]bool {
	snapshot := c.store.Current()
	desired := make(map[string]bool)
	for _, topic := range c.registry.List() {
		if snapshot.Selects(topic.Name) {
			desired[topic.Name] = true
		}
	}
	return desired
}

func (c *Controller) backoff(attempts int) time.Duration {
	delay := c.opts.BaseBackoff << (attempts - 1)
	if delay > c.opts.MaxBackoff || delay <= 0 {
		delay = c.opts.MaxBackoff
	}
	return delay
}

// ResetTopic clears an errored topic's attempt count so the next pass
// retries it. Called when discovery re-adds the topic.
func (c *Controller) ResetTopic(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.topics[name]; ok && ts.state == StateError {
		ts.state = StateUnsubscribed
		ts.attempts = 0
		ts.lastErr = nil
	}
}

// Status returns the per-topic subscription status, sorted by topic.
func (c *Controller) Status() []TopicStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]TopicStatus, 0, len(c.topics))
	for name, ts := range c.topics {
		status := TopicStatus{Topic: name, State: ts.state, Attempts: ts.attempts}
		if ts.lastErr != nil {
			status.LastError = ts.lastErr.Error()
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

// ActiveTopics returns the names of topics currently Active.
func (c *Controller) ActiveTopics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []string
	for name, ts := range c.topics {
		if ts.state == StateActive {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (c *Controller) teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, ts := range c.topics {
		if ts.state == StateActive && ts.sub != nil {
			if err := ts.sub.Cancel(); err != nil {
				log.Debugf("Teardown unsubscribe %s: %v", name, err)
			}
		}
		delete(c.topics, name)
	}
}
