// Package subs tracks topic interest across independent consumers. It
// refcounts subscriptions so the upstream transport sees one subscribe per
// topic regardless of how many watchers share it, and it delays the upstream
// unsubscribe by a grace period so a quick re-subscribe (a view remount, a
// navigation bounce) never round-trips through the server.
package subs

import (
	"sync"
	"time"

	"github.com/replisync/replisync/internal/core/observability/log"
	"github.com/replisync/replisync/pkg/clock"
)

// DefaultGracePeriod is how long a topic stays subscribed upstream after its
// last watcher cancels.
const DefaultGracePeriod = 5 * time.Second

// Upstream is the transport surface the tracker drives. *realtime.Client
// satisfies it.
type Upstream interface {
	Subscribe(topic string)
	Unsubscribe(topic string)
}

type entry struct {
	refs  int
	timer clock.Timer // armed while refs == 0, pending upstream unsubscribe
}

// Tracker refcounts topic subscriptions. Safe for concurrent use.
type Tracker struct {
	upstream Upstream
	clock    clock.Clock
	grace    time.Duration
	log      log.Log

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates a tracker. A non-positive grace period falls back to
// DefaultGracePeriod.
func New(upstream Upstream, grace time.Duration, logger log.Log, clk clock.Clock) *Tracker {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Tracker{
		upstream: upstream,
		clock:    clk,
		grace:    grace,
		log:      logger.With(log.String("component", "subs")),
		entries:  make(map[string]*entry),
	}
}

// Subscribe registers interest in a topic and returns a cancel function. The
// upstream subscribe happens only when the first watcher arrives; if the topic
// is in its grace period the pending unsubscribe is cancelled instead. The
// returned cancel is idempotent.
func (t *Tracker) Subscribe(topic string) func() {
	t.mu.Lock()
	e, ok := t.entries[topic]
	if !ok {
		e = &entry{}
		t.entries[topic] = e
	}
	e.refs++
	first := e.refs == 1 && e.timer == nil
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	t.mu.Unlock()

	if first {
		t.log.Debug("subscribing upstream", log.String("topic", topic))
		t.upstream.Subscribe(topic)
	}

	var once sync.Once
	return func() {
		once.Do(func() { t.release(topic) })
	}
}

func (t *Tracker) release(topic string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[topic]
	if !ok || e.refs == 0 {
		return
	}
	e.refs--
	if e.refs > 0 {
		return
	}
	e.timer = t.clock.AfterFunc(t.grace, func() { t.expire(topic) })
}

// expire fires when the grace period elapses with no new watchers.
func (t *Tracker) expire(topic string) {
	t.mu.Lock()
	e, ok := t.entries[topic]
	if !ok || e.refs > 0 || e.timer == nil {
		t.mu.Unlock()
		return
	}
	delete(t.entries, topic)
	t.mu.Unlock()

	t.log.Debug("unsubscribing upstream", log.String("topic", topic))
	t.upstream.Unsubscribe(topic)
}

// Topics returns the topics currently held upstream, including those in their
// grace period.
func (t *Tracker) Topics() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.entries))
	for topic := range t.entries {
		out = append(out, topic)
	}
	return out
}

// Refs returns the watcher count for a topic; 0 covers both grace-period
// topics and unknown ones.
func (t *Tracker) Refs(topic string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[topic]; ok {
		return e.refs
	}
	return 0
}

// Clear drops every subscription immediately, sending the upstream
// unsubscribes without waiting out grace periods.
func (t *Tracker) Clear() {
	t.mu.Lock()
	topics := make([]string, 0, len(t.entries))
	for topic, e := range t.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		topics = append(topics, topic)
	}
	t.entries = make(map[string]*entry)
	t.mu.Unlock()

	for _, topic := range topics {
		t.upstream.Unsubscribe(topic)
	}
}
