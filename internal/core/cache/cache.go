// Package cache implements the synchronous in-memory record cache. It is the
// only read path that never suspends: callers get whatever was last written,
// with no version arbitration. Version decisions belong to the store and to
// the push-apply path; the cache is a pure mirror of their outcome.
package cache

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/replisync/replisync/internal/core/record"
)

const shardCount = 16

// Change describes one mutation of a cached record. Previous is nil for a
// fresh insert, Next is nil for a delete.
type Change struct {
	Pointer  record.Pointer
	Previous *record.Record
	Next     *record.Record
}

// Listener receives changes for the single key it subscribed to.
type Listener func(Change)

// Cache is a sharded map of (table, id) -> versioned record with per-key
// change listeners. All operations are synchronous.
type Cache struct {
	shards [shardCount]shard
}

type shard struct {
	mu        sync.RWMutex
	records   map[string]record.Record
	listeners map[string]map[uint64]Listener
	nextSub   uint64
}

func New() *Cache {
	c := &Cache{}
	for i := range c.shards {
		c.shards[i].records = make(map[string]record.Record)
		c.shards[i].listeners = make(map[string]map[uint64]Listener)
	}
	return c
}

func (c *Cache) shardFor(key string) *shard {
	return &c.shards[xxhash.Sum64String(key)%shardCount]
}

// Get returns the cached record for the pointer.
func (c *Cache) Get(p record.Pointer) (record.Record, bool) {
	sh := c.shardFor(p.Key())
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	rec, ok := sh.records[p.Key()]
	return rec, ok
}

// Has reports whether the pointer is cached.
func (c *Cache) Has(p record.Pointer) bool {
	_, ok := c.Get(p)
	return ok
}

// Set stores the record unconditionally and notifies the key's listeners.
func (c *Cache) Set(p record.Pointer, rec record.Record) {
	key := p.Key()
	sh := c.shardFor(key)

	sh.mu.Lock()
	var previous *record.Record
	if old, ok := sh.records[key]; ok {
		prev := old
		previous = &prev
	}
	sh.records[key] = rec
	listeners := sh.listenersFor(key)
	sh.mu.Unlock()

	next := rec
	notify(listeners, Change{Pointer: p, Previous: previous, Next: &next})
}

// Delete evicts the record if present, notifying listeners. It reports
// whether anything was removed.
func (c *Cache) Delete(p record.Pointer) bool {
	key := p.Key()
	sh := c.shardFor(key)

	sh.mu.Lock()
	old, ok := sh.records[key]
	if !ok {
		sh.mu.Unlock()
		return false
	}
	delete(sh.records, key)
	listeners := sh.listenersFor(key)
	sh.mu.Unlock()

	notify(listeners, Change{Pointer: p, Previous: &old})
	return true
}

// Subscribe registers a listener for exactly this key. The returned function
// removes it.
func (c *Cache) Subscribe(p record.Pointer, fn Listener) func() {
	key := p.Key()
	sh := c.shardFor(key)

	sh.mu.Lock()
	if sh.listeners[key] == nil {
		sh.listeners[key] = make(map[uint64]Listener)
	}
	sh.nextSub++
	id := sh.nextSub
	sh.listeners[key][id] = fn
	sh.mu.Unlock()

	return func() {
		sh.mu.Lock()
		defer sh.mu.Unlock()
		if m, ok := sh.listeners[key]; ok {
			delete(m, id)
			if len(m) == 0 {
				delete(sh.listeners, key)
			}
		}
	}
}

// Len returns the number of cached records.
func (c *Cache) Len() int {
	n := 0
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.RLock()
		n += len(sh.records)
		sh.mu.RUnlock()
	}
	return n
}

// snapshot of the key's listeners, taken under the shard lock.
func (sh *shard) listenersFor(key string) []Listener {
	m := sh.listeners[key]
	if len(m) == 0 {
		return nil
	}
	out := make([]Listener, 0, len(m))
	for _, fn := range m {
		out = append(out, fn)
	}
	return out
}

// notify calls each listener outside the shard lock, isolating panics so one
// failing observer cannot block the rest.
func notify(listeners []Listener, ch Change) {
	for _, fn := range listeners {
		func() {
			defer func() { _ = recover() }()
			fn(ch)
		}()
	}
}
