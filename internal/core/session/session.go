// Package session wires the engine together: transport, subscription
// tracker, cache, store, transaction queue and undo history behind one
// explicitly constructed object. Nothing here is a singleton; every
// dependency comes in through the constructor.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/replisync/replisync/internal/core/cache"
	"github.com/replisync/replisync/internal/core/connectivity"
	"github.com/replisync/replisync/internal/core/history"
	"github.com/replisync/replisync/internal/core/observability/log"
	"github.com/replisync/replisync/internal/core/realtime"
	"github.com/replisync/replisync/internal/core/record"
	"github.com/replisync/replisync/internal/core/store"
	"github.com/replisync/replisync/internal/core/subs"
	"github.com/replisync/replisync/internal/core/txn"
	"github.com/replisync/replisync/pkg/clock"
)

// Transport is the slice of the realtime client the session drives.
// *realtime.Client satisfies it.
type Transport interface {
	Connect(ctx context.Context) error
	Subscribe(topic string)
	Unsubscribe(topic string)
	OnMessage(fn func(realtime.Message))
	OnSyncBatch(fn func([]realtime.SyncMessage))
	OnStateChange(fn func(realtime.State)) func()
	Close() error
}

// Config holds the session-level settings; component settings live in the
// component configs.
type Config struct {
	// AuthorID stamps outgoing transactions.
	AuthorID string

	// GracePeriod delays upstream unsubscribes after the last watcher leaves.
	GracePeriod time.Duration

	// MaxUndoSize bounds the undo history.
	MaxUndoSize int

	Queue txn.QueueConfig
}

// Session is the engine's context object. Safe for concurrent use.
type Session struct {
	cfg   Config
	log   log.Log
	clock clock.Clock

	transport Transport
	fetcher   txn.Fetcher
	monitor   *connectivity.Monitor

	cache   *cache.Cache
	store   *store.Store
	queue   *txn.Queue
	history *history.Stack
	tracker *subs.Tracker

	// writeMu serializes the optimistic write path so version bumps on the
	// same pointer never race.
	writeMu sync.Mutex

	unsubState func()
	closeOnce  sync.Once
}

// writeOp is the reversible unit the undo history holds for one optimistic
// write. A nil before means the record did not exist.
type writeOp struct {
	pointer record.Pointer
	before  *record.Record
	after   record.Record
}

// New wires a session. The store, transport, sender, fetcher and monitor are
// injected; cache, tracker, history and queue are constructed here so their
// callbacks land back on the session.
func New(cfg Config, transport Transport, sender txn.Sender, fetcher txn.Fetcher, st *store.Store, mon *connectivity.Monitor, logger log.Log, clk clock.Clock) (*Session, error) {
	if clk == nil {
		clk = clock.System()
	}
	s := &Session{
		cfg:       cfg,
		log:       logger.With(log.String("component", "session")),
		clock:     clk,
		transport: transport,
		fetcher:   fetcher,
		monitor:   mon,
		cache:     cache.New(),
		store:     st,
	}
	s.tracker = subs.New(transport, cfg.GracePeriod, logger, clk)
	s.history = history.New(history.Config{
		MaxUndoSize: cfg.MaxUndoSize,
		OnUndo:      s.applyUndo,
		OnRedo:      s.applyRedo,
	}, logger)

	queueCfg := cfg.Queue
	queueCfg.OnRollback = s.rollback
	queue, err := txn.NewQueue(queueCfg, st, sender, mon, logger, clk)
	if err != nil {
		return nil, errors.Wrap(err, "build queue")
	}
	s.queue = queue

	transport.OnMessage(s.applyRemote)
	transport.OnSyncBatch(s.handleSyncBatch)
	s.unsubState = transport.OnStateChange(s.handleTransportState)
	return s, nil
}

// Start connects the transport. A dial failure is not fatal; the transport
// keeps retrying with backoff.
func (s *Session) Start(ctx context.Context) error {
	if err := s.transport.Connect(ctx); err != nil {
		s.log.Warn("initial connect failed, retrying in background", log.Error(err))
	}
	return nil
}

// Get reads the cache; it never suspends.
func (s *Session) Get(p record.Pointer) (record.Record, bool) {
	return s.cache.Get(p)
}

// Load reads through to the store on a cache miss and fills the cache.
func (s *Session) Load(ctx context.Context, p record.Pointer) (record.Record, bool, error) {
	if rec, ok := s.cache.Get(p); ok {
		return rec, true, nil
	}
	rec, ok, err := s.store.GetRecord(ctx, p)
	if err != nil || !ok {
		return record.Record{}, false, err
	}
	s.cache.Set(p, rec)
	return rec, true, nil
}

// Write applies an optimistic local edit: the cache updates immediately with
// a bumped version, the edit becomes undoable, and a transaction is durably
// queued for the server. It returns once the transaction is persisted, not
// once it is acknowledged.
func (s *Session) Write(ctx context.Context, p record.Pointer, fields map[string]any) error {
	s.writeMu.Lock()
	before, existed := s.cache.Get(p)
	next := s.bumpLocked(p, before, existed, fields, false)
	s.mirrorToStore(ctx, p, next)
	s.writeMu.Unlock()

	op := writeOp{pointer: p, after: next}
	if existed {
		prev := before.Clone()
		op.before = &prev
	}
	s.history.Push(op)

	tx := txn.NewTransaction(s.cfg.AuthorID, s.clock, txn.Operation{Pointer: p, Fields: fields})
	return s.queue.Enqueue(ctx, tx)
}

// bumpLocked writes the next version of a record to the cache: fields merge
// over the current record for a normal edit, or replace it wholesale when
// restoring a history snapshot. Caller holds writeMu.
func (s *Session) bumpLocked(p record.Pointer, before record.Record, existed bool, fields map[string]any, replace bool) record.Record {
	next := record.Record{ID: p.ID, Version: 1, Fields: make(map[string]any, len(fields))}
	if existed {
		next = before.Clone()
		next.Version++
		if replace || next.Fields == nil {
			next.Fields = make(map[string]any, len(fields))
		}
	}
	for k, v := range fields {
		next.Fields[k] = v
	}
	s.cache.Set(p, next)
	return next
}

// mirrorToStore persists an optimistic write. Forced: the local bump is the
// newest truth this client has, and a rejection rolls it back later.
func (s *Session) mirrorToStore(ctx context.Context, p record.Pointer, rec record.Record) {
	if _, err := s.store.SetRecord(ctx, p.Table, rec, true); err != nil {
		s.log.Error("failed to persist local write",
			log.String("key", p.Key()),
			log.Error(err))
	}
}

// BeginGroup opens an undo group; edits until EndGroup undo as one unit.
func (s *Session) BeginGroup() string { return s.history.BeginGroup() }

// EndGroup closes the open undo group.
func (s *Session) EndGroup() { s.history.EndGroup() }

// Undo reverts the latest edit or group. Reports whether anything happened.
func (s *Session) Undo() bool { return s.history.Undo() != nil }

// Redo reapplies the latest undone edit or group.
func (s *Session) Redo() bool { return s.history.Redo() != nil }

// History exposes the undo stack for state/checkpoint observers.
func (s *Session) History() *history.Stack { return s.history }

// Pending reports whether a local write on the pointer is still awaiting the
// server.
func (s *Session) Pending(p record.Pointer) bool { return s.queue.IsPending(p) }

// SubscribePending watches a pointer's pending status.
func (s *Session) SubscribePending(p record.Pointer, fn func(bool)) func() {
	return s.queue.SubscribePending(p, fn)
}

// Watch observes one record: the change listener fires on every cache
// mutation of the pointer, and the tracker keeps the server subscription
// alive while watchers exist. The returned cancel releases both.
func (s *Session) Watch(p record.Pointer, fn cache.Listener) func() {
	unsubCache := s.cache.Subscribe(p, fn)
	release := s.tracker.Subscribe(p.Key())
	return func() {
		unsubCache()
		release()
	}
}

// NetworkRestored forwards the platform online signal to the components that
// react to it.
func (s *Session) NetworkRestored() {
	if s.monitor != nil {
		s.monitor.SetOnline(true)
	}
	if r, ok := s.transport.(interface{ NetworkRestored() }); ok {
		r.NetworkRestored()
	}
}

// applyUndo reverts one recorded write by restoring the pre-edit record
// through the optimistic path, so the reversal also reaches the server.
func (s *Session) applyUndo(op history.Operation) {
	w, ok := op.Data.(writeOp)
	if !ok {
		return
	}
	ctx := context.Background()
	if w.before == nil {
		s.cache.Delete(w.pointer)
		if _, err := s.store.DeleteRecord(ctx, w.pointer); err != nil {
			s.log.Error("failed to delete record on undo", log.Error(err))
		}
		return
	}
	s.replay(ctx, w.pointer, w.before.Fields)
}

// applyRedo reapplies one undone write.
func (s *Session) applyRedo(op history.Operation) {
	w, ok := op.Data.(writeOp)
	if !ok {
		return
	}
	s.replay(context.Background(), w.pointer, w.after.Fields)
}

// replay is the optimistic write path minus the history push, used by undo
// and redo so reversals do not clear the redo stack they came from. The
// fields are a full snapshot and replace the record's fields.
func (s *Session) replay(ctx context.Context, p record.Pointer, fields map[string]any) {
	s.writeMu.Lock()
	before, existed := s.cache.Get(p)
	next := s.bumpLocked(p, before, existed, fields, true)
	s.mirrorToStore(ctx, p, next)
	s.writeMu.Unlock()

	tx := txn.NewTransaction(s.cfg.AuthorID, s.clock, txn.Operation{Pointer: p, Fields: fields})
	if err := s.queue.Enqueue(ctx, tx); err != nil {
		s.log.Error("failed to queue reversal", log.Error(err))
	}
}

// applyRemote handles one pushed update: strictly newer versions overwrite
// the cache and pass through the store's version gate; stale pushes are
// dropped.
func (s *Session) applyRemote(msg realtime.Message) {
	p, ok := record.ParseKey(msg.Key)
	if !ok {
		s.log.Warn("dropping update with unparseable key", log.String("key", msg.Key))
		return
	}
	var rec record.Record
	if err := json.Unmarshal(msg.Value, &rec); err != nil {
		s.log.Warn("dropping undecodable update", log.String("key", msg.Key), log.Error(err))
		return
	}
	if rec.ID == "" {
		rec.ID = p.ID
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if cur, ok := s.cache.Get(p); ok && rec.Version <= cur.Version {
		return
	}
	s.cache.Set(p, rec)
	if _, err := s.store.SetRecord(context.Background(), p.Table, rec, false); err != nil {
		s.log.Error("failed to persist pushed update", log.String("key", msg.Key), log.Error(err))
	}
}

// handleSyncBatch processes a delta-sync response. Entries carry versions,
// not values, so records the cache is behind on are re-fetched in one call
// and force-written.
func (s *Session) handleSyncBatch(entries []realtime.SyncMessage) {
	var stale []record.Pointer
	for _, e := range entries {
		p, ok := record.ParseKey(e.Key)
		if !ok {
			continue
		}
		if cur, ok := s.cache.Get(p); ok && e.Version <= cur.Version {
			continue
		}
		stale = append(stale, p)
	}
	if len(stale) == 0 {
		return
	}

	ctx := context.Background()
	m, err := s.fetcher.FetchRecords(ctx, stale)
	if err != nil {
		s.log.Warn("delta-sync re-fetch failed", log.Int("pointers", len(stale)), log.Error(err))
		return
	}
	s.adoptAuthoritative(ctx, stale, m)
	s.log.Debug("delta sync applied", log.Int("records", m.Len()))
}

// rollback restores server truth after a definitive rejection: the
// transaction's pointers are re-fetched and force-written; if the re-fetch
// fails the records are evicted rather than left optimistically wrong.
func (s *Session) rollback(tx txn.Transaction) {
	ctx := context.Background()
	pointers := tx.Pointers()
	m, err := s.fetcher.FetchRecords(ctx, pointers)
	if err != nil {
		s.log.Warn("rollback re-fetch failed, evicting records",
			log.String("transaction_id", tx.TransactionID),
			log.Error(err))
		// Evict the store copy too, or Load would repopulate the cache with
		// the exact state the rollback is reverting.
		for _, p := range pointers {
			s.cache.Delete(p)
			if _, derr := s.store.DeleteRecord(ctx, p); derr != nil {
				s.log.Error("failed to evict record", log.String("key", p.Key()), log.Error(derr))
			}
		}
		return
	}
	s.adoptAuthoritative(ctx, pointers, m)
	s.log.Info("transaction rolled back",
		log.String("transaction_id", tx.TransactionID),
		log.Int("records", m.Len()))
}

// adoptAuthoritative force-writes fetched server records over local state.
// Pointers the server no longer knows are evicted.
func (s *Session) adoptAuthoritative(ctx context.Context, pointers []record.Pointer, m record.Map) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for _, p := range pointers {
		rec, ok := m.Get(p)
		if !ok {
			s.cache.Delete(p)
			if _, err := s.store.DeleteRecord(ctx, p); err != nil {
				s.log.Error("failed to evict record", log.String("key", p.Key()), log.Error(err))
			}
			continue
		}
		s.cache.Set(p, rec)
		if _, err := s.store.SetRecord(ctx, p.Table, rec, true); err != nil {
			s.log.Error("failed to persist authoritative record",
				log.String("key", p.Key()),
				log.Error(err))
		}
	}
}

func (s *Session) handleTransportState(state realtime.State) {
	if s.monitor == nil {
		return
	}
	switch state {
	case realtime.StateConnected:
		s.monitor.SetOnline(true)
	case realtime.StateReconnecting, realtime.StateDisconnected:
		s.monitor.SetOnline(false)
	}
}

// Close tears the session down: subscriptions are released immediately, the
// queue stops retrying (its transactions stay persisted), and the transport
// disconnects.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.unsubState != nil {
			s.unsubState()
		}
		s.tracker.Clear()
		s.queue.Destroy()
		err = s.transport.Close()
		if cerr := s.store.Close(); err == nil {
			err = cerr
		}
		s.log.Info("session closed")
	})
	return err
}
