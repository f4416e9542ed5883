// Package store implements the durable versioned record store. It picks one
// backend at construction — SQLite, then bbolt, then an in-memory map — and
// enforces the version gate: a record is overwritten only by a strictly newer
// version unless the write is forced.
package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/replisync/replisync/internal/core/observability/log"
	"github.com/replisync/replisync/internal/core/record"
	"github.com/replisync/replisync/pkg/clock"
)

const (
	recordPrefix = "record:"
	blobPrefix   = "blob:"
)

// Config controls backend selection.
type Config struct {
	// Dir is the local data directory. Empty means the durable backends are
	// skipped and the store runs in memory.
	Dir string

	// Openers overrides the backend priority chain. Nil means the default
	// sqlite -> bbolt -> memory chain.
	Openers []Opener
}

// EventType distinguishes store change events.
type EventType int

const (
	EventWrite EventType = iota
	EventDelete
)

// Event describes one committed change.
type Event struct {
	Type     EventType
	Pointer  record.Pointer
	Previous *record.Record
	Record   *record.Record
}

// EventListener observes committed changes. Listener failures are isolated:
// a panicking listener never blocks delivery to the rest.
type EventListener func(Event)

// Store is the durable record store. Safe for concurrent use; writes to the
// same key are serialized so the version gate is never raced.
type Store struct {
	cfg   Config
	log   log.Log
	clock clock.Clock

	readyOnce sync.Once
	backend   Backend

	writeMu sync.Mutex

	subMu     sync.Mutex
	listeners map[uint64]EventListener
	nextSub   uint64
}

// New builds a store. Backend selection happens on first use and never
// fails: every durable candidate that errors demotes to the next one.
func New(cfg Config, logger log.Log) *Store {
	return &Store{
		cfg:       cfg,
		log:       logger.With(log.String("component", "store")),
		clock:     clock.System(),
		listeners: make(map[uint64]EventListener),
	}
}

func (s *Store) ready() Backend {
	s.readyOnce.Do(func() {
		openers := s.cfg.Openers
		if openers == nil {
			openers = DefaultOpeners()
		}
		for _, open := range openers {
			backend, err := open(s.cfg)
			if err != nil {
				s.log.Warn("backend unavailable, trying next", log.Error(err))
				continue
			}
			s.backend = backend
			break
		}
		if s.backend == nil {
			// The memory opener cannot fail, but a custom chain might.
			mem, _ := openMemory(s.cfg)
			s.backend = mem
		}
		s.log.Info("backend selected", log.String("backend", s.backend.Name()))
	})
	return s.backend
}

// BackendName reports which backend the store settled on.
func (s *Store) BackendName() string {
	return s.ready().Name()
}

// GetRecord loads one record.
func (s *Store) GetRecord(ctx context.Context, p record.Pointer) (record.Record, bool, error) {
	backend := s.ready()
	raw, ok, err := backend.Get(ctx, recordKey(p.Table, p.ID))
	if err != nil {
		return record.Record{}, false, wrapErr("get_record", err)
	}
	if !ok {
		return record.Record{}, false, nil
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return record.Record{}, false, wrapErr("get_record", err)
	}
	return rec, true, nil
}

// SetRecord writes the record if force is set or the incoming version is
// strictly greater than the stored one. It reports whether the write landed;
// an equal or lower version is silently skipped.
func (s *Store) SetRecord(ctx context.Context, table string, rec record.Record, force bool) (bool, error) {
	backend := s.ready()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	key := recordKey(table, rec.ID)
	var previous *record.Record
	raw, ok, err := backend.Get(ctx, key)
	if err != nil {
		return false, wrapErr("set_record", err)
	}
	if ok {
		cur, err := decodeRecord(raw)
		if err != nil {
			return false, wrapErr("set_record", err)
		}
		if !force && rec.Version <= cur.Version {
			return false, nil
		}
		previous = &cur
	}

	encoded, err := json.Marshal(rec)
	if err != nil {
		return false, wrapErr("set_record", err)
	}
	if err = backend.Set(ctx, key, encoded); err != nil {
		return false, wrapErr("set_record", err)
	}

	written := rec
	s.emit(Event{
		Type:     EventWrite,
		Pointer:  record.Pointer{Table: table, ID: rec.ID},
		Previous: previous,
		Record:   &written,
	})
	return true, nil
}

// DeleteRecord removes a record, reporting whether it existed.
func (s *Store) DeleteRecord(ctx context.Context, p record.Pointer) (bool, error) {
	backend := s.ready()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	key := recordKey(p.Table, p.ID)
	var previous *record.Record
	if raw, ok, err := backend.Get(ctx, key); err == nil && ok {
		if cur, decErr := decodeRecord(raw); decErr == nil {
			previous = &cur
		}
	}

	existed, err := backend.Delete(ctx, key)
	if err != nil {
		return false, wrapErr("delete_record", err)
	}
	if existed {
		s.emit(Event{Type: EventDelete, Pointer: p, Previous: previous})
	}
	return existed, nil
}

// GetRecords loads a batch of pointers; absent records are omitted.
func (s *Store) GetRecords(ctx context.Context, pointers []record.Pointer) (record.Map, error) {
	out := make(record.Map)
	for _, p := range pointers {
		rec, ok, err := s.GetRecord(ctx, p)
		if err != nil {
			return nil, err
		}
		if ok {
			out.Add(p.Table, rec)
		}
	}
	return out, nil
}

// WriteRecordMap writes every record of the map, each through the version
// gate (or past it when force is set).
func (s *Store) WriteRecordMap(ctx context.Context, m record.Map, force bool) error {
	for table, byID := range m {
		for _, rec := range byID {
			if _, err := s.SetRecord(ctx, table, rec, force); err != nil {
				return err
			}
		}
	}
	return nil
}

// GetAllRecords returns every record of a table.
func (s *Store) GetAllRecords(ctx context.Context, table string) ([]record.Record, error) {
	backend := s.ready()
	var out []record.Record
	err := backend.Iterate(ctx, tablePrefix(table), func(_ string, value []byte) error {
		rec, err := decodeRecord(value)
		if err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, wrapErr("get_all_records", err)
	}
	return out, nil
}

// ClearTable drops every record of a table without touching other tables or
// the blob namespaces.
func (s *Store) ClearTable(ctx context.Context, table string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wrapErr("clear_table", s.ready().Clear(ctx, tablePrefix(table)))
}

// Reset drops everything: records and blobs.
func (s *Store) Reset(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	backend := s.ready()
	if err := backend.Clear(ctx, recordPrefix); err != nil {
		return wrapErr("reset", err)
	}
	return wrapErr("reset", backend.Clear(ctx, blobPrefix))
}

// SetBlob persists an opaque payload under a namespace, stamped with the
// current time for staleness checks on read.
func (s *Store) SetBlob(ctx context.Context, namespace string, data []byte) error {
	encoded, err := json.Marshal(blobEnvelope{SavedAt: s.clock.Now().UnixMilli(), Data: data})
	if err != nil {
		return wrapErr("set_blob", err)
	}
	return wrapErr("set_blob", s.ready().Set(ctx, blobPrefix+namespace, encoded))
}

// GetBlob loads a namespace payload. A maxAge > 0 treats older entries as
// missing.
func (s *Store) GetBlob(ctx context.Context, namespace string, maxAge time.Duration) ([]byte, time.Time, bool, error) {
	raw, ok, err := s.ready().Get(ctx, blobPrefix+namespace)
	if err != nil {
		return nil, time.Time{}, false, wrapErr("get_blob", err)
	}
	if !ok {
		return nil, time.Time{}, false, nil
	}
	var env blobEnvelope
	if err = json.Unmarshal(raw, &env); err != nil {
		return nil, time.Time{}, false, wrapErr("get_blob", err)
	}
	savedAt := time.UnixMilli(env.SavedAt)
	if maxAge > 0 && s.clock.Now().Sub(savedAt) > maxAge {
		return nil, savedAt, false, nil
	}
	return env.Data, savedAt, true, nil
}

// DeleteBlob removes a namespace payload.
func (s *Store) DeleteBlob(ctx context.Context, namespace string) error {
	_, err := s.ready().Delete(ctx, blobPrefix+namespace)
	return wrapErr("delete_blob", err)
}

// Subscribe registers a change listener; the returned function removes it.
func (s *Store) Subscribe(fn EventListener) func() {
	s.subMu.Lock()
	s.nextSub++
	id := s.nextSub
	s.listeners[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.listeners, id)
	}
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.ready().Close()
}

// SetClock overrides the time source. Used by tests of blob expiry.
func (s *Store) SetClock(c clock.Clock) { s.clock = c }

func (s *Store) emit(ev Event) {
	s.subMu.Lock()
	listeners := make([]EventListener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.subMu.Unlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("store listener panic", log.Any("panic", r))
				}
			}()
			fn(ev)
		}()
	}
}

type blobEnvelope struct {
	SavedAt int64  `json:"savedAt"`
	Data    []byte `json:"data"`
}

func recordKey(table, id string) string {
	return recordPrefix + table + ":" + id
}

func tablePrefix(table string) string {
	return recordPrefix + table + ":"
}

func decodeRecord(raw []byte) (record.Record, error) {
	var rec record.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return record.Record{}, err
	}
	return rec, nil
}
