package store

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replisync/replisync/internal/core/observability/log"
	"github.com/replisync/replisync/internal/core/record"
	"github.com/replisync/replisync/pkg/clock"
)

func newMemoryStore(t *testing.T) *Store {
	t.Helper()
	s := New(Config{}, log.NewNop())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestVersionGate(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore(t)

	written, err := s.SetRecord(ctx, "tasks", record.Record{ID: "t1", Version: 1}, false)
	require.NoError(t, err)
	assert.True(t, written)

	// Same version is silently skipped.
	written, err = s.SetRecord(ctx, "tasks", record.Record{ID: "t1", Version: 1}, false)
	require.NoError(t, err)
	assert.False(t, written)

	// Lower version is silently skipped.
	written, err = s.SetRecord(ctx, "tasks", record.Record{ID: "t1", Version: 0}, false)
	require.NoError(t, err)
	assert.False(t, written)

	// Strictly higher version wins.
	written, err = s.SetRecord(ctx, "tasks", record.Record{ID: "t1", Version: 3}, false)
	require.NoError(t, err)
	assert.True(t, written)

	rec, ok, err := s.GetRecord(ctx, record.Pointer{Table: "tasks", ID: "t1"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3), rec.Version)
}

func TestForceBypassesGate(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore(t)

	_, err := s.SetRecord(ctx, "tasks", record.Record{ID: "t1", Version: 9}, false)
	require.NoError(t, err)

	written, err := s.SetRecord(ctx, "tasks", record.Record{ID: "t1", Version: 2}, true)
	require.NoError(t, err)
	assert.True(t, written)

	rec, _, err := s.GetRecord(ctx, record.Pointer{Table: "tasks", ID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Version)
}

func TestHighestVersionAlwaysWinsRegardlessOfOrder(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore(t)

	for _, v := range []int64{2, 5, 3, 5, 1, 4} {
		_, err := s.SetRecord(ctx, "tasks", record.Record{ID: "t1", Version: v}, false)
		require.NoError(t, err)
	}

	rec, _, err := s.GetRecord(ctx, record.Pointer{Table: "tasks", ID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), rec.Version)
}

func TestWriteRecordMapThenReadAll(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore(t)

	m := make(record.Map)
	m.Add("tasks", record.Record{ID: "a", Version: 1})
	m.Add("tasks", record.Record{ID: "b", Version: 1})
	m.Add("users", record.Record{ID: "u1", Version: 1})
	require.NoError(t, s.WriteRecordMap(ctx, m, false))

	tasks, err := s.GetAllRecords(ctx, "tasks")
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	users, err := s.GetAllRecords(ctx, "users")
	require.NoError(t, err)
	assert.Len(t, users, 1)

	got, err := s.GetRecords(ctx, []record.Pointer{
		{Table: "tasks", ID: "a"},
		{Table: "users", ID: "u1"},
		{Table: "users", ID: "missing"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, got.Len())
}

func TestDeleteRecord(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore(t)

	existed, err := s.DeleteRecord(ctx, record.Pointer{Table: "tasks", ID: "t1"})
	require.NoError(t, err)
	assert.False(t, existed)

	_, err = s.SetRecord(ctx, "tasks", record.Record{ID: "t1", Version: 1}, false)
	require.NoError(t, err)

	existed, err = s.DeleteRecord(ctx, record.Pointer{Table: "tasks", ID: "t1"})
	require.NoError(t, err)
	assert.True(t, existed)
}

func TestClearTableAndReset(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore(t)

	_, err := s.SetRecord(ctx, "tasks", record.Record{ID: "t1", Version: 1}, false)
	require.NoError(t, err)
	_, err = s.SetRecord(ctx, "users", record.Record{ID: "u1", Version: 1}, false)
	require.NoError(t, err)
	require.NoError(t, s.SetBlob(ctx, "txnqueue", []byte("payload")))

	require.NoError(t, s.ClearTable(ctx, "tasks"))
	tasks, err := s.GetAllRecords(ctx, "tasks")
	require.NoError(t, err)
	assert.Empty(t, tasks)
	users, err := s.GetAllRecords(ctx, "users")
	require.NoError(t, err)
	assert.Len(t, users, 1)

	require.NoError(t, s.Reset(ctx))
	users, err = s.GetAllRecords(ctx, "users")
	require.NoError(t, err)
	assert.Empty(t, users)
	_, _, ok, err := s.GetBlob(ctx, "txnqueue", 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBackendDemotionToMemory(t *testing.T) {
	failing := func(Config) (Backend, error) {
		return nil, NewError(KindUnsupported, "test.open", errors.New("unavailable"))
	}
	s := New(Config{Openers: []Opener{failing, failing, openMemory}}, log.NewNop())
	assert.Equal(t, "memory", s.BackendName())

	// The store still works after demotion.
	written, err := s.SetRecord(context.Background(), "tasks", record.Record{ID: "t1", Version: 1}, false)
	require.NoError(t, err)
	assert.True(t, written)
}

func TestDefaultChainWithoutDirIsMemory(t *testing.T) {
	s := New(Config{}, log.NewNop())
	assert.Equal(t, "memory", s.BackendName())
}

func TestBoltBackendPreferredWhenSQLiteFails(t *testing.T) {
	failingSQLite := func(Config) (Backend, error) {
		return nil, NewError(KindUnsupported, "sqlite.open", errors.New("cgo disabled"))
	}
	s := New(Config{
		Dir:     t.TempDir(),
		Openers: []Opener{failingSQLite, openBolt, openMemory},
	}, log.NewNop())
	t.Cleanup(func() { _ = s.Close() })

	assert.Equal(t, "bbolt", s.BackendName())

	ctx := context.Background()
	_, err := s.SetRecord(ctx, "tasks", record.Record{ID: "t1", Version: 1, Fields: map[string]any{"done": false}}, false)
	require.NoError(t, err)

	rec, ok, err := s.GetRecord(ctx, record.Pointer{Table: "tasks", ID: "t1"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "t1", rec.ID)
}

func TestEventsEmittedPerListenerIsolated(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore(t)

	var events []Event
	s.Subscribe(func(Event) { panic("bad listener") })
	unsub := s.Subscribe(func(ev Event) { events = append(events, ev) })

	_, err := s.SetRecord(ctx, "tasks", record.Record{ID: "t1", Version: 1}, false)
	require.NoError(t, err)
	// A gated write emits nothing.
	_, err = s.SetRecord(ctx, "tasks", record.Record{ID: "t1", Version: 1}, false)
	require.NoError(t, err)
	_, err = s.DeleteRecord(ctx, record.Pointer{Table: "tasks", ID: "t1"})
	require.NoError(t, err)

	require.Len(t, events, 2)
	assert.Equal(t, EventWrite, events[0].Type)
	assert.Nil(t, events[0].Previous)
	assert.Equal(t, EventDelete, events[1].Type)
	assert.Equal(t, int64(1), events[1].Previous.Version)

	unsub()
	_, err = s.SetRecord(ctx, "tasks", record.Record{ID: "t2", Version: 1}, false)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestBlobExpiry(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore(t)
	fake := clock.NewFake(time.Unix(1_700_000_000, 0))
	s.SetClock(fake)

	require.NoError(t, s.SetBlob(ctx, "querycache", []byte("blob")))

	data, _, ok, err := s.GetBlob(ctx, "querycache", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("blob"), data)

	fake.Advance(2 * time.Minute)
	_, _, ok, err = s.GetBlob(ctx, "querycache", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "stale blob reads as missing")

	// No maxAge means no expiry.
	_, _, ok, err = s.GetBlob(ctx, "querycache", 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTypedErrorKinds(t *testing.T) {
	err := NewError(KindQuotaExceeded, "set_record", errors.New("disk full"))
	assert.True(t, IsKind(err, KindQuotaExceeded))
	assert.False(t, IsKind(err, KindTransaction))
	assert.False(t, IsKind(errors.New("plain"), KindUnknown))
}
