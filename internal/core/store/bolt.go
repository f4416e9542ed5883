package store

import (
	"bytes"
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var boltBucket = []byte("records")

// boltBackend stores entries in a single bbolt bucket. It is the flat
// key-value fallback when SQLite is unavailable.
type boltBackend struct {
	db *bolt.DB
}

var _ Backend = (*boltBackend)(nil)

func openBolt(cfg Config) (Backend, error) {
	if cfg.Dir == "" {
		return nil, NewError(KindUnsupported, "bolt.open", errors.New("no data directory configured"))
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, NewError(KindUnsupported, "bolt.open", err)
	}

	db, err := bolt.Open(filepath.Join(cfg.Dir, "replisync.bolt"), 0o600, nil)
	if err != nil {
		return nil, NewError(KindUnsupported, "bolt.open", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, NewError(KindTransaction, "bolt.open", err)
	}
	return &boltBackend{db: db}, nil
}

func (b *boltBackend) Name() string { return "bbolt" }

func (b *boltBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(boltBucket).Get([]byte(key))
		if v != nil {
			out = make([]byte, len(v))
			copy(out, v)
		}
		return nil
	})
	if err != nil {
		return nil, false, wrapBoltErr("bolt.get", err)
	}
	return out, out != nil, nil
}

func (b *boltBackend) Set(_ context.Context, key string, value []byte) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put([]byte(key), value)
	})
	return wrapBoltErr("bolt.set", err)
}

func (b *boltBackend) Delete(_ context.Context, key string) (bool, error) {
	existed := false
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		if bucket.Get([]byte(key)) == nil {
			return nil
		}
		existed = true
		return bucket.Delete([]byte(key))
	})
	return existed, wrapBoltErr("bolt.delete", err)
}

func (b *boltBackend) Iterate(_ context.Context, prefix string, fn func(key string, value []byte) error) error {
	pfx := []byte(prefix)
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(boltBucket).Cursor()
		for k, v := c.Seek(pfx); k != nil && bytes.HasPrefix(k, pfx); k, v = c.Next() {
			value := make([]byte, len(v))
			copy(value, v)
			if err := fn(string(k), value); err != nil {
				return err
			}
		}
		return nil
	})
	return wrapBoltErr("bolt.iterate", err)
}

func (b *boltBackend) Clear(_ context.Context, prefix string) error {
	pfx := []byte(prefix)
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		c := bucket.Cursor()
		for k, _ := c.Seek(pfx); k != nil && bytes.HasPrefix(k, pfx); k, _ = c.Seek(pfx) {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return wrapBoltErr("bolt.clear", err)
}

func (b *boltBackend) Close() error { return b.db.Close() }

func wrapBoltErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	kind := KindTransaction
	if errors.Is(err, bolt.ErrTxNotWritable) || errors.Is(err, bolt.ErrDatabaseNotOpen) {
		kind = KindUnsupported
	}
	return NewError(kind, op, err)
}
