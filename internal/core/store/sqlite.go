package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// sqliteBackend is the preferred backend: a transactional, indexed local
// database with one kv table keyed by the record keyspace.
type sqliteBackend struct {
	db *sql.DB
}

var _ Backend = (*sqliteBackend)(nil)

func openSQLite(cfg Config) (Backend, error) {
	if cfg.Dir == "" {
		return nil, NewError(KindUnsupported, "sqlite.open", errors.New("no data directory configured"))
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, NewError(KindUnsupported, "sqlite.open", err)
	}

	db, err := sql.Open("sqlite3", filepath.Join(cfg.Dir, "replisync.db"))
	if err != nil {
		return nil, NewError(KindUnsupported, "sqlite.open", err)
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			key   TEXT PRIMARY KEY,
			value BLOB NOT NULL
		)`)
	if err != nil {
		_ = db.Close()
		return nil, NewError(KindUnsupported, "sqlite.open", err)
	}
	return &sqliteBackend{db: db}, nil
}

func (s *sqliteBackend) Name() string { return "sqlite" }

func (s *sqliteBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapSQLiteErr("sqlite.get", err)
	}
	return value, true, nil
}

func (s *sqliteBackend) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	return wrapSQLiteErr("sqlite.set", err)
}

func (s *sqliteBackend) Delete(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return false, wrapSQLiteErr("sqlite.delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapSQLiteErr("sqlite.delete", err)
	}
	return n > 0, nil
}

func (s *sqliteBackend) Iterate(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value FROM kv WHERE key LIKE ? ESCAPE '\' ORDER BY key`,
		likePrefix(prefix))
	if err != nil {
		return wrapSQLiteErr("sqlite.iterate", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var key string
		var value []byte
		if err = rows.Scan(&key, &value); err != nil {
			return wrapSQLiteErr("sqlite.iterate", err)
		}
		if err = fn(key, value); err != nil {
			return err
		}
	}
	return wrapSQLiteErr("sqlite.iterate", rows.Err())
}

func (s *sqliteBackend) Clear(ctx context.Context, prefix string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key LIKE ? ESCAPE '\'`, likePrefix(prefix))
	return wrapSQLiteErr("sqlite.clear", err)
}

func (s *sqliteBackend) Close() error { return s.db.Close() }

// likePrefix escapes LIKE metacharacters so the prefix matches literally.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

func wrapSQLiteErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	kind := KindTransaction
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) && (sqErr.Code == sqlite3.ErrFull || sqErr.Code == sqlite3.ErrTooBig) {
		kind = KindQuotaExceeded
	}
	return NewError(kind, op, err)
}
