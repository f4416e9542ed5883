package store

import "context"

// Backend is the minimal durable key-value surface under the store. The store
// selects one backend at construction and keeps it for its whole lifetime.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) (bool, error)
	// Iterate visits every key with the given prefix. Returning an error
	// from fn stops the walk.
	Iterate(ctx context.Context, prefix string, fn func(key string, value []byte) error) error
	// Clear removes every key with the given prefix.
	Clear(ctx context.Context, prefix string) error
	Close() error
	Name() string
}

// Opener constructs one backend candidate. Openers are tried in priority
// order until one succeeds.
type Opener func(cfg Config) (Backend, error)

// DefaultOpeners is the production fallback chain: SQLite, then bbolt, then
// the volatile in-memory map.
func DefaultOpeners() []Opener {
	return []Opener{openSQLite, openBolt, openMemory}
}
