// Package txn implements the offline-first transaction queue: client-authored
// mutations are persisted locally, submitted to the server in FIFO order, kept
// across restarts while unreachable, and rolled back on definitive rejection.
package txn

import (
	"crypto/rand"

	"github.com/oklog/ulid/v2"

	"github.com/replisync/replisync/internal/core/record"
	"github.com/replisync/replisync/pkg/clock"
)

// Operation is one field-level mutation of a single record.
type Operation struct {
	Pointer record.Pointer `json:"pointer"`
	Fields  map[string]any `json:"fields"`
}

// Transaction is a client-authored unit of change. TransactionID is generated
// on the client and unique, so the server can deduplicate at-least-once
// submissions.
type Transaction struct {
	TransactionID   string      `json:"transactionId"`
	AuthorID        string      `json:"authorId"`
	ClientTimestamp int64       `json:"clientTimestamp"`
	Operations      []Operation `json:"operations"`
}

// NewTransaction builds a transaction with a fresh ULID. The timestamp
// component of the id comes from the injected clock, keeping ids sortable by
// creation time.
func NewTransaction(authorID string, clk clock.Clock, ops ...Operation) Transaction {
	now := clk.Now()
	return Transaction{
		TransactionID:   ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		AuthorID:        authorID,
		ClientTimestamp: now.UnixMilli(),
		Operations:      ops,
	}
}

// Pointers returns the record pointers this transaction touches, deduplicated,
// in first-touch order.
func (t Transaction) Pointers() []record.Pointer {
	seen := make(map[record.Pointer]struct{}, len(t.Operations))
	out := make([]record.Pointer, 0, len(t.Operations))
	for _, op := range t.Operations {
		if _, ok := seen[op.Pointer]; ok {
			continue
		}
		seen[op.Pointer] = struct{}{}
		out = append(out, op.Pointer)
	}
	return out
}
