package store

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
)

// Kind categorizes durable-storage failures so callers can react (for
// example, clear a table when the quota is exhausted).
type Kind int

const (
	KindUnknown Kind = iota
	KindQuotaExceeded
	KindUnsupported
	KindTransaction
	KindSerialization
)

func (k Kind) String() string {
	switch k {
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindUnsupported:
		return "unsupported"
	case KindTransaction:
		return "transaction"
	case KindSerialization:
		return "serialization"
	default:
		return "unknown"
	}
}

// Error is the typed error surfaced by every store operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a typed store error.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// IsKind reports whether err is a store error of the given kind.
func IsKind(err error, kind Kind) bool {
	var se *Error
	if stderrors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

// wrapErr classifies err unless it is already typed.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if stderrors.As(err, &se) {
		return err
	}
	return &Error{Kind: classify(err), Op: op, Err: err}
}

func classify(err error) Kind {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	var marshalErr *json.MarshalerError
	if stderrors.As(err, &syntaxErr) || stderrors.As(err, &typeErr) || stderrors.As(err, &marshalErr) {
		return KindSerialization
	}
	return KindUnknown
}
