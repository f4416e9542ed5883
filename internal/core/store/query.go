package store

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/pkg/errors"

	"github.com/replisync/replisync/internal/core/record"
)

// Predicate filters records in the query helpers. A nil predicate matches
// everything.
type Predicate func(record.Record) bool

// QueryRecords returns every record of a table matching the predicate.
func (s *Store) QueryRecords(ctx context.Context, table string, pred Predicate) ([]record.Record, error) {
	all, err := s.GetAllRecords(ctx, table)
	if err != nil {
		return nil, err
	}
	if pred == nil {
		return all, nil
	}
	out := make([]record.Record, 0, len(all))
	for _, rec := range all {
		if pred(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// FindRecord returns the first record of a table matching the predicate.
func (s *Store) FindRecord(ctx context.Context, table string, pred Predicate) (record.Record, bool, error) {
	all, err := s.GetAllRecords(ctx, table)
	if err != nil {
		return record.Record{}, false, err
	}
	for _, rec := range all {
		if pred == nil || pred(rec) {
			return rec, true, nil
		}
	}
	return record.Record{}, false, nil
}

// CountRecords counts the records of a table matching the predicate.
func (s *Store) CountRecords(ctx context.Context, table string, pred Predicate) (int, error) {
	matches, err := s.QueryRecords(ctx, table, pred)
	if err != nil {
		return 0, err
	}
	return len(matches), nil
}

// CompilePredicate turns an expression string into a Predicate. The
// expression sees `id`, `version` and `fields`, e.g.
// `fields.done == true && version > 3`.
func CompilePredicate(src string) (Predicate, error) {
	program, err := expr.Compile(src, expr.AsBool())
	if err != nil {
		return nil, NewError(KindSerialization, "compile_predicate", err)
	}
	return func(rec record.Record) bool {
		env := map[string]any{
			"id":      rec.ID,
			"version": rec.Version,
			"fields":  rec.Fields,
		}
		out, err := expr.Run(program, env)
		if err != nil {
			return false
		}
		matched, ok := out.(bool)
		return ok && matched
	}, nil
}

// QueryRecordsExpr is QueryRecords with a string predicate.
func (s *Store) QueryRecordsExpr(ctx context.Context, table, src string) ([]record.Record, error) {
	pred, err := CompilePredicate(src)
	if err != nil {
		return nil, errors.Wrap(err, "bad query expression")
	}
	return s.QueryRecords(ctx, table, pred)
}
