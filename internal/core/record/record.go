// Package record defines the versioned record model shared by the cache,
// the store and the transaction queue.
package record

import "strings"

// Pointer addresses one record inside one table.
type Pointer struct {
	Table string `json:"table"`
	ID    string `json:"id"`
}

// Key returns the topic key for this pointer, "table:id".
func (p Pointer) Key() string {
	return p.Table + ":" + p.ID
}

// ParseKey splits a "table:id" topic key back into a Pointer. The id part may
// itself contain colons.
func ParseKey(key string) (Pointer, bool) {
	table, id, ok := strings.Cut(key, ":")
	if !ok || table == "" || id == "" {
		return Pointer{}, false
	}
	return Pointer{Table: table, ID: id}, true
}

// Record is a whole-value versioned entity. Records are replaced wholesale at
// the storage layer, never field-patched.
type Record struct {
	ID      string         `json:"id"`
	Version int64          `json:"version"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Clone returns a deep-enough copy: the Fields map is copied one level.
func (r Record) Clone() Record {
	if r.Fields == nil {
		return r
	}
	fields := make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = v
	}
	r.Fields = fields
	return r
}

// Map groups records by table and id, the shape returned by the fetch-records
// endpoint and accepted by bulk writes.
type Map map[string]map[string]Record

// Add inserts a record under its table.
func (m Map) Add(table string, rec Record) {
	if m[table] == nil {
		m[table] = make(map[string]Record)
	}
	m[table][rec.ID] = rec
}

// Get looks up a record by pointer.
func (m Map) Get(p Pointer) (Record, bool) {
	rec, ok := m[p.Table][p.ID]
	return rec, ok
}

// Len counts records across all tables.
func (m Map) Len() int {
	n := 0
	for _, table := range m {
		n += len(table)
	}
	return n
}
