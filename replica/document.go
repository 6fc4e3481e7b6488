// Package replica maintains the local copy of the shared canvas
// document and the ephemeral per-user awareness map. Local edits apply
// immediately and are broadcast after throttle/debounce coalescing;
// remote deltas merge with last-writer-wins registers so every replica
// converges no matter the delivery order.
package replica

import (
	"encoding/json"
	"sync"
)

// Timestamp orders concurrent writes: the Lamport clock first, the
// actor id as a deterministic tiebreak.
type Timestamp struct {
	Clock uint64 `json:"clock"`
	Actor string `json:"actor"`
}

// After reports whether t wins over o. Equal timestamps lose, which is
// what makes re-applying a delta a no-op.
func (t Timestamp) After(o Timestamp) bool {
	if t.Clock != o.Clock {
		return t.Clock > o.Clock
	}
	return t.Actor > o.Actor
}

// IsZero reports whether the timestamp was never set.
func (t Timestamp) IsZero() bool {
	return t.Clock == 0 && t.Actor == ""
}

// FieldValue is one field write: the encoded value plus the timestamp
// that decides whether it wins a merge.
type FieldValue struct {
	Value json.RawMessage `json:"v"`
	Timestamp
}

// Delta is the unit of replication: a set of field writes and/or a
// tombstone for one record. Deltas commute and are idempotent, so a
// replica may receive them in any order, any number of times.
type Delta struct {
	Path   string                `json:"path"`
	Key    string                `json:"key"`
	Fields map[string]FieldValue `json:"fields,omitempty"`
	Remove *Timestamp            `json:"remove,omitempty"`
}

// register holds the winning write for one field.
type register struct {
	value json.RawMessage
	ts    Timestamp
}

// record is one keyed entry: its field registers plus the latest
// tombstone. Losing writes are discarded but losing timestamps keep
// the winner, so the stored state is independent of arrival order.
type record struct {
	fields  map[string]register
	removed Timestamp
}

// live reports whether the record is visible: it must have at least
// one field write newer than the tombstone (or no tombstone at all).
func (r *record) live() bool {
	if len(r.fields) == 0 {
		return false
	}
	if r.removed.IsZero() {
		return true
	}
	for _, reg := range r.fields {
		if reg.ts.After(r.removed) {
			return true
		}
	}
	return false
}

// Document is the replicated mapping path -> key -> fields. All access
// is mutex-guarded; the replication engine is the only writer.
type Document struct {
	mu   sync.RWMutex
	data map[string]map[string]*record
}

// NewDocument returns an empty replica.
func NewDocument() *Document {
	return &Document{data: make(map[string]map[string]*record)}
}

// Apply merges deltas into the document and reports whether anything
// changed. Merging is commutative, idempotent and associative: each
// register keeps the write with the highest timestamp, ties broken by
// actor id, and everything else is discarded deterministically.
func (d *Document) Apply(deltas ...Delta) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	changed := false
	for _, delta := range deltas {
		rec := d.ensure(delta.Path, delta.Key)
		if delta.Remove != nil && delta.Remove.After(rec.removed) {
			rec.removed = *delta.Remove
			changed = true
		}
		for name, fv := range delta.Fields {
			cur, ok := rec.fields[name]
			if !ok || fv.Timestamp.After(cur.ts) {
				rec.fields[name] = register{value: fv.Value, ts: fv.Timestamp}
				changed = true
			}
		}
	}
	return changed
}

func (d *Document) ensure(path, key string) *record {
	keys, ok := d.data[path]
	if !ok {
		keys = make(map[string]*record)
		d.data[path] = keys
	}
	rec, ok := keys[key]
	if !ok {
		rec = &record{fields: make(map[string]register)}
		keys[key] = rec
	}
	return rec
}

// Get returns the live records under a path as decoded field maps.
func (d *Document) Get(path string) map[string]map[string]json.RawMessage {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]map[string]json.RawMessage)
	for key, rec := range d.data[path] {
		if !rec.live() {
			continue
		}
		out[key] = copyFields(rec)
	}
	return out
}

// GetKey returns one live record's fields.
func (d *Document) GetKey(path, key string) (map[string]json.RawMessage, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rec, ok := d.data[path][key]
	if !ok || !rec.live() {
		return nil, false
	}
	return copyFields(rec), true
}

func copyFields(rec *record) map[string]json.RawMessage {
	fields := make(map[string]json.RawMessage, len(rec.fields))
	for name, reg := range rec.fields {
		fields[name] = append(json.RawMessage(nil), reg.value...)
	}
	return fields
}

// Export dumps every stored register including timestamps and
// tombstones. Two replicas that received the same deltas export equal
// values; tests use this to check convergence.
func (d *Document) Export() map[string]map[string]map[string]FieldValue {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]map[string]map[string]FieldValue)
	for path, keys := range d.data {
		out[path] = make(map[string]map[string]FieldValue)
		for key, rec := range keys {
			fields := make(map[string]FieldValue, len(rec.fields)+1)
			for name, reg := range rec.fields {
				fields[name] = FieldValue{Value: reg.value, Timestamp: reg.ts}
			}
			if !rec.removed.IsZero() {
				fields["__removed"] = FieldValue{Timestamp: rec.removed}
			}
			out[path][key] = fields
		}
	}
	return out
}

// Snapshot encodes every stored register as deltas, one per record.
// Feeding a snapshot to Apply on an empty document reproduces the
// replica exactly.
func (d *Document) Snapshot() []Delta {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []Delta
	for path, keys := range d.data {
		for key, rec := range keys {
			delta := Delta{Path: path, Key: key, Fields: make(map[string]FieldValue, len(rec.fields))}
			for name, reg := range rec.fields {
				delta.Fields[name] = FieldValue{Value: reg.value, Timestamp: reg.ts}
			}
			if !rec.removed.IsZero() {
				removed := rec.removed
				delta.Remove = &removed
			}
			out = append(out, delta)
		}
	}
	return out
}
