// Package whiteboard keeps a shape document consistent across clients by
// exchanging record-level diffs over the broadcast bus.
package whiteboard

import (
	"encoding/json"
	"sort"
	"sync"
)

// ShapeType is the typeName of records removed by a board clear.
const ShapeType = "shape"

// Record is one document record as produced by the drawing client. Only
// "id" and "typeName" are interpreted here.
type Record map[string]any

func (r Record) ID() string {
	id, _ := r["id"].(string)
	return id
}

func (r Record) TypeName() string {
	t, _ := r["typeName"].(string)
	return t
}

// RecordUpdate carries both sides of an update; only To is applied.
type RecordUpdate struct {
	From Record `json:"from,omitempty"`
	To   Record `json:"to"`
}

// Diff is an added/updated/removed triple keyed by record id.
type Diff struct {
	Added   map[string]Record       `json:"added,omitempty"`
	Updated map[string]RecordUpdate `json:"updated,omitempty"`
	Removed map[string]Record       `json:"removed,omitempty"`
}

func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0
}

// ParseDiff decodes a diff from its JSON form.
func ParseDiff(data []byte) (Diff, error) {
	var d Diff
	err := json.Unmarshal(data, &d)
	return d, err
}

// Document is a client-local record store. Listeners observe every applied
// diff after the store lock is released.
type Document struct {
	mu        sync.RWMutex
	records   map[string]Record
	listeners []func(Diff)
}

func NewDocument() *Document {
	return &Document{records: make(map[string]Record)}
}

// Listen registers fn to be called with each non-empty applied diff.
func (d *Document) Listen(fn func(Diff)) {
	d.mu.Lock()
	d.listeners = append(d.listeners, fn)
	d.mu.Unlock()
}

// Apply inserts added records, replaces updated ones by id and deletes
// removed ids. It returns the diff that actually took effect.
func (d *Document) Apply(diff Diff) Diff {
	d.mu.Lock()
	applied := Diff{}
	for id, r := range diff.Added {
		if id == "" {
			id = r.ID()
		}
		if id == "" {
			continue
		}
		d.records[id] = r
		if applied.Added == nil {
			applied.Added = make(map[string]Record)
		}
		applied.Added[id] = r
	}
	for id, u := range diff.Updated {
		if id == "" {
			id = u.To.ID()
		}
		if id == "" || u.To == nil {
			continue
		}
		from := d.records[id]
		d.records[id] = u.To
		if applied.Updated == nil {
			applied.Updated = make(map[string]RecordUpdate)
		}
		applied.Updated[id] = RecordUpdate{From: from, To: u.To}
	}
	for id := range diff.Removed {
		old, ok := d.records[id]
		if !ok {
			continue
		}
		delete(d.records, id)
		if applied.Removed == nil {
			applied.Removed = make(map[string]Record)
		}
		applied.Removed[id] = old
	}
	listeners := d.listeners
	d.mu.Unlock()

	if !applied.Empty() {
		for _, fn := range listeners {
			fn(applied)
		}
	}
	return applied
}

// ClearShapes removes every shape record. Clearing an empty board is a no-op.
func (d *Document) ClearShapes() Diff {
	d.mu.RLock()
	removed := make(map[string]Record)
	for id, r := range d.records {
		if r.TypeName() == ShapeType {
			removed[id] = r
		}
	}
	d.mu.RUnlock()
	return d.Apply(Diff{Removed: removed})
}

func (d *Document) Get(id string) (Record, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.records[id]
	return r, ok
}

func (d *Document) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.records)
}

// Records returns all records ordered by id.
func (d *Document) Records() []Record {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.records))
	for id := range d.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, d.records[id])
	}
	return out
}
