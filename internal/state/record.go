package state

import (
	"time"

	"github.com/nerrad567/domuslink/internal/devicemap"
)

// Record is the canonical state of one device instance.
//
// Records are copy-on-write: once published into a snapshot a Record is
// never mutated. Updates clone the record, merge into the clone and swap
// the clone into the record's slot, so any reference a reader already
// holds stays valid and unchanged.
type Record struct {
	entityType string
	instanceID string
	name       string
	kind       devicemap.Kind
	fields     map[string]any
	updatedAt  time.Time
}

// EntityType returns the record's entity type.
func (r *Record) EntityType() string { return r.entityType }

// InstanceID returns the record's instance id.
func (r *Record) InstanceID() string { return r.instanceID }

// Name returns the human-readable name reported by the controller.
func (r *Record) Name() string { return r.name }

// Kind returns the record's device kind.
func (r *Record) Kind() devicemap.Kind { return r.kind }

// UpdatedAt returns the time of the record's last field change.
func (r *Record) UpdatedAt() time.Time { return r.updatedAt }

// Field returns one canonical field value.
func (r *Record) Field(name string) (any, bool) {
	v, ok := r.fields[name]
	return v, ok
}

// Fields returns a copy of all canonical field values.
func (r *Record) Fields() map[string]any {
	out := make(map[string]any, len(r.fields))
	for k, v := range r.fields {
		out[k] = v
	}
	return out
}

// clone returns a mutable deep copy for the copy-on-write update path.
func (r *Record) clone() *Record {
	c := *r
	c.fields = make(map[string]any, len(r.fields))
	for k, v := range r.fields {
		c.fields[k] = v
	}
	return &c
}
