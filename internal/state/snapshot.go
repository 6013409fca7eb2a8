package state

// recordKey identifies one record slot.
type recordKey struct {
	entityType string
	instanceID string
}

// snapshot is the coordinator's view of all records at one instant: an
// ordered list per entity type plus derived indexes for O(1) lookup.
//
// A snapshot is built in full before it becomes visible to readers. After
// publication the only permitted mutation is slot replacement under the
// coordinator's write lock: swapping one record pointer for its updated
// clone in the list and both indexes, atomically from a reader's view.
type snapshot struct {
	lists map[string][]*Record
	index map[recordKey]*Record

	// byID resolves bare instance ids from push batches, which carry no
	// entity type. Instance ids are unique across entity types upstream.
	byID map[string]*Record
}

func newSnapshot() *snapshot {
	return &snapshot{
		lists: make(map[string][]*Record),
		index: make(map[recordKey]*Record),
		byID:  make(map[string]*Record),
	}
}

// insert appends a record during snapshot construction, preserving the
// poll's reporting order.
func (s *snapshot) insert(r *Record) {
	s.lists[r.entityType] = append(s.lists[r.entityType], r)
	s.index[recordKey{r.entityType, r.instanceID}] = r
	s.byID[r.instanceID] = r
}

// lookup resolves a record by its full key.
func (s *snapshot) lookup(entityType, instanceID string) (*Record, bool) {
	r, ok := s.index[recordKey{entityType, instanceID}]
	return r, ok
}

// lookupByID resolves a record by bare instance id.
func (s *snapshot) lookupByID(instanceID string) (*Record, bool) {
	r, ok := s.byID[instanceID]
	return r, ok
}

// replace swaps old for updated in the slot old occupies. Both records
// must share the same key. Returns false when old no longer occupies its
// slot (a concurrent refresh replaced the snapshot's contents).
func (s *snapshot) replace(old, updated *Record) bool {
	key := recordKey{old.entityType, old.instanceID}
	if s.index[key] != old {
		return false
	}

	list := s.lists[old.entityType]
	for i, r := range list {
		if r == old {
			list[i] = updated
			s.index[key] = updated
			s.byID[old.instanceID] = updated
			return true
		}
	}
	return false
}
