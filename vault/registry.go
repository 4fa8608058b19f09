package vault

// ActiveIDRegistry is the working set of currently active subscription ids.
// Removal swaps the victim with the last element and pops, so iteration order
// is not meaningful and may change after any removal. Not safe for concurrent
// use on its own; State holds the lock.
type ActiveIDRegistry struct {
	ids   []uint64
	index map[uint64]int
}

func NewActiveIDRegistry() *ActiveIDRegistry {
	return &ActiveIDRegistry{
		index: make(map[uint64]int),
	}
}

func (r *ActiveIDRegistry) Insert(id uint64) {
	if _, ok := r.index[id]; ok {
		return
	}
	r.index[id] = len(r.ids)
	r.ids = append(r.ids, id)
}

func (r *ActiveIDRegistry) Remove(id uint64) bool {
	pos, ok := r.index[id]
	if !ok {
		return false
	}

	last := len(r.ids) - 1
	moved := r.ids[last]
	r.ids[pos] = moved
	r.index[moved] = pos
	r.ids = r.ids[:last]
	delete(r.index, id)
	return true
}

func (r *ActiveIDRegistry) Contains(id uint64) bool {
	_, ok := r.index[id]
	return ok
}

func (r *ActiveIDRegistry) Len() int {
	return len(r.ids)
}

// IDs returns a copy of the active set in the current internal order.
func (r *ActiveIDRegistry) IDs() []uint64 {
	ids := make([]uint64, len(r.ids))
	copy(ids, r.ids)
	return ids
}
