// store.go: Robin-Hood open-addressed hash map from int32 key to owned blob
package ember

// slotFlag is the per-slot occupancy state.
type slotFlag uint8

const (
	slotEmpty slotFlag = iota
	slotOccupied
	slotDeleted
)

// maxLoadFactor bounds size/capacity after every Save (spec §3.2).
const maxLoadFactor = 0.7

// minCapacity is the capacity a fresh Store starts at (spec §3.2).
const minCapacity = 16

// Store is a single-threaded, open-addressed hash map keyed by int32,
// holding owned copies of opaque byte values. It implements spec §4.2:
// Robin-Hood displacement keeps the variance of probe lengths low. Removed
// keys leave tombstones that are reclaimed only by the next resize.
//
// Store is not safe for concurrent use; the Engine that owns one serializes
// all mutation and iteration through its own lock, matching spec §5's "the
// Store itself never blocks" model.
type Store struct {
	flags    []slotFlag
	keys     []int32
	values   [][]byte
	capacity uint32
	size     uint32
}

// NewStore creates an empty Store with the minimum capacity.
func NewStore() *Store {
	s := &Store{}
	s.reset(minCapacity)
	return s
}

func (s *Store) reset(capacity uint32) {
	s.capacity = capacity
	s.size = 0
	s.flags = make([]slotFlag, capacity)
	s.keys = make([]int32, capacity)
	s.values = make([][]byte, capacity)
}

// Len reports the number of live keys.
func (s *Store) Len() int { return int(s.size) }

// Cap reports the current table capacity (always a power of two).
func (s *Store) Cap() int { return int(s.capacity) }

// mix32 is the 32-bit integer finalizer from spec §4.2: two multiplications
// and three xor-shifts, the same constants original_source/src/storage.c's
// mix32 uses, chosen for avalanche quality over monotone-dense integer keys.
func mix32(x uint32) uint32 {
	x ^= x >> 16
	x *= 0x7FEB352D
	x ^= x >> 15
	x *= 0x846CA68B
	x ^= x >> 16
	return x
}

func probeDistance(idx, home, mask uint32) uint32 {
	return (idx + (mask + 1) - home) & mask
}

// Save inserts or overwrites the value for id, making its own copy of data.
// It grows the table first if the insert would push the load factor past
// 0.7, then walks the Robin-Hood probe sequence from storage_save in
// original_source/src/storage.c: an entry with a shorter probe distance than
// the one being carried yields its slot and continues probing with the
// displaced entry.
func (s *Store) Save(id int32, data []byte) {
	// An existing key is overwritten in place. The Robin-Hood walk below
	// installs into the first deleted slot it meets, which can lie before
	// the key's current slot, so it only runs for keys not yet present.
	for i, idx := uint32(0), mix32(uint32(id))&(s.capacity-1); i < s.capacity && s.flags[idx] != slotEmpty; i, idx = i+1, (idx+1)&(s.capacity-1) {
		if s.flags[idx] == slotOccupied && s.keys[idx] == id {
			s.values[idx] = append([]byte(nil), data...)
			return
		}
	}

	if float64(s.size+1)/float64(s.capacity) > maxLoadFactor {
		s.grow()
	}

	mask := s.capacity - 1
	home := mix32(uint32(id)) & mask
	idx := home

	newKey := id
	newVal := append([]byte(nil), data...)
	dist := uint32(0)

	for {
		switch s.flags[idx] {
		case slotEmpty, slotDeleted:
			s.flags[idx] = slotOccupied
			s.keys[idx] = newKey
			s.values[idx] = newVal
			s.size++
			return
		case slotOccupied:
			curHome := mix32(uint32(s.keys[idx])) & mask
			curDist := probeDistance(idx, curHome, mask)

			switch {
			case curDist < dist:
				s.keys[idx], newKey = newKey, s.keys[idx]
				s.values[idx], newVal = newVal, s.values[idx]
				dist = curDist
			case s.keys[idx] == newKey:
				s.values[idx] = newVal
				return
			}
		}

		idx = (idx + 1) & mask
		dist++
	}
}

// grow doubles capacity and reinserts every occupied slot via Save,
// discarding tombstones in the process (spec §3.2's "deleted slots are
// reclaimed only by a resize").
func (s *Store) grow() {
	oldFlags, oldKeys, oldValues := s.flags, s.keys, s.values
	s.reset(s.capacity * 2)

	for i, flag := range oldFlags {
		if flag == slotOccupied {
			s.Save(oldKeys[i], oldValues[i])
		}
	}
}

// Get copies the value for id into a freshly returned slice, or reports a
// miss. There is no distinguished error return (spec §4.2's "get returning 0
// signals miss"); the bool is that signal.
func (s *Store) Get(id int32) ([]byte, bool) {
	mask := s.capacity - 1
	idx := mix32(uint32(id)) & mask

	for dist := uint32(0); dist < s.capacity; dist++ {
		switch s.flags[idx] {
		case slotEmpty:
			return nil, false
		case slotOccupied:
			if s.keys[idx] == id {
				return append([]byte(nil), s.values[idx]...), true
			}
		}
		idx = (idx + 1) & mask
	}
	return nil, false
}

// Remove deletes id if present, leaving a tombstone behind for probing. It
// is a no-op if id is absent (spec §6.3).
func (s *Store) Remove(id int32) {
	mask := s.capacity - 1
	idx := mix32(uint32(id)) & mask

	for dist := uint32(0); dist < s.capacity; dist++ {
		switch s.flags[idx] {
		case slotEmpty:
			return
		case slotOccupied:
			if s.keys[idx] == id {
				s.values[idx] = nil
				s.flags[idx] = slotDeleted
				s.size--
				return
			}
		}
		idx = (idx + 1) & mask
	}
}

// IterFunc is invoked once per occupied slot during Iterate. Implementations
// must not mutate the Store from within fn; spec §4.2 forbids calling
// Iterate concurrently with mutation and this applies equally to reentrant
// mutation from the callback itself.
type IterFunc func(id int32, value []byte)

// Iterate visits every occupied slot exactly once in unspecified order
// (spec §4.2). Order is not stable across resizes.
func (s *Store) Iterate(fn IterFunc) {
	for i, flag := range s.flags {
		if flag == slotOccupied {
			fn(s.keys[i], s.values[i])
		}
	}
}
