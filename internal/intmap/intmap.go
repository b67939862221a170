// Package intmap implements an open-addressed map from a 64-bit key to an
// opaque value, used throughout lprof wherever a hot path needs O(1)
// lookup without per-entry heap churn: coroutine state, live-allocation
// records, interned symbols, and call-tree children.
package intmap

import "errors"

// ErrNilValue is returned by Set when v is nil; a nil value would be
// indistinguishable from an absent key on lookup.
var ErrNilValue = errors.New("intmap: value must not be nil")

type status uint8

const (
	statusNone status = iota
	statusExist
	statusRemoved
)

type slot struct {
	key    uint64
	value  any
	status status
	// next chains a collision into a spare slot borrowed from lastfree.
	// -1 means end of chain.
	next int
}

const initialCapacity = 1024

// Map is an open-addressed, chained-on-collision map keyed by uint64.
// It is not safe for concurrent use; callers in this module only ever
// touch it from the single goroutine that owns the hooked VM thread.
type Map struct {
	slots    []slot
	count    int
	lastfree int // scans downward from len(slots)-1 looking for a free slot
}

// New creates an empty Map with the fixed initial capacity.
func New() *Map {
	return &Map{
		slots:    newSlots(initialCapacity),
		lastfree: initialCapacity - 1,
	}
}

func newSlots(capacity int) []slot {
	s := make([]slot, capacity)
	for i := range s {
		s[i].next = -1
	}
	return s
}

// Len returns the number of live (EXIST) entries.
func (m *Map) Len() int { return m.count }

func (m *Map) primary(key uint64) int {
	return int(key % uint64(len(m.slots)))
}

// Get looks up key, walking the chain rooted at its primary slot.
func (m *Map) Get(key uint64) (any, bool) {
	idx := m.primary(key)
	for idx != -1 {
		s := &m.slots[idx]
		if s.status == statusExist && s.key == key {
			return s.value, true
		}
		if s.status == statusNone {
			return nil, false
		}
		idx = s.next
	}
	return nil, false
}

// Set inserts or overwrites key with v. v must not be nil.
func (m *Map) Set(key uint64, v any) error {
	if v == nil {
		return ErrNilValue
	}

	for {
		if m.trySet(key, v) {
			return nil
		}
		m.rehash()
	}
}

// trySet attempts a single insertion pass against the current table,
// returning false if the table needs to grow first.
func (m *Map) trySet(key uint64, v any) bool {
	primary := m.primary(key)
	head := &m.slots[primary]

	if head.status != statusExist && head.status != statusRemoved {
		head.key = key
		head.value = v
		head.status = statusExist
		m.count++
		return true
	}

	// Walk the existing chain, overwriting on an exact key match.
	idx := primary
	for idx != -1 {
		s := &m.slots[idx]
		if s.status == statusExist && s.key == key {
			s.value = v
			return true
		}
		if s.next == -1 {
			break
		}
		idx = s.next
	}

	// The primary slot is occupied by something else. If that occupant
	// is not itself rooted at `primary` (i.e. it is a chained guest of
	// some other key's chain), displace it into a spare slot (Brent's
	// algorithm) and claim the primary slot for the new key, which keeps
	// future lookups of `key` O(1) instead of growing the chain
	// indefinitely.
	if head.status == statusExist && m.primary(head.key) != primary {
		free := m.findFree()
		if free == -1 {
			return false
		}

		guestHome := m.primary(head.key)
		m.slots[free] = *head
		m.relinkChain(guestHome, primary, free)

		head.key = key
		head.value = v
		head.status = statusExist
		head.next = -1
		m.count++
		return true
	}

	free := m.findFree()
	if free == -1 {
		return false
	}

	m.slots[free] = slot{key: key, value: v, status: statusExist, next: -1}
	m.slots[idx].next = free
	m.count++
	return true
}

// relinkChain walks the chain rooted at chainHead looking for the slot
// whose next pointer equals oldIdx, and repoints it at newIdx. Used after
// physically moving the occupant of oldIdx to newIdx.
func (m *Map) relinkChain(chainHead, oldIdx, newIdx int) {
	idx := chainHead
	for idx != -1 {
		if m.slots[idx].next == oldIdx {
			m.slots[idx].next = newIdx
			return
		}
		idx = m.slots[idx].next
	}
}

// findFree scans from lastfree downward for a NONE slot. A REMOVED slot
// is never handed out here: trySet's displaced-occupant path overwrites
// the slot wholesale, including its next pointer, which would sever any
// chain still running through a tombstone. Only a rehash reclaims
// REMOVED slots, by rebuilding the table from scratch.
func (m *Map) findFree() int {
	for m.lastfree >= 0 {
		s := &m.slots[m.lastfree]
		if s.status == statusNone {
			idx := m.lastfree
			m.lastfree--
			return idx
		}
		m.lastfree--
	}
	return -1
}

// rehash grows the table to the smallest power of two strictly greater
// than the current live-element count and reinserts every live entry.
// Retried with a larger capacity if, against expectations, a single pass
// still runs out of free slots.
func (m *Map) rehash() {
	old := m.slots
	newCap := nextPow2(m.count)

	for {
		m.slots = newSlots(newCap)
		m.lastfree = newCap - 1
		m.count = 0

		ok := true
		for i := range old {
			if old[i].status != statusExist {
				continue
			}
			if !m.trySet(old[i].key, old[i].value) {
				ok = false
				break
			}
		}
		if ok {
			return
		}
		newCap = nextPow2(newCap + 1)
	}
}

func nextPow2(n int) int {
	p := 1
	for p <= n {
		p <<= 1
	}
	return p
}

// Remove deletes key, returning its value if present. The slot is marked
// REMOVED (tombstoned) rather than NONE so that chains walking through it
// still reach entries further down the chain. lastfree only ever moves
// forward via rehash, never backward here — a tombstoned slot is not a
// candidate for findFree.
func (m *Map) Remove(key uint64) (any, bool) {
	idx := m.primary(key)
	for idx != -1 {
		s := &m.slots[idx]
		if s.status == statusExist && s.key == key {
			v := s.value
			s.status = statusRemoved
			s.value = nil
			m.count--
			return v, true
		}
		if s.status == statusNone {
			return nil, false
		}
		idx = s.next
	}
	return nil, false
}

// Each visits every EXIST entry in unspecified order. Returning false
// from visit stops iteration early.
func (m *Map) Each(visit func(key uint64, value any) bool) {
	for i := range m.slots {
		if m.slots[i].status == statusExist {
			if !visit(m.slots[i].key, m.slots[i].value) {
				return
			}
		}
	}
}
