// Package strmap implements a string-keyed counter map used only by the
// sampling collector to tally folded-stack occurrences. Go's built-in map
// already gives O(1) amortized access and copies the key on first
// insertion (a Go string header is immutable and the runtime keeps its
// own backing array), so this package is a thin, explicitly-scoped
// wrapper rather than a hand-rolled hash table.
package strmap

// Map counts occurrences per string key.
type Map struct {
	counts map[string]uint64
}

// New creates a Map with room for capacity entries before the first grow.
func New(capacity int) *Map {
	return &Map{counts: make(map[string]uint64, capacity)}
}

// Add increments key's counter by delta, creating the entry if absent.
func (m *Map) Add(key string, delta uint64) {
	m.counts[key] += delta
}

// Get returns key's current counter and whether it has ever been added.
func (m *Map) Get(key string) (uint64, bool) {
	v, ok := m.counts[key]
	return v, ok
}

// Len returns the number of distinct keys.
func (m *Map) Len() int { return len(m.counts) }

// Each visits every key/count pair in unspecified order.
func (m *Map) Each(visit func(key string, count uint64)) {
	for k, v := range m.counts {
		visit(k, v)
	}
}

// Total sums every counter's current value.
func (m *Map) Total() uint64 {
	var total uint64
	for _, v := range m.counts {
		total += v
	}
	return total
}
