package alerting

import "sync"

// AutoResolveTracker counts consecutive in-range readings per dedup key.
// An out-of-range reading resets the streak. Observation with no active
// instance is a cheap counter update only; the engine decides whether a
// streak actually resolves anything.
type AutoResolveTracker struct {
	mu     sync.Mutex
	counts map[DedupKey]int
}

func NewAutoResolveTracker() *AutoResolveTracker {
	return &AutoResolveTracker{counts: make(map[DedupKey]int)}
}

// Observe records one in-range reading and returns the streak length.
func (t *AutoResolveTracker) Observe(key DedupKey) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.counts[key]++
	return t.counts[key]
}

// Reset zeroes the streak, on an out-of-range reading or after a resolve.
func (t *AutoResolveTracker) Reset(key DedupKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.counts, key)
}

// Count returns the current streak without recording an observation.
func (t *AutoResolveTracker) Count(key DedupKey) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[key]
}
