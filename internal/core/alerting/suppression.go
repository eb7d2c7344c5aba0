package alerting

import (
	"sync"
	"time"
)

// AdmitResult classifies an alerting event against the dedup window.
type AdmitResult int

const (
	// AdmitNew means no window covers the key; a new instance is created.
	AdmitNew AdmitResult = iota
	// AdmitDuplicate means an active instance already covers the key.
	AdmitDuplicate
	// AdmitSuppressed means the key is inside a post-processing cool-down.
	AdmitSuppressed
)

type windowState struct {
	instanceID  string
	startedAt   time.Time
	lastSeenAt  time.Time
	occurrences int
}

type cooldownState struct {
	instanceID string
	until      time.Time
}

// SuppressionWindow keeps per-dedup-key dedup windows and post-processing
// cool-downs in one indexed map, with explicit eviction when instances
// reach a terminal state. The engine serializes calls per key; the mutex
// covers cross-key access from the scheduler pool.
type SuppressionWindow struct {
	mu        sync.Mutex
	windows   map[DedupKey]*windowState
	cooldowns map[DedupKey]*cooldownState
}

func NewSuppressionWindow() *SuppressionWindow {
	return &SuppressionWindow{
		windows:   make(map[DedupKey]*windowState),
		cooldowns: make(map[DedupKey]*cooldownState),
	}
}

// Admit classifies an alerting event. Duplicates extend the window (sliding
// semantics: each duplicate pushes the horizon out by the full window).
// Returns the covering instance ID for DUPLICATE and SUPPRESSED results.
func (s *SuppressionWindow) Admit(key DedupKey, at time.Time, windowSeconds int) (AdmitResult, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cd, ok := s.cooldowns[key]; ok {
		if at.Before(cd.until) {
			return AdmitSuppressed, cd.instanceID
		}
		delete(s.cooldowns, key)
	}

	if w, ok := s.windows[key]; ok {
		window := time.Duration(windowSeconds) * time.Second
		if windowSeconds <= 0 || at.Before(w.lastSeenAt.Add(window)) {
			w.lastSeenAt = at
			w.occurrences++
			return AdmitDuplicate, w.instanceID
		}
		// Window lapsed without the instance closing; the stale entry is
		// replaced when the caller opens a new window.
		delete(s.windows, key)
	}

	return AdmitNew, ""
}

// Open starts a dedup window for a freshly created instance.
func (s *SuppressionWindow) Open(key DedupKey, instanceID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.windows[key] = &windowState{
		instanceID:  instanceID,
		startedAt:   at,
		lastSeenAt:  at,
		occurrences: 1,
	}
}

// Restore rebuilds a dedup window from persisted instance state after a
// restart, preserving the original start and last-seen times.
func (s *SuppressionWindow) Restore(key DedupKey, instanceID string, startedAt, lastSeenAt time.Time, occurrences int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.windows[key] = &windowState{
		instanceID:  instanceID,
		startedAt:   startedAt,
		lastSeenAt:  lastSeenAt,
		occurrences: occurrences,
	}
}

// Close evicts the dedup window for a key, typically when its instance
// leaves the NEW/SCHEDULED states.
func (s *SuppressionWindow) Close(key DedupKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.windows, key)
}

// StartCooldown blocks new instances for the key until the given time.
// Re-anchoring an existing cool-down (e.g. a PROCESSED instance later
// resolving) replaces the horizon.
func (s *SuppressionWindow) StartCooldown(key DedupKey, instanceID string, until time.Time) {
	if until.IsZero() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldowns[key] = &cooldownState{instanceID: instanceID, until: until}
}

// CooldownUntil returns the cool-down horizon for a key, if any.
func (s *SuppressionWindow) CooldownUntil(key DedupKey) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cd, ok := s.cooldowns[key]
	if !ok {
		return time.Time{}, false
	}
	return cd.until, true
}

// EvictExpired drops cool-downs whose horizon has passed, bounding memory.
func (s *SuppressionWindow) EvictExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for key, cd := range s.cooldowns {
		if !now.Before(cd.until) {
			delete(s.cooldowns, key)
			evicted++
		}
	}
	return evicted
}

// Size returns the number of tracked windows and cool-downs.
func (s *SuppressionWindow) Size() (windows, cooldowns int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows), len(s.cooldowns)
}
