package alerting

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSuppressionWindow_SlidingDedup(t *testing.T) {
	s := NewSuppressionWindow()
	key := DedupKey("t1|o1|watch-42|heart_rate")
	base := time.Now()

	result, _ := s.Admit(key, base, 60)
	assert.Equal(t, AdmitNew, result)
	s.Open(key, "inst-1", base)

	// Inside the window: duplicate, and the window slides forward.
	result, id := s.Admit(key, base.Add(50*time.Second), 60)
	assert.Equal(t, AdmitDuplicate, result)
	assert.Equal(t, "inst-1", id)

	// 50s after the last duplicate but 100s after the first event. Sliding
	// semantics keep it inside the window.
	result, id = s.Admit(key, base.Add(100*time.Second), 60)
	assert.Equal(t, AdmitDuplicate, result)
	assert.Equal(t, "inst-1", id)

	// Past the slid horizon: the lapsed window is discarded.
	result, _ = s.Admit(key, base.Add(200*time.Second), 60)
	assert.Equal(t, AdmitNew, result)
}

func TestSuppressionWindow_ZeroWindowNeverLapses(t *testing.T) {
	s := NewSuppressionWindow()
	key := DedupKey("k")
	base := time.Now()

	s.Open(key, "inst-1", base)

	result, id := s.Admit(key, base.Add(24*time.Hour), 0)
	assert.Equal(t, AdmitDuplicate, result)
	assert.Equal(t, "inst-1", id)
}

func TestSuppressionWindow_CooldownBlocksNewInstances(t *testing.T) {
	s := NewSuppressionWindow()
	key := DedupKey("k")
	base := time.Now()

	s.StartCooldown(key, "inst-1", base.Add(30*time.Minute))

	result, id := s.Admit(key, base.Add(10*time.Minute), 60)
	assert.Equal(t, AdmitSuppressed, result)
	assert.Equal(t, "inst-1", id)

	// Past the horizon the key is free again.
	result, _ = s.Admit(key, base.Add(31*time.Minute), 60)
	assert.Equal(t, AdmitNew, result)
}

func TestSuppressionWindow_CooldownReanchor(t *testing.T) {
	s := NewSuppressionWindow()
	key := DedupKey("k")
	base := time.Now()

	s.StartCooldown(key, "inst-1", base.Add(10*time.Minute))
	s.StartCooldown(key, "inst-1", base.Add(40*time.Minute))

	result, _ := s.Admit(key, base.Add(20*time.Minute), 60)
	assert.Equal(t, AdmitSuppressed, result)
}

func TestSuppressionWindow_CloseEndsDedupOnly(t *testing.T) {
	s := NewSuppressionWindow()
	key := DedupKey("k")
	base := time.Now()

	s.Open(key, "inst-1", base)
	s.Close(key)

	result, _ := s.Admit(key, base.Add(time.Second), 60)
	assert.Equal(t, AdmitNew, result)
}

func TestSuppressionWindow_Restore(t *testing.T) {
	s := NewSuppressionWindow()
	key := DedupKey("k")
	base := time.Now()

	s.Restore(key, "inst-1", base.Add(-2*time.Minute), base.Add(-30*time.Second), 4)

	result, id := s.Admit(key, base, 60)
	assert.Equal(t, AdmitDuplicate, result)
	assert.Equal(t, "inst-1", id)
}

func TestSuppressionWindow_EvictExpired(t *testing.T) {
	s := NewSuppressionWindow()
	now := time.Now()

	s.StartCooldown(DedupKey("old"), "i1", now.Add(-time.Minute))
	s.StartCooldown(DedupKey("live"), "i2", now.Add(time.Hour))

	assert.Equal(t, 1, s.EvictExpired(now))

	_, cooldowns := s.Size()
	assert.Equal(t, 1, cooldowns)
}

func TestAutoResolveTracker(t *testing.T) {
	tr := NewAutoResolveTracker()
	key := DedupKey("k")

	assert.Equal(t, 1, tr.Observe(key))
	assert.Equal(t, 2, tr.Observe(key))
	assert.Equal(t, 3, tr.Observe(key))

	// An alerting event resets the streak.
	tr.Reset(key)
	assert.Equal(t, 1, tr.Observe(key))
}
