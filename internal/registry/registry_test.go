package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	t.Stop()
	return t
}

func TestTimerSlotHoldsOne(t *testing.T) {
	r := New()

	first := stoppedTimer()
	second := stoppedTimer()
	r.PutTimer("g1", first)
	r.PutTimer("g1", second)

	got, ok := r.TakeTimer("g1")
	require.True(t, ok)
	assert.Same(t, second, got)

	_, ok = r.TakeTimer("g1")
	assert.False(t, ok, "slot must be empty after take")
}

func TestTakeTimerMissingGroup(t *testing.T) {
	r := New()
	_, ok := r.TakeTimer("nope")
	assert.False(t, ok)
}

func TestHasTimerIgnoresCancelSlot(t *testing.T) {
	r := New()
	assert.False(t, r.HasTimer("g1"))

	r.PutCancel("g1", func() {})
	assert.False(t, r.HasTimer("g1"), "a token alone is not a pending timer")

	r.PutTimer("g1", stoppedTimer())
	assert.True(t, r.HasTimer("g1"))

	_, ok := r.TakeTimer("g1")
	require.True(t, ok)
	assert.False(t, r.HasTimer("g1"))
}

func TestTakeCancelReturnsStoredToken(t *testing.T) {
	r := New()

	called := false
	r.PutCancel("g1", func() { called = true })

	cancel, ok := r.TakeCancel("g1")
	require.True(t, ok)
	assert.False(t, called, "take must not invoke the token")
	cancel()
	assert.True(t, called)

	_, ok = r.TakeCancel("g1")
	assert.False(t, ok)
}

func TestTimerAndCancelSlotsAreIndependent(t *testing.T) {
	r := New()

	r.PutTimer("g1", stoppedTimer())
	r.PutCancel("g1", func() {})

	_, ok := r.TakeTimer("g1")
	require.True(t, ok)

	_, ok = r.TakeCancel("g1")
	require.True(t, ok, "taking the timer must not drop the token")
}

func TestEntryCompactsWhenBothSlotsEmpty(t *testing.T) {
	r := New()

	r.PutTimer("g1", stoppedTimer())
	r.PutCancel("g1", func() {})
	assert.Equal(t, []string{"g1"}, r.Groups())

	r.TakeTimer("g1")
	assert.Equal(t, []string{"g1"}, r.Groups(), "token still held")

	r.TakeCancel("g1")
	assert.Empty(t, r.Groups())
}

func TestClearDropsWithoutInvoking(t *testing.T) {
	r := New()

	called := false
	r.PutCancel("g1", func() { called = true })
	r.Clear("g1")

	assert.False(t, called)
	_, ok := r.TakeCancel("g1")
	assert.False(t, ok)
}

func TestClearAllReportsSortedGroups(t *testing.T) {
	r := New()

	r.PutTimer("zulu", stoppedTimer())
	r.PutCancel("alpha", func() {})
	r.PutTimer("mike", stoppedTimer())

	cleared := r.ClearAll()
	assert.Equal(t, []string{"alpha", "mike", "zulu"}, cleared)
	assert.Empty(t, r.Groups())

	assert.Empty(t, r.ClearAll(), "second pass clears nothing")
}

func TestFlags(t *testing.T) {
	f := NewFlags()

	assert.False(t, f.Get("g1"))

	f.Set("g1", true)
	f.Set("g2", true)
	assert.True(t, f.Get("g1"))

	f.Set("g1", false)
	assert.False(t, f.Get("g1"))

	snap := f.Snapshot()
	assert.Equal(t, map[string]bool{"g2": true}, snap)

	// Snapshot is a copy, mutating it must not leak back.
	snap["g2"] = false
	assert.True(t, f.Get("g2"))
}
