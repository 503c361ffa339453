package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheck_AllowsUpToLimit(t *testing.T) {
	l := New()
	defer l.Destroy()

	for i := 0; i < 5; i++ {
		r := l.Check("k", 5)
		assert.True(t, r.Allowed, "request %d should be allowed", i)
	}
	r := l.Check("k", 5)
	assert.False(t, r.Allowed)
	assert.Equal(t, 0, r.Remaining)
}

func TestCheck_RemainingDecreases(t *testing.T) {
	l := New()
	defer l.Destroy()

	r := l.Check("k", 3)
	assert.Equal(t, 2, r.Remaining)
	r = l.Check("k", 3)
	assert.Equal(t, 1, r.Remaining)
	r = l.Check("k", 3)
	assert.Equal(t, 0, r.Remaining)
}

func TestCheck_KeysAreIndependent(t *testing.T) {
	l := New()
	defer l.Destroy()

	for i := 0; i < 2; i++ {
		assert.True(t, l.Check("a", 2).Allowed)
	}
	assert.False(t, l.Check("a", 2).Allowed)
	assert.True(t, l.Check("b", 2).Allowed)
}

func TestCheck_ResetAtIsEarliestPlusWindow(t *testing.T) {
	l := New()
	defer l.Destroy()

	first := l.Check("k", 1)
	assert.True(t, first.Allowed)
	second := l.Check("k", 1)
	assert.False(t, second.Allowed)
	// both resetAt values derive from the same first-in-window timestamp.
	assert.WithinDuration(t, first.ResetAt, second.ResetAt, 0)
}

func TestDestroy_SafeMultipleCalls(t *testing.T) {
	l := New()
	l.Destroy()
	l.Destroy()
}
