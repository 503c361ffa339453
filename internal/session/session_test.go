package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndValidate(t *testing.T) {
	s := New(time.Hour)
	defer s.Destroy()

	sess, err := s.Create([]string{"listItems", "getItem"})
	require.NoError(t, err)
	assert.Len(t, sess.Token, 64)
	assert.ElementsMatch(t, []string{"listItems", "getItem"}, sess.Capabilities)

	got, ok := s.Validate(sess.Token)
	require.True(t, ok)
	assert.Equal(t, sess.Token, got.Token)
}

func TestValidate_UnknownToken(t *testing.T) {
	s := New(time.Hour)
	defer s.Destroy()

	_, ok := s.Validate("deadbeef")
	assert.False(t, ok)
}

func TestValidate_ExpiredTokenEvicted(t *testing.T) {
	s := New(time.Millisecond)
	defer s.Destroy()

	sess, err := s.Create(nil)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, ok := s.Validate(sess.Token)
	assert.False(t, ok)

	// lazily evicted: validating again still returns false, not a panic.
	_, ok = s.Validate(sess.Token)
	assert.False(t, ok)
}

func TestEnd_Idempotent(t *testing.T) {
	s := New(time.Hour)
	defer s.Destroy()

	sess, err := s.Create(nil)
	require.NoError(t, err)

	s.End(sess.Token)
	s.End(sess.Token) // idempotent

	_, ok := s.Validate(sess.Token)
	assert.False(t, ok)
}

func TestDestroy_SafeMultipleCalls(t *testing.T) {
	s := New(time.Hour)
	s.Destroy()
	s.Destroy()
}

func TestTokensAreUnique(t *testing.T) {
	s := New(time.Hour)
	defer s.Destroy()

	seen := map[string]struct{}{}
	for i := 0; i < 100; i++ {
		sess, err := s.Create(nil)
		require.NoError(t, err)
		_, dup := seen[sess.Token]
		assert.False(t, dup)
		seen[sess.Token] = struct{}{}
	}
}
