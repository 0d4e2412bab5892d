// ABOUTME: Tests for the pairing code registry
// ABOUTME: Covers single use, expiry, case-insensitivity, sweeping and replacement

package pairing

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry() (*Registry, *testClock) {
	clock := &testClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	return NewRegistry(WithTTL(10*time.Minute), WithClock(clock.Now)), clock
}

func TestIssue_CodeShape(t *testing.T) {
	reg, _ := newTestRegistry()

	code, err := reg.Issue("user-1", "paddy", "enc")
	require.NoError(t, err)

	assert.Len(t, code, DefaultCodeLength)
	for _, r := range code {
		assert.True(t, strings.ContainsRune(codeAlphabet, r), "unexpected rune %q", r)
	}
}

func TestIssue_RequiresUser(t *testing.T) {
	reg, _ := newTestRegistry()
	_, err := reg.Issue("", "paddy", "enc")
	assert.Error(t, err)
}

func TestConsume_ExactlyOnce(t *testing.T) {
	reg, clock := newTestRegistry()

	code, err := reg.Issue("user-1", "paddy", "enc-token")
	require.NoError(t, err)

	req, err := reg.Consume(code)
	require.NoError(t, err)
	assert.Equal(t, "user-1", req.UserID)
	assert.Equal(t, "paddy", req.AgentID)
	assert.Equal(t, "enc-token", req.EncryptedToken)
	assert.Equal(t, clock.Now(), req.CreatedAt)

	_, err = reg.Consume(code)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConsume_CaseInsensitive(t *testing.T) {
	reg, _ := newTestRegistry()

	code, err := reg.Issue("user-1", "paddy", "enc")
	require.NoError(t, err)

	_, err = reg.Consume("  " + strings.ToLower(code) + " ")
	assert.NoError(t, err)
}

func TestConsume_Expired(t *testing.T) {
	reg, clock := newTestRegistry()

	code, err := reg.Issue("user-1", "paddy", "enc")
	require.NoError(t, err)

	clock.Advance(10*time.Minute + time.Millisecond)

	_, err = reg.Consume(code)
	assert.ErrorIs(t, err, ErrExpired)
	assert.Equal(t, 0, reg.Len(), "expired request must be removed")

	_, err = reg.Consume(code)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConsume_AtExactTTLStillValid(t *testing.T) {
	reg, clock := newTestRegistry()

	code, err := reg.Issue("user-1", "paddy", "enc")
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	_, err = reg.Consume(code)
	assert.NoError(t, err)
}

func TestIssue_SweepsExpired(t *testing.T) {
	reg, clock := newTestRegistry()

	_, err := reg.Issue("user-1", "paddy", "enc")
	require.NoError(t, err)
	_, err = reg.Issue("user-2", "paddy", "enc")
	require.NoError(t, err)

	clock.Advance(11 * time.Minute)
	_, err = reg.Issue("user-3", "paddy", "enc")
	require.NoError(t, err)

	assert.Equal(t, 1, reg.Len())
}

func TestIssue_ReplacesUsersPreviousCode(t *testing.T) {
	reg, _ := newTestRegistry()

	first, err := reg.Issue("user-1", "paddy", "enc")
	require.NoError(t, err)
	second, err := reg.Issue("user-1", "nova", "enc")
	require.NoError(t, err)

	if first != second {
		assert.False(t, reg.Has(first), "old code should be replaced")
	}
	assert.True(t, reg.Has(second))
	assert.Equal(t, 1, reg.Len())
}

func TestSweepExpired(t *testing.T) {
	reg, clock := newTestRegistry()

	_, err := reg.Issue("user-1", "paddy", "enc")
	require.NoError(t, err)
	clock.Advance(5 * time.Minute)
	_, err = reg.Issue("user-2", "paddy", "enc")
	require.NoError(t, err)

	clock.Advance(6 * time.Minute)
	assert.Equal(t, 1, reg.SweepExpired())
	assert.Equal(t, 1, reg.Len())
}

func TestRevokeUser(t *testing.T) {
	reg, _ := newTestRegistry()

	code, err := reg.Issue("user-1", "paddy", "enc")
	require.NoError(t, err)

	assert.Equal(t, 1, reg.RevokeUser("user-1"))
	assert.False(t, reg.Has(code))
}

func TestIssue_UniqueCodes(t *testing.T) {
	reg, _ := newTestRegistry()
	seen := make(map[string]bool)

	for i := 0; i < 500; i++ {
		code, err := reg.Issue(fmt.Sprintf("user-%d", i), "paddy", "enc")
		require.NoError(t, err)
		assert.False(t, seen[code], "duplicate code %s", code)
		seen[code] = true
	}
}

func TestIssue_CustomGeneratorRetriesCollisions(t *testing.T) {
	codes := []string{"ab12cd", "AB12CD", "XY34ZW"}
	r := NewRegistry(WithGenerator(func(int) (string, error) {
		c := codes[0]
		codes = codes[1:]
		return c, nil
	}))

	first, err := r.Issue("user-1", "paddy", "enc")
	require.NoError(t, err)
	assert.Equal(t, "AB12CD", first)

	second, err := r.Issue("user-2", "paddy", "enc")
	require.NoError(t, err)
	assert.Equal(t, "XY34ZW", second, "a code colliding after normalization is skipped")
}
