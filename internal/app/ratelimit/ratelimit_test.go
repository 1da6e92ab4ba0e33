package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyLimiterAllowsUpToBurstThenDenies(t *testing.T) {
	kl := NewKeyLimiter(1, time.Minute, 2)
	assert.True(t, kl.Allow("acct-1"))
	assert.True(t, kl.Allow("acct-1"))
	assert.False(t, kl.Allow("acct-1"))
}

func TestKeyLimiterKeysAreIndependent(t *testing.T) {
	kl := NewKeyLimiter(1, time.Minute, 1)
	require.True(t, kl.Allow("acct-1"))
	assert.True(t, kl.Allow("acct-2"))
}

func TestKeyLimiterSweepClearsOversizedMap(t *testing.T) {
	kl := NewKeyLimiter(1, time.Minute, 1)
	kl.Allow("acct-1")
	kl.Allow("acct-2")
	require.Equal(t, 2, kl.Len())
	kl.Sweep(1)
	assert.Equal(t, 0, kl.Len())
}

func TestLoginLockoutLocksAfterThreshold(t *testing.T) {
	l := NewLoginLockout(3, time.Minute)
	assert.False(t, l.RecordFailure("user-1"))
	assert.False(t, l.RecordFailure("user-1"))
	assert.True(t, l.RecordFailure("user-1"))
	assert.True(t, l.Locked("user-1"))
}

func TestLoginLockoutExpiresAfterWindow(t *testing.T) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLoginLockout(1, time.Minute)
	l.now = func() time.Time { return clock }

	assert.True(t, l.RecordFailure("user-1"))
	assert.True(t, l.Locked("user-1"))

	clock = clock.Add(2 * time.Minute)
	assert.False(t, l.Locked("user-1"))
}

func TestLoginLockoutSuccessClearsHistory(t *testing.T) {
	l := NewLoginLockout(2, time.Minute)
	l.RecordFailure("user-1")
	l.RecordSuccess("user-1")
	assert.False(t, l.RecordFailure("user-1"))
}
