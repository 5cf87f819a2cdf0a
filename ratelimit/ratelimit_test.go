package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAllowWithinLimit(t *testing.T) {
	l := New(3, time.Minute)
	now := time.Now()

	require.True(t, l.Allow("k", now))
	require.True(t, l.Allow("k", now))
	require.True(t, l.Allow("k", now))
	require.False(t, l.Allow("k", now), "fourth attempt within the window must be denied")
}

func TestAllowIsPerKey(t *testing.T) {
	l := New(1, time.Minute)
	now := time.Now()

	require.True(t, l.Allow("a", now))
	require.True(t, l.Allow("b", now))
	require.False(t, l.Allow("a", now))
}

func TestAllowSlidesWithWindow(t *testing.T) {
	l := New(1, time.Minute)
	now := time.Now()

	require.True(t, l.Allow("k", now))
	require.False(t, l.Allow("k", now.Add(30*time.Second)))
	require.True(t, l.Allow("k", now.Add(90*time.Second)), "an event older than the window must no longer count")
}

func TestReset(t *testing.T) {
	l := New(1, time.Minute)
	now := time.Now()

	require.True(t, l.Allow("k", now))
	require.False(t, l.Allow("k", now))
	l.Reset("k")
	require.True(t, l.Allow("k", now))
}

func TestSweepDropsStaleKeys(t *testing.T) {
	l := New(1, time.Minute)
	now := time.Now()
	l.Allow("stale", now)

	l.Sweep(now.Add(2 * time.Minute))

	l.mu.Lock()
	_, exists := l.events["stale"]
	l.mu.Unlock()
	require.False(t, exists)
}
