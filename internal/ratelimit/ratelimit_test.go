package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestLimiter_SixthRequestRejected verifies property P10: the 6th request
// from a DID within the window is rejected.
func TestLimiter_SixthRequestRejected(t *testing.T) {
	l := NewDefault()
	did := "did:key:alice"

	for i := 0; i < DefaultCapacity; i++ {
		require.True(t, l.Allow(did), "request %d should be allowed", i+1)
	}
	require.False(t, l.Allow(did), "6th request within the window should be rejected")
}

func TestLimiter_DifferentDIDsIndependent(t *testing.T) {
	l := NewDefault()

	for i := 0; i < DefaultCapacity; i++ {
		require.True(t, l.Allow("did:key:alice"))
	}
	require.False(t, l.Allow("did:key:alice"))
	require.True(t, l.Allow("did:key:bob"), "a different DID should have its own budget")
}

func TestLimiter_SlidesOutOldRequests(t *testing.T) {
	l := New(2, 50*time.Millisecond)
	did := "did:key:carol"

	require.True(t, l.AllowAt(did, time.Unix(1000, 0)))
	require.True(t, l.AllowAt(did, time.Unix(1000, 0)))
	require.False(t, l.AllowAt(did, time.Unix(1000, 0)), "capacity reached within window")

	later := time.Unix(1000, 0).Add(100 * time.Millisecond)
	require.True(t, l.AllowAt(did, later), "old requests should have slid out of the window")
}

func TestLimiter_Reset(t *testing.T) {
	l := New(1, time.Minute)
	did := "did:key:dave"

	require.True(t, l.Allow(did))
	require.False(t, l.Allow(did))

	l.Reset(did)
	require.True(t, l.Allow(did), "after Reset the budget should be available again")
}
