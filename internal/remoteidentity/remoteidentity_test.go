package remoteidentity

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

var errFetchFailed = errors.New("fetch failed")

func fetcherReturning(key string) Fetcher {
	return func(ctx context.Context) (string, error) {
		return key, nil
	}
}

func failingFetcher() Fetcher {
	return func(ctx context.Context) (string, error) {
		return "", errFetchFailed
	}
}

// TestResolveRemoteKey_TOFUPinsFirstSeenKey verifies property P5: given a
// fresh DID, the first call fetches and returns fromCache=false, and a
// second call within the TTL window returns the pinned key without
// invoking fetch again.
func TestResolveRemoteKey_TOFUPinsFirstSeenKey(t *testing.T) {
	c := New(false)
	did := "did:key:alice"
	calls := 0
	fetch := func(ctx context.Context) (string, error) {
		calls++
		return "pubkey-1", nil
	}

	res, err := c.ResolveRemoteKey(context.Background(), did, fetch)
	require.NoError(t, err)
	require.Equal(t, "pubkey-1", res.PublicKey)
	require.False(t, res.FromCache)
	require.False(t, res.KeyChanged)
	require.Equal(t, 1, calls)

	res2, err := c.ResolveRemoteKey(context.Background(), did, fetch)
	require.NoError(t, err)
	require.Equal(t, "pubkey-1", res2.PublicKey)
	require.True(t, res2.FromCache)
	require.False(t, res2.KeyChanged)
	require.Equal(t, 1, calls, "fetch must not be called again within the TTL window")
}

// TestResolveRemoteKey_RefetchAfterExpirySameKey verifies that once the TTL
// has lapsed a refetch happens, but an unchanged key is treated as a quiet
// refresh rather than a key-change event.
func TestResolveRemoteKey_RefetchAfterExpirySameKey(t *testing.T) {
	c := New(false)
	did := "did:key:bob"

	c.entries.SetWithTTL(did, cachedKey{publicKey: "pubkey-old"}, 0)

	res, err := c.ResolveRemoteKey(context.Background(), did, fetcherReturning("pubkey-old"))
	require.NoError(t, err)
	require.Equal(t, "pubkey-old", res.PublicKey)
	require.False(t, res.KeyChanged)
}

func TestResolveRemoteKey_KeyChangeAcceptedWithRotation(t *testing.T) {
	c := New(true)
	did := "did:key:carol"

	c.entries.SetWithTTL(did, cachedKey{publicKey: "pubkey-old"}, 0)

	res, err := c.ResolveRemoteKey(context.Background(), did, fetcherReturning("pubkey-new"))
	require.NoError(t, err)
	require.Equal(t, "pubkey-new", res.PublicKey)
	require.True(t, res.KeyChanged)
	require.False(t, res.FromCache)

	res2, err := c.ResolveRemoteKey(context.Background(), did, fetcherReturning("pubkey-new"))
	require.NoError(t, err)
	require.Equal(t, "pubkey-new", res2.PublicKey)
	require.True(t, res2.FromCache)
	require.False(t, res2.KeyChanged)
}

func TestResolveRemoteKey_KeyChangeRejectedAfterExpiry(t *testing.T) {
	c := New(false)
	did := "did:key:dave"

	c.entries.SetWithTTL(did, cachedKey{publicKey: "pubkey-old"}, 0)

	res, err := c.ResolveRemoteKey(context.Background(), did, fetcherReturning("pubkey-new"))
	require.NoError(t, err)
	require.Equal(t, "pubkey-old", res.PublicKey, "default policy must keep the previously pinned key")
	require.True(t, res.KeyChanged)
	require.True(t, res.FromCache)
}

// TestResolution_RejectedKeyChange pins the distinction consumers rely on:
// only the default-policy rejection counts as a rejected key change, not the
// informational KeyChanged flag set when rotation is allowed.
func TestResolution_RejectedKeyChange(t *testing.T) {
	rejected := Resolution{PublicKey: "pubkey-old", FromCache: true, KeyChanged: true}
	require.True(t, rejected.RejectedKeyChange())

	accepted := Resolution{PublicKey: "pubkey-new", FromCache: false, KeyChanged: true}
	require.False(t, accepted.RejectedKeyChange())

	fresh := Resolution{PublicKey: "pubkey-1", FromCache: false}
	require.False(t, fresh.RejectedKeyChange())
}

func TestResolveRemoteKey_FetchFailureFallsBackToCache(t *testing.T) {
	c := New(false)
	did := "did:key:erin"

	_, err := c.ResolveRemoteKey(context.Background(), did, fetcherReturning("pubkey-1"))
	require.NoError(t, err)

	c.entries.SetWithTTL(did, cachedKey{publicKey: "pubkey-1"}, 0)

	res, err := c.ResolveRemoteKey(context.Background(), did, failingFetcher())
	require.NoError(t, err)
	require.Equal(t, "pubkey-1", res.PublicKey)
	require.True(t, res.FromCache)
}

func TestResolveRemoteKey_FetchFailureNoCacheReturnsErrUnreachable(t *testing.T) {
	c := New(false)
	did := "did:key:frank"

	_, err := c.ResolveRemoteKey(context.Background(), did, failingFetcher())
	require.ErrorIs(t, err, ErrUnreachable)
}

func TestResolveRemoteKey_Invalidate(t *testing.T) {
	c := New(false)
	did := "did:key:grace"

	_, err := c.ResolveRemoteKey(context.Background(), did, fetcherReturning("pubkey-1"))
	require.NoError(t, err)

	c.Invalidate(did)

	calls := 0
	fetch := func(ctx context.Context) (string, error) {
		calls++
		return "pubkey-2", nil
	}
	res, err := c.ResolveRemoteKey(context.Background(), did, fetch)
	require.NoError(t, err)
	require.Equal(t, "pubkey-2", res.PublicKey)
	require.False(t, res.KeyChanged, "after Invalidate there is no prior entry to compare against")
	require.Equal(t, 1, calls)
}
