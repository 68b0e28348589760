// Package remoteidentity implements the Trust-On-First-Use cache of remote
// users' public keys: the first key seen for a DID is pinned, and by default
// any later change is treated as a rejection rather than silently accepted.
package remoteidentity

import (
	"context"
	"errors"
	"time"

	"github.com/cyph3rasi/synapsis/internal/ttlcache"
)

// TTL is the pin duration for a cached remote public key.
const TTL = time.Hour

// ErrUnreachable is returned when the fetcher fails and there is no cached
// entry (fresh or stale) to fall back to.
var ErrUnreachable = errors.New("remoteidentity: fetcher unreachable and no cached key")

// ErrKeyChanged is surfaced by callers (internal/keyresolve) when a resolution
// reports KeyChanged under the default reject policy. Security-sensitive
// consumers must treat it as a signature failure, not a transport failure.
var ErrKeyChanged = errors.New("remoteidentity: remote key changed since it was pinned")

// cachedKey is the value stored per DID.
type cachedKey struct {
	publicKey string
}

// Fetcher retrieves a remote user's current public key by hitting the
// owning node's well-known endpoint. internal/keyresolve builds the Fetcher
// used in production.
type Fetcher func(ctx context.Context) (publicKey string, err error)

// Cache is the process-local TOFU cache of remote public keys, keyed by DID.
type Cache struct {
	entries          *ttlcache.Cache[cachedKey]
	allowKeyRotation bool
}

// New creates a Cache. allowKeyRotation mirrors the ALLOW_KEY_ROTATION
// runtime flag: when true, a detected key change is accepted and the cache
// is updated instead of being treated as a rejection.
func New(allowKeyRotation bool) *Cache {
	return &Cache{
		entries:          ttlcache.New[cachedKey](TTL, 10000),
		allowKeyRotation: allowKeyRotation,
	}
}

// Resolution is the outcome of ResolveRemoteKey.
type Resolution struct {
	PublicKey  string
	FromCache  bool
	KeyChanged bool
}

// RejectedKeyChange reports whether this resolution detected a key change
// that the default policy refused: the pinned key was returned instead of
// the fetched one. With allowKeyRotation the change is accepted and this is
// false even though KeyChanged is set.
func (r Resolution) RejectedKeyChange() bool {
	return r.KeyChanged && r.FromCache
}

// ResolveRemoteKey implements the TOFU policy of the spec's C5:
//  1. An unexpired cache entry is returned as-is (FromCache=true), with no
//     call to fetch.
//  2. Otherwise fetch is invoked.
//  3. If no entry existed before (fresh or stale), the fetched key is
//     pinned (Trust On First Use); KeyChanged=false.
//  4. If a stale entry existed and the fetched key differs, this is a
//     key-change event: the default policy rejects it, returning the
//     previously pinned key with KeyChanged=true and leaving the cache
//     untouched; with allowKeyRotation the fetched key replaces it instead.
//  5. If fetch fails, the stale cached entry is returned if one exists;
//     otherwise ErrUnreachable.
func (c *Cache) ResolveRemoteKey(ctx context.Context, did string, fetch Fetcher) (Resolution, error) {
	if value, found, fresh := c.entries.GetStale(did); found && fresh {
		return Resolution{PublicKey: value.publicKey, FromCache: true}, nil
	}

	stale, hadStale, _ := c.entries.GetStale(did)

	fetched, err := fetch(ctx)
	if err != nil {
		if hadStale {
			return Resolution{PublicKey: stale.publicKey, FromCache: true}, nil
		}
		return Resolution{}, ErrUnreachable
	}

	if !hadStale {
		c.entries.Set(did, cachedKey{publicKey: fetched})
		return Resolution{PublicKey: fetched, FromCache: false}, nil
	}

	if fetched == stale.publicKey {
		c.entries.Set(did, cachedKey{publicKey: fetched})
		return Resolution{PublicKey: fetched, FromCache: false}, nil
	}

	// Key-change event.
	if c.allowKeyRotation {
		c.entries.Set(did, cachedKey{publicKey: fetched})
		return Resolution{PublicKey: fetched, FromCache: false, KeyChanged: true}, nil
	}
	return Resolution{PublicKey: stale.publicKey, FromCache: true, KeyChanged: true}, nil
}

// Invalidate forgets the pinned key for did, used when an operator performs
// a deliberate, flagged key-rotation acknowledgement.
func (c *Cache) Invalidate(did string) {
	c.entries.Invalidate(did)
}
