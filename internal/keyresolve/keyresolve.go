// Package keyresolve implements the ActorKeyResolver every C8/C10 consumer
// needs: given a handle and its owning node domain, return the current
// public key, resolving locally for this node's own users and via TOFU
// (internal/remoteidentity) for everyone else. It exists purely to wire
// internal/swarm's registry, internal/remoteidentity's cache, and the
// handle_registry DID lookup together without any of those packages having
// to import each other.
package keyresolve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cyph3rasi/synapsis/internal/cryptoutil"
	"github.com/cyph3rasi/synapsis/internal/remoteidentity"
)

// FetchTimeout bounds a single remote public-key fetch.
const FetchTimeout = 3 * time.Second

// ErrNotFound is returned when neither a local row nor a remote fetch can
// produce a public key for the given handle/domain.
var ErrNotFound = errors.New("keyresolve: no public key for handle")

// HandleRegistry is the subset of internal/swarm.PgHandleRegistry this
// package needs.
type HandleRegistry interface {
	ResolveDID(ctx context.Context, handle, nodeDomain string) (string, error)
}

// NodeKnower is the subset of internal/swarm.Service this package needs.
type NodeKnower interface {
	Domain() string
	EnsureNodeKnown(ctx context.Context, domain string) error
	HTTPClient() *http.Client
}

// Service implements ResolvePublicKey for internal/interactions and
// internal/dm.
type Service struct {
	pool     *pgxpool.Pool
	registry HandleRegistry
	nodes    NodeKnower
	cache    *remoteidentity.Cache
}

// Config configures a Service.
type Config struct {
	Pool     *pgxpool.Pool
	Registry HandleRegistry
	Nodes    NodeKnower
	Cache    *remoteidentity.Cache
}

// New creates a Service.
func New(cfg Config) *Service {
	return &Service{pool: cfg.Pool, registry: cfg.Registry, nodes: cfg.Nodes, cache: cfg.Cache}
}

// ResolvePublicKey returns the SPKI-encoded public key currently associated
// with handle@nodeDomain. For this node's own domain it reads the users
// table directly; for any other domain it goes through EnsureNodeKnown
// (fetch-on-first-contact) and the TOFU cache.
func (s *Service) ResolvePublicKey(ctx context.Context, handle, nodeDomain string) (string, error) {
	if nodeDomain == "" || nodeDomain == s.nodes.Domain() {
		return s.resolveLocal(ctx, handle)
	}

	if err := s.nodes.EnsureNodeKnown(ctx, nodeDomain); err != nil {
		return "", fmt.Errorf("keyresolve: node %s unreachable: %w", nodeDomain, err)
	}

	did, err := s.registry.ResolveDID(ctx, handle, nodeDomain)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return "", err
		}
		// Not yet mirrored by gossip/discovery; fall back to a synthetic
		// cache key so TOFU pinning still works across repeated calls.
		did = cryptoutil.DIDForRemoteUser(nodeDomain, handle)
	}

	res, err := s.cache.ResolveRemoteKey(ctx, did, s.fetch(handle, nodeDomain))
	if err != nil {
		return "", err
	}
	if res.RejectedKeyChange() {
		return "", remoteidentity.ErrKeyChanged
	}
	return res.PublicKey, nil
}

func (s *Service) resolveLocal(ctx context.Context, handle string) (string, error) {
	var publicKey string
	err := s.pool.QueryRow(ctx,
		`SELECT public_key FROM users WHERE handle = $1 AND is_remote = false`, handle,
	).Scan(&publicKey)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return publicKey, nil
}

func (s *Service) fetch(handle, nodeDomain string) remoteidentity.Fetcher {
	return func(ctx context.Context) (string, error) {
		fctx, cancel := context.WithTimeout(ctx, FetchTimeout)
		defer cancel()

		url := fmt.Sprintf("https://%s/swarm/users/%s", nodeDomain, handle)
		req, err := http.NewRequestWithContext(fctx, http.MethodGet, url, nil)
		if err != nil {
			return "", err
		}
		resp, err := s.nodes.HTTPClient().Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return "", err
		}
		if resp.StatusCode/100 != 2 {
			return "", fmt.Errorf("keyresolve: %s returned %d", url, resp.StatusCode)
		}

		var profile struct {
			PublicKey string `json:"publicKey"`
		}
		if err := json.Unmarshal(body, &profile); err != nil {
			return "", err
		}
		if profile.PublicKey == "" {
			return "", ErrNotFound
		}
		return profile.PublicKey, nil
	}
}
