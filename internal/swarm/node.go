// Package swarm implements the node-signature layer and node registry of
// spec.md §4.6 (C6): every node has its own long-term ECDSA P-256 keypair,
// wraps outbound mutating node-to-node requests in a signed envelope, and
// verifies inbound ones against a registry of known peers populated by
// discovery and gossip (gossip.go).
package swarm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cyph3rasi/synapsis/internal/cryptoutil"
	"github.com/cyph3rasi/synapsis/internal/models"
)

// Version is the swarm protocol version this node speaks.
const Version = "synapsis-swarm/1.0"

// EnvelopeFreshnessWindow bounds the drift allowed between a node envelope's
// ts and the verifier's clock, mirroring the user-action freshness window.
const EnvelopeFreshnessWindow = 5 * time.Minute

// DeadThreshold is the consecutive-failure count (F in spec.md §4.12) after
// which a node is considered dead and skipped by outbound delivery until a
// later probe succeeds.
const DeadThreshold = 5

// SignatureHeader and SourceDomainHeader are the node-envelope HTTP headers
// of spec.md §4.6.
const (
	SignatureHeader    = "X-Swarm-Signature"
	SourceDomainHeader = "X-Swarm-Source-Domain"
	TimestampHeader    = "X-Swarm-Timestamp"
)

// ErrUnknownNode is returned when a node envelope names a sourceDomain this
// node has no registry entry (and so no public key) for.
var ErrUnknownNode = errors.New("swarm: unknown source node")

// ErrStaleEnvelope is returned when a node envelope's timestamp falls
// outside EnvelopeFreshnessWindow.
var ErrStaleEnvelope = errors.New("swarm: stale node envelope timestamp")

// ErrInvalidSignature is returned when a node envelope's signature does not
// verify against the claimed source node's registered public key.
var ErrInvalidSignature = errors.New("swarm: invalid node signature")

// Service implements the node-signature layer and the SwarmNode registry.
type Service struct {
	pool       *pgxpool.Pool
	nodeDomain string
	nodeKey    *ecdsa.PrivateKey
	client     *http.Client
	now        func() time.Time
}

// Config configures a Service.
type Config struct {
	Pool       *pgxpool.Pool
	NodeDomain string
	NodeKey    *ecdsa.PrivateKey
	Client     *http.Client
}

// New creates a Service.
func New(cfg Config) *Service {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Service{
		pool:       cfg.Pool,
		nodeDomain: cfg.NodeDomain,
		nodeKey:    cfg.NodeKey,
		client:     client,
		now:        time.Now,
	}
}

// Domain returns this node's own domain.
func (s *Service) Domain() string { return s.nodeDomain }

// PublicKeySPKI returns this node's own SPKI-encoded public key, as served
// from GET /swarm/info.
func (s *Service) PublicKeySPKI() (string, error) {
	return cryptoutil.MarshalPublicKeySPKI(&s.nodeKey.PublicKey)
}

// SignEnvelope signs body (the domain payload, already serialized) for an
// outbound request, returning the three node-envelope headers of
// spec.md §4.6.
func (s *Service) SignEnvelope(body []byte) (map[string]string, error) {
	ts := s.now().UTC().Format(time.RFC3339)
	toSign, err := cryptoutil.Canonicalize(map[string]any{
		"body":         string(body),
		"ts":           ts,
		"sourceDomain": s.nodeDomain,
	})
	if err != nil {
		return nil, fmt.Errorf("canonicalizing node envelope: %w", err)
	}
	sig, err := cryptoutil.Sign(s.nodeKey, toSign)
	if err != nil {
		return nil, fmt.Errorf("signing node envelope: %w", err)
	}
	return map[string]string{
		SignatureHeader:    sig,
		SourceDomainHeader: s.nodeDomain,
		TimestampHeader:    ts,
	}, nil
}

// ApplyEnvelope sets the node-envelope headers produced by SignEnvelope on
// an outbound *http.Request.
func (s *Service) ApplyEnvelope(req *http.Request, body []byte) error {
	headers, err := s.SignEnvelope(body)
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", Version)
	return nil
}

// VerifyEnvelope verifies an inbound node-signed request: resolves
// sourceDomain to a registered public key, checks timestamp freshness, and
// verifies the signature. It does not fetch an unknown node's key itself —
// callers that want fetch-on-first-contact should call EnsureNodeKnown
// first (see EnsureNodeKnown in discover.go).
func (s *Service) VerifyEnvelope(ctx context.Context, sourceDomain, ts, sig string, body []byte) error {
	node, err := s.GetNode(ctx, sourceDomain)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrUnknownNode
		}
		return fmt.Errorf("looking up source node: %w", err)
	}
	if node.PublicKey == nil {
		return ErrUnknownNode
	}

	parsedTS, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ErrStaleEnvelope
	}
	drift := s.now().Sub(parsedTS)
	if drift < 0 {
		drift = -drift
	}
	if drift > EnvelopeFreshnessWindow {
		return ErrStaleEnvelope
	}

	toSign, err := cryptoutil.Canonicalize(map[string]any{
		"body":         string(body),
		"ts":           ts,
		"sourceDomain": sourceDomain,
	})
	if err != nil {
		return fmt.Errorf("canonicalizing inbound node envelope: %w", err)
	}
	pub, err := cryptoutil.ParsePublicKeySPKI(*node.PublicKey)
	if err != nil {
		return fmt.Errorf("parsing source node public key: %w", err)
	}
	if err := cryptoutil.Verify(pub, toSign, sig); err != nil {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyEnvelopeFromRequest extracts the node-envelope headers from r and
// verifies them against body.
func (s *Service) VerifyEnvelopeFromRequest(ctx context.Context, r *http.Request, body []byte) (sourceDomain string, err error) {
	sourceDomain = r.Header.Get(SourceDomainHeader)
	sig := r.Header.Get(SignatureHeader)
	ts := r.Header.Get(TimestampHeader)
	if sourceDomain == "" || sig == "" || ts == "" {
		return "", ErrInvalidSignature
	}
	if err := s.VerifyEnvelope(ctx, sourceDomain, ts, sig, body); err != nil {
		return "", err
	}
	return sourceDomain, nil
}

// --- Registry ---

// GetNode returns the known registry row for domain.
func (s *Service) GetNode(ctx context.Context, domain string) (*models.SwarmNode, error) {
	var n models.SwarmNode
	err := s.pool.QueryRow(ctx,
		`SELECT domain, public_key, software_version, capabilities, user_count,
		        post_count, last_seen_at, failure_count, priority, is_dead,
		        created_at, updated_at
		 FROM swarm_nodes WHERE domain = $1`, domain,
	).Scan(&n.Domain, &n.PublicKey, &n.SoftwareVersion, &n.Capabilities, &n.UserCount,
		&n.PostCount, &n.LastSeenAt, &n.FailureCount, &n.Priority, &n.IsDead,
		&n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// UpsertNode creates or updates a SwarmNode row from freshly learned info
// (an announcement, a gossip delta entry, or a discovery fetch). A node is
// never deleted by this path, only created or refreshed.
func (s *Service) UpsertNode(ctx context.Context, info DiscoveryInfo) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO swarm_nodes (domain, public_key, software_version, capabilities,
		    user_count, post_count, last_seen_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6, now(), now())
		 ON CONFLICT (domain) DO UPDATE SET
		    public_key = EXCLUDED.public_key,
		    software_version = EXCLUDED.software_version,
		    capabilities = EXCLUDED.capabilities,
		    user_count = EXCLUDED.user_count,
		    post_count = EXCLUDED.post_count,
		    last_seen_at = now(),
		    updated_at = now()`,
		info.Domain, info.PublicKey, info.SoftwareVersion, info.Capabilities,
		info.UserCount, info.PostCount,
	)
	return err
}

// MarkNodeSuccess resets failureCount and clears dead status for domain
// after a successful contact.
func (s *Service) MarkNodeSuccess(ctx context.Context, domain string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE swarm_nodes SET failure_count = 0, is_dead = false, last_seen_at = now(), updated_at = now()
		 WHERE domain = $1`, domain)
	return err
}

// MarkNodeFailure increments failureCount for domain, marking it dead once
// the count reaches DeadThreshold.
func (s *Service) MarkNodeFailure(ctx context.Context, domain string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE swarm_nodes
		 SET failure_count = failure_count + 1,
		     is_dead = (failure_count + 1) >= $2,
		     updated_at = now()
		 WHERE domain = $1`, domain, DeadThreshold)
	return err
}

// ListActive returns nodes not marked dead, ordered by priority then
// last_seen_at, for gossip sampling and interaction-delivery target checks.
func (s *Service) ListActive(ctx context.Context, limit int) ([]models.SwarmNode, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT domain, public_key, software_version, capabilities, user_count,
		        post_count, last_seen_at, failure_count, priority, is_dead,
		        created_at, updated_at
		 FROM swarm_nodes WHERE is_dead = false AND domain != $1
		 ORDER BY priority DESC, last_seen_at DESC NULLS LAST LIMIT $2`,
		s.nodeDomain, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []models.SwarmNode
	for rows.Next() {
		var n models.SwarmNode
		if err := rows.Scan(&n.Domain, &n.PublicKey, &n.SoftwareVersion, &n.Capabilities,
			&n.UserCount, &n.PostCount, &n.LastSeenAt, &n.FailureCount, &n.Priority,
			&n.IsDead, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// IsKnownSwarmDomain reports whether domain is a registered, live node. Pull
// federation (C9) rejects any domain that fails this check.
func (s *Service) IsKnownSwarmDomain(ctx context.Context, domain string) bool {
	node, err := s.GetNode(ctx, domain)
	if err != nil {
		return false
	}
	return !node.IsDead
}

// DiscoveryInfo is the payload served from GET /swarm/info and exchanged
// during announce/gossip.
type DiscoveryInfo struct {
	Domain          string   `json:"domain"`
	PublicKey       string   `json:"publicKey"`
	SoftwareVersion string   `json:"softwareVersion"`
	Capabilities    []string `json:"capabilities"`
	UserCount       int      `json:"userCount"`
	PostCount       int      `json:"postCount"`
}

// SelfInfo returns this node's own discovery info for serving GET
// /swarm/info and for outbound announce/gossip payloads.
func (s *Service) SelfInfo(ctx context.Context) (DiscoveryInfo, error) {
	pub, err := s.PublicKeySPKI()
	if err != nil {
		return DiscoveryInfo{}, err
	}
	var userCount, postCount int
	_ = s.pool.QueryRow(ctx, `SELECT count(*) FROM users WHERE is_remote = false`).Scan(&userCount)
	_ = s.pool.QueryRow(ctx, `SELECT count(*) FROM posts WHERE is_removed = false`).Scan(&postCount)
	return DiscoveryInfo{
		Domain:          s.nodeDomain,
		PublicKey:       pub,
		SoftwareVersion: Version,
		Capabilities:    []string{"posts", "interactions", "dm", "gossip"},
		UserCount:       userCount,
		PostCount:       postCount,
	}, nil
}

// HTTPClient exposes the configured client for sibling packages (gossip,
// interactions, pullfed, dm) that issue their own outbound requests but
// share this Service's timeout policy.
func (s *Service) HTTPClient() *http.Client { return s.client }
