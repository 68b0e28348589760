package swarm

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cyph3rasi/synapsis/internal/models"
)

// PgHandleRegistry implements HandleRegistryStore against the shared
// Postgres pool. It is the node's locally authoritative view for its own
// users and an eventually-consistent mirror of every other node's handles,
// merged per spec.md §4.7 (most recent updatedAt wins — see
// models.MergeHandleRegistry).
type PgHandleRegistry struct {
	pool *pgxpool.Pool
}

// NewPgHandleRegistry creates a PgHandleRegistry.
func NewPgHandleRegistry(pool *pgxpool.Pool) *PgHandleRegistry {
	return &PgHandleRegistry{pool: pool}
}

// DeltaSince returns every handle_registry row updated after since (or the
// entire table if since is nil), capped by the caller.
func (r *PgHandleRegistry) DeltaSince(ctx context.Context, since *time.Time) ([]models.HandleRegistryEntry, error) {
	var rows pgx.Rows
	var err error
	if since == nil {
		rows, err = r.pool.Query(ctx, `SELECT handle, node_domain, did, updated_at FROM handle_registry ORDER BY updated_at DESC`)
	} else {
		rows, err = r.pool.Query(ctx,
			`SELECT handle, node_domain, did, updated_at FROM handle_registry WHERE updated_at > $1 ORDER BY updated_at DESC`, *since)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.HandleRegistryEntry
	for rows.Next() {
		var e models.HandleRegistryEntry
		if err := rows.Scan(&e.Handle, &e.NodeDomain, &e.DID, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Merge applies each incoming entry using the last-writer-wins policy of
// models.MergeHandleRegistry: an incoming row only overwrites the local one
// if its UpdatedAt is strictly newer.
func (r *PgHandleRegistry) Merge(ctx context.Context, entries []models.HandleRegistryEntry) error {
	for _, e := range entries {
		if _, err := r.pool.Exec(ctx,
			`INSERT INTO handle_registry (handle, node_domain, did, updated_at)
			 VALUES ($1,$2,$3,$4)
			 ON CONFLICT (handle, node_domain) DO UPDATE SET
			    did = EXCLUDED.did, updated_at = EXCLUDED.updated_at
			 WHERE EXCLUDED.updated_at > handle_registry.updated_at`,
			e.Handle, e.NodeDomain, e.DID, e.UpdatedAt,
		); err != nil {
			return err
		}
	}
	return nil
}

// LastGossipAt returns when this node last completed a gossip exchange with
// peerDomain, or nil if they have never gossiped.
func (r *PgHandleRegistry) LastGossipAt(ctx context.Context, peerDomain string) (*time.Time, error) {
	var t time.Time
	err := r.pool.QueryRow(ctx, `SELECT last_gossip_at FROM swarm_gossip_state WHERE peer_domain = $1`, peerDomain).Scan(&t)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

// RecordGossip records the time of a completed gossip exchange with peerDomain.
func (r *PgHandleRegistry) RecordGossip(ctx context.Context, peerDomain string, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO swarm_gossip_state (peer_domain, last_gossip_at) VALUES ($1, $2)
		 ON CONFLICT (peer_domain) DO UPDATE SET last_gossip_at = EXCLUDED.last_gossip_at`,
		peerDomain, at,
	)
	return err
}

// ResolveDID looks up the DID owning handle on nodeDomain, used to resolve
// actorHandle@actorNodeDomain to a DID before a TOFU key fetch (C8's
// interaction-signature verification path).
func (r *PgHandleRegistry) ResolveDID(ctx context.Context, handle, nodeDomain string) (string, error) {
	var did string
	err := r.pool.QueryRow(ctx, `SELECT did FROM handle_registry WHERE handle = $1 AND node_domain = $2`, handle, nodeDomain).Scan(&did)
	return did, err
}
