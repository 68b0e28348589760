// Package pullfed implements C9 pull federation: resolving a remote user's
// profile and posts on demand and caching them into local rows, plus the
// background refresh sweep for remote follow targets (spec.md §4.9).
package pullfed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cyph3rasi/synapsis/internal/cryptoutil"
	"github.com/cyph3rasi/synapsis/internal/models"
)

// RefreshInterval bounds how often a single remote follow target is
// refreshed by the background sweep.
const RefreshInterval = time.Minute

// FetchTimeout bounds a single profile/post fetch from a remote node.
const FetchTimeout = 3 * time.Second

// ErrUnknownDomain is returned when the handle's domain suffix is not a
// registered, live swarm node.
var ErrUnknownDomain = errors.New("pullfed: domain is not a known swarm node")

// ErrNotFound is returned when the remote node has no such handle.
var ErrNotFound = errors.New("pullfed: remote user not found")

// NodeRegistry is the subset of internal/swarm.Service pull federation needs.
type NodeRegistry interface {
	IsKnownSwarmDomain(ctx context.Context, domain string) bool
}

// RemoteProfile is the shape served from GET /swarm/users/<localPart> on a
// remote node.
type RemoteProfile struct {
	Handle      string        `json:"handle"`
	DisplayName string        `json:"displayName"`
	Bio         string        `json:"bio"`
	AvatarURL   string        `json:"avatarUrl"`
	PublicKey   string        `json:"publicKey"`
	Posts       []RemotePost  `json:"posts"`
}

// RemotePost is one post entry within a RemoteProfile response.
type RemotePost struct {
	ID           string    `json:"id"`
	Content      string    `json:"content"`
	ReplyToID    *string   `json:"replyToId,omitempty"`
	RepostOfID   *string   `json:"repostOfId,omitempty"`
	LikesCount   int       `json:"likesCount"`
	RepostsCount int       `json:"repostsCount"`
	RepliesCount int       `json:"repliesCount"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Service implements C9.
type Service struct {
	pool   *pgxpool.Pool
	nodes  NodeRegistry
	client *http.Client
}

// Config configures a Service.
type Config struct {
	Pool   *pgxpool.Pool
	Nodes  NodeRegistry
	Client *http.Client
}

// New creates a Service.
func New(cfg Config) *Service {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: FetchTimeout}
	}
	return &Service{pool: cfg.Pool, nodes: cfg.Nodes, client: client}
}

// SplitFullHandle splits "user@domain" into its parts. It returns ok=false
// for a bare local handle with no "@".
func SplitFullHandle(fullHandle string) (localPart, domain string, ok bool) {
	i := strings.LastIndexByte(fullHandle, '@')
	if i < 0 || i == len(fullHandle)-1 {
		return "", "", false
	}
	return fullHandle[:i], fullHandle[i+1:], true
}

// ResolveProfile fetches and caches a remote user's profile and recent posts,
// returning the local user row mirroring them. domain must already be a
// known, live swarm node.
func (s *Service) ResolveProfile(ctx context.Context, localPart, domain string) (*models.User, error) {
	if !s.nodes.IsKnownSwarmDomain(ctx, domain) {
		return nil, ErrUnknownDomain
	}

	fctx, cancel := context.WithTimeout(ctx, FetchTimeout)
	defer cancel()

	url := fmt.Sprintf("https://%s/swarm/users/%s", domain, localPart)
	req, err := http.NewRequestWithContext(fctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching remote profile: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("remote profile fetch returned %d", resp.StatusCode)
	}

	var profile RemoteProfile
	if err := json.Unmarshal(body, &profile); err != nil {
		return nil, fmt.Errorf("decoding remote profile: %w", err)
	}
	if profile.Handle == "" {
		profile.Handle = localPart
	}

	return s.cacheProfile(ctx, domain, profile)
}

func (s *Service) cacheProfile(ctx context.Context, domain string, profile RemoteProfile) (*models.User, error) {
	did := cryptoutil.DIDForRemoteUser(domain, profile.Handle)

	var userID string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (id, did, handle, display_name, bio, avatar_url, public_key,
		    private_key_encrypted, password_hash, dm_privacy, is_remote, remote_node_domain)
		 VALUES (gen_random_uuid()::text, $1,$2,$3,$4,$5,$6,'','','everyone', true, $7)
		 ON CONFLICT (did) DO UPDATE SET
		    display_name = EXCLUDED.display_name,
		    bio = EXCLUDED.bio,
		    avatar_url = EXCLUDED.avatar_url,
		    public_key = EXCLUDED.public_key,
		    updated_at = now()
		 RETURNING id`,
		did, profile.Handle, profile.DisplayName, profile.Bio, profile.AvatarURL, profile.PublicKey, domain,
	).Scan(&userID)
	if err != nil {
		return nil, fmt.Errorf("caching remote user: %w", err)
	}

	for _, p := range profile.Posts {
		apID := fmt.Sprintf("swarm:%s:%s", domain, p.ID)
		_, err := s.pool.Exec(ctx,
			`INSERT INTO posts (id, user_id, content, reply_to_id, repost_of_id, ap_id,
			    likes_count, reposts_count, replies_count, created_at)
			 VALUES (gen_random_uuid()::text, $1,$2,$3,$4,$5,$6,$7,$8,$9)
			 ON CONFLICT (ap_id) DO UPDATE SET
			    content = EXCLUDED.content,
			    likes_count = EXCLUDED.likes_count,
			    reposts_count = EXCLUDED.reposts_count,
			    replies_count = EXCLUDED.replies_count`,
			userID, p.Content, p.ReplyToID, p.RepostOfID, apID,
			p.LikesCount, p.RepostsCount, p.RepliesCount, p.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("caching remote post %s: %w", p.ID, err)
		}
	}

	return s.lookupByID(ctx, userID)
}

func (s *Service) lookupByID(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, did, handle, display_name, bio, avatar_url, public_key,
		        dm_privacy, is_remote, remote_node_domain, created_at, updated_at
		 FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.DID, &u.Handle, &u.DisplayName, &u.Bio, &u.AvatarURL, &u.PublicKey,
		&u.DMPrivacy, &u.IsRemote, &u.RemoteNodeDomain, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// RefreshDueFollows refreshes every remote follow target whose lastSyncedAt
// is nil or older than RefreshInterval, called by the background scheduler
// (C11) at most once a minute.
func (s *Service) RefreshDueFollows(ctx context.Context) error {
	rows, err := s.pool.Query(ctx,
		`SELECT id, remote_handle FROM remote_follows
		 WHERE last_synced_at IS NULL OR last_synced_at < $1
		 ORDER BY last_synced_at ASC NULLS FIRST LIMIT 50`,
		time.Now().Add(-RefreshInterval),
	)
	if err != nil {
		return err
	}
	type target struct{ id, remoteHandle string }
	var targets []target
	for rows.Next() {
		var t target
		if err := rows.Scan(&t.id, &t.remoteHandle); err != nil {
			rows.Close()
			return err
		}
		targets = append(targets, t)
	}
	rows.Close()

	for _, t := range targets {
		localPart, domain, ok := SplitFullHandle(t.remoteHandle)
		if !ok {
			continue
		}
		if _, err := s.ResolveProfile(ctx, localPart, domain); err != nil {
			if errors.Is(err, ErrUnknownDomain) || errors.Is(err, ErrNotFound) {
				continue // target gone or domain dropped out of the swarm; try again next sweep.
			}
			continue
		}
		if _, err := s.pool.Exec(ctx, `UPDATE remote_follows SET last_synced_at = now() WHERE id = $1`, t.id); err != nil {
			return err
		}
	}
	return nil
}
