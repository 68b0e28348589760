// Package interactions implements C8 interaction delivery: the outgoing
// queue of swarm interactions (like/unlike/repost/unrepost/reply) to a
// post's origin node, and the receiving side's verification and idempotent
// application of inbound interactions (spec.md §4.8, §4.12).
package interactions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cyph3rasi/synapsis/internal/cryptoutil"
	"github.com/cyph3rasi/synapsis/internal/models"
	"github.com/cyph3rasi/synapsis/internal/remoteidentity"
)

// Verb enumerates the interaction kinds of spec.md §4.8.
type Verb string

const (
	VerbLike      Verb = "like"
	VerbUnlike    Verb = "unlike"
	VerbRepost    Verb = "repost"
	VerbUnrepost  Verb = "unrepost"
	VerbReply     Verb = "reply"
)

// MaxAttempts is the retry ceiling (M in spec.md §4.8) before an interaction
// delivery is dropped.
const MaxAttempts = 6

// DeliveryTimeout bounds a single outbound delivery attempt.
const DeliveryTimeout = 5 * time.Second

// Envelope is the wire shape of a single interaction, posted to
// /swarm/interactions/{verb}.
type Envelope struct {
	PostID          string    `json:"postId"`
	Verb            Verb      `json:"verb"`
	ActorHandle     string    `json:"actorHandle"`
	ActorNodeDomain string    `json:"actorNodeDomain"`
	InteractionID   string    `json:"interactionId"`
	Timestamp       time.Time `json:"timestamp"`
	ReplyID         string    `json:"replyId,omitempty"`
	ReplyContent    string    `json:"replyContent,omitempty"`
	Signature       string    `json:"signature"`
}

func (e Envelope) canonicalBytes() ([]byte, error) {
	return cryptoutil.Canonicalize(map[string]any{
		"postId":          e.PostID,
		"verb":            string(e.Verb),
		"actorHandle":     e.ActorHandle,
		"actorNodeDomain": e.ActorNodeDomain,
		"interactionId":   e.InteractionID,
		"timestamp":       e.Timestamp.UTC().Format(time.RFC3339Nano),
		"replyId":         e.ReplyID,
		"replyContent":    e.ReplyContent,
	})
}

// NodeEnveloper is the subset of internal/swarm.Service needed to sign and
// verify outbound/inbound node envelopes around an interaction.
type NodeEnveloper interface {
	ApplyEnvelope(req *http.Request, body []byte) error
	HTTPClient() *http.Client
	MarkNodeSuccess(ctx context.Context, domain string) error
	MarkNodeFailure(ctx context.Context, domain string) error
}

// ActorKeyResolver resolves actorHandle@actorNodeDomain to their public key
// via the handle registry + TOFU cache (C5), fetching from the origin node
// on a cache miss.
type ActorKeyResolver interface {
	ResolvePublicKey(ctx context.Context, handle, nodeDomain string) (publicKey string, err error)
}

// Service implements C8.
type Service struct {
	pool       *pgxpool.Pool
	nodeDomain string
	node       NodeEnveloper
	resolver   ActorKeyResolver
	logger     *slog.Logger
}

// Config configures a Service.
type Config struct {
	Pool       *pgxpool.Pool
	NodeDomain string
	Node       NodeEnveloper
	Resolver   ActorKeyResolver
	Logger     *slog.Logger
}

// New creates a Service.
func New(cfg Config) *Service {
	return &Service{pool: cfg.Pool, nodeDomain: cfg.NodeDomain, node: cfg.Node, resolver: cfg.Resolver, logger: cfg.Logger}
}

// ReplyRef identifies the local reply row a VerbReply delivery carries: its
// id (the receiver keys its mirror on swarm:<actorNodeDomain>:<id>) and its
// content.
type ReplyRef struct {
	ID      string
	Content string
}

// QueueForOrigin builds and persists a queued delivery for a post whose
// apId identifies a remote origin, ready for DeliverPending to pick up.
// sign is the caller's signer over the envelope's canonical bytes (the
// acting user's own key, unlocked for exactly this signature). reply is nil
// for every verb except VerbReply.
func (s *Service) QueueForOrigin(ctx context.Context, verb Verb, targetApID string, actor *models.User, reply *ReplyRef, sign func([]byte) (string, error)) error {
	domain, originID, ok := models.ParseSwarmApID(targetApID)
	if !ok {
		return errors.New("interactions: target is not a swarm mirror")
	}

	env := Envelope{
		PostID:          originID,
		Verb:            verb,
		ActorHandle:     actor.Handle,
		ActorNodeDomain: s.nodeDomain,
		InteractionID:   uuid.NewString(),
		Timestamp:       time.Now().UTC(),
	}
	if reply != nil {
		env.ReplyID = reply.ID
		env.ReplyContent = reply.Content
	}
	canon, err := env.canonicalBytes()
	if err != nil {
		return err
	}
	sig, err := sign(canon)
	if err != nil {
		return fmt.Errorf("signing interaction: %w", err)
	}
	env.Signature = sig

	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO interaction_deliveries (id, interaction_id, verb, target_domain, target_post_id, payload, state, next_attempt_at)
		 VALUES ($1,$2,$3,$4,$5,$6,'queued', now())`,
		models.NewULID().String(), env.InteractionID, string(verb), domain, originID, payload,
	)
	return err
}

// deliveryRow mirrors the interaction_deliveries columns needed to drive a
// single delivery attempt.
type deliveryRow struct {
	ID           string
	Verb         string
	TargetDomain string
	TargetPostID string
	Payload      []byte
	Attempts     int
}

// DeliverPending attempts every queued/retry delivery whose next_attempt_at
// has elapsed. Called by the background scheduler (C11); never returns an
// error to its caller since delivery failures are logged and retried, not
// surfaced to any request path.
func (s *Service) DeliverPending(ctx context.Context) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, verb, target_domain, target_post_id, payload, attempts
		 FROM interaction_deliveries
		 WHERE state IN ('queued','retry') AND next_attempt_at <= now()
		 ORDER BY next_attempt_at ASC LIMIT 50`)
	if err != nil {
		s.logger.Error("listing pending interaction deliveries", slog.String("error", err.Error()))
		return
	}
	var pending []deliveryRow
	for rows.Next() {
		var d deliveryRow
		if err := rows.Scan(&d.ID, &d.Verb, &d.TargetDomain, &d.TargetPostID, &d.Payload, &d.Attempts); err != nil {
			s.logger.Error("scanning pending interaction delivery", slog.String("error", err.Error()))
			continue
		}
		pending = append(pending, d)
	}
	rows.Close()

	for _, d := range pending {
		s.attemptDelivery(ctx, d)
	}
}

func (s *Service) attemptDelivery(ctx context.Context, d deliveryRow) {
	_, _ = s.pool.Exec(ctx, `UPDATE interaction_deliveries SET state = 'in_flight', updated_at = now() WHERE id = $1`, d.ID)

	dctx, cancel := context.WithTimeout(ctx, DeliveryTimeout)
	defer cancel()

	url := fmt.Sprintf("https://%s/swarm/interactions/%s", d.TargetDomain, d.Verb)
	req, err := http.NewRequestWithContext(dctx, http.MethodPost, url, bytes.NewReader(d.Payload))
	if err != nil {
		s.recordFailure(ctx, d, err)
		return
	}
	if err := s.node.ApplyEnvelope(req, d.Payload); err != nil {
		s.recordFailure(ctx, d, err)
		return
	}

	resp, err := s.node.HTTPClient().Do(req)
	if err != nil {
		_ = s.node.MarkNodeFailure(ctx, d.TargetDomain)
		s.retryOrDrop(ctx, d, err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode/100 == 2:
		_ = s.node.MarkNodeSuccess(ctx, d.TargetDomain)
		_, _ = s.pool.Exec(ctx, `UPDATE interaction_deliveries SET state = 'delivered', updated_at = now() WHERE id = $1`, d.ID)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode/100 == 5:
		_ = s.node.MarkNodeFailure(ctx, d.TargetDomain)
		s.retryOrDrop(ctx, d, fmt.Errorf("remote returned %d", resp.StatusCode))
	default:
		// 4xx other than 429: the remote rejected semantically, give up.
		errMsg := fmt.Sprintf("remote rejected with %d", resp.StatusCode)
		_, _ = s.pool.Exec(ctx, `UPDATE interaction_deliveries SET state = 'dropped', last_error = $2, updated_at = now() WHERE id = $1`, d.ID, errMsg)
	}
}

func (s *Service) recordFailure(ctx context.Context, d deliveryRow, err error) {
	s.retryOrDrop(ctx, d, err)
}

func (s *Service) retryOrDrop(ctx context.Context, d deliveryRow, cause error) {
	attempts := d.Attempts + 1
	errMsg := cause.Error()
	if attempts >= MaxAttempts {
		_, _ = s.pool.Exec(ctx,
			`UPDATE interaction_deliveries SET state = 'dropped', attempts = $2, last_error = $3, updated_at = now() WHERE id = $1`,
			d.ID, attempts, errMsg)
		s.logger.Warn("interaction delivery dropped after max attempts", slog.String("id", d.ID), slog.String("error", errMsg))
		return
	}
	backoff := time.Duration(1<<uint(attempts)) * time.Second
	if backoff > 5*time.Minute {
		backoff = 5 * time.Minute
	}
	_, _ = s.pool.Exec(ctx,
		`UPDATE interaction_deliveries SET state = 'retry', attempts = $2, last_error = $3, next_attempt_at = now() + $4, updated_at = now() WHERE id = $1`,
		d.ID, attempts, errMsg, backoff)
}

// Receive implements the server side of /swarm/interactions/{verb}:
// verifies the actor's signature (resolved via the handle registry + TOFU
// cache), checks idempotency against received_interactions, and applies the
// effect. Reply delivery is deduplicated on the same interactionId as
// likes/reposts, keyed under the synthetic apId swarm:<nodeDomain>:<id>.
func (s *Service) Receive(ctx context.Context, env Envelope) error {
	pubKeyB64, err := s.resolver.ResolvePublicKey(ctx, env.ActorHandle, env.ActorNodeDomain)
	if err != nil {
		if errors.Is(err, remoteidentity.ErrKeyChanged) {
			// TOFU violation: treated exactly like a bad signature so the
			// sender gets a 403, not a retryable transport error.
			return fmt.Errorf("%w: actor key changed since first use", cryptoutil.ErrInvalidSignature)
		}
		return fmt.Errorf("interactions: resolving actor key: %w", err)
	}
	pub, err := cryptoutil.ParsePublicKeySPKI(pubKeyB64)
	if err != nil {
		return fmt.Errorf("interactions: parsing actor public key: %w", err)
	}
	canon, err := env.canonicalBytes()
	if err != nil {
		return err
	}
	if err := cryptoutil.Verify(pub, canon, env.Signature); err != nil {
		return cryptoutil.ErrInvalidSignature
	}

	_, err = s.pool.Exec(ctx, `INSERT INTO received_interactions (interaction_id, verb) VALUES ($1, $2)`, env.InteractionID, string(env.Verb))
	if err != nil {
		if isUniqueViolation(err) {
			return nil // already applied: ack without re-applying, per spec.md §4.8 idempotency.
		}
		return fmt.Errorf("recording received interaction: %w", err)
	}

	return s.applyEffect(ctx, env)
}

func (s *Service) applyEffect(ctx context.Context, env Envelope) error {
	var postID string
	err := s.pool.QueryRow(ctx, `SELECT id FROM posts WHERE id = $1 OR ap_id = $1`, env.PostID).Scan(&postID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil // target post not mirrored locally: nothing to apply.
		}
		return err
	}

	actorFullHandle := env.ActorHandle + "@" + env.ActorNodeDomain

	switch env.Verb {
	case VerbLike:
		tag, err := s.pool.Exec(ctx,
			`INSERT INTO likes (id, post_id, user_handle) VALUES ($1,$2,$3) ON CONFLICT (post_id, user_handle) DO NOTHING`,
			models.NewULID().String(), postID, actorFullHandle)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil // the actor already likes this post under a different interactionId.
		}
		if _, err := s.pool.Exec(ctx, `UPDATE posts SET likes_count = likes_count + 1 WHERE id = $1`, postID); err != nil {
			return err
		}
		return s.notify(ctx, postID, models.NotificationKindLike, env.ActorHandle, env.ActorNodeDomain)
	case VerbUnlike:
		tag, err := s.pool.Exec(ctx, `DELETE FROM likes WHERE post_id = $1 AND user_handle = $2`, postID, actorFullHandle)
		if err != nil {
			return err
		}
		if tag.RowsAffected() > 0 {
			_, err = s.pool.Exec(ctx, `UPDATE posts SET likes_count = GREATEST(likes_count - 1, 0) WHERE id = $1`, postID)
			return err
		}
		return nil
	case VerbRepost:
		if _, err := s.pool.Exec(ctx, `UPDATE posts SET reposts_count = reposts_count + 1 WHERE id = $1`, postID); err != nil {
			return err
		}
		return s.notify(ctx, postID, models.NotificationKindRepost, env.ActorHandle, env.ActorNodeDomain)
	case VerbUnrepost:
		_, err := s.pool.Exec(ctx, `UPDATE posts SET reposts_count = GREATEST(reposts_count - 1, 0) WHERE id = $1`, postID)
		return err
	case VerbReply:
		if env.ReplyID != "" {
			mirrored, err := s.mirrorReply(ctx, postID, env)
			if err != nil {
				return err
			}
			if !mirrored {
				return nil // redelivered under a fresh interactionId; the reply row already exists.
			}
		}
		if _, err := s.pool.Exec(ctx, `UPDATE posts SET replies_count = replies_count + 1 WHERE id = $1`, postID); err != nil {
			return err
		}
		return s.notify(ctx, postID, models.NotificationKindReply, env.ActorHandle, env.ActorNodeDomain)
	default:
		return fmt.Errorf("interactions: unknown verb %q", env.Verb)
	}
}

// mirrorReply stores the remote reply locally under its swarm apId
// (swarm:<actorNodeDomain>:<replyId>) so a redelivery with a fresh
// interactionId cannot double-apply it, creating a placeholder remote user
// row for the actor if pull federation has not cached one yet. Returns
// false if the reply was already mirrored.
func (s *Service) mirrorReply(ctx context.Context, parentID string, env Envelope) (bool, error) {
	did := cryptoutil.DIDForRemoteUser(env.ActorNodeDomain, env.ActorHandle)
	var actorID string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (id, did, handle, public_key, private_key_encrypted, password_hash,
		    dm_privacy, is_remote, remote_node_domain)
		 VALUES (gen_random_uuid()::text, $1,$2,'','','','everyone', true, $3)
		 ON CONFLICT (did) DO UPDATE SET updated_at = now()
		 RETURNING id`,
		did, env.ActorHandle, env.ActorNodeDomain,
	).Scan(&actorID)
	if err != nil {
		return false, fmt.Errorf("caching reply actor: %w", err)
	}

	apID := fmt.Sprintf("swarm:%s:%s", env.ActorNodeDomain, env.ReplyID)
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO posts (id, user_id, content, reply_to_id, ap_id, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (ap_id) DO NOTHING`,
		models.NewULID().String(), actorID, env.ReplyContent, parentID, apID, env.Timestamp,
	)
	if err != nil {
		return false, fmt.Errorf("mirroring reply: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Service) notify(ctx context.Context, postID string, kind models.NotificationKind, actorHandle, actorNodeDomain string) error {
	var recipientID string
	if err := s.pool.QueryRow(ctx, `SELECT user_id FROM posts WHERE id = $1`, postID).Scan(&recipientID); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO notifications (id, recipient_user_id, kind, actor_handle, actor_node_domain, post_id)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		models.NewULID().String(), recipientID, kind, actorHandle, actorNodeDomain, postID,
	)
	return err
}

func isUniqueViolation(err error) bool {
	return err != nil && bytes.Contains([]byte(err.Error()), []byte("23505"))
}
