// Package signedaction implements the verification gate that every mutating
// local request flows through before any side effect is allowed: rate
// limiting, timestamp freshness, identity/handle resolution, signature
// verification and replay detection, in that order.
package signedaction

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cyph3rasi/synapsis/internal/cryptoutil"
	"github.com/cyph3rasi/synapsis/internal/models"
)

// FreshnessWindow bounds how far a SignedAction's timestamp may drift from
// the verifier's clock in either direction.
const FreshnessWindow = 5 * time.Minute

// ErrorKind enumerates the verification failures a caller must translate
// into the matching HTTP status via internal/apierr.
type ErrorKind string

const (
	ErrRateLimited      ErrorKind = "RATE_LIMITED"
	ErrStaleTimestamp   ErrorKind = "STALE_TIMESTAMP"
	ErrUnknownUser      ErrorKind = "UNKNOWN_USER"
	ErrHandleMismatch   ErrorKind = "HANDLE_MISMATCH"
	ErrInvalidSignature ErrorKind = "INVALID_SIGNATURE"
	ErrReplayedNonce    ErrorKind = "REPLAYED_NONCE"
)

// VerifyError wraps an ErrorKind so callers can type-switch on the
// rejection reason without string comparison.
type VerifyError struct {
	Kind ErrorKind
}

func (e *VerifyError) Error() string {
	return string(e.Kind)
}

func reject(kind ErrorKind) error {
	return &VerifyError{Kind: kind}
}

// RateLimiter is the subset of internal/ratelimit.Limiter the verifier
// depends on.
type RateLimiter interface {
	Allow(did string) bool
}

// Verifier runs the five-step gate described by C3. It holds a direct pool
// reference rather than a repository interface, following the rest of the
// node's services.
type Verifier struct {
	pool    *pgxpool.Pool
	limiter RateLimiter
	now     func() time.Time
}

// Config configures a Verifier.
type Config struct {
	Pool    *pgxpool.Pool
	Limiter RateLimiter
}

// New creates a Verifier.
func New(cfg Config) *Verifier {
	return &Verifier{
		pool:    cfg.Pool,
		limiter: cfg.Limiter,
		now:     time.Now,
	}
}

// VerifyUserAction runs all five checks in order and returns the resolved
// local user on success. The only side effect on success is the dedupe
// insert; on any rejection, nothing is written.
func (v *Verifier) VerifyUserAction(ctx context.Context, action models.SignedAction) (*models.User, error) {
	if !v.limiter.Allow(action.DID) {
		return nil, reject(ErrRateLimited)
	}

	if !withinFreshnessWindow(v.now(), time.UnixMilli(action.Ts)) {
		return nil, reject(ErrStaleTimestamp)
	}

	user, err := v.lookupUserByDID(ctx, action.DID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, reject(ErrUnknownUser)
		}
		return nil, err
	}
	if user.Handle != action.Handle {
		return nil, reject(ErrHandleMismatch)
	}

	canonical, err := canonicalizeAction(action)
	if err != nil {
		return nil, reject(ErrInvalidSignature)
	}

	pub, err := cryptoutil.ParsePublicKeySPKI(user.PublicKey)
	if err != nil {
		return nil, reject(ErrInvalidSignature)
	}
	if err := cryptoutil.Verify(pub, canonical, action.Sig); err != nil {
		return nil, reject(ErrInvalidSignature)
	}

	actionID := sha256ActionID(canonical)
	if err := v.insertDedupe(ctx, actionID, action.DID, action.Nonce, action.Ts); err != nil {
		if isUniqueViolation(err) {
			return nil, reject(ErrReplayedNonce)
		}
		return nil, err
	}

	return user, nil
}

// withinFreshnessWindow reports whether ts is within FreshnessWindow of now
// in either direction.
func withinFreshnessWindow(now, ts time.Time) bool {
	drift := now.Sub(ts)
	if drift < 0 {
		drift = -drift
	}
	return drift <= FreshnessWindow
}

func canonicalizeAction(action models.SignedAction) ([]byte, error) {
	envelope := map[string]interface{}{
		"action": action.Action,
		"data":   action.Data,
		"did":    action.DID,
		"handle": action.Handle,
		"ts":     action.Ts,
		"nonce":  action.Nonce,
		"sig":    action.Sig,
	}
	return cryptoutil.CanonicalizeEnvelopeWithoutSig(envelope)
}

func sha256ActionID(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

func (v *Verifier) lookupUserByDID(ctx context.Context, did string) (*models.User, error) {
	var u models.User
	err := v.pool.QueryRow(ctx,
		`SELECT id, did, handle, email, display_name, bio, avatar_url, public_key,
		        private_key_encrypted, password_hash, chat_public_key,
		        chat_private_key_encrypted, dm_privacy, is_suspended, is_silenced,
		        is_bot, is_remote, remote_node_domain, created_at, updated_at
		 FROM users WHERE did = $1`,
		did,
	).Scan(
		&u.ID, &u.DID, &u.Handle, &u.Email, &u.DisplayName, &u.Bio, &u.AvatarURL,
		&u.PublicKey, &u.PrivateKeyEncrypted, &u.PasswordHash, &u.ChatPublicKey,
		&u.ChatPrivateKeyEncrypted, &u.DMPrivacy, &u.IsSuspended, &u.IsSilenced,
		&u.IsBot, &u.IsRemote, &u.RemoteNodeDomain, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (v *Verifier) insertDedupe(ctx context.Context, actionID, did, nonce string, ts int64) error {
	_, err := v.pool.Exec(ctx,
		`INSERT INTO signed_action_dedupe (action_id, did, nonce, ts) VALUES ($1, $2, $3, $4)`,
		actionID, did, nonce, ts,
	)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
