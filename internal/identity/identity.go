// Package identity owns the User table: registration, password
// authentication, and in-process private-key custody (spec.md §4.2, C2). It
// never persists a decrypted private key; Unlock exists only to hand the
// PKCS8 bytes to an in-memory signer for the duration of one operation.
package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cyph3rasi/synapsis/internal/cryptoutil"
	"github.com/cyph3rasi/synapsis/internal/models"
)

// handleRegex validates handles per spec.md §3: 3-20 chars of [a-z0-9_].
var handleRegex = regexp.MustCompile(`^[a-z0-9_]{3,20}$`)

// ErrorKind enumerates the failure modes of Register/Authenticate named in
// spec.md §4.2.
type ErrorKind string

const (
	ErrHandleTaken     ErrorKind = "handle-taken"
	ErrEmailTaken      ErrorKind = "email-taken"
	ErrBadCredentials  ErrorKind = "bad-credentials"
	ErrValidationError ErrorKind = "validation-error"
)

// Error wraps an ErrorKind with a human-readable message.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string { return e.Message }

func fail(kind ErrorKind, msg string) error {
	return &Error{Kind: kind, Message: msg}
}

// SessionTTL is how long a session created at login remains valid.
const SessionTTL = 30 * 24 * time.Hour

// Service implements registration, authentication, and session management
// over the shared Postgres pool, mirroring the rest of the node's services
// (a thin struct wrapping *pgxpool.Pool rather than a repository interface).
type Service struct {
	pool       *pgxpool.Pool
	nodeDomain string
}

// New creates a Service. nodeDomain is the domain written into this node's
// handle_registry rows; DIDs themselves are node-independent (did:key).
func New(pool *pgxpool.Pool, nodeDomain string) *Service {
	return &Service{pool: pool, nodeDomain: nodeDomain}
}

// Profile carries the optional profile fields accepted at registration.
type Profile struct {
	DisplayName string
	Bio         string
	AvatarURL   string
}

// Register creates a new local user: generates an ECDSA P-256 keypair,
// derives its did:key identifier, password-wraps the private key, hashes
// the password with argon2id, and inserts the row plus its HandleRegistry
// entry in one transaction.
func (s *Service) Register(ctx context.Context, handle, email, password string, profile Profile) (*models.User, error) {
	handle = strings.ToLower(strings.TrimSpace(handle))
	if !handleRegex.MatchString(handle) {
		return nil, fail(ErrValidationError, "handle must be 3-20 chars of [a-z0-9_]")
	}
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, fail(ErrValidationError, "email is required")
	}
	if len(password) < 8 {
		return nil, fail(ErrValidationError, "password must be at least 8 characters")
	}

	keys, err := cryptoutil.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generating keypair: %w", err)
	}
	did, err := cryptoutil.DIDFromPublicKey(keys.Public)
	if err != nil {
		return nil, fmt.Errorf("deriving did: %w", err)
	}
	pubSPKI, err := cryptoutil.MarshalPublicKeySPKI(keys.Public)
	if err != nil {
		return nil, fmt.Errorf("marshaling public key: %w", err)
	}
	pkcs8, err := cryptoutil.MarshalPrivateKeyPKCS8(keys.Private)
	if err != nil {
		return nil, fmt.Errorf("marshaling private key: %w", err)
	}
	wrapped, err := cryptoutil.WrapPrivateKey(password, pkcs8)
	if err != nil {
		return nil, fmt.Errorf("wrapping private key: %w", err)
	}
	passwordHash, err := argon2id.CreateHash(password, argon2id.DefaultParams)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	chatKeys, err := cryptoutil.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generating chat keypair: %w", err)
	}
	chatPub, err := cryptoutil.MarshalPublicKeySPKI(chatKeys.Public)
	if err != nil {
		return nil, fmt.Errorf("marshaling chat public key: %w", err)
	}
	chatPKCS8, err := cryptoutil.MarshalPrivateKeyPKCS8(chatKeys.Private)
	if err != nil {
		return nil, fmt.Errorf("marshaling chat private key: %w", err)
	}
	chatWrapped, err := cryptoutil.WrapPrivateKey(password, chatPKCS8)
	if err != nil {
		return nil, fmt.Errorf("wrapping chat private key: %w", err)
	}

	user := &models.User{
		ID:                      models.NewULID().String(),
		DID:                     did,
		Handle:                  handle,
		Email:                   &email,
		DisplayName:             profile.DisplayName,
		Bio:                     profile.Bio,
		AvatarURL:               profile.AvatarURL,
		PublicKey:               pubSPKI,
		PrivateKeyEncrypted:     wrapped,
		PasswordHash:            passwordHash,
		ChatPublicKey:           &chatPub,
		ChatPrivateKeyEncrypted: &chatWrapped,
		DMPrivacy:               models.DMPrivacyEveryone,
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning registration transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO users (id, did, handle, email, display_name, bio, avatar_url,
		    public_key, private_key_encrypted, password_hash,
		    chat_public_key, chat_private_key_encrypted, dm_privacy)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		user.ID, user.DID, user.Handle, user.Email, user.DisplayName, user.Bio, user.AvatarURL,
		user.PublicKey, user.PrivateKeyEncrypted, user.PasswordHash,
		user.ChatPublicKey, user.ChatPrivateKeyEncrypted, user.DMPrivacy,
	)
	if err != nil {
		if isUniqueViolationOn(err, "idx_users_local_handle") {
			return nil, fail(ErrHandleTaken, "handle is already taken")
		}
		if isUniqueViolationOn(err, "users_email_key") {
			return nil, fail(ErrEmailTaken, "email is already registered")
		}
		return nil, fmt.Errorf("inserting user: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO handle_registry (handle, node_domain, did, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (handle, node_domain) DO UPDATE SET did = EXCLUDED.did, updated_at = EXCLUDED.updated_at`,
		handle, s.nodeDomain, did,
	)
	if err != nil {
		return nil, fmt.Errorf("upserting handle registry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing registration: %w", err)
	}

	return s.lookupByDID(ctx, did)
}

// Authenticate verifies a password against the stored argon2id hash. For an
// account whose DID still uses the legacy did:synapsis scheme, it also
// rewrites the DID to the did:key form of the account's existing P-256 key;
// a failed rewrite does not fail the login. The stored key material is not
// changed: no key is re-encrypted or replaced.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, did, handle, email, display_name, bio, avatar_url, public_key,
		        private_key_encrypted, password_hash, chat_public_key,
		        chat_private_key_encrypted, dm_privacy, is_suspended, is_silenced,
		        is_bot, is_remote, remote_node_domain, created_at, updated_at
		 FROM users WHERE email = $1`,
		strings.TrimSpace(email),
	).Scan(
		&u.ID, &u.DID, &u.Handle, &u.Email, &u.DisplayName, &u.Bio, &u.AvatarURL,
		&u.PublicKey, &u.PrivateKeyEncrypted, &u.PasswordHash, &u.ChatPublicKey,
		&u.ChatPrivateKeyEncrypted, &u.DMPrivacy, &u.IsSuspended, &u.IsSilenced,
		&u.IsBot, &u.IsRemote, &u.RemoteNodeDomain, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fail(ErrBadCredentials, "invalid email or password")
		}
		return nil, fmt.Errorf("looking up user by email: %w", err)
	}

	match, err := argon2id.ComparePasswordAndHash(password, u.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("comparing password hash: %w", err)
	}
	if !match {
		return nil, fail(ErrBadCredentials, "invalid email or password")
	}

	if cryptoutil.IsLegacyDID(u.DID) {
		if err := s.rotateLegacyDID(ctx, &u, password); err != nil {
			// Non-fatal: the account remains usable under its legacy DID
			// until the next successful login.
			_ = err
		}
	}

	return &u, nil
}

// rotateLegacyDID re-derives a did:key identity from the account's existing
// P-256 key and updates the row in place, keeping the same public/private
// key material (only the DID string and handle_registry entry change).
func (s *Service) rotateLegacyDID(ctx context.Context, u *models.User, password string) error {
	pub, err := cryptoutil.ParsePublicKeySPKI(u.PublicKey)
	if err != nil {
		return err
	}
	newDID, err := cryptoutil.DIDFromPublicKey(pub)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE users SET did = $1, updated_at = now() WHERE id = $2`, newDID, u.ID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE handle_registry SET did = $1, updated_at = now() WHERE handle = $2 AND node_domain = $3`,
		newDID, u.Handle, s.nodeDomain,
	); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	u.DID = newDID
	return nil
}

// Unlock decrypts a user's password-wrapped private key, returning the
// PKCS8 bytes for in-memory use only by the caller (e.g. to sign a
// client-convenience envelope server-side). The bytes must never be
// persisted.
func (s *Service) Unlock(user *models.User, password string) ([]byte, error) {
	return cryptoutil.UnwrapPrivateKey(password, user.PrivateKeyEncrypted)
}

// CreateSession issues a new opaque session token bound to userID, valid for
// SessionTTL.
func (s *Service) CreateSession(ctx context.Context, userID string) (*models.Session, error) {
	sess := &models.Session{
		ID:        models.NewULID().String(),
		UserID:    userID,
		ExpiresAt: time.Now().Add(SessionTTL),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, user_id, expires_at) VALUES ($1, $2, $3)`,
		sess.ID, sess.UserID, sess.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return sess, nil
}

// ValidateSession resolves a session token to its owning user, rejecting
// expired sessions.
func (s *Service) ValidateSession(ctx context.Context, token string) (*models.User, error) {
	var expiresAt time.Time
	var userID string
	err := s.pool.QueryRow(ctx, `SELECT user_id, expires_at FROM sessions WHERE id = $1`, token).
		Scan(&userID, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fail(ErrBadCredentials, "invalid session")
		}
		return nil, fmt.Errorf("looking up session: %w", err)
	}
	if time.Now().After(expiresAt) {
		return nil, fail(ErrBadCredentials, "session expired")
	}
	return s.lookupByID(ctx, userID)
}

// DestroySession deletes a session token (logout).
func (s *Service) DestroySession(ctx context.Context, token string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, token)
	return err
}

func (s *Service) lookupByDID(ctx context.Context, did string) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, did, handle, email, display_name, bio, avatar_url, public_key,
		        private_key_encrypted, password_hash, chat_public_key,
		        chat_private_key_encrypted, dm_privacy, is_suspended, is_silenced,
		        is_bot, is_remote, remote_node_domain, created_at, updated_at
		 FROM users WHERE did = $1`, did,
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

func (s *Service) lookupByID(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, did, handle, email, display_name, bio, avatar_url, public_key,
		        private_key_encrypted, password_hash, chat_public_key,
		        chat_private_key_encrypted, dm_privacy, is_suspended, is_silenced,
		        is_bot, is_remote, remote_node_domain, created_at, updated_at
		 FROM users WHERE id = $1`, id,
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

func isUniqueViolationOn(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" && (constraint == "" || pgErr.ConstraintName == constraint)
}
