package cryptoutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// StrongKDFIterations is the iteration count for deriving the key that wraps
// a user's private key at rest: PBKDF2-HMAC-SHA-256, 100,000 iterations.
const StrongKDFIterations = 100000

// StrongKDFSaltSize is the random salt size for the strong KDF, in bytes.
const StrongKDFSaltSize = 32

// sessionKDFIterations is the iteration count for the faster, fixed-salt
// derivation used only to wrap an in-memory session key for client-side key
// persistence across page reloads. It intentionally trades brute-force
// resistance for speed since the secret it protects is short-lived.
const sessionKDFIterations = 10000

// sessionKDFSalt is the fixed salt for the session-key wrap. Fixed because
// the wrapped value never leaves the client process that generated it; it is
// not persisted to the relational schema.
var sessionKDFSalt = []byte("synapsis-session-key-wrap-v1")

// DeriveKey derives a 32-byte AES-256-GCM key from a password and salt using
// PBKDF2-HMAC-SHA-256 at the strong iteration count. Used to wrap a user's
// private key at rest.
func DeriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, StrongKDFIterations, 32, sha256.New)
}

// NewSalt generates a fresh random salt of StrongKDFSaltSize bytes.
func NewSalt() ([]byte, error) {
	salt := make([]byte, StrongKDFSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating KDF salt: %w", err)
	}
	return salt, nil
}

// DeriveSessionWrapKey derives the fast, fixed-salt key used only to wrap an
// in-memory session key for client-side persistence. It must never be used
// to wrap the long-term private key.
func DeriveSessionWrapKey(sessionSecret string) []byte {
	return pbkdf2.Key([]byte(sessionSecret), sessionKDFSalt, sessionKDFIterations, 32, sha256.New)
}

// WrapPrivateKey encrypts pkcs8 (a marshaled ECDSA private key) under a key
// derived from password, returning a self-contained base64 blob of
// salt‖nonce‖ciphertext‖tag. This is the PrivateKeyEncrypted column format.
func WrapPrivateKey(password string, pkcs8 []byte) (string, error) {
	salt, err := NewSalt()
	if err != nil {
		return "", err
	}
	key := DeriveKey(password, salt)
	sealed, err := EncryptGCM(key, pkcs8)
	if err != nil {
		return "", err
	}
	blob := append(append([]byte{}, salt...), sealed...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// UnwrapPrivateKey reverses WrapPrivateKey, returning the marshaled PKCS8
// private key bytes for in-memory use only.
func UnwrapPrivateKey(password, wrapped string) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, fmt.Errorf("decoding wrapped private key: %w", err)
	}
	if len(blob) < StrongKDFSaltSize {
		return nil, fmt.Errorf("wrapped private key blob too short")
	}
	salt, sealed := blob[:StrongKDFSaltSize], blob[StrongKDFSaltSize:]
	key := DeriveKey(password, salt)
	return DecryptGCM(key, sealed)
}
