// Package cryptoutil implements the cryptographic primitives shared by every
// other package in the node: ECDSA P-256 keypairs, AES-256-GCM encryption,
// PBKDF2 password-based key derivation, canonical JSON serialisation for
// signing, and did:key encoding.
package cryptoutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
)

// ErrInvalidSignature is returned by Verify when a signature does not match
// the given message and public key.
var ErrInvalidSignature = errors.New("cryptoutil: invalid signature")

// KeyPair is a generated ECDSA P-256 keypair. It holds no encoded form; the
// SPKI, PKCS8 and did:key encodings are produced from it by
// MarshalPublicKeySPKI, MarshalPrivateKeyPKCS8 and DIDFromPublicKey.
type KeyPair struct {
	Private *ecdsa.PrivateKey
	Public  *ecdsa.PublicKey
}

// GenerateKeyPair creates a new ECDSA P-256 keypair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating P-256 key: %w", err)
	}
	return &KeyPair{Private: priv, Public: &priv.PublicKey}, nil
}

// MarshalPublicKeySPKI encodes an ECDSA public key as SPKI DER, base64
// standard-encoded. This is the wire and storage format of User.PublicKey.
func MarshalPublicKeySPKI(pub *ecdsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshaling SPKI public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// ParsePublicKeySPKI decodes a base64 SPKI-encoded ECDSA public key.
func ParsePublicKeySPKI(encoded string) (*ecdsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding SPKI public key: %w", err)
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parsing SPKI public key: %w", err)
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("SPKI key is %T, not an ECDSA public key", pub)
	}
	return ecPub, nil
}

// MarshalPrivateKeyPKCS8 encodes an ECDSA private key as PKCS8 DER.
func MarshalPrivateKeyPKCS8(priv *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshaling PKCS8 private key: %w", err)
	}
	return der, nil
}

// ParsePrivateKeyPKCS8 decodes a PKCS8 DER-encoded ECDSA private key.
func ParsePrivateKeyPKCS8(der []byte) (*ecdsa.PrivateKey, error) {
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parsing PKCS8 private key: %w", err)
	}
	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("PKCS8 key is %T, not an ECDSA private key", key)
	}
	return ecKey, nil
}

// Sign signs message with ECDSA P-256 over its SHA-256 digest, returning a
// raw 64-byte R‖S signature (not DER-encoded), base64url-encoded.
func Sign(priv *ecdsa.PrivateKey, message []byte) (string, error) {
	hash := sha256.Sum256(message)
	r, s, err := ecdsa.Sign(rand.Reader, priv, hash[:])
	if err != nil {
		return "", fmt.Errorf("signing message: %w", err)
	}

	sig := make([]byte, 64)
	rBytes := r.Bytes()
	sBytes := s.Bytes()
	copy(sig[32-len(rBytes):32], rBytes)
	copy(sig[64-len(sBytes):64], sBytes)

	return base64.RawURLEncoding.EncodeToString(sig), nil
}

// Verify checks a base64url raw R‖S signature produced by Sign against
// message and the given public key.
func Verify(pub *ecdsa.PublicKey, message []byte, sigB64 string) error {
	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		// Some callers may have padded base64url; tolerate it.
		sig, err = base64.URLEncoding.DecodeString(sigB64)
		if err != nil {
			return fmt.Errorf("%w: decoding signature: %v", ErrInvalidSignature, err)
		}
	}
	if len(sig) != 64 {
		return fmt.Errorf("%w: signature is %d bytes, want 64", ErrInvalidSignature, len(sig))
	}

	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])

	hash := sha256.Sum256(message)
	if !ecdsa.Verify(pub, hash[:], r, s) {
		return ErrInvalidSignature
	}
	return nil
}
