package cryptoutil

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// DIDKeyPrefix is the scheme prefix for DIDs derived from a public key.
const DIDKeyPrefix = "did:key:"

// DIDSwarmPrefix is the scheme prefix for synthetic DIDs assigned to users
// pulled from a remote node via C9 pull federation, before any key material
// for them has been fetched.
const DIDSwarmPrefix = "did:swarm:"

// DIDSynapsisPrefix is the legacy DID scheme kept for accounts created
// before the did:key migration; Authenticate opportunistically rotates
// these to did:key on next successful login.
const DIDSynapsisPrefix = "did:synapsis:"

// DIDFromPublicKey derives a did:key identifier from a P-256 public key: the
// scheme prefix followed by the base58btc encoding of the key's uncompressed
// SEC1 point (see marshalPublicKeyRaw).
func DIDFromPublicKey(pub *ecdsa.PublicKey) (string, error) {
	raw, err := marshalPublicKeyRaw(pub)
	if err != nil {
		return "", err
	}
	return DIDKeyPrefix + base58.Encode(raw), nil
}

// marshalPublicKeyRaw returns the uncompressed SEC1 point encoding
// (0x04 || X || Y) of pub, which is what gets base58btc-encoded into a
// did:key identifier.
func marshalPublicKeyRaw(pub *ecdsa.PublicKey) ([]byte, error) {
	if pub.X == nil || pub.Y == nil {
		return nil, fmt.Errorf("cryptoutil: incomplete public key")
	}
	out := make([]byte, 1+32+32)
	out[0] = 0x04
	pub.X.FillBytes(out[1:33])
	pub.Y.FillBytes(out[33:65])
	return out, nil
}

// DIDForRemoteUser builds the synthetic did:swarm identifier assigned to a
// user row created by pull federation before the node has resolved (and
// cached) that user's real public key.
func DIDForRemoteUser(domain, localPart string) string {
	return fmt.Sprintf("%s%s:%s", DIDSwarmPrefix, domain, localPart)
}

// IsLegacyDID reports whether did uses the legacy did:synapsis:<hex> scheme
// that Authenticate should opportunistically rotate away from.
func IsLegacyDID(did string) bool {
	return strings.HasPrefix(did, DIDSynapsisPrefix)
}

// LegacyDIDFromPublicKey derives a did:synapsis:<hex> identifier (the hex
// SHA-256 of the uncompressed public point), a value IsLegacyDID recognises.
// Nothing in this module calls it; Authenticate's rotation path only checks
// IsLegacyDID.
func LegacyDIDFromPublicKey(pub *ecdsa.PublicKey) (string, error) {
	raw, err := marshalPublicKeyRaw(pub)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return DIDSynapsisPrefix + hex.EncodeToString(sum[:]), nil
}
