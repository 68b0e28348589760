package cryptoutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDIDFromPublicKey_StableAndPrefixed(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	did1, err := DIDFromPublicKey(kp.Public)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(did1, DIDKeyPrefix))

	did2, err := DIDFromPublicKey(kp.Public)
	require.NoError(t, err)
	require.Equal(t, did1, did2)
}

func TestDIDFromPublicKey_DistinctForDistinctKeys(t *testing.T) {
	kp1, err := GenerateKeyPair()
	require.NoError(t, err)
	kp2, err := GenerateKeyPair()
	require.NoError(t, err)

	did1, err := DIDFromPublicKey(kp1.Public)
	require.NoError(t, err)
	did2, err := DIDFromPublicKey(kp2.Public)
	require.NoError(t, err)

	require.NotEqual(t, did1, did2)
}

func TestDIDForRemoteUser(t *testing.T) {
	did := DIDForRemoteUser("peer.example", "carol")
	require.Equal(t, "did:swarm:peer.example:carol", did)
}

func TestIsLegacyDID(t *testing.T) {
	require.True(t, IsLegacyDID("did:synapsis:deadbeef"))
	require.False(t, IsLegacyDID("did:key:abc"))
}
