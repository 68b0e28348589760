package cryptoutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignVerify_RoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	msg := []byte(`{"action":"like","did":"did:key:abc"}`)
	sig, err := Sign(kp.Private, msg)
	require.NoError(t, err)

	require.NoError(t, Verify(kp.Public, msg, sig))
}

func TestVerify_RejectsTamperedMessage(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	sig, err := Sign(kp.Private, []byte("original"))
	require.NoError(t, err)

	err = Verify(kp.Public, []byte("tampered"), sig)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerify_RejectsWrongKey(t *testing.T) {
	kp1, err := GenerateKeyPair()
	require.NoError(t, err)
	kp2, err := GenerateKeyPair()
	require.NoError(t, err)

	msg := []byte("hello")
	sig, err := Sign(kp1.Private, msg)
	require.NoError(t, err)

	err = Verify(kp2.Public, msg, sig)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestPublicKeySPKI_RoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	encoded, err := MarshalPublicKeySPKI(kp.Public)
	require.NoError(t, err)
	require.NotEmpty(t, encoded)

	decoded, err := ParsePublicKeySPKI(encoded)
	require.NoError(t, err)
	require.Equal(t, kp.Public.X, decoded.X)
	require.Equal(t, kp.Public.Y, decoded.Y)
}

func TestPrivateKeyPKCS8_RoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	der, err := MarshalPrivateKeyPKCS8(kp.Private)
	require.NoError(t, err)

	decoded, err := ParsePrivateKeyPKCS8(der)
	require.NoError(t, err)
	require.Equal(t, 0, kp.Private.D.Cmp(decoded.D))
}
