package cryptoutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapUnwrapPrivateKey_RoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	pkcs8, err := MarshalPrivateKeyPKCS8(kp.Private)
	require.NoError(t, err)

	wrapped, err := WrapPrivateKey("correct horse battery staple", pkcs8)
	require.NoError(t, err)
	require.NotEmpty(t, wrapped)

	unwrapped, err := UnwrapPrivateKey("correct horse battery staple", wrapped)
	require.NoError(t, err)
	require.Equal(t, pkcs8, unwrapped)
}

func TestUnwrapPrivateKey_WrongPassword(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	pkcs8, err := MarshalPrivateKeyPKCS8(kp.Private)
	require.NoError(t, err)

	wrapped, err := WrapPrivateKey("right-password", pkcs8)
	require.NoError(t, err)

	_, err = UnwrapPrivateKey("wrong-password", wrapped)
	require.Error(t, err)
}

func TestDeriveKey_SameSaltSamePassword(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)

	k1 := DeriveKey("hunter2", salt)
	k2 := DeriveKey("hunter2", salt)
	require.Equal(t, k1, k2)

	salt2, err := NewSalt()
	require.NoError(t, err)
	k3 := DeriveKey("hunter2", salt2)
	require.NotEqual(t, k1, k3)
}

func TestDeriveSessionWrapKey_Deterministic(t *testing.T) {
	k1 := DeriveSessionWrapKey("ephemeral-secret")
	k2 := DeriveSessionWrapKey("ephemeral-secret")
	require.Equal(t, k1, k2)
	require.Len(t, k1, 32)
}
