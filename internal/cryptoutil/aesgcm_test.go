package cryptoutil

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptGCM_RoundTrip(t *testing.T) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	plaintext := []byte("the quick brown fox")
	sealed, err := EncryptGCM(key, plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, sealed)

	decrypted, err := DecryptGCM(key, sealed)
	require.NoError(t, err)
	require.Equal(t, plaintext, decrypted)
}

func TestDecryptGCM_WrongKeyFails(t *testing.T) {
	key1 := make([]byte, 32)
	key2 := make([]byte, 32)
	_, err := rand.Read(key1)
	require.NoError(t, err)
	_, err = rand.Read(key2)
	require.NoError(t, err)

	sealed, err := EncryptGCM(key1, []byte("secret"))
	require.NoError(t, err)

	_, err = DecryptGCM(key2, sealed)
	require.Error(t, err)
}

func TestEncryptGCM_RejectsShortKey(t *testing.T) {
	_, err := EncryptGCM([]byte("too-short"), []byte("data"))
	require.Error(t, err)
}
