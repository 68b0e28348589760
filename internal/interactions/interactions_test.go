package interactions

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCanonicalBytes_StableAcrossSignature(t *testing.T) {
	base := Envelope{
		PostID:          "P1",
		Verb:            VerbLike,
		ActorHandle:     "alice",
		ActorNodeDomain: "node-a.example",
		InteractionID:   "int-1",
		Timestamp:       time.Unix(1700000000, 0),
	}
	a := base
	a.Signature = "sig-one"
	b := base
	b.Signature = "sig-two"

	canonA, err := a.canonicalBytes()
	require.NoError(t, err)
	canonB, err := b.canonicalBytes()
	require.NoError(t, err)

	require.Equal(t, canonA, canonB, "canonical bytes must not depend on the signature field")
}

func TestCanonicalBytes_DifferentVerb(t *testing.T) {
	base := Envelope{
		PostID:          "P1",
		ActorHandle:     "alice",
		ActorNodeDomain: "node-a.example",
		InteractionID:   "int-1",
		Timestamp:       time.Unix(1700000000, 0),
	}
	like := base
	like.Verb = VerbLike
	unlike := base
	unlike.Verb = VerbUnlike

	canonLike, err := like.canonicalBytes()
	require.NoError(t, err)
	canonUnlike, err := unlike.canonicalBytes()
	require.NoError(t, err)

	require.NotEqual(t, canonLike, canonUnlike)
}

func TestIsUniqueViolation(t *testing.T) {
	require.True(t, isUniqueViolation(errPgUnique{}))
	require.False(t, isUniqueViolation(errOther{}))
	require.False(t, isUniqueViolation(nil))
}

type errPgUnique struct{}

func (errPgUnique) Error() string { return "ERROR: duplicate key value violates unique constraint (SQLSTATE 23505)" }

type errOther struct{}

func (errOther) Error() string { return "ERROR: connection refused" }
