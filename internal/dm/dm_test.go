package dm

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnvelopeCanonicalBytes_StableAcrossSignature(t *testing.T) {
	content := "hello there"
	base := Envelope{
		SenderHandle:     "alice",
		SenderDID:        "did:key:alice",
		SenderNodeDomain: "node-a.example",
		RecipientHandle:  "bob@node-b.example",
		Content:          &content,
		Timestamp:        time.Unix(1700000000, 0),
	}
	a := base
	a.Signature = "sig-one"
	b := base
	b.Signature = "sig-two"

	canonA, err := a.canonicalBytes()
	require.NoError(t, err)
	canonB, err := b.canonicalBytes()
	require.NoError(t, err)
	require.Equal(t, canonA, canonB)
}

func TestEnvelopeCanonicalBytes_DiffersOnContent(t *testing.T) {
	c1, c2 := "hello", "goodbye"
	e1 := Envelope{SenderHandle: "alice", RecipientHandle: "bob", Content: &c1, Timestamp: time.Unix(1700000000, 0)}
	e2 := Envelope{SenderHandle: "alice", RecipientHandle: "bob", Content: &c2, Timestamp: time.Unix(1700000000, 0)}

	canon1, err := e1.canonicalBytes()
	require.NoError(t, err)
	canon2, err := e2.canonicalBytes()
	require.NoError(t, err)
	require.NotEqual(t, canon1, canon2)
}

func TestTruncatePreview(t *testing.T) {
	short := "hello"
	require.Equal(t, short, truncatePreview(short))

	long := strings.Repeat("a", 200)
	require.Len(t, truncatePreview(long), 140)
}
