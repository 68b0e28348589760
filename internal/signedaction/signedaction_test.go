package signedaction

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/cyph3rasi/synapsis/internal/cryptoutil"
	"github.com/cyph3rasi/synapsis/internal/models"
)

func TestWithinFreshnessWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	require.True(t, withinFreshnessWindow(now, now))
	require.True(t, withinFreshnessWindow(now, now.Add(4*time.Minute)))
	require.True(t, withinFreshnessWindow(now, now.Add(-4*time.Minute)))
	require.False(t, withinFreshnessWindow(now, now.Add(6*time.Minute)))
	require.False(t, withinFreshnessWindow(now, now.Add(-6*time.Minute)))
}

func TestCanonicalizeAction_StableAcrossSigValue(t *testing.T) {
	base := models.SignedAction{
		Action: "like",
		Data:   map[string]interface{}{"postId": "P1"},
		DID:    "did:key:alice",
		Handle: "alice",
		Ts:     1700000000000,
		Nonce:  "abc123",
	}
	a := base
	a.Sig = "sig-one"
	b := base
	b.Sig = "sig-two"

	bytesA, err := canonicalizeAction(a)
	require.NoError(t, err)
	bytesB, err := canonicalizeAction(b)
	require.NoError(t, err)

	require.Equal(t, bytesA, bytesB, "canonical bytes must not depend on sig")
	require.Equal(t, sha256ActionID(bytesA), sha256ActionID(bytesB))
}

func TestSha256ActionID_DifferentForDifferentContent(t *testing.T) {
	a := models.SignedAction{Action: "like", DID: "did:key:alice", Handle: "alice", Ts: 1, Nonce: "n1"}
	b := models.SignedAction{Action: "like", DID: "did:key:alice", Handle: "alice", Ts: 1, Nonce: "n2"}

	canonA, err := canonicalizeAction(a)
	require.NoError(t, err)
	canonB, err := canonicalizeAction(b)
	require.NoError(t, err)

	require.NotEqual(t, sha256ActionID(canonA), sha256ActionID(canonB))
}

func TestIsUniqueViolation(t *testing.T) {
	require.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	require.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	require.False(t, isUniqueViolation(context.Canceled))
}

type fakeLimiter struct {
	allow bool
}

func (f fakeLimiter) Allow(did string) bool { return f.allow }

func TestVerifyUserAction_RateLimited(t *testing.T) {
	v := &Verifier{limiter: fakeLimiter{allow: false}, now: time.Now}

	_, err := v.VerifyUserAction(context.Background(), models.SignedAction{DID: "did:key:alice"})
	require.Error(t, err)
	var verr *VerifyError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, ErrRateLimited, verr.Kind)
}

func TestVerifyUserAction_StaleTimestamp(t *testing.T) {
	fixedNow := time.Unix(1_700_000_000, 0)
	v := &Verifier{
		limiter: fakeLimiter{allow: true},
		now:     func() time.Time { return fixedNow },
	}

	action := models.SignedAction{
		DID: "did:key:alice",
		Ts:  fixedNow.Add(-10 * time.Minute).UnixMilli(),
	}
	_, err := v.VerifyUserAction(context.Background(), action)
	require.Error(t, err)
	var verr *VerifyError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, ErrStaleTimestamp, verr.Kind)
}

func TestSignatureVerification_RoundTrip(t *testing.T) {
	kp, err := cryptoutil.GenerateKeyPair()
	require.NoError(t, err)

	action := models.SignedAction{
		Action: "like",
		Data:   map[string]interface{}{"postId": "P1"},
		DID:    "did:key:alice",
		Handle: "alice",
		Ts:     1700000000000,
		Nonce:  "abc123",
	}

	canonical, err := canonicalizeAction(action)
	require.NoError(t, err)

	sig, err := cryptoutil.Sign(kp.Private, canonical)
	require.NoError(t, err)
	action.Sig = sig

	reCanon, err := canonicalizeAction(action)
	require.NoError(t, err)
	require.NoError(t, cryptoutil.Verify(kp.Public, reCanon, action.Sig))

	other, err := cryptoutil.GenerateKeyPair()
	require.NoError(t, err)
	require.Error(t, cryptoutil.Verify(other.Public, reCanon, action.Sig))
}
