package swarm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cyph3rasi/synapsis/internal/cryptoutil"
)

func TestSignEnvelope_VerifiesAgainstOwnPublicKey(t *testing.T) {
	kp, err := cryptoutil.GenerateKeyPair()
	require.NoError(t, err)

	s := &Service{nodeDomain: "node-a.example", nodeKey: kp.Private, now: time.Now}
	body := []byte(`{"hello":"world"}`)

	headers, err := s.SignEnvelope(body)
	require.NoError(t, err)
	require.Equal(t, "node-a.example", headers[SourceDomainHeader])
	require.NotEmpty(t, headers[SignatureHeader])
	require.NotEmpty(t, headers[TimestampHeader])

	toSign, err := cryptoutil.Canonicalize(map[string]any{
		"body":         string(body),
		"ts":           headers[TimestampHeader],
		"sourceDomain": headers[SourceDomainHeader],
	})
	require.NoError(t, err)
	require.NoError(t, cryptoutil.Verify(&kp.Private.PublicKey, toSign, headers[SignatureHeader]))
}

func TestSignEnvelope_RejectsUnderForgedKey(t *testing.T) {
	kp, err := cryptoutil.GenerateKeyPair()
	require.NoError(t, err)
	other, err := cryptoutil.GenerateKeyPair()
	require.NoError(t, err)

	s := &Service{nodeDomain: "node-a.example", nodeKey: kp.Private, now: time.Now}
	body := []byte(`{"hello":"world"}`)

	headers, err := s.SignEnvelope(body)
	require.NoError(t, err)

	toSign, err := cryptoutil.Canonicalize(map[string]any{
		"body":         string(body),
		"ts":           headers[TimestampHeader],
		"sourceDomain": headers[SourceDomainHeader],
	})
	require.NoError(t, err)
	require.Error(t, cryptoutil.Verify(&other.Private.PublicKey, toSign, headers[SignatureHeader]))
}

func TestDiscoveryInfo_RoundTripsCapabilities(t *testing.T) {
	info := DiscoveryInfo{
		Domain:          "node-b.example",
		PublicKey:       "spki-base64",
		SoftwareVersion: Version,
		Capabilities:    []string{"posts", "interactions", "dm", "gossip"},
		UserCount:       3,
		PostCount:       10,
	}
	require.Contains(t, info.Capabilities, "dm")
	require.Equal(t, "synapsis-swarm/1.0", info.SoftwareVersion)
}
