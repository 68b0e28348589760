package cryptoutil

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestCanonicalize_Bijection verifies property P1: canonicalizing a value,
// parsing the result, and canonicalizing again reproduces the same bytes.
func TestCanonicalize_Bijection(t *testing.T) {
	cases := []interface{}{
		map[string]interface{}{"b": 1, "a": 2, "c": []interface{}{1, 2, 3}},
		map[string]interface{}{"nested": map[string]interface{}{"z": true, "a": nil}},
		[]interface{}{"x", 1.5, false, nil},
		"plain string",
	}

	for _, v := range cases {
		first, err := Canonicalize(v)
		require.NoError(t, err)

		var reparsed interface{}
		err = json.Unmarshal(first, &reparsed)
		require.NoError(t, err)

		second, err := Canonicalize(reparsed)
		require.NoError(t, err)

		require.Equal(t, string(first), string(second))
	}
}

func TestCanonicalize_SortsKeys(t *testing.T) {
	out, err := Canonicalize(map[string]interface{}{"zeta": 1, "alpha": 2})
	require.NoError(t, err)
	require.Equal(t, `{"alpha":2,"zeta":1}`, string(out))
}

func TestCanonicalize_RejectsNaNAndInfinity(t *testing.T) {
	_, err := Canonicalize(map[string]interface{}{"x": math.NaN()})
	require.Error(t, err)

	_, err = Canonicalize(map[string]interface{}{"x": math.Inf(1)})
	require.Error(t, err)
}

func TestCanonicalizeEnvelopeWithoutSig_StripsSig(t *testing.T) {
	envelope := map[string]interface{}{
		"action": "like",
		"did":    "did:key:abc",
		"sig":    "should-not-appear",
	}
	out, err := CanonicalizeEnvelopeWithoutSig(envelope)
	require.NoError(t, err)
	require.NotContains(t, string(out), "should-not-appear")
	require.NotContains(t, string(out), `"sig"`)
}
