package cryptoutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// ErrNotCanonicalizable is returned when a value cannot be represented in the
// canonical JSON subset (e.g. NaN/Infinity numbers, or a non-JSON type).
type ErrNotCanonicalizable struct {
	Reason string
}

func (e *ErrNotCanonicalizable) Error() string {
	return fmt.Sprintf("cryptoutil: value is not canonicalizable: %s", e.Reason)
}

// Canonicalize produces the deterministic byte representation of v used for
// signing: object keys are sorted ascending, numbers must be finite,
// undefined/unsupported types are rejected, and the encoding contains no
// extraneous whitespace. Passing the same logical value twice always yields
// identical bytes, which is what makes signatures verifiable independent of
// how the envelope was constructed or transmitted.
func Canonicalize(v interface{}) ([]byte, error) {
	// Round-trip through encoding/json first so arbitrary Go structs (with
	// json tags) land in the same map[string]interface{}/[]interface{}/
	// scalar shape that canonicalizeValue understands.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling value for canonicalization: %w", err)
	}

	var decoded interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decoding value for canonicalization: %w", err)
	}

	var buf bytes.Buffer
	if err := canonicalizeValue(&buf, decoded); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func canonicalizeValue(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case json.Number:
		return canonicalizeNumber(buf, val)
	case string:
		return canonicalizeString(buf, val)
	case []interface{}:
		return canonicalizeArray(buf, val)
	case map[string]interface{}:
		return canonicalizeObject(buf, val)
	default:
		return &ErrNotCanonicalizable{Reason: fmt.Sprintf("unsupported type %T", v)}
	}
}

func canonicalizeNumber(buf *bytes.Buffer, n json.Number) error {
	f, err := n.Float64()
	if err != nil {
		return &ErrNotCanonicalizable{Reason: fmt.Sprintf("invalid number %q", n.String())}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return &ErrNotCanonicalizable{Reason: "NaN/Infinity numbers are rejected"}
	}
	buf.WriteString(n.String())
	return nil
}

func canonicalizeString(buf *bytes.Buffer, s string) error {
	encoded, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding string for canonicalization: %w", err)
	}
	buf.Write(encoded)
	return nil
}

func canonicalizeArray(buf *bytes.Buffer, arr []interface{}) error {
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := canonicalizeValue(buf, elem); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func canonicalizeObject(buf *bytes.Buffer, obj map[string]interface{}) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := canonicalizeString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := canonicalizeValue(buf, obj[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

// CanonicalizeEnvelopeWithoutSig canonicalizes a SignedAction-shaped map
// after removing its "sig" key, which is what every verifier must hash and
// what every signer must have signed.
func CanonicalizeEnvelopeWithoutSig(envelope map[string]interface{}) ([]byte, error) {
	stripped := make(map[string]interface{}, len(envelope))
	for k, v := range envelope {
		if k == "sig" {
			continue
		}
		stripped[k] = v
	}
	return Canonicalize(stripped)
}
