package types

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// CanonicalJSON marshals v deterministically: encoding/json already sorts
// map[string]any keys lexicographically and emits float64 in the shortest
// round-trip form, so canonicalizing through map[string]any (rather than
// hand-rolling a key-sorting marshaler) is sufficient to satisfy spec's
// content-hash stability invariant. This is the one spot in the repo that
// leans on the standard library where the corpus offered no canonical-JSON
// library to reach for instead (see DESIGN.md).
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	generic = normalizeNumbers(generic)
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// normalizeNumbers converts json.Number back to float64 so repeated
// marshal/unmarshal round trips cannot introduce textual drift (e.g.
// "1.0" vs "1").
func normalizeNumbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return x.String()
		}
		return f
	case map[string]any:
		for k, e := range x {
			x[k] = normalizeNumbers(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = normalizeNumbers(e)
		}
		return x
	default:
		return v
	}
}

// HashBytes returns the lowercase hex SHA-256 digest of b, the blob/commit
// content-hash function used throughout pkg/blobpool and pkg/vcs.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// CanonicalHash canonicalizes v and hashes the result.
func CanonicalHash(v any) (string, error) {
	b, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}
