// Package hash computes content digests over normalized business fields.
// Equal normalized field tuples always yield equal digests, which is what
// the versioned stores rely on to suppress no-op writes.
package hash

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const delimiter = "|"

// Normalize trims surrounding whitespace and lowercases a single field.
// Nil-ish absence is represented by the empty string, never a sentinel.
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Compute returns the SHA-256 hex digest of the normalized fields joined
// with a fixed delimiter. The function is pure; field order matters.
func Compute(fields ...string) string {
	normalized := make([]string, len(fields))
	for i, f := range fields {
		normalized[i] = Normalize(f)
	}
	sum := sha256.Sum256([]byte(strings.Join(normalized, delimiter)))
	return hex.EncodeToString(sum[:])
}

// Compare recomputes the digest for fields and compares it to expected in
// constant time.
func Compare(expected string, fields ...string) bool {
	return hmac.Equal([]byte(Compute(fields...)), []byte(expected))
}
