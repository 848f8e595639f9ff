package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeNormalizes(t *testing.T) {
	base := Compute("John Doe", "PERSON")

	assert.Equal(t, base, Compute("  john doe  ", "person"), "case and whitespace are normalized away")
	assert.Equal(t, base, Compute("JOHN DOE", "Person"))
	assert.NotEqual(t, base, Compute("Jane Doe", "PERSON"))
}

func TestComputeFieldOrderMatters(t *testing.T) {
	assert.NotEqual(t, Compute("a", "b"), Compute("b", "a"))
}

func TestComputeDelimiterSeparatesFields(t *testing.T) {
	// "ab"+"c" must not collide with "a"+"bc".
	assert.NotEqual(t, Compute("ab", "c"), Compute("a", "bc"))
}

func TestComputeEmptyFields(t *testing.T) {
	assert.Equal(t, Compute(""), Compute("   "), "absent field normalizes to empty string")
	assert.NotEqual(t, Compute(""), Compute("", ""), "arity is part of the digest")
}

func TestCompare(t *testing.T) {
	digest := Compute("john@x.com", "EMAIL")

	assert.True(t, Compare(digest, "JOHN@X.COM ", "email"))
	assert.False(t, Compare(digest, "jane@x.com", "EMAIL"))
	assert.False(t, Compare("not-a-digest", "john@x.com", "EMAIL"))
}
