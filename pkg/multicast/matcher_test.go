package multicast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMatches tests wildcard semantics against sample ids
func TestMatches(t *testing.T) {
	tests := []struct {
		pattern string
		id      string
		want    bool
	}{
		{"a/b/c", "a/b/c", true},
		{"a/b/c", "a/b/cd", false},
		{"a/b/c", "a/b", false},

		{"a/+/c", "a/x/c", true},
		{"a/+/c", "a/x/y/c", false},
		{"a/+/c", "a//c", false},
		{"+", "anything", true},
		{"+", "two/segments", false},
		{"+/+", "p/q", true},

		{"a/b/*", "a/b", true},
		{"a/b/*", "a/b/c", true},
		{"a/b/*", "a/b/c/d/e", true},
		{"a/b/*", "a/bc", false},
		{"a/b/*", "x/b/c", false},
		{"a/+/*", "a/z", true},
		{"a/+/*", "a/z/q/r", true},

		{"*", "a", true},
		{"*", "a/b/c", true},
		{"*", "", false},

		{"a.b/c", "aXb/c", false},
		{"a.b/c", "a.b/c", true},

		// empty segments are literal
		{"a//b", "a//b", true},
		{"a//b", "a/b", false},
		{"a/", "a/", true},
		{"a//*", "a//x", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"~"+tt.id, func(t *testing.T) {
			m, err := Compile(tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.Matches(tt.id))
		})
	}
}

// TestInvalidPatterns tests that misplaced wildcards are rejected
func TestInvalidPatterns(t *testing.T) {
	for _, pattern := range []string{
		"",
		"a+/b",
		"a/+b",
		"a/*/c",
		"*/a",
		"a/b*",
		"a/**",
	} {
		t.Run(pattern, func(t *testing.T) {
			_, err := Compile(pattern)
			assert.ErrorIs(t, err, ErrInvalidPattern)
		})
	}
}

// TestMustCompilePanics tests the panic path
func TestMustCompilePanics(t *testing.T) {
	assert.Panics(t, func() { MustCompile("a/*/b") })
	assert.Equal(t, "a/+", MustCompile("a/+").Pattern())
}

// TestHasWildcards tests wildcard detection
func TestHasWildcards(t *testing.T) {
	assert.True(t, HasWildcards("a/+"))
	assert.True(t, HasWildcards("*"))
	assert.False(t, HasWildcards("a/b"))
}
