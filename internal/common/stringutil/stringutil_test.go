package stringutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abc", Truncate("abcdef", 3))
	assert.Equal(t, "", Truncate("abc", 0))

	// Rune boundaries are respected for multi-byte text.
	assert.Equal(t, "héllo", Truncate("héllo wörld", 5))
}

func TestExcerpt(t *testing.T) {
	assert.Equal(t, "short", Excerpt("  short  ", 10))

	got := Excerpt(strings.Repeat("x", 200), 96)
	assert.Len(t, got, 99)
	assert.True(t, strings.HasSuffix(got, "..."))
}
