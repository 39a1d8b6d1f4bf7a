package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGlobSegments(t *testing.T) {
	cases := []struct {
		pattern string
		value   string
		want    bool
	}{
		{"document/*", "document/42", true},
		{"document/*", "document/42/pages", false},
		{"document/**", "document/42/pages", true},
		{"**", "anything/at/all", true},
		{"*", "flat", true},
		{"*", "a/b", false},
		{"document/42", "document/42", true},
		{"document/42", "document/43", false},
		{"project/{alpha,beta}", "project/beta", true},
		{"doc[", "doc[x", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Glob(tc.pattern, tc.value, PathSeparator), "%s vs %s", tc.pattern, tc.value)
	}
}

func TestAnyEmptyMatches(t *testing.T) {
	assert.True(t, Any(nil, "authz.decision", TokenSeparator))
	assert.True(t, Any([]string{"authz.*"}, "authz.decision", TokenSeparator))
	assert.False(t, Any([]string{"policy.*"}, "authz.decision", TokenSeparator))
}
