// Package match compiles and caches wildcard patterns shared by permission
// resolution and policy scoping.
package match

import (
	"strings"
	"sync"

	"github.com/gobwas/glob"
)

// Separators used when compiling patterns.
const (
	PathSeparator  = '/'
	TokenSeparator = '.'
)

type cacheKey struct {
	pattern string
	sep     rune
}

var compiled sync.Map // cacheKey -> glob.Glob (nil when the pattern does not compile)

// Glob reports whether value matches pattern. A single "*" matches one segment,
// "**" matches any depth. A pattern without wildcards is compared exactly.
// Patterns that fail to compile never match.
func Glob(pattern, value string, sep rune) bool {
	if pattern == "**" || (pattern == "*" && !strings.ContainsRune(value, sep)) {
		return true
	}
	if !hasMeta(pattern) {
		return pattern == value
	}
	g := compile(pattern, sep)
	if g == nil {
		return false
	}
	return g.Match(value)
}

// Any reports whether value matches at least one pattern. An empty list matches.
func Any(patterns []string, value string, sep rune) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if Glob(p, value, sep) {
			return true
		}
	}
	return false
}

// Valid reports whether pattern compiles.
func Valid(pattern string, sep rune) bool {
	if !hasMeta(pattern) {
		return true
	}
	return compile(pattern, sep) != nil
}

func compile(pattern string, sep rune) glob.Glob {
	key := cacheKey{pattern: pattern, sep: sep}
	if cached, ok := compiled.Load(key); ok {
		g, _ := cached.(glob.Glob)
		return g
	}
	g, err := glob.Compile(pattern, sep)
	if err != nil {
		compiled.Store(key, nil)
		return nil
	}
	compiled.Store(key, g)
	return g
}

func hasMeta(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}
