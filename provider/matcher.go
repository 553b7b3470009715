// Package provider defines the uniform backend contract every cache
// backend (remote HTTP KV, TCP KV, HTTP-REST KV, in-process memory)
// implements, plus the key-matching helper shared by ListKeys and L1's
// pattern-based invalidation.
package provider

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// KeyMatcher matches cache keys against glob-style patterns ("user:*",
// "session:?:data"), falling back to regex for anything more complex.
// Compiled regexes are cached so repeat calls with the same pattern don't
// pay the compile cost twice.
type KeyMatcher struct {
	regexCache sync.Map // pattern string -> *regexp.Regexp
}

// NewKeyMatcher returns a ready-to-use matcher. The zero value also works;
// this constructor exists for symmetry with the rest of the package.
func NewKeyMatcher() *KeyMatcher {
	return &KeyMatcher{}
}

// Match reports whether key satisfies pattern.
func (m *KeyMatcher) Match(pattern, key string) (bool, error) {
	if pattern == "" {
		return false, fmt.Errorf("provider: empty pattern")
	}

	if pattern == key {
		return true, nil
	}
	if pattern == "*" {
		return true, nil
	}

	// Fast path: single trailing wildcard is a plain prefix match, by far
	// the most common invalidation pattern ("user:*").
	if strings.HasSuffix(pattern, "*") && !strings.ContainsAny(pattern[:len(pattern)-1], "*?") {
		return strings.HasPrefix(key, pattern[:len(pattern)-1]), nil
	}

	regexPattern := pattern
	if strings.ContainsAny(pattern, "*?") {
		regexPattern = globToRegex(pattern)
	}

	re, err := m.compiled(regexPattern)
	if err != nil {
		return false, fmt.Errorf("provider: invalid pattern %q: %w", pattern, err)
	}
	return re.MatchString(key), nil
}

// Filter returns the subset of keys matching pattern, preserving order.
func (m *KeyMatcher) Filter(pattern string, keys []string) ([]string, error) {
	if pattern == "*" {
		out := make([]string, len(keys))
		copy(out, keys)
		return out, nil
	}

	out := make([]string, 0, len(keys))
	for _, key := range keys {
		ok, err := m.Match(pattern, key)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, key)
		}
	}
	return out, nil
}

func (m *KeyMatcher) compiled(regexPattern string) (*regexp.Regexp, error) {
	if cached, ok := m.regexCache.Load(regexPattern); ok {
		return cached.(*regexp.Regexp), nil
	}

	re, err := regexp.Compile("^" + regexPattern + "$")
	if err != nil {
		return nil, err
	}
	m.regexCache.Store(regexPattern, re)
	return re, nil
}

func globToRegex(pattern string) string {
	var b strings.Builder
	b.Grow(len(pattern) * 2)

	for i := 0; i < len(pattern); i++ {
		switch c := pattern[i]; c {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteByte('.')
		case '.', '+', '(', ')', '|', '[', ']', '{', '}', '^', '$', '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
