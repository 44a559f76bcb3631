package cachestore

import (
	"regexp"
	"strings"
	"sync"
)

// patternCache caches compiled regular expressions derived from glob
// patterns, avoiding recompilation on repeated keys() calls.
var patternCache sync.Map

// compilePattern converts a glob pattern ("*", "?") to an anchored
// regular expression and caches the result.
//
// Supports:
//   - "*" matches any run of characters.
//   - "?" matches exactly one character.
//   - every other rune is matched literally.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	if cached, ok := patternCache.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}

	var b strings.Builder
	b.Grow(len(pattern) * 2)
	for i := 0; i < len(pattern); i++ {
		switch ch := pattern[i]; ch {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		case '.', '+', '(', ')', '|', '[', ']', '{', '}', '^', '$', '\\':
			b.WriteByte('\\')
			b.WriteByte(ch)
		default:
			b.WriteByte(ch)
		}
	}

	re, err := regexp.Compile("^" + b.String() + "$")
	if err != nil {
		return nil, err
	}
	patternCache.Store(pattern, re)
	return re, nil
}
