// Package multicast matches multicast ids against subscription patterns.
//
// A multicast id is a "/" separated path such as "provider-1/temperature/kitchen".
// Patterns may use two wildcards:
//   - "+" stands for exactly one whole segment: "provider-1/+/kitchen"
//   - "*" is either the whole pattern (matches every id) or the final segment,
//     in which case it matches the prefix alone or the prefix followed by any
//     number of segments: "provider-1/temperature/*"
//
// Any other use of "+" or "*" is rejected by Compile.
package multicast

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidPattern is returned for patterns that misuse a wildcard.
var ErrInvalidPattern = errors.New("invalid multicast pattern")

const (
	separator      = "/"
	singleLevel    = "+"
	multiLevel     = "*"
	singleLevelExp = "[^/]+"
)

// Matcher is a compiled pattern. It is safe for concurrent use.
type Matcher struct {
	pattern string
	re      *regexp.Regexp
}

// Validate reports whether pattern is well formed.
func Validate(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}
	if pattern == multiLevel {
		return nil
	}
	segments := strings.Split(pattern, separator)
	for i, seg := range segments {
		if strings.Contains(seg, singleLevel) && seg != singleLevel {
			return fmt.Errorf("%w: %q must fill a whole segment in %q", ErrInvalidPattern, singleLevel, pattern)
		}
		if strings.Contains(seg, multiLevel) && (seg != multiLevel || i != len(segments)-1) {
			return fmt.Errorf("%w: %q is only allowed as the last segment in %q", ErrInvalidPattern, multiLevel, pattern)
		}
	}
	return nil
}

// Compile validates pattern and builds its matcher.
func Compile(pattern string) (*Matcher, error) {
	if err := Validate(pattern); err != nil {
		return nil, err
	}

	var expr string
	if pattern == multiLevel {
		expr = ".+"
	} else {
		segments := strings.Split(pattern, separator)
		trailing := false
		if segments[len(segments)-1] == multiLevel {
			trailing = true
			segments = segments[:len(segments)-1]
		}
		parts := make([]string, len(segments))
		for i, seg := range segments {
			if seg == singleLevel {
				parts[i] = singleLevelExp
			} else {
				parts[i] = regexp.QuoteMeta(seg)
			}
		}
		expr = strings.Join(parts, separator)
		if trailing {
			expr += "(/.*)?"
		}
	}

	re, err := regexp.Compile("^" + expr + "$")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	return &Matcher{pattern: pattern, re: re}, nil
}

// MustCompile is like Compile but panics on an invalid pattern.
func MustCompile(pattern string) *Matcher {
	m, err := Compile(pattern)
	if err != nil {
		panic(err)
	}
	return m
}

// Pattern returns the source pattern.
func (m *Matcher) Pattern() string {
	return m.pattern
}

// Matches reports whether the multicast id matches the pattern.
func (m *Matcher) Matches(multicastID string) bool {
	return m.re.MatchString(multicastID)
}

// HasWildcards reports whether pattern contains any wildcard segment.
func HasWildcards(pattern string) bool {
	return strings.Contains(pattern, singleLevel) || strings.Contains(pattern, multiLevel)
}
