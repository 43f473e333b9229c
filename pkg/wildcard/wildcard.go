// Package wildcard provides the wildcard pattern matching used by the
// content search feature.
//
// Pattern Matching Behavior:
//
//   - `*` matches any run of characters (including none)
//   - `?` matches exactly one character
//   - `\` escapes the following metacharacter
//   - every other character is literal, including regex metacharacters
//
// Patterns beginning with http:// or https:// compile in URL mode: the
// wildcards are restricted to URL-safe characters, and trailing
// punctuation that commonly follows a pasted link is trimmed from each
// match. All matching is case-insensitive.
package wildcard

import (
	"fmt"
	"regexp"
	"strings"
)

// Mode selects how wildcards expand during compilation.
type Mode int

const (
	ModeGeneric Mode = iota
	ModeURL
)

// urlCharClass is the character class wildcards expand to in URL mode.
// Covers the RFC 3986 unreserved, reserved, and percent characters.
const urlCharClass = `[A-Za-z0-9_\-.~:/?#\[\]@!$&'()+,;=%]`

// trailingGarbage are the runes stripped from the right end of a URL
// match. Includes closing brackets and CJK punctuation that typically
// follows a link pasted into prose.
const trailingGarbage = "*)]>\"',.!?;:，。！？、；：“”‘’）】》\n\r\t "

// Pattern is a compiled wildcard pattern ready for matching.
type Pattern struct {
	Original string
	Mode     Mode
	re       *regexp.Regexp
}

// DetectMode returns ModeURL for patterns that begin with a URL scheme.
func DetectMode(pattern string) Mode {
	if strings.HasPrefix(pattern, "http://") || strings.HasPrefix(pattern, "https://") {
		return ModeURL
	}
	return ModeGeneric
}

// Compile translates a wildcard pattern into a compiled matcher.
func Compile(pattern string) (*Pattern, error) {
	if pattern == "" {
		return nil, fmt.Errorf("pattern cannot be empty")
	}

	mode := DetectMode(pattern)

	var sb strings.Builder
	sb.WriteString("(?i)")

	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch r {
		case '\\':
			if i+1 < len(runes) {
				i++
				sb.WriteString(regexp.QuoteMeta(string(runes[i])))
			} else {
				sb.WriteString(regexp.QuoteMeta(`\`))
			}
		case '*':
			if mode == ModeURL {
				sb.WriteString(urlCharClass + "*")
			} else {
				sb.WriteString(".*")
			}
		case '?':
			if mode == ModeURL {
				sb.WriteString(urlCharClass)
			} else {
				sb.WriteString(".")
			}
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}

	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, fmt.Errorf("invalid pattern '%s': %w", pattern, err)
	}

	return &Pattern{Original: pattern, Mode: mode, re: re}, nil
}

// Match reports whether the pattern occurs anywhere in the input.
func (p *Pattern) Match(input string) bool {
	if p == nil {
		return false
	}
	return p.re.MatchString(input)
}

// FindAll extracts every match from the input, deduplicated in
// first-seen order. In URL mode trailing garbage is trimmed from each
// match before deduplication; matches that trim to nothing are dropped.
func (p *Pattern) FindAll(input string) []string {
	if p == nil {
		return nil
	}

	raw := p.re.FindAllString(input, -1)
	if len(raw) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(raw))
	var out []string
	for _, m := range raw {
		if p.Mode == ModeURL {
			m = TrimTrailingGarbage(m)
		}
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

// TrimTrailingGarbage strips link-trailing punctuation from the right
// end of a string, repeatedly, until a clean rune remains.
func TrimTrailingGarbage(s string) string {
	return strings.TrimRight(s, trailingGarbage)
}
