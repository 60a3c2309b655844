// Package subunit recognises sub-unit names (extensions, group worship services) and derives the
// names of the units they hang off.
package subunit

import (
	"regexp"
	"strings"
)

// trailing parenthetical qualifier, e.g. "(Barangay 5)"
const qualifier = `(?:\s*\([^)]*\))?\s*$`

var suffixPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\s+Ext\.` + qualifier),
	regexp.MustCompile(`(?i)\s+Extension` + qualifier),
	regexp.MustCompile(`(?i)\s+GWS` + qualifier),
	regexp.MustCompile(`(?i)\s+Group Worship Services?` + qualifier),
}

// Candidates returns the distinct base names obtained by stripping each matching suffix, in pattern order.
func Candidates(name string) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, re := range suffixPatterns {
		loc := re.FindStringIndex(name)
		if loc == nil {
			continue
		}
		base := strings.TrimSpace(name[:loc[0]])
		if base == "" {
			continue
		}
		if _, ok := seen[base]; ok {
			continue
		}
		seen[base] = struct{}{}
		out = append(out, base)
	}
	return out
}

// IsSubUnitName reports whether name carries a recognised sub-unit suffix.
func IsSubUnitName(name string) bool {
	return len(Candidates(name)) > 0
}

// Longest returns the longest candidate, the first one on ties.
func Longest(candidates []string) string {
	longest := ""
	for _, c := range candidates {
		if len(c) > len(longest) {
			longest = c
		}
	}
	return longest
}

// LikeEscapeChar is the ESCAPE character EscapeLike uses.
const LikeEscapeChar = "!"

// EscapeLike escapes LIKE wildcards so s matches literally with ESCAPE '!'.
func EscapeLike(s string) string {
	r := strings.NewReplacer(`!`, `!!`, `%`, `!%`, `_`, `!_`)
	return r.Replace(s)
}
