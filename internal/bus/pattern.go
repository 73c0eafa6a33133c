package bus

import (
	"regexp"
	"strings"
)

// compilePattern converts a dotted glob pattern to a regexp.
// "*" matches exactly one token, "#" matches one or more trailing tokens.
// Returns nil for literal patterns, which are matched by string equality.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, "#") {
		return nil
	}

	// Escape special regex characters except our wildcards
	escaped := regexp.QuoteMeta(pattern)

	// Single token: anything except a dot
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)

	// Remaining tokens: anything
	escaped = strings.ReplaceAll(escaped, `#`, `.+`)

	regex, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}

	return regex
}

// matchTopic checks whether a concrete topic matches a subscription pattern.
func matchTopic(topic, pattern string, regex *regexp.Regexp) bool {
	if regex == nil {
		return topic == pattern
	}
	return regex.MatchString(topic)
}
