// Package identifier sanitises arbitrary server and tool names into
// identifiers that are safe to expose inside the sandbox namespace.
package identifier

import (
	"regexp"
	"strings"
)

var invalidRunes = regexp.MustCompile(`[^0-9a-z_]+`)

// pythonKeywords are reserved words in the sandbox interpreter. An alias that
// collides with one gets a trailing underscore so attribute access still works.
var pythonKeywords = map[string]struct{}{
	"false": {}, "none": {}, "true": {}, "and": {}, "as": {}, "assert": {},
	"async": {}, "await": {}, "break": {}, "class": {}, "continue": {},
	"def": {}, "del": {}, "elif": {}, "else": {}, "except": {}, "finally": {},
	"for": {}, "from": {}, "global": {}, "if": {}, "import": {}, "in": {},
	"is": {}, "lambda": {}, "nonlocal": {}, "not": {}, "or": {}, "pass": {},
	"raise": {}, "return": {}, "try": {}, "while": {}, "with": {}, "yield": {},
}

// Sanitize converts value into a valid lowercase identifier. Runs of
// characters outside [a-z0-9_] collapse to a single underscore, a leading
// digit gets an underscore prefix, and keywords get an underscore suffix.
// When nothing usable remains, fallback is returned.
func Sanitize(value, fallback string) string {
	cleaned := invalidRunes.ReplaceAllString(strings.ToLower(strings.TrimSpace(value)), "_")
	if cleaned == "" || cleaned == "_" {
		cleaned = fallback
	}
	if cleaned[0] >= '0' && cleaned[0] <= '9' {
		cleaned = "_" + cleaned
	}
	if _, ok := pythonKeywords[cleaned]; ok {
		cleaned += "_"
	}
	return cleaned
}
