package engine

import "strings"

const maxIdentifierLength = 64

// SanitizeIdentifier normalizes an arbitrary string into a safe SQL
// identifier: alphanumeric/underscore only, starting with a letter or
// underscore, at most 64 characters, lower-cased. Inputs that start with a
// digit (or sanitize to nothing) get a "t_" prefix.
func SanitizeIdentifier(identifier string) string {
	var b strings.Builder
	b.Grow(len(identifier))
	for _, r := range identifier {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		}
	}
	clean := b.String()
	if clean == "" || !startsWithLetterOrUnderscore(clean) {
		clean = "t_" + clean
	}
	if len(clean) > maxIdentifierLength {
		clean = clean[:maxIdentifierLength]
	}
	return strings.ToLower(clean)
}

func startsWithLetterOrUnderscore(s string) bool {
	c := s[0]
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
