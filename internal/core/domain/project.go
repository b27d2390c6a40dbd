package domain

import "strings"

// =============================================================================
// Project Names
// =============================================================================

// NormalizeProjectName converts a directory or user supplied name into a
// project name usable in container, network and image names.
//
// Rules:
//   - Uppercase letters are lowercased
//   - Letters, digits, '-' and '_' are kept
//   - Spaces and '.' become '-'
//   - All other characters are dropped
//   - Leading '-' and '_' are trimmed
//
// Example:
//
//	NormalizeProjectName("My App.v2") // returns "my-app-v2"
func NormalizeProjectName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + 32)
		case r == ' ' || r == '.':
			b.WriteByte('-')
		}
	}
	return strings.TrimLeft(b.String(), "-_")
}
