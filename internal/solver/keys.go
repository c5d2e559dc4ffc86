package solver

import (
	"strings"
	"unicode/utf8"
)

// DefaultKeyMinLength is the minimum key length shared by all built-in providers.
const DefaultKeyMinLength = 10

// ValidateKey reports whether apiKey is at least minLen characters of [a-zA-Z0-9].
// It has no side effects.
func ValidateKey(apiKey string, minLen int) bool {
	if minLen <= 0 {
		minLen = DefaultKeyMinLength
	}
	if len(apiKey) < minLen {
		return false
	}
	for i := 0; i < len(apiKey); i++ {
		c := apiKey[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}

const maskRune = "•"

// MaskKey hides all but the first and last four characters of apiKey.
func MaskKey(apiKey string) string {
	if apiKey == "" {
		return "(empty)"
	}
	n := utf8.RuneCountInString(apiKey)
	if n <= 8 {
		return strings.Repeat(maskRune, 8)
	}
	runes := []rune(apiKey)
	return string(runes[:4]) + strings.Repeat(maskRune, n-8) + string(runes[n-4:])
}
