package helpers

import (
	"strings"
	"unicode/utf8"
)

// SanitizeUTF8 removes invalid UTF-8 sequences and NULL bytes from a string.
// Header values copied into the sqlite index go through this first.
func SanitizeUTF8(s string) string {
	if utf8.ValidString(s) && !strings.ContainsRune(s, '\x00') {
		return s
	}

	buf := make([]rune, 0, len(s))
	for i, r := range s {
		if r == '\x00' {
			continue
		}
		if r == utf8.RuneError {
			_, size := utf8.DecodeRuneInString(s[i:])
			if size == 1 {
				continue
			}
		}
		buf = append(buf, r)
	}
	return string(buf)
}

// ValidUIDL reports whether s is a unique-id as allowed by RFC 1939 section 7:
// one to 70 characters in the range 0x21 to 0x7E.
func ValidUIDL(s string) bool {
	if len(s) == 0 || len(s) > 70 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 0x21 || s[i] > 0x7e {
			return false
		}
	}
	return true
}

// SanitizeFlags drops empty, whitespace-only and NIL/NULL keywords coming
// from rule scripts, and removes case-insensitive duplicates.
func SanitizeFlags(flags []string) []string {
	if len(flags) == 0 {
		return flags
	}

	seen := make(map[string]bool, len(flags))
	sanitized := make([]string, 0, len(flags))
	for _, flag := range flags {
		trimmed := strings.TrimSpace(flag)
		upper := strings.ToUpper(trimmed)
		if trimmed == "" || strings.Contains(upper, "NIL") || strings.Contains(upper, "NULL") {
			continue
		}
		if seen[upper] {
			continue
		}
		seen[upper] = true
		sanitized = append(sanitized, trimmed)
	}
	return sanitized
}
