// Package nameutil validates names that end up in artifact file names.
package nameutil

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ValidateName checks whether name is usable as an artifact or directory
// prefix. It does NOT mutate the input; use SanitizeName first to strip
// invisible characters picked up from the environment.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("invalid name: name cannot be empty")
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("invalid name: contains invalid encoding")
	}
	if name == "." || name == ".." {
		return fmt.Errorf("invalid name: %q", name)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("invalid name: contains control character U+%04X (%q)", r, r)
		}
		if unicode.IsSpace(r) {
			return fmt.Errorf("invalid name: contains whitespace")
		}
		if strings.ContainsRune(`/\:*?"<>|`, r) {
			return fmt.Errorf("invalid name: contains reserved character %q", r)
		}
	}
	return nil
}

// SanitizeName removes control and zero-width characters and surrounding
// whitespace. It returns the sanitized string and whether anything changed.
func SanitizeName(name string) (string, bool) {
	if name == "" {
		return name, false
	}
	out := make([]rune, 0, len(name))
	changed := false
	for _, r := range name {
		if unicode.IsControl(r) {
			changed = true
			continue
		}
		switch r {
		case '\u200B', '\u200C', '\u200D', '\uFEFF':
			changed = true
			continue
		}
		out = append(out, r)
	}
	res := strings.TrimSpace(string(out))
	if res != name {
		changed = true
	}
	return res, changed
}
