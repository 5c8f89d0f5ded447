// Package security screens configured toolchain and test commands before
// relkit runs them unattended.
package security

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrUnsafeCommand is returned for a command that matches a destructive
// pattern.
var ErrUnsafeCommand = errors.New("command appears destructive or unsafe")

type rule struct {
	what string
	re   *regexp.Regexp
}

var rules = []rule{
	{"recursive delete of the filesystem root", regexp.MustCompile(`(?i)\brm\s+(-[a-z]*r[a-z]*f[a-z]*|-[a-z]*f[a-z]*r[a-z]*)\s+/(\s|$|\*)`)},
	{"recursive delete of the home directory", regexp.MustCompile(`(?i)\brm\s+-[a-z]*r[a-z]*\s+(~|\$HOME|\$\{HOME\})/?(\s|$)`)},
	{"filesystem creation", regexp.MustCompile(`(?i)\bmkfs(\.\w+)?\b`)},
	{"raw disk write", regexp.MustCompile(`(?i)\bdd\s+.*\bof=/dev/`)},
	{"disk signature wipe", regexp.MustCompile(`(?i)\bwipefs\b`)},
	{"fork bomb", regexp.MustCompile(`:\(\)\s*\{`)},
	{"git history rewrite", regexp.MustCompile(`(?i)\bgit\s+(push\s+.*--force|reset\s+--hard|clean\s+-[a-z]*x)`)},
	{"Windows drive format", regexp.MustCompile(`(?i)\bformat(\.com)?\s+[a-z]:`)},
}

// CheckCommand returns nil if line may run, or an error wrapping
// ErrUnsafeCommand that names the matched rule. Screening is a coarse
// guard against a bad relkit.yaml, not a sandbox.
func CheckCommand(line string) error {
	cmd := strings.TrimSpace(line)
	if cmd == "" {
		return errors.New("empty command")
	}
	for _, r := range rules {
		if r.re.MatchString(cmd) {
			return fmt.Errorf("%w: %s", ErrUnsafeCommand, r.what)
		}
	}
	return nil
}
