package runner

import (
	"regexp"
	"strings"
)

// MaxArgLength bounds sanitized arguments.
const MaxArgLength = 1000

var (
	shellMeta = regexp.MustCompile("[;&|`$\\\\]")
	safePath  = regexp.MustCompile(`^[a-zA-Z0-9/._-]+$`)
)

// ValidatePath reports whether p is safe to pass to the tool as a path-like argument.
// It rejects shell metacharacters, ".." traversal, absolute paths and anything
// outside [A-Za-z0-9/._-].
func ValidatePath(p string) bool {
	if p == "" {
		return false
	}
	if shellMeta.MatchString(p) {
		return false
	}
	if strings.Contains(p, "..") || strings.HasPrefix(p, "/") {
		return false
	}
	return safePath.MatchString(p)
}

// SanitizeArg strips shell metacharacters and truncates to MaxArgLength runes.
func SanitizeArg(arg string) string {
	if arg == "" {
		return ""
	}
	cleaned := shellMeta.ReplaceAllString(arg, "")
	r := []rune(cleaned)
	if len(r) > MaxArgLength {
		return string(r[:MaxArgLength])
	}
	return cleaned
}
