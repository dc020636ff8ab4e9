package util

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultString returns the fallback value if v is empty or consists entirely
// of whitespace; otherwise it returns v unchanged.
//
// Examples:
//
//	DefaultString("hello", "world")  → "hello"
//	DefaultString("",      "world")  → "world"
//	DefaultString("  ",    "world")  → "world"
func DefaultString(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

// EmptyDash returns "-" if s is blank; otherwise it returns s unchanged.
// Table output in internal/cli and the dashboard in internal/ui use it for
// optional columns such as hostname or discovered URL.
func EmptyDash(s string) string {
	return DefaultString(s, "-")
}

// ShortID trims a remote UUID to its first segment for compact tables.
//
//	ShortID("c1744f8b-faa1-48a4-9e5c-02ac921467fa") → "c1744f8b"
//	ShortID("abc")                                  → "abc"
func ShortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}

var nameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,62}$`)

// ValidateName checks that a tunnel name is safe to use as a file name and
// as a DNS label prefix. Names must start with a letter or digit.
func ValidateName(name string) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("invalid tunnel name %q: use letters, digits, '.', '_' or '-' and start with a letter or digit", name)
	}
	return nil
}
