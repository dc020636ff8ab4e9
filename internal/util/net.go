package util

import (
	"fmt"
	"slices"
	"strings"
)

// Protocols lists the origin schemes cloudflared can proxy to.
var Protocols = []string{"http", "https", "ssh", "rdp", "tcp", "smb", "unix"}

// NormalizeProtocol lowercases p and falls back to DefaultProtocol when blank.
// Unknown schemes are rejected.
//
// Examples:
//
//	NormalizeProtocol("")     → "http", nil
//	NormalizeProtocol("SSH")  → "ssh", nil
//	NormalizeProtocol("ftp")  → "", error
func NormalizeProtocol(p string) (string, error) {
	p = strings.ToLower(strings.TrimSpace(p))
	if p == "" {
		return DefaultProtocol, nil
	}
	if !slices.Contains(Protocols, p) {
		return "", fmt.Errorf("unsupported protocol %q (must be one of %s)", p, strings.Join(Protocols, ", "))
	}
	return p, nil
}

// ServiceURL renders the local origin a tunnel forwards to, for example
// "ssh://localhost:22".
func ServiceURL(protocol string, port int) string {
	return fmt.Sprintf("%s://localhost:%d", protocol, port)
}
