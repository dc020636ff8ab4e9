package tunnel

import (
	"fmt"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/treykane/cfkit/internal/model"
	"github.com/treykane/cfkit/internal/security"
)

// SelectMode decides how a start request is provisioned. An explicit token
// always wins and needs no API access; otherwise admin credentials are required.
func SelectMode(hasAdmin bool, token string) model.Mode {
	switch {
	case strings.TrimSpace(token) != "":
		return model.ModeUser
	case hasAdmin:
		return model.ModeAdmin
	default:
		return model.ModeError
	}
}

// SplitHostname splits a public hostname at its first dot into the DNS label
// and the owning domain:
//
//	SplitHostname("support.example.com") → "support", "example.com"
//
// A hostname without a dot, or whose remainder is a bare public suffix such as
// "co.uk", is a user error.
func SplitHostname(hostname string) (label, domain string, err error) {
	h := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(hostname), "."))
	label, domain, ok := strings.Cut(h, ".")
	if !ok || label == "" || domain == "" {
		return "", "", security.UserError(
			fmt.Sprintf("hostname %q must include a domain", hostname),
			"pass a full hostname such as support.example.com",
		)
	}
	if suffix, icann := publicsuffix.PublicSuffix(domain); suffix == domain && (icann || !strings.Contains(domain, ".")) {
		return "", "", security.UserError(
			fmt.Sprintf("hostname %q has no zone below the public suffix %q", hostname, domain),
			"use a subdomain of a zone on your Cloudflare account, e.g. app."+h,
		)
	}
	return label, domain, nil
}
