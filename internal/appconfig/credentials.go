package appconfig

import (
	"fmt"
	"os"
	"strings"
)

// Credentials are the control-plane and tunnel secrets available to one invocation.
type Credentials struct {
	APIToken    string
	APIKey      string
	APIEmail    string
	AccountID   string
	TunnelToken string
}

// HasAdmin reports whether the credentials can provision remote resources.
func (c Credentials) HasAdmin() bool {
	return c.APIToken != "" || (c.APIKey != "" && c.APIEmail != "")
}

// LoadCredentials reads credentials from a KEY=VALUE file (if it exists) with
// fallback to environment variables. A missing default file is not an error;
// a missing explicit file is.
func LoadCredentials(credentialsFile string) (Credentials, error) {
	explicit := credentialsFile != ""
	if !explicit {
		if p, err := CredentialsFilePath(); err == nil {
			credentialsFile = p
		}
	}
	values := make(map[string]string)
	if credentialsFile != "" {
		data, err := os.ReadFile(credentialsFile)
		switch {
		case err == nil:
			parseKeyValues(string(data), values)
		case explicit || !os.IsNotExist(err):
			return Credentials{}, fmt.Errorf("reading credentials file: %w", err)
		}
	}

	lookup := func(keys ...string) string {
		for _, k := range keys {
			if v := values[k]; v != "" {
				return v
			}
		}
		for _, k := range keys {
			if v := strings.TrimSpace(os.Getenv(k)); v != "" {
				return v
			}
		}
		return ""
	}

	return Credentials{
		APIToken:    lookup("CLOUDFLARE_API_TOKEN", "CF_API_TOKEN"),
		APIKey:      lookup("CLOUDFLARE_API_KEY", "CF_API_KEY"),
		APIEmail:    lookup("CLOUDFLARE_EMAIL", "CF_API_EMAIL"),
		AccountID:   lookup("CLOUDFLARE_ACCOUNT_ID", "CF_ACCOUNT_ID"),
		TunnelToken: lookup("TUNNEL_TOKEN", "CF_TUNNEL_TOKEN"),
	}, nil
}

func parseKeyValues(data string, into map[string]string) {
	for line := range strings.SplitSeq(data, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		into[strings.TrimSpace(key)] = strings.Trim(strings.TrimSpace(value), `"'`)
	}
}
