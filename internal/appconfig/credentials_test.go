package appconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func clearCredentialEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"CLOUDFLARE_API_TOKEN", "CF_API_TOKEN", "CLOUDFLARE_API_KEY", "CF_API_KEY",
		"CLOUDFLARE_EMAIL", "CF_API_EMAIL", "CLOUDFLARE_ACCOUNT_ID", "CF_ACCOUNT_ID",
		"TUNNEL_TOKEN", "CF_TUNNEL_TOKEN",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadCredentials_FileTakesPrecedence(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	clearCredentialEnv(t)
	t.Setenv("CF_API_TOKEN", "from-env")
	t.Setenv("CF_ACCOUNT_ID", "acct-env")

	path := filepath.Join(t.TempDir(), "creds")
	data := "# comment\nCLOUDFLARE_API_TOKEN=from-file\nexport TUNNEL_TOKEN=\"tok\"\nbogus line\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	creds, err := LoadCredentials(path)
	if err != nil {
		t.Fatal(err)
	}
	if creds.APIToken != "from-file" {
		t.Fatalf("expected file token, got %q", creds.APIToken)
	}
	if creds.AccountID != "acct-env" {
		t.Fatalf("expected env account fallback, got %q", creds.AccountID)
	}
	if creds.TunnelToken != "tok" {
		t.Fatalf("expected quoted tunnel token to be unwrapped, got %q", creds.TunnelToken)
	}
	if !creds.HasAdmin() {
		t.Fatal("expected admin credentials")
	}
}

func TestLoadCredentials_MissingDefaultFileIsFine(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	clearCredentialEnv(t)
	creds, err := LoadCredentials("")
	if err != nil {
		t.Fatal(err)
	}
	if creds.HasAdmin() || creds.TunnelToken != "" {
		t.Fatalf("expected empty credentials, got %+v", creds)
	}
}

func TestLoadCredentials_MissingExplicitFileFails(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	clearCredentialEnv(t)
	if _, err := LoadCredentials(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected error for missing explicit file")
	}
}

func TestHasAdmin_KeyAndEmail(t *testing.T) {
	if (Credentials{APIKey: "k"}).HasAdmin() {
		t.Fatal("key without email must not count as admin")
	}
	if !(Credentials{APIKey: "k", APIEmail: "e@example.com"}).HasAdmin() {
		t.Fatal("key with email should count as admin")
	}
}
