package security

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/treykane/cfkit/internal/appconfig"
)

func TestRunLocalAudit_FlagsReadableTunnelRecord(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	dir, err := appconfig.TunnelsDir()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "support.json"), []byte(`{"name":"support"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	// umask can strip bits at create time
	if err := os.Chmod(filepath.Join(dir, "support.json"), 0o644); err != nil {
		t.Fatal(err)
	}

	report, err := RunLocalAudit()
	if err != nil {
		t.Fatal(err)
	}
	if !report.HasHigh() {
		t.Fatalf("expected high severity finding, got %+v", report.Findings)
	}
}

func TestRunLocalAudit_CleanTree(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	if err := appconfig.Save(appconfig.Default()); err != nil {
		t.Fatal(err)
	}
	report, err := RunLocalAudit()
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Findings) != 0 {
		t.Fatalf("expected no findings, got %+v", report.Findings)
	}
}

func TestRedactMessage(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	msg := home + "/.config/cfkit/tunnels/support.json: permission denied"
	got := RedactMessage(msg)
	if got == msg || !strings.HasPrefix(got, "~/") {
		t.Fatalf("expected home prefix to be redacted, got %q", got)
	}
}

func TestRedactToken(t *testing.T) {
	if got := RedactToken("eyJhIjoiYWJjIn0-abcd"); got != "********abcd" {
		t.Fatalf("unexpected redaction: %q", got)
	}
	if got := RedactToken("short"); got != "*****" {
		t.Fatalf("unexpected short redaction: %q", got)
	}
	args := RedactArgs([]string{"tunnel", "run", "--token", "secret-value-1234"})
	if args[3] != "********1234" {
		t.Fatalf("expected token flag to be masked, got %v", args)
	}
}

func TestGenerateSecret(t *testing.T) {
	a, err := GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}
	b, err := GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("expected distinct secrets")
	}
	raw, err := base64.URLEncoding.DecodeString(a)
	if err != nil {
		t.Fatalf("secret is not padded url-safe base64: %v", err)
	}
	if len(raw) != SecretSize {
		t.Fatalf("expected %d bytes, got %d", SecretSize, len(raw))
	}
	if !strings.HasSuffix(a, "=") {
		t.Fatalf("expected padding on %q", a)
	}
}

func TestClassifiedErrorKinds(t *testing.T) {
	err := UserError("hostname must contain a domain", "pass --hostname app.example.com")
	if KindOf(err) != KindUser {
		t.Fatalf("unexpected kind: %s", KindOf(err))
	}
	if Remediation(err) == "" {
		t.Fatal("expected remediation")
	}
	if KindOf(os.ErrNotExist) != KindInternal {
		t.Fatal("plain errors should be internal")
	}
}
