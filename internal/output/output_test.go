package output

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestResultJSONMode(t *testing.T) {
	var out, errOut bytes.Buffer
	p := Printer{Out: &out, Err: &errOut, JSON: true}

	called := false
	if err := p.Result(map[string]string{"slot": "web"}, func() { called = true }); err != nil {
		t.Fatal(err)
	}
	if called {
		t.Fatal("text renderer should not run in JSON mode")
	}
	var decoded map[string]string
	if err := json.Unmarshal(out.Bytes(), &decoded); err != nil {
		t.Fatalf("invalid json %q: %v", out.String(), err)
	}
	if decoded["slot"] != "web" {
		t.Fatalf("unexpected payload: %v", decoded)
	}

	p.Success("started")
	p.Table([]string{"A"}, [][]string{{"x"}}, "none")
	if strings.Count(out.String(), "\n") != 3 {
		t.Fatalf("JSON mode should only carry the encoded value, got %q", out.String())
	}
	p.Warn("ingress not updated")
	if !strings.Contains(errOut.String(), "ingress not updated") {
		t.Fatalf("warnings go to stderr in JSON mode, got %q", errOut.String())
	}
}

func TestTableAndEmpty(t *testing.T) {
	var out bytes.Buffer
	p := Printer{Out: &out, Err: &out}

	p.Table([]string{"SLOT", "PID"}, nil, "no tunnels running")
	if !strings.Contains(out.String(), "no tunnels running") {
		t.Fatalf("expected empty hint, got %q", out.String())
	}

	out.Reset()
	p.Table([]string{"SLOT", "PID"}, [][]string{{"support", "4001"}, {"web", "4002"}}, "")
	got := out.String()
	for _, want := range []string{"SLOT", "PID", "support", "4001", "web"} {
		if !strings.Contains(got, want) {
			t.Fatalf("table missing %q:\n%s", want, got)
		}
	}
}

func TestErrorWithRemediation(t *testing.T) {
	var errOut bytes.Buffer
	p := Printer{Out: &bytes.Buffer{}, Err: &errOut}
	p.Error("hostname required", "pass --hostname")
	if !strings.Contains(errOut.String(), "hostname required") || !strings.Contains(errOut.String(), "hint: pass --hostname") {
		t.Fatalf("unexpected error output %q", errOut.String())
	}
}
