package history

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/treykane/cfkit/internal/model"
)

const historyPath = "/cfg/cfkit/history.json"

func newMemTracker(t *testing.T) (*Tracker, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	tr := NewTracker(fs, historyPath)
	tr.now = func() time.Time { return time.Unix(1_770_000_000, 0) }
	return tr, fs
}

func TestTouchAndLastUsed(t *testing.T) {
	tr, _ := newMemTracker(t)

	got, err := tr.LastUsed()
	if err != nil {
		t.Fatalf("last used: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil history, got %+v", got)
	}

	if err := tr.Touch("support"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	got, err = tr.LastUsed()
	if err != nil {
		t.Fatalf("last used: %v", err)
	}
	if got["support"] != 1_770_000_000 {
		t.Fatalf("expected timestamp for support, got %+v", got)
	}
}

func TestForget(t *testing.T) {
	tr, _ := newMemTracker(t)
	if err := tr.Touch("support"); err != nil {
		t.Fatal(err)
	}
	if err := tr.Forget("support"); err != nil {
		t.Fatal(err)
	}
	if err := tr.Forget("never-started"); err != nil {
		t.Fatalf("forgetting an unknown tunnel should be a no-op: %v", err)
	}
	got, err := tr.LastUsed()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := got["support"]; ok {
		t.Fatalf("expected support to be forgotten, got %+v", got)
	}
}

func TestCorruptHistoryReadsEmpty(t *testing.T) {
	tr, fs := newMemTracker(t)
	if err := afero.WriteFile(fs, historyPath, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	got, err := tr.LastUsed()
	if err != nil || len(got) != 0 {
		t.Fatalf("corrupt history should read empty, got %+v %v", got, err)
	}
	if err := tr.Touch("web"); err != nil {
		t.Fatalf("touch should replace a corrupt file: %v", err)
	}
	if got, _ := tr.LastUsed(); len(got) != 1 {
		t.Fatalf("expected one entry after rewrite, got %+v", got)
	}
	tmp, _ := afero.Glob(fs, filepath.Join(filepath.Dir(historyPath), ".history.*.tmp"))
	if len(tmp) != 0 {
		t.Fatalf("temp files left behind: %v", tmp)
	}
}

func TestDefaultTrackerIsPrivate(t *testing.T) {
	cfg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", cfg)
	tr, err := NewDefault()
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Touch("support"); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(filepath.Join(cfg, "cfkit", FileName))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 history, got %v", info.Mode().Perm())
	}
}

func TestSortTunnelsRecent(t *testing.T) {
	tunnels := []model.TunnelIdentity{
		{Name: "web"},
		{Name: "support"},
		{Name: "api"},
	}
	now := time.Now().Unix()
	sorted := SortTunnelsRecent(tunnels, map[string]int64{
		"support": now,
		"web":     now - 60,
	})
	if sorted[0].Name != "support" || sorted[1].Name != "web" || sorted[2].Name != "api" {
		t.Fatalf("unexpected order: %+v", sorted)
	}
	if tunnels[0].Name != "web" {
		t.Fatal("input slice must not be reordered")
	}
}
