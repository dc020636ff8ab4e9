package store

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/treykane/cfkit/internal/model"
)

const tunnelsDir = "/cfg/tunnels"

func sampleIdentity() model.TunnelIdentity {
	return model.TunnelIdentity{
		Name:       "support",
		RemoteID:   "c1744f8b-faa1-48a4-9e5c-02ac921467fa",
		Credential: "eyJhIjoiYWNjdCIsInQiOiJ0dW4iLCJzIjoic2VjcmV0In0=",
		Hostname:   "support.example.com",
		Domain:     "example.com",
		CreatedAt:  time.Date(2026, 3, 4, 5, 6, 7, 890, time.FixedZone("x", 3600)),
	}
}

func TestFileStoreSaveLoadRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewFileStore(fs, tunnelsDir)

	if err := s.Save(sampleIdentity()); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.Load("support")
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if got.RemoteID != sampleIdentity().RemoteID || got.Hostname != "support.example.com" || got.Domain != "example.com" {
		t.Fatalf("unexpected identity %+v", got)
	}
	if !got.CreatedAt.Equal(time.Date(2026, 3, 4, 4, 6, 7, 0, time.UTC)) {
		t.Fatalf("expected second-precision UTC timestamp, got %s", got.CreatedAt)
	}

	b, err := afero.ReadFile(fs, filepath.Join(tunnelsDir, "support.json"))
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{`"name"`, `"remote_id"`, `"credential"`, `"hostname"`, `"domain"`, `"created_at": "2026-03-04T04:06:07Z"`} {
		if !strings.Contains(string(b), key) {
			t.Fatalf("expected %s in record:\n%s", key, b)
		}
	}
	info, err := fs.Stat(filepath.Join(tunnelsDir, "support.json"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600, got %#o", info.Mode().Perm())
	}
}

func TestFileStoreLoadMissingIsNotAnError(t *testing.T) {
	s := NewFileStore(afero.NewMemMapFs(), tunnelsDir)
	_, ok, err := s.Load("nobody")
	if err != nil || ok {
		t.Fatalf("expected clean miss, got ok=%v err=%v", ok, err)
	}
}

func TestFileStoreSaveOverwritesWithoutLeftovers(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewFileStore(fs, tunnelsDir)
	id := sampleIdentity()
	if err := s.Save(id); err != nil {
		t.Fatal(err)
	}
	id.Credential = "rotated"
	if err := s.Save(id); err != nil {
		t.Fatal(err)
	}
	got, _, err := s.Load("support")
	if err != nil {
		t.Fatal(err)
	}
	if got.Credential != "rotated" {
		t.Fatalf("expected overwrite, got %q", got.Credential)
	}
	entries, err := afero.ReadDir(fs, tunnelsDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("expected a single record file, got %v", names)
	}
}

func TestFileStoreListSkipsCorruptRecords(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewFileStore(fs, tunnelsDir)
	if err := s.Save(sampleIdentity()); err != nil {
		t.Fatal(err)
	}
	other := sampleIdentity()
	other.Name = "api"
	if err := s.Save(other); err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(fs, filepath.Join(tunnelsDir, "broken.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(fs, filepath.Join(tunnelsDir, "README.txt"), []byte("ignored"), 0o600); err != nil {
		t.Fatal(err)
	}

	res, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Tunnels) != 2 || res.Tunnels[0].Name != "api" || res.Tunnels[1].Name != "support" {
		t.Fatalf("unexpected tunnels %+v", res.Tunnels)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "broken.json") {
		t.Fatalf("expected one warning for broken.json, got %v", res.Warnings)
	}
}

func TestFileStoreListEmptyDir(t *testing.T) {
	res, err := NewFileStore(afero.NewMemMapFs(), tunnelsDir).List()
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Tunnels) != 0 || len(res.Warnings) != 0 {
		t.Fatalf("expected empty result, got %+v", res)
	}
}

func TestFileStoreDelete(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewFileStore(fs, tunnelsDir)
	if err := s.Save(sampleIdentity()); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("support"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Load("support"); ok {
		t.Fatal("expected record to be gone")
	}
	if err := s.Delete("support"); err != nil {
		t.Fatalf("second delete should be a no-op, got %v", err)
	}
}

func TestStoresRejectUnsafeNames(t *testing.T) {
	for _, s := range []Store{NewFileStore(afero.NewMemMapFs(), tunnelsDir), NewMemoryStore()} {
		id := sampleIdentity()
		id.Name = "../../etc/passwd"
		if err := s.Save(id); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("%T: expected ErrInvalidName, got %v", s, err)
		}
		if _, _, err := s.Load("_default"); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("%T: reserved slot name must not be loadable, got %v", s, err)
		}
	}
}

func TestFileStoreOnDisk(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	s, err := NewDefault()
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Save(sampleIdentity()); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(s.path("support"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 on disk, got %#o", info.Mode().Perm())
	}
}

func TestMemoryStore(t *testing.T) {
	m := NewMemoryStore()
	if err := m.Save(sampleIdentity()); err != nil {
		t.Fatal(err)
	}
	got, ok, err := m.Load("support")
	if err != nil || !ok || got.RemoteID == "" {
		t.Fatalf("unexpected load: %+v ok=%v err=%v", got, ok, err)
	}
	if m.Saves != 1 {
		t.Fatalf("expected one save, got %d", m.Saves)
	}
	if err := m.Delete("support"); err != nil {
		t.Fatal(err)
	}
	res, _ := m.List()
	if len(res.Tunnels) != 0 {
		t.Fatalf("expected empty store, got %+v", res.Tunnels)
	}
}
