// Package store persists named tunnel identities, one JSON file per name.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/treykane/cfkit/internal/appconfig"
	"github.com/treykane/cfkit/internal/model"
	"github.com/treykane/cfkit/internal/util"
)

// ErrInvalidName is wrapped by every name validation failure.
var ErrInvalidName = errors.New("invalid tunnel name")

// ListResult carries readable identities and one warning per skipped record.
type ListResult struct {
	Tunnels  []model.TunnelIdentity
	Warnings []string
}

// Store is the persistence contract for named tunnels. Load reports absence
// with ok=false rather than an error.
type Store interface {
	Load(name string) (model.TunnelIdentity, bool, error)
	Save(id model.TunnelIdentity) error
	List() (ListResult, error)
	Delete(name string) error
}

func validate(name string) error {
	if err := util.ValidateName(name); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidName, err)
	}
	return nil
}

// FileStore keeps records under dir on fs.
type FileStore struct {
	fs  afero.Fs
	dir string
}

// NewFileStore creates a store rooted at dir.
func NewFileStore(fs afero.Fs, dir string) *FileStore {
	return &FileStore{fs: fs, dir: dir}
}

// NewDefault returns a FileStore on the real filesystem in appconfig.TunnelsDir.
func NewDefault() (*FileStore, error) {
	dir, err := appconfig.TunnelsDir()
	if err != nil {
		return nil, err
	}
	return NewFileStore(afero.NewOsFs(), dir), nil
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

func (s *FileStore) Load(name string) (model.TunnelIdentity, bool, error) {
	if err := validate(name); err != nil {
		return model.TunnelIdentity{}, false, err
	}
	b, err := afero.ReadFile(s.fs, s.path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return model.TunnelIdentity{}, false, nil
		}
		return model.TunnelIdentity{}, false, err
	}
	var id model.TunnelIdentity
	if err := json.Unmarshal(b, &id); err != nil {
		return model.TunnelIdentity{}, false, fmt.Errorf("parse %s: %w", s.path(name), err)
	}
	if id.Name == "" {
		id.Name = name
	}
	return id, true, nil
}

// Save writes the record to a temp file in the same directory and renames it
// over the previous one, so readers see either the old or the new record.
func (s *FileStore) Save(id model.TunnelIdentity) error {
	if err := validate(id.Name); err != nil {
		return err
	}
	if id.CreatedAt.IsZero() {
		id.CreatedAt = time.Now()
	}
	id.CreatedAt = id.CreatedAt.UTC().Truncate(time.Second)
	if err := s.fs.MkdirAll(s.dir, 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := afero.TempFile(s.fs, s.dir, "."+id.Name+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = s.fs.Remove(tmpName) }
	if _, err := tmp.Write(append(b, '\n')); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := s.fs.Chmod(tmpName, 0o600); err != nil {
		cleanup()
		return err
	}
	if err := s.fs.Rename(tmpName, s.path(id.Name)); err != nil {
		cleanup()
		return fmt.Errorf("replace %s: %w", s.path(id.Name), err)
	}
	return nil
}

// List returns every readable record sorted by name. Unparsable files are
// skipped with a warning.
func (s *FileStore) List() (ListResult, error) {
	var res ListResult
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return res, nil
		}
		return res, err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		b, err := afero.ReadFile(s.fs, path)
		if err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("skipping %s: %v", e.Name(), err))
			continue
		}
		var id model.TunnelIdentity
		if err := json.Unmarshal(b, &id); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("skipping %s: corrupt record: %v", e.Name(), err))
			continue
		}
		if id.Name == "" {
			id.Name = strings.TrimSuffix(e.Name(), ".json")
		}
		res.Tunnels = append(res.Tunnels, id)
	}
	sort.Slice(res.Tunnels, func(i, j int) bool { return res.Tunnels[i].Name < res.Tunnels[j].Name })
	return res, nil
}

// Delete removes a record. Deleting a missing record is not an error.
func (s *FileStore) Delete(name string) error {
	if err := validate(name); err != nil {
		return err
	}
	err := s.fs.Remove(s.path(name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// MemoryStore is an in-process Store for tests and dry runs.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]model.TunnelIdentity
	Saves   int
}

func NewMemoryStore(seed ...model.TunnelIdentity) *MemoryStore {
	m := &MemoryStore{records: map[string]model.TunnelIdentity{}}
	for _, id := range seed {
		m.records[id.Name] = id
	}
	return m
}

func (m *MemoryStore) Load(name string) (model.TunnelIdentity, bool, error) {
	if err := validate(name); err != nil {
		return model.TunnelIdentity{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.records[name]
	return id, ok, nil
}

func (m *MemoryStore) Save(id model.TunnelIdentity) error {
	if err := validate(id.Name); err != nil {
		return err
	}
	if id.CreatedAt.IsZero() {
		id.CreatedAt = time.Now()
	}
	id.CreatedAt = id.CreatedAt.UTC().Truncate(time.Second)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[id.Name] = id
	m.Saves++
	return nil
}

func (m *MemoryStore) List() (ListResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res ListResult
	for _, id := range m.records {
		res.Tunnels = append(res.Tunnels, id)
	}
	sort.Slice(res.Tunnels, func(i, j int) bool { return res.Tunnels[i].Name < res.Tunnels[j].Name })
	return res, nil
}

func (m *MemoryStore) Delete(name string) error {
	if err := validate(name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, name)
	return nil
}
