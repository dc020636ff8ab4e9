// Package history remembers when each named tunnel was last started so
// listings can put recently used tunnels first.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/treykane/cfkit/internal/appconfig"
	"github.com/treykane/cfkit/internal/model"
)

// FileName is the history file's name inside the config directory.
const FileName = "history.json"

type document struct {
	LastUsed map[string]int64 `json:"last_used"`
}

// Tracker stores last-start times as unix seconds keyed by tunnel name.
type Tracker struct {
	mu   sync.Mutex
	fs   afero.Fs
	path string
	now  func() time.Time
}

// NewTracker returns a tracker backed by path on fs.
func NewTracker(fs afero.Fs, path string) *Tracker {
	return &Tracker{fs: fs, path: path, now: time.Now}
}

// NewDefault returns the tracker at <config dir>/history.json.
func NewDefault() (*Tracker, error) {
	dir, err := appconfig.ConfigDir()
	if err != nil {
		return nil, err
	}
	return NewTracker(afero.NewOsFs(), filepath.Join(dir, FileName)), nil
}

// Touch records a successful start of the named tunnel.
func (t *Tracker) Touch(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	doc, err := t.load()
	if err != nil {
		return err
	}
	doc.LastUsed[name] = t.now().Unix()
	return t.save(doc)
}

// Forget drops the timestamp of a forgotten or deleted tunnel.
func (t *Tracker) Forget(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	doc, err := t.load()
	if err != nil {
		return err
	}
	if _, ok := doc.LastUsed[name]; !ok {
		return nil
	}
	delete(doc.LastUsed, name)
	return t.save(doc)
}

// LastUsed returns last start timestamps by tunnel name. The map is never nil.
func (t *Tracker) LastUsed() (map[string]int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	doc, err := t.load()
	if err != nil {
		return nil, err
	}
	return doc.LastUsed, nil
}

// SortTunnelsRecent returns a new slice sorted by last start (desc), then name.
func SortTunnelsRecent(tunnels []model.TunnelIdentity, lastUsed map[string]int64) []model.TunnelIdentity {
	out := append([]model.TunnelIdentity(nil), tunnels...)
	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := lastUsed[out[i].Name], lastUsed[out[j].Name]
		if ti != tj {
			return ti > tj
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// load treats a missing or unreadable document as empty history.
func (t *Tracker) load() (document, error) {
	doc := document{LastUsed: map[string]int64{}}
	b, err := afero.ReadFile(t.fs, t.path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return doc, fmt.Errorf("read history: %w", err)
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		log.Debug().Err(err).Str("path", t.path).Msg("discarding corrupt history")
		return document{LastUsed: map[string]int64{}}, nil
	}
	if doc.LastUsed == nil {
		doc.LastUsed = map[string]int64{}
	}
	return doc, nil
}

func (t *Tracker) save(doc document) error {
	dir := filepath.Dir(t.path)
	if err := t.fs.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := afero.TempFile(t.fs, dir, ".history.*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(b)
	cerr := tmp.Close()
	if err := errors.Join(werr, cerr); err != nil {
		_ = t.fs.Remove(tmpName)
		return fmt.Errorf("write history: %w", err)
	}
	if err := t.fs.Chmod(tmpName, 0o600); err != nil {
		_ = t.fs.Remove(tmpName)
		return err
	}
	if err := t.fs.Rename(tmpName, t.path); err != nil {
		_ = t.fs.Remove(tmpName)
		return fmt.Errorf("replace history: %w", err)
	}
	return nil
}
