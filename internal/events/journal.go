package events

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/treykane/cfkit/internal/appconfig"
)

// FileName is the journal's name inside the config directory.
const FileName = "events.jsonl"

// Journal appends events to a JSON-lines file.
type Journal struct {
	mu   sync.Mutex
	fs   afero.Fs
	path string
	now  func() time.Time
}

// NewJournal returns a journal stored at path on fs.
func NewJournal(fs afero.Fs, path string) *Journal {
	return &Journal{fs: fs, path: path, now: time.Now}
}

// NewDefault returns the journal at <config dir>/events.jsonl.
func NewDefault() (*Journal, error) {
	dir, err := appconfig.ConfigDir()
	if err != nil {
		return nil, err
	}
	return NewJournal(afero.NewOsFs(), filepath.Join(dir, FileName)), nil
}

// Path is the journal file location.
func (j *Journal) Path() string { return j.path }

// Append writes evt as one line, stamping it with the current time when
// Timestamp is unset.
func (j *Journal) Append(evt Event) error {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = j.now().UTC()
	}
	line, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.fs.MkdirAll(filepath.Dir(j.path), 0o700); err != nil {
		return fmt.Errorf("create journal dir: %w", err)
	}
	f, err := j.fs.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Read returns matching events oldest first. A missing journal reads as
// empty and lines that do not parse are skipped.
func (j *Journal) Read(q Query) ([]Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	f, err := j.fs.Open(j.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	var out []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var evt Event
		if len(sc.Bytes()) == 0 || json.Unmarshal(sc.Bytes(), &evt) != nil {
			continue
		}
		if !q.match(evt) {
			continue
		}
		out = append(out, evt)
		if q.Limit > 0 && len(out) > q.Limit {
			out = out[1:]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan journal: %w", err)
	}
	return out, nil
}
