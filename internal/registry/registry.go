// Package registry tracks at most one running tunnel client per slot.
//
// A slot is a tunnel name or the reserved DefaultSlot used by unnamed quick
// tunnels. Each slot owns three files in the run directory:
//
//	<slot>.pid  decimal PID of the client process
//	<slot>.log  combined stdout/stderr of the client
//	<slot>.url  public URL once discovered
//
// The files, not the OS process table, decide whether cfkit considers a slot
// running. A pid file whose process has died is stale; it is removed by the
// first Status call that notices.
package registry

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/treykane/cfkit/internal/appconfig"
	"github.com/treykane/cfkit/internal/model"
	"github.com/treykane/cfkit/internal/security"
	"github.com/treykane/cfkit/internal/util"
)

// DefaultSlot is the reserved slot for unnamed quick tunnels. Tunnel names
// cannot start with '_', so it never collides with a named slot.
const DefaultSlot = "_default"

var (
	// ErrAlreadyRunning is matched by errors.Is on *AlreadyRunningError.
	ErrAlreadyRunning = errors.New("slot already running")
	// ErrNotRunning is returned by Stop when the slot has no pid record.
	ErrNotRunning = errors.New("slot not running")
)

// AlreadyRunningError reports a live process occupying the requested slot.
type AlreadyRunningError struct {
	Slot string
	PID  int
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("tunnel %s is already running (pid %d)", SlotLabel(e.Slot), e.PID)
}

func (e *AlreadyRunningError) Is(target error) bool { return target == ErrAlreadyRunning }

// ChildFailedError reports a foreground client that exited non-zero.
type ChildFailedError struct {
	Slot     string
	ExitCode int
	LogPath  string
}

func (e *ChildFailedError) Error() string {
	return fmt.Sprintf("cloudflared exited with status %d (log: %s)", e.ExitCode, e.LogPath)
}

// Command is a process to launch.
type Command struct {
	Name string
	Args []string
	// Env entries are appended to the current environment.
	Env []string
}

// Supervisor is the OS process capability the registry depends on.
type Supervisor interface {
	// Spawn starts cmd detached with output appended to logPath and returns its PID.
	Spawn(cmd Command, logPath string) (int, error)
	// Run starts cmd, calls started with its PID and blocks until it exits.
	// Output goes to logPath and to the supervisor's own writer.
	Run(ctx context.Context, cmd Command, logPath string, started func(pid int)) (int, error)
	IsAlive(pid int) bool
	// Terminate asks the process to exit. It does not wait.
	Terminate(pid int) error
}

// Handle describes a process started by Start.
type Handle struct {
	Slot    string
	PID     int
	LogPath string
}

// StopResult describes what Stop found and did.
type StopResult struct {
	Slot      string
	PID       int
	WasAlive  bool
	SignalErr error
}

// Registry manages slot records on fs rooted at dir.
type Registry struct {
	fs  afero.Fs
	dir string
	sup Supervisor
}

// New creates a registry over an arbitrary filesystem and supervisor.
func New(fs afero.Fs, dir string, sup Supervisor) *Registry {
	return &Registry{fs: fs, dir: dir, sup: sup}
}

// NewDefault returns a registry over the real filesystem in appconfig.RunDir.
func NewDefault(sup Supervisor) (*Registry, error) {
	dir, err := appconfig.RunDir()
	if err != nil {
		return nil, err
	}
	return New(afero.NewOsFs(), dir, sup), nil
}

// ValidateSlot accepts DefaultSlot or a valid tunnel name.
func ValidateSlot(slot string) error {
	if slot == DefaultSlot {
		return nil
	}
	return util.ValidateName(slot)
}

// SlotLabel renders a slot for humans.
func SlotLabel(slot string) string {
	if slot == DefaultSlot {
		return "quick (unnamed)"
	}
	return slot
}

// Dir returns the run directory.
func (r *Registry) Dir() string { return r.dir }

func (r *Registry) path(slot, ext string) string {
	return filepath.Join(r.dir, slot+ext)
}

// LogPath returns the log file path for slot.
func (r *Registry) LogPath(slot string) string { return r.path(slot, ".log") }

// Start launches cmd in slot. A live process already in the slot is an
// *AlreadyRunningError and nothing is spawned.
//
// In background mode Start returns once the PID is recorded. In foreground
// mode it blocks until the child exits, removes the pid and url records, and
// returns *ChildFailedError for a non-zero exit.
func (r *Registry) Start(ctx context.Context, slot string, cmd Command, background bool) (Handle, error) {
	if err := ValidateSlot(slot); err != nil {
		return Handle{}, err
	}
	st, err := r.Status(slot)
	if err != nil {
		return Handle{}, err
	}
	if st.Running() {
		return Handle{}, &AlreadyRunningError{Slot: slot, PID: st.PID}
	}
	if err := r.fs.MkdirAll(r.dir, 0o700); err != nil {
		return Handle{}, fmt.Errorf("create run dir: %w", err)
	}
	logPath := r.LogPath(slot)
	if err := afero.WriteFile(r.fs, logPath, nil, 0o600); err != nil {
		return Handle{}, fmt.Errorf("reset log: %w", err)
	}
	r.remove(slot, ".url")
	log.Debug().Str("slot", slot).Str("cmd", cmd.Name).Strs("args", security.RedactArgs(cmd.Args)).Bool("background", background).Msg("starting client")

	h := Handle{Slot: slot, LogPath: logPath}
	if background {
		pid, err := r.sup.Spawn(cmd, logPath)
		if err != nil {
			return Handle{}, fmt.Errorf("spawn %s: %w", cmd.Name, err)
		}
		if err := r.writePID(slot, pid); err != nil {
			_ = r.sup.Terminate(pid)
			return Handle{}, fmt.Errorf("record pid: %w", err)
		}
		log.Debug().Str("slot", slot).Int("pid", pid).Msg("spawned background client")
		h.PID = pid
		return h, nil
	}

	code, err := r.sup.Run(ctx, cmd, logPath, func(pid int) {
		h.PID = pid
		if err := r.writePID(slot, pid); err != nil {
			log.Warn().Err(err).Str("slot", slot).Msg("failed to record foreground pid")
		}
	})
	r.remove(slot, ".pid", ".url")
	if err != nil {
		return h, fmt.Errorf("run %s: %w", cmd.Name, err)
	}
	if code != 0 && ctx.Err() == nil {
		return h, &ChildFailedError{Slot: slot, ExitCode: code, LogPath: logPath}
	}
	return h, nil
}

// Status reports the state of slot. A missing pid file is ProcessNotRunning
// and touches nothing. A pid file naming a dead or unparsable process is
// removed together with the url cache, and ProcessStale is returned.
func (r *Registry) Status(slot string) (model.ProcessStatus, error) {
	st := model.ProcessStatus{Slot: slot, State: model.ProcessNotRunning}
	pid, ok, err := r.readPID(slot)
	if err != nil {
		return st, err
	}
	if !ok {
		return st, nil
	}
	if pid <= 0 || !r.sup.IsAlive(pid) {
		r.remove(slot, ".pid", ".url")
		log.Debug().Str("slot", slot).Int("pid", pid).Msg("removed stale pid record")
		st.State = model.ProcessStale
		return st, nil
	}
	st.State = model.ProcessRunning
	st.PID = pid
	st.LogPath = r.LogPath(slot)
	if url, ok := r.ScrapeURL(slot); ok {
		st.URL = url
	}
	return st, nil
}

// Slots returns every slot with a pid record, sorted, without checking liveness.
func (r *Registry) Slots() ([]string, error) {
	matches, err := afero.Glob(r.fs, filepath.Join(r.dir, "*.pid"))
	if err != nil {
		return nil, err
	}
	slots := make([]string, 0, len(matches))
	for _, m := range matches {
		slots = append(slots, strings.TrimSuffix(filepath.Base(m), ".pid"))
	}
	sort.Strings(slots)
	return slots, nil
}

// List returns the status of every slot with a pid record, sorted by slot.
// Stale slots are healed and omitted.
func (r *Registry) List() ([]model.ProcessStatus, error) {
	slots, err := r.Slots()
	if err != nil {
		return nil, err
	}
	out := make([]model.ProcessStatus, 0, len(slots))
	for _, slot := range slots {
		st, err := r.Status(slot)
		if err != nil {
			return nil, err
		}
		if st.Running() {
			out = append(out, st)
		}
	}
	return out, nil
}

// Stop terminates the slot's process and always removes its pid, url and log
// records. It does not wait for the process to exit.
func (r *Registry) Stop(slot string) (StopResult, error) {
	res := StopResult{Slot: slot}
	pid, ok, err := r.readPID(slot)
	if err != nil {
		return res, err
	}
	if !ok {
		return res, ErrNotRunning
	}
	res.PID = pid
	if pid > 0 && r.sup.IsAlive(pid) {
		res.WasAlive = true
		res.SignalErr = r.sup.Terminate(pid)
		if res.SignalErr != nil {
			log.Warn().Err(res.SignalErr).Int("pid", pid).Msg("terminate failed; removing records anyway")
		}
	}
	r.remove(slot, ".pid", ".url", ".log")
	return res, nil
}

// ScrapeURL returns the slot's public URL from the url cache, or extracts it
// from the log and caches it. ok=false means "not yet known", not failure.
func (r *Registry) ScrapeURL(slot string) (string, bool) {
	if b, err := afero.ReadFile(r.fs, r.path(slot, ".url")); err == nil {
		if url := strings.TrimSpace(string(b)); url != "" {
			return url, true
		}
	}
	b, err := afero.ReadFile(r.fs, r.LogPath(slot))
	if err != nil {
		return "", false
	}
	url := ExtractURL(string(b))
	if url == "" {
		return "", false
	}
	if err := r.RecordURL(slot, url); err != nil {
		log.Debug().Err(err).Str("slot", slot).Msg("failed to cache discovered url")
	}
	return url, true
}

// RecordURL stores a known public URL for slot, e.g. the hostname of a named tunnel.
func (r *Registry) RecordURL(slot, url string) error {
	if err := r.fs.MkdirAll(r.dir, 0o700); err != nil {
		return err
	}
	return afero.WriteFile(r.fs, r.path(slot, ".url"), []byte(url+"\n"), 0o600)
}

// TailLog returns up to n trailing lines of the slot's log.
func (r *Registry) TailLog(slot string, n int) ([]string, error) {
	f, err := r.fs.Open(r.LogPath(slot))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotRunning
		}
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
		if n > 0 && len(lines) > n {
			lines = lines[len(lines)-n:]
		}
	}
	return lines, sc.Err()
}

func (r *Registry) readPID(slot string) (int, bool, error) {
	b, err := afero.ReadFile(r.fs, r.path(slot, ".pid"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, true, nil
	}
	return pid, true, nil
}

func (r *Registry) writePID(slot string, pid int) error {
	tmp := r.path(slot, ".pid.tmp")
	if err := afero.WriteFile(r.fs, tmp, []byte(strconv.Itoa(pid)+"\n"), 0o600); err != nil {
		return err
	}
	return r.fs.Rename(tmp, r.path(slot, ".pid"))
}

func (r *Registry) remove(slot string, exts ...string) {
	for _, ext := range exts {
		p := r.path(slot, ext)
		if ok, _ := afero.Exists(r.fs, p); !ok {
			continue
		}
		if err := r.fs.Remove(p); err != nil {
			log.Debug().Err(err).Str("path", p).Msg("failed to remove slot record")
		}
	}
}
