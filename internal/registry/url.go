package registry

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// ErrURLNotYetKnown means the log has no public URL yet. Retry later.
var ErrURLNotYetKnown = errors.New("public url not yet known")

// ErrExitedEarly means the client died before announcing a URL.
var ErrExitedEarly = errors.New("cloudflared exited before announcing a url")

var quickURLRe = regexp.MustCompile(`https://[a-zA-Z0-9-]+(?:\.[a-zA-Z0-9-]+)*\.trycloudflare\.com`)

// ExtractURL returns the first quick-tunnel URL in log output, or "".
// The control endpoint api.trycloudflare.com is not a tunnel URL.
func ExtractURL(content string) string {
	for _, m := range quickURLRe.FindAllString(content, -1) {
		if m == "https://api.trycloudflare.com" {
			continue
		}
		return m
	}
	return ""
}

const pollInterval = 500 * time.Millisecond

// WaitForURL blocks until the slot's public URL appears, the process exits,
// or ctx is done. Log writes are watched with fsnotify when the run directory
// is on the real filesystem; polling covers the rest.
func (r *Registry) WaitForURL(ctx context.Context, slot string) (string, error) {
	if url, ok := r.ScrapeURL(slot); ok {
		return url, nil
	}

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if w, err := fsnotify.NewWatcher(); err == nil {
		defer w.Close()
		if err := w.Add(r.dir); err == nil {
			events, errs = w.Events, w.Errors
		} else {
			log.Debug().Err(err).Str("dir", r.dir).Msg("log watch unavailable, polling")
		}
	}
	return r.awaitURL(ctx, slot, events, errs)
}

// awaitURL scrapes the slot's log on every write event and poll tick. Watcher
// errors are logged and polling carries on.
func (r *Registry) awaitURL(ctx context.Context, slot string, events <-chan fsnotify.Event, errs <-chan error) (string, error) {
	logName := slot + ".log"
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ErrURLNotYetKnown
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Debug().Err(err).Str("slot", slot).Msg("log watch error")
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Base(ev.Name) != logName || !ev.Has(fsnotify.Write) {
				continue
			}
			if url, ok := r.ScrapeURL(slot); ok {
				return url, nil
			}
		case <-ticker.C:
			if url, ok := r.ScrapeURL(slot); ok {
				return url, nil
			}
			st, err := r.Status(slot)
			if err != nil {
				return "", err
			}
			if !st.Running() {
				return "", fmt.Errorf("%w (log: %s)", ErrExitedEarly, r.LogPath(slot))
			}
		}
	}
}
