package wrapper

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/cbridge/cbridge/internal/transcript"
)

// defaultHostIDPoll is the fallback poll interval when filesystem
// events are unavailable or the transcript directory does not exist
// yet.
const defaultHostIDPoll = 2 * time.Second

// HostIDWatcher waits for the host CLI to create its own transcript,
// which reveals the session id the host assigned itself. That id may
// differ from the wrapper's, and downstream consumers key on it.
type HostIDWatcher struct {
	dir   string
	ownID string
	since time.Time
	poll  time.Duration
}

// NewHostIDWatcher watches the transcript directory for a session id
// other than ownID, considering only transcripts newer than since.
func NewHostIDWatcher(dir, ownID string, since time.Time) *HostIDWatcher {
	return &HostIDWatcher{dir: dir, ownID: ownID, since: since, poll: defaultHostIDPoll}
}

// Watch blocks until a host id appears or ctx ends. Filesystem events
// drive the checks when available; a poll ticker covers the cases they
// cannot, like the directory not existing yet.
func (w *HostIDWatcher) Watch(ctx context.Context) (string, error) {
	if id := w.check(); id != "" {
		return id, nil
	}

	var events <-chan fsnotify.Event
	var errs <-chan error
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		log.Debug().Err(err).Msg("fsnotify unavailable, falling back to polling")
	} else {
		defer func() { _ = fsw.Close() }()
		events = fsw.Events
		errs = fsw.Errors
		_ = fsw.Add(w.dir)
	}

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-events:
			if id := w.check(); id != "" {
				return id, nil
			}
		case err := <-errs:
			log.Debug().Err(err).Msg("transcript watch error")
		case <-ticker.C:
			if fsw != nil {
				// The directory may have appeared since the last try.
				_ = fsw.Add(w.dir)
			}
			if id := w.check(); id != "" {
				return id, nil
			}
		}
	}
}

func (w *HostIDWatcher) check() string {
	id, err := transcript.LatestSessionIDSince(w.dir, w.since)
	if err != nil {
		log.Debug().Err(err).Msg("transcript scan failed")
		return ""
	}
	if id == "" || id == w.ownID {
		return ""
	}
	return id
}
