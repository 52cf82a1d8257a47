// Package registry implements the singleton session registry: a daemon
// that owns the durable session store and exposes the command protocol
// over a local socket, plus the client side used by wrappers and hook
// entry points, including the health-check/self-heal startup protocol.
package registry

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cbridge/cbridge/internal/platform"
	"github.com/cbridge/cbridge/internal/protocol"
	"github.com/cbridge/cbridge/internal/store"
)

const (
	// threadCreateTimeout bounds one background thread-creation attempt.
	threadCreateTimeout = 30 * time.Second

	// gitBranchTimeout bounds the branch probe for the thread root.
	gitBranchTimeout = 2 * time.Second
)

// Service owns the session store and the chat-platform side effects of
// registration. All methods are safe for concurrent use; writes
// serialize on the store's own transaction discipline.
type Service struct {
	store    *store.Store
	platform platform.Platform

	mu      sync.Mutex
	futures map[string]*ThreadFuture
}

// NewService creates a registry service over the given store and
// platform.
func NewService(st *store.Store, p platform.Platform) *Service {
	return &Service{
		store:    st,
		platform: p,
		futures:  make(map[string]*ThreadFuture),
	}
}

// ThreadFuture is the promise for an in-flight asynchronous thread
// creation. It completes exactly once, with either the created handles
// or the zero ref when the platform declined or failed.
type ThreadFuture struct {
	sessionID string
	done      chan struct{}

	ref platform.ThreadRef
	err error
}

func newThreadFuture(sessionID string) *ThreadFuture {
	return &ThreadFuture{sessionID: sessionID, done: make(chan struct{})}
}

// Done is closed once the creation attempt has settled.
func (f *ThreadFuture) Done() <-chan struct{} { return f.done }

// Await blocks until the creation attempt settles or ctx ends.
func (f *ThreadFuture) Await(ctx context.Context) (platform.ThreadRef, error) {
	select {
	case <-f.done:
		return f.ref, f.err
	case <-ctx.Done():
		return platform.ThreadRef{}, ctx.Err()
	}
}

func (f *ThreadFuture) complete(ref platform.ThreadRef, err error) {
	f.ref = ref
	f.err = err
	close(f.done)
}

// Register persists a new session and kicks off thread creation in the
// background. The returned record has no thread handles yet; callers
// that need them await the future or poll GET.
func (s *Service) Register(ctx context.Context, data protocol.RegisterData) (*store.Record, *ThreadFuture, error) {
	rec, err := s.store.Create(recordFromRegister(data))
	if err != nil {
		return nil, nil, err
	}

	fut := newThreadFuture(data.SessionID)
	s.mu.Lock()
	s.futures[data.SessionID] = fut
	s.mu.Unlock()

	// threadInfo probes git for the branch; build it off the request path.
	go s.resolveThread(fut, rec)

	log.Info().
		Str("session_id", data.SessionID).
		Str("project", data.Project).
		Msg("session registered, creating thread in background")
	return rec, fut, nil
}

// RegisterSync persists a new session and creates its thread before
// returning, for callers that cannot tolerate a missing handle. A
// platform failure leaves the record without handles rather than
// failing the registration.
func (s *Service) RegisterSync(ctx context.Context, data protocol.RegisterData) (*store.Record, error) {
	rec, err := s.store.Create(recordFromRegister(data))
	if err != nil {
		return nil, err
	}

	ref, err := s.platform.CreateThread(ctx, threadInfo(rec))
	if err != nil {
		log.Warn().Err(err).Str("session_id", data.SessionID).
			Msg("thread creation failed, session continues without bridging")
		return rec, nil
	}
	if ref.IsZero() {
		return rec, nil
	}

	if _, err := s.store.Update(data.SessionID, store.Update{
		ThreadHandle:  store.String(ref.ThreadHandle),
		ChannelHandle: store.String(ref.ChannelHandle),
	}); err != nil {
		return nil, err
	}
	return s.store.Get(data.SessionID)
}

// RegisterExisting binds a session id to an already-created thread
// pair. When the id is already registered, its handles are patched in
// place instead, so aliasing and self-heal share one idempotent path.
func (s *Service) RegisterExisting(ctx context.Context, data protocol.RegisterExistingData) (*store.Record, error) {
	rec := &store.Record{
		SessionID:        data.SessionID,
		Project:          data.Project,
		Terminal:         data.Terminal,
		SocketPath:       data.SocketPath,
		ProjectDir:       data.ProjectDir,
		WrapperPID:       data.WrapperPID,
		ThreadHandle:     data.ThreadHandle,
		ChannelHandle:    data.ChannelHandle,
		MirroringEnabled: true,
		Status:           store.StatusActive,
	}

	created, err := s.store.Create(rec)
	if err == nil {
		log.Info().
			Str("session_id", data.SessionID).
			Str("thread_handle", data.ThreadHandle).
			Msg("session aliased onto existing thread")
		return created, nil
	}
	if err != store.ErrDuplicateSession {
		return nil, err
	}

	if _, err := s.store.Update(data.SessionID, store.Update{
		ThreadHandle:  store.String(data.ThreadHandle),
		ChannelHandle: store.String(data.ChannelHandle),
	}); err != nil {
		return nil, err
	}
	return s.store.Get(data.SessionID)
}

// Get returns the record for id, or nil when unknown.
func (s *Service) Get(id string) (*store.Record, error) {
	return s.store.Get(id)
}

// List returns all records, optionally filtered by status.
func (s *Service) List(status string) ([]*store.Record, error) {
	return s.store.List(status)
}

// SetMirroring toggles output mirroring for a session.
func (s *Service) SetMirroring(id string, enabled bool) (*store.Record, error) {
	ok, err := s.store.Update(id, store.Update{MirroringEnabled: store.Bool(enabled)})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return s.store.Get(id)
}

// EndSession marks a session ended without archiving its thread, so an
// ordinary teardown is distinguishable from an orphaned record.
func (s *Service) EndSession(ctx context.Context, id string) (bool, error) {
	return s.store.Update(id, store.Update{Status: store.String(store.StatusEnded)})
}

// Unregister deletes the record and archives the thread once no other
// record references it. An in-flight thread creation is allowed to
// settle first so the archive decision sees the final handles.
func (s *Service) Unregister(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	fut := s.futures[id]
	s.mu.Unlock()
	if fut != nil {
		waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, _ = fut.Await(waitCtx)
		cancel()
	}

	rec, err := s.store.Get(id)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}

	if _, err := s.store.Delete(id); err != nil {
		return false, err
	}

	if rec.HasThread() {
		siblings, err := s.store.FindAllByThread(rec.ThreadHandle, rec.ChannelHandle)
		if err != nil {
			log.Warn().Err(err).Str("session_id", id).Msg("sibling lookup failed, skipping archive")
			return true, nil
		}
		if len(siblings) == 0 {
			ref := platform.ThreadRef{ThreadHandle: rec.ThreadHandle, ChannelHandle: rec.ChannelHandle}
			status := fmt.Sprintf("session %s ended", rec.SessionID)
			if err := s.platform.ArchiveThread(ctx, ref, status); err != nil {
				log.Warn().Err(err).Str("session_id", id).Msg("thread archive failed")
			}
		}
	}

	log.Info().Str("session_id", id).Msg("session unregistered")
	return true, nil
}

// Cleanup deletes ended and crashed records older than the threshold.
func (s *Service) Cleanup(olderThan time.Duration) (int, error) {
	return s.store.Cleanup(olderThan)
}

// resolveThread runs one background creation attempt and patches the
// record with the resulting handles.
func (s *Service) resolveThread(fut *ThreadFuture, rec *store.Record) {
	defer func() {
		s.mu.Lock()
		delete(s.futures, fut.sessionID)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), threadCreateTimeout)
	defer cancel()

	ref, err := s.platform.CreateThread(ctx, threadInfo(rec))
	if err != nil {
		log.Warn().Err(err).Str("session_id", fut.sessionID).
			Msg("background thread creation failed, session continues without bridging")
		fut.complete(platform.ThreadRef{}, err)
		return
	}
	if ref.IsZero() {
		fut.complete(ref, nil)
		return
	}

	if _, err := s.store.Update(fut.sessionID, store.Update{
		ThreadHandle:  store.String(ref.ThreadHandle),
		ChannelHandle: store.String(ref.ChannelHandle),
	}); err != nil {
		log.Error().Err(err).Str("session_id", fut.sessionID).Msg("failed to persist thread handles")
		fut.complete(ref, err)
		return
	}

	log.Info().
		Str("session_id", fut.sessionID).
		Str("thread_handle", ref.ThreadHandle).
		Msg("thread created")
	fut.complete(ref, nil)
}

func recordFromRegister(data protocol.RegisterData) *store.Record {
	return &store.Record{
		SessionID:        data.SessionID,
		Project:          data.Project,
		Terminal:         data.Terminal,
		SocketPath:       data.SocketPath,
		ProjectDir:       data.ProjectDir,
		WrapperPID:       data.WrapperPID,
		MirroringEnabled: true,
		Status:           store.StatusActive,
	}
}

func threadInfo(rec *store.Record) platform.ThreadInfo {
	return platform.ThreadInfo{
		Project:   rec.Project,
		SessionID: rec.SessionID,
		Terminal:  rec.Terminal,
		Branch:    gitBranch(rec.ProjectDir),
		StartedAt: rec.CreatedAt,
	}
}

// gitBranch returns the current branch of dir, or "" when dir is not a
// work tree or git is unavailable. Detached HEADs also come back empty;
// the thread root just omits the branch line then.
func gitBranch(dir string) string {
	if dir == "" {
		return ""
	}
	ctx, cancel := context.WithTimeout(context.Background(), gitBranchTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "branch", "--show-current")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
