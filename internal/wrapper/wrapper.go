package wrapper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/cbridge/cbridge/internal/config"
	"github.com/cbridge/cbridge/internal/protocol"
	"github.com/cbridge/cbridge/internal/registry"
	"github.com/cbridge/cbridge/internal/transcript"
)

// Phase is the wrapper lifecycle stage.
type Phase int32

const (
	PhaseStarting Phase = iota
	PhaseRegistering
	PhaseRunning
	PhaseDraining
	PhaseTerminated
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "starting"
	case PhaseRegistering:
		return "registering"
	case PhaseRunning:
		return "running"
	case PhaseDraining:
		return "draining"
	case PhaseTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Options configure one wrapper run. Zero fields get defaults: a fresh
// session id, the working directory, and the configured host command.
type Options struct {
	SessionID  string
	ProjectDir string
	Command    string
	Args       []string
}

// Wrapper supervises one host session: pty, input socket, ring buffer,
// registration and host-id discovery.
type Wrapper struct {
	cfg *config.Config

	sessionID  string
	project    string
	projectDir string
	terminal   string
	command    string
	args       []string

	buffer *RingBuffer
	input  *InputSocket
	bridge *ptyBridge
	sup    *Supervisor
	client *registry.Client

	phase      atomic.Int32
	startedAt  time.Time
	hostIDPoll time.Duration

	mu     sync.Mutex
	hostID string
}

// New builds a wrapper from options, filling defaults from cfg.
func New(cfg *config.Config, opts Options) (*Wrapper, error) {
	projectDir := opts.ProjectDir
	if projectDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve working directory: %w", err)
		}
		projectDir = wd
	}
	projectDir, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project directory: %w", err)
	}

	sessionID := opts.SessionID
	if sessionID == "" {
		// Short wrapper id. The host may later reveal its own long id,
		// which the watcher aliases onto the same thread record.
		sessionID = uuid.New().String()[:8]
	}
	command := opts.Command
	if command == "" {
		command = cfg.Claude.Command
	}
	args := opts.Args
	if args == nil {
		args = cfg.Claude.Args
	}

	return &Wrapper{
		cfg:        cfg,
		sessionID:  sessionID,
		project:    filepath.Base(projectDir),
		projectDir: projectDir,
		terminal:   detectTerminal(),
		command:    command,
		args:       args,
	}, nil
}

// SessionID returns the wrapper-assigned session id.
func (w *Wrapper) SessionID() string {
	return w.sessionID
}

// Phase returns the current lifecycle stage.
func (w *Wrapper) Phase() Phase {
	return Phase(w.phase.Load())
}

// Run drives the session from start to teardown and returns the host
// process's exit error. Registry unavailability degrades the session
// to single-session mode; it never prevents the host from running.
func (w *Wrapper) Run(ctx context.Context) error {
	w.setPhase(PhaseStarting)
	w.startedAt = time.Now()

	if err := os.MkdirAll(w.cfg.SocketDir, 0755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	w.buffer = NewRingBuffer(w.cfg.Wrapper.BufferSize, config.CaptureFilePath(w.sessionID))

	input := NewInputSocket(w.cfg.SessionSocketPath(w.sessionID), w.handleRemoteInput)
	if err := input.Listen(); err != nil {
		log.Warn().Err(err).Msg("input socket unavailable, remote input disabled")
	} else {
		w.input = input
	}

	w.setPhase(PhaseRegistering)
	w.register(ctx)

	w.setPhase(PhaseRunning)
	cmd := exec.Command(w.command, w.args...)
	cmd.Dir = w.projectDir
	cmd.Env = append(os.Environ(),
		"CBRIDGE_SESSION_ID="+w.sessionID,
		"CBRIDGE_PROJECT="+w.project,
		"CBRIDGE_PROJECT_DIR="+w.projectDir,
	)

	w.bridge = newPtyBridge(w.buffer)
	if err := w.bridge.start(cmd); err != nil {
		w.teardown()
		w.setPhase(PhaseTerminated)
		return err
	}
	w.sup = NewSupervisor(cmd, w.cfg.GracePeriod())
	if err := w.sup.Start(); err != nil {
		w.teardown()
		w.setPhase(PhaseTerminated)
		return err
	}

	if w.input != nil {
		go w.input.Serve()
	}

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()
	go w.watchHostID(watchCtx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGHUP, os.Interrupt)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("stopping session")
			w.stopChild()
		case <-ctx.Done():
			w.stopChild()
		case <-w.sup.Done():
		}
	}()

	w.bridge.run()

	select {
	case <-w.sup.Done():
	case <-time.After(5 * time.Second):
		// Output closed but the child lingers.
		w.stopChild()
	}

	w.setPhase(PhaseDraining)
	w.teardown()
	w.setPhase(PhaseTerminated)
	return w.sup.WaitErr()
}

// Shutdown stops the host process gracefully. Run returns once the
// child is reaped and teardown completes.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	if w.sup == nil {
		return nil
	}
	return w.sup.Stop(ctx)
}

func (w *Wrapper) stopChild() {
	stopCtx, cancel := context.WithTimeout(context.Background(), w.cfg.GracePeriod()+5*time.Second)
	defer cancel()
	if err := w.sup.Stop(stopCtx); err != nil {
		log.Warn().Err(err).Msg("stop did not complete")
	}
}

// register runs the health-check protocol and registers the session.
// Any failure here leaves the wrapper in single-session mode.
func (w *Wrapper) register(ctx context.Context) {
	err := registry.EnsureHealthy(w.cfg, func() error {
		return registry.SpawnDaemon(w.cfg)
	})
	if err != nil {
		log.Warn().Err(err).Msg("registry unavailable, running in single-session mode")
		return
	}

	client := registry.NewClient(w.cfg.RegistrySocketPath())
	_, fut, err := client.Register(protocol.RegisterData{
		SessionID:  w.sessionID,
		Project:    w.project,
		Terminal:   w.terminal,
		SocketPath: w.cfg.SessionSocketPath(w.sessionID),
		ProjectDir: w.projectDir,
		WrapperPID: os.Getpid(),
	})
	if err != nil {
		if errors.Is(err, registry.ErrCommandFailed) && strings.Contains(err.Error(), "already registered") {
			log.Warn().Str("session_id", w.sessionID).Msg("session id already registered, reusing record")
			w.client = client
			return
		}
		log.Warn().Err(err).Msg("registration failed, running in single-session mode")
		return
	}
	w.client = client

	// Thread creation is asynchronous; wait a bounded time for the
	// handles so hooks firing early still find them.
	hctx, cancel := context.WithTimeout(ctx, w.cfg.HandleWait())
	defer cancel()
	rec, err := fut.Await(hctx)
	if rec != nil && rec.HasThread() {
		log.Info().
			Str("session_id", w.sessionID).
			Str("thread_handle", rec.ThreadHandle).
			Msg("session bridged to thread")
		return
	}
	log.Info().Err(err).Msg("no thread handles yet, continuing unbridged")
}

// handleRemoteInput injects one remote message as keystrokes.
func (w *Wrapper) handleRemoteInput(text string) {
	if w.bridge == nil {
		return
	}
	log.Debug().Int("bytes", len(text)).Msg("injecting remote input")
	w.bridge.inject(text, w.cfg.InjectPause())
}

// watchHostID waits for the host to reveal its own session id and
// aliases it onto the wrapper's thread.
func (w *Wrapper) watchHostID(ctx context.Context) {
	dir, err := transcript.Dir(w.projectDir)
	if err != nil {
		log.Debug().Err(err).Msg("cannot resolve transcript directory")
		return
	}

	watcher := NewHostIDWatcher(dir, w.sessionID, w.startedAt)
	if w.hostIDPoll > 0 {
		watcher.poll = w.hostIDPoll
	}
	id, err := watcher.Watch(ctx)
	if err != nil {
		return
	}
	w.adoptHostID(id)
}

// adoptHostID rebinds downstream consumers to the host-assigned id:
// the capture file moves, and the id is registered against the same
// thread pair.
func (w *Wrapper) adoptHostID(id string) {
	w.mu.Lock()
	if w.hostID == id {
		w.mu.Unlock()
		return
	}
	w.hostID = id
	w.mu.Unlock()

	log.Info().Str("host_id", id).Msg("host assigned its own session id")
	w.buffer.Relocate(config.CaptureFilePath(id))

	if w.client == nil {
		return
	}
	rec, err := w.client.Get(w.sessionID)
	if err != nil || rec == nil {
		log.Debug().Err(err).Msg("wrapper record unavailable, alias skipped")
		return
	}
	if !rec.HasThread() {
		log.Debug().Msg("wrapper record has no handles yet, alias left to self-heal")
		return
	}

	if _, err := w.client.RegisterExisting(protocol.RegisterExistingData{
		SessionID:     id,
		ThreadHandle:  rec.ThreadHandle,
		ChannelHandle: rec.ChannelHandle,
		Project:       w.project,
		Terminal:      w.terminal,
		SocketPath:    w.cfg.SessionSocketPath(w.sessionID),
		ProjectDir:    w.projectDir,
		WrapperPID:    os.Getpid(),
	}); err != nil {
		log.Warn().Err(err).Msg("failed to alias host session id")
		return
	}
	log.Info().Str("host_id", id).Msg("host session id aliased onto thread")
}

// teardown restores the terminal, unlinks the session's artifacts and
// marks the records ended, all best-effort.
func (w *Wrapper) teardown() {
	if w.bridge != nil {
		w.bridge.restore()
	}
	if w.input != nil {
		w.input.Close()
	}
	if w.buffer != nil {
		w.buffer.Remove()
	}

	if w.client == nil {
		return
	}
	if err := w.client.EndSession(w.sessionID); err != nil {
		log.Debug().Err(err).Msg("failed to mark session ended")
	}
	w.mu.Lock()
	hostID := w.hostID
	w.mu.Unlock()
	if hostID != "" {
		if err := w.client.EndSession(hostID); err != nil {
			log.Debug().Err(err).Msg("failed to mark host session ended")
		}
	}
}

func (w *Wrapper) setPhase(p Phase) {
	w.phase.Store(int32(p))
	log.Debug().Str("phase", p.String()).Str("session_id", w.sessionID).Msg("wrapper phase")
}

func detectTerminal() string {
	if v := os.Getenv("TERM_PROGRAM"); v != "" {
		return v
	}
	if v := os.Getenv("TERM"); v != "" {
		return v
	}
	return "unknown"
}
