package wrapper

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// SupervisorState tracks where a supervised process is in its
// shutdown path.
type SupervisorState int32

const (
	StateRunning SupervisorState = iota
	StateSignaledStop
	StateForceKilled
	StateReaped
)

func (s SupervisorState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateSignaledStop:
		return "signaled-stop"
	case StateForceKilled:
		return "force-killed"
	case StateReaped:
		return "reaped"
	default:
		return "unknown"
	}
}

// Supervisor owns one child process group and walks it through a
// graceful stop: SIGTERM to the group, a bounded grace wait, then
// SIGKILL. The child runs in its own group so signals reach any
// processes it spawned.
type Supervisor struct {
	cmd   *exec.Cmd
	grace time.Duration

	mu      sync.Mutex
	state   SupervisorState
	forced  bool
	waitErr error
	reaped  chan struct{}
}

// NewSupervisor wraps cmd with a stop grace period.
func NewSupervisor(cmd *exec.Cmd, grace time.Duration) *Supervisor {
	return &Supervisor{
		cmd:    cmd,
		grace:  grace,
		state:  StateRunning,
		reaped: make(chan struct{}),
	}
}

// Start launches the child if it is not already running (a pty start
// will have launched it) and begins reaping. The child is placed in
// its own process group unless the caller configured one.
func (s *Supervisor) Start() error {
	if s.cmd.Process == nil {
		if s.cmd.SysProcAttr == nil {
			s.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		}
		if err := s.cmd.Start(); err != nil {
			return fmt.Errorf("failed to start child: %w", err)
		}
	}

	go func() {
		err := s.cmd.Wait()
		s.mu.Lock()
		s.state = StateReaped
		s.waitErr = err
		s.mu.Unlock()
		close(s.reaped)
	}()
	return nil
}

// State returns the current supervisor state.
func (s *Supervisor) State() SupervisorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the child has been reaped.
func (s *Supervisor) Done() <-chan struct{} {
	return s.reaped
}

// WaitErr returns the child's exit error after reaping.
func (s *Supervisor) WaitErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waitErr
}

// Forced reports whether the stop escalated to SIGKILL.
func (s *Supervisor) Forced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forced
}

// Stop signals the process group to terminate, escalating to SIGKILL
// after the grace period. It returns once the child is reaped or ctx
// ends.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		select {
		case <-s.reaped:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.state = StateSignaledStop
	s.mu.Unlock()

	s.signalGroup(syscall.SIGTERM)

	select {
	case <-s.reaped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.grace):
	}

	s.mu.Lock()
	if s.state == StateSignaledStop {
		s.state = StateForceKilled
		s.forced = true
	}
	s.mu.Unlock()

	log.Warn().Dur("grace", s.grace).Msg("child ignored stop signal, force killing")
	s.signalGroup(syscall.SIGKILL)

	select {
	case <-s.reaped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// signalGroup sends sig to the child's process group, falling back to
// the process itself if the group signal fails.
func (s *Supervisor) signalGroup(sig syscall.Signal) {
	if s.cmd.Process == nil {
		return
	}
	pid := s.cmd.Process.Pid
	if err := syscall.Kill(-pid, sig); err != nil {
		_ = syscall.Kill(pid, sig)
	}
}
