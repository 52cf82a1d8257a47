package registry

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cbridge/cbridge/internal/config"
	"github.com/cbridge/cbridge/internal/protocol"
)

const (
	// healthWait bounds how long a caller waits for a freshly started
	// daemon to come up.
	healthWait = 5 * time.Second
	healthPoll = 100 * time.Millisecond

	// staleKillWait is how long a stale daemon gets to exit after
	// SIGTERM before it is force-killed.
	staleKillWait = 2 * time.Second
)

// EnsureHealthy makes sure a live registry daemon is behind the socket
// before any registration proceeds. Absent daemons are started via
// start; a socket that exists but does not answer belongs to a stale
// instance, which is killed and replaced. Callers pass SpawnDaemon as
// start outside of tests.
func EnsureHealthy(cfg *config.Config, start func() error) error {
	path := cfg.RegistrySocketPath()

	if err := pingOnce(path); err == nil {
		return nil
	}

	if _, err := os.Stat(path); err == nil {
		log.Warn().Str("socket", path).Msg("registry socket unresponsive, replacing stale instance")
		repairStale(cfg)
	}

	if err := start(); err != nil {
		return fmt.Errorf("failed to start registry: %w", err)
	}

	deadline := time.Now().Add(healthWait)
	for time.Now().Before(deadline) {
		if err := pingOnce(path); err == nil {
			return nil
		}
		time.Sleep(healthPoll)
	}
	return fmt.Errorf("registry did not become healthy within %s", healthWait)
}

// SpawnDaemon starts a detached registry daemon process running this
// binary's registry command.
func SpawnDaemon(cfg *config.Config) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("cannot locate own binary: %w", err)
	}

	cmd := exec.Command(exe, "registry")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdin = nil

	logPath := filepath.Join(cfg.LogDir(), "registry.log")
	if err := os.MkdirAll(cfg.LogDir(), 0755); err == nil {
		if f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644); err == nil {
			cmd.Stdout = f
			cmd.Stderr = f
			defer func() { _ = f.Close() }()
		}
	}

	if err := cmd.Start(); err != nil {
		return err
	}
	log.Info().Int("pid", cmd.Process.Pid).Msg("started registry daemon")
	return cmd.Process.Release()
}

// pingOnce probes liveness with a single LIST round trip, no retries.
func pingOnce(socketPath string) error {
	req, err := protocol.NewRequest(protocol.CmdList, nil)
	if err != nil {
		return err
	}
	resp, err := NewClient(socketPath).callOnce(req)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("liveness probe rejected: %s", resp.Error)
	}
	return nil
}

// repairStale kills whatever process the pid file names and removes the
// dead socket so a fresh daemon can bind.
func repairStale(cfg *config.Config) {
	pidPath := cfg.RegistryPidPath()
	if raw, err := os.ReadFile(pidPath); err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(raw))); err == nil && pid > 0 {
			terminateProcess(pid)
		}
	}
	_ = os.Remove(cfg.RegistrySocketPath())
	_ = os.Remove(pidPath)
}

// terminateProcess sends SIGTERM and escalates to SIGKILL after a
// bounded wait.
func terminateProcess(pid int) {
	if syscall.Kill(pid, syscall.Signal(0)) != nil {
		return
	}

	log.Info().Int("pid", pid).Msg("terminating stale registry process")
	_ = syscall.Kill(pid, syscall.SIGTERM)

	deadline := time.Now().Add(staleKillWait)
	for time.Now().Before(deadline) {
		if syscall.Kill(pid, syscall.Signal(0)) != nil {
			return
		}
		time.Sleep(healthPoll)
	}
	_ = syscall.Kill(pid, syscall.SIGKILL)
}
