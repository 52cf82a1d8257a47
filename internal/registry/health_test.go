package registry

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"testing"
	"time"

	"github.com/cbridge/cbridge/internal/config"
	"github.com/cbridge/cbridge/internal/store"
)

// inProcessDaemon stands in for SpawnDaemon so health checks can be
// exercised without forking the binary.
func inProcessDaemon(t *testing.T, cfg *config.Config) func() error {
	t.Helper()
	return func() error {
		st, err := store.Open(cfg.Registry.DBPath)
		if err != nil {
			return err
		}

		srv := NewServer(cfg, NewService(st, &fakePlatform{}))
		if err := srv.Listen(); err != nil {
			_ = st.Close()
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		served := make(chan struct{})
		go func() {
			_ = srv.Serve(ctx)
			close(served)
		}()
		t.Cleanup(func() {
			cancel()
			select {
			case <-served:
			case <-time.After(5 * time.Second):
				t.Error("daemon did not stop")
			}
			_ = st.Close()
		})
		return nil
	}
}

func TestEnsureHealthy_LiveDaemonUntouched(t *testing.T) {
	cfg := testConfig(t)
	startTestRegistry(t, cfg, &fakePlatform{})

	started := false
	err := EnsureHealthy(cfg, func() error {
		started = true
		return nil
	})
	if err != nil {
		t.Fatalf("EnsureHealthy failed: %v", err)
	}
	if started {
		t.Error("a live daemon must not be restarted")
	}
}

func TestEnsureHealthy_StartsAbsentDaemon(t *testing.T) {
	cfg := testConfig(t)

	if err := EnsureHealthy(cfg, inProcessDaemon(t, cfg)); err != nil {
		t.Fatalf("EnsureHealthy failed: %v", err)
	}
	if err := NewClient(cfg.RegistrySocketPath()).Ping(); err != nil {
		t.Errorf("daemon not live after start: %v", err)
	}
}

func TestEnsureHealthy_RepairsStaleSocket(t *testing.T) {
	cfg := testConfig(t)

	// Plant a socket file nothing answers on, plus a pid file naming an
	// already-exited process.
	if err := os.WriteFile(cfg.RegistrySocketPath(), nil, 0644); err != nil {
		t.Fatalf("failed to plant stale socket: %v", err)
	}
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Fatalf("failed to run helper: %v", err)
	}
	if err := os.WriteFile(cfg.RegistryPidPath(), []byte(strconv.Itoa(cmd.Process.Pid)), 0644); err != nil {
		t.Fatalf("failed to plant pid file: %v", err)
	}

	if err := EnsureHealthy(cfg, inProcessDaemon(t, cfg)); err != nil {
		t.Fatalf("EnsureHealthy failed: %v", err)
	}
	if err := NewClient(cfg.RegistrySocketPath()).Ping(); err != nil {
		t.Errorf("daemon not live after repair: %v", err)
	}
}
