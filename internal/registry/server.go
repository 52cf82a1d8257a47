package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cbridge/cbridge/internal/config"
	"github.com/cbridge/cbridge/internal/protocol"
	"github.com/cbridge/cbridge/internal/store"
)

// ErrAlreadyRunning is returned by Listen when another live registry
// instance holds the socket.
var ErrAlreadyRunning = errors.New("registry is already running")

// Server binds the well-known registry socket and serves the command
// protocol, one worker goroutine per accepted connection.
type Server struct {
	cfg *config.Config
	svc *Service

	listener net.Listener
	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

// NewServer creates a registry server over the given service.
func NewServer(cfg *config.Config, svc *Service) *Server {
	return &Server{
		cfg:  cfg,
		svc:  svc,
		done: make(chan struct{}),
	}
}

// Listen binds the registry socket. A live instance on the socket makes
// this fail with ErrAlreadyRunning; a stale socket file left by a dead
// instance is removed and rebound.
func (s *Server) Listen() error {
	path := s.cfg.RegistrySocketPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if probeSocket(path) == nil {
			return ErrAlreadyRunning
		}
		log.Info().Str("socket", path).Msg("removing stale registry socket")
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove stale socket: %w", err)
		}
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", path, err)
	}
	s.listener = listener

	if err := writePidFile(s.cfg.RegistryPidPath()); err != nil {
		log.Warn().Err(err).Msg("failed to write pid file")
	}

	log.Info().Str("socket", path).Int("pid", os.Getpid()).Msg("registry listening")
	return nil
}

// Serve accepts connections until ctx is cancelled or Close is called.
// It also runs the janitor that expires old ended/crashed records.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("Serve called before Listen")
	}

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()

	s.wg.Add(1)
	go s.runJanitor(ctx)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			log.Warn().Err(err).Msg("accept failed")
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Close stops accepting, waits for in-flight workers, and removes the
// socket and pid files.
func (s *Server) Close() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.listener != nil {
			_ = s.listener.Close()
		}
		s.wg.Wait()
		_ = os.Remove(s.cfg.RegistryPidPath())
		log.Info().Msg("registry stopped")
	})
}

// handleConn serves one request/reply exchange. Malformed or oversized
// requests get a structured failure instead of a dropped connection.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()
	timeout := s.cfg.RequestTimeout()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	_ = conn.SetDeadline(time.Now().Add(timeout))

	req, err := protocol.ReadRequest(conn)
	if err != nil {
		switch {
		case errors.Is(err, io.EOF):
		case errors.Is(err, protocol.ErrRequestTooLarge):
			_ = protocol.WriteResponse(conn, protocol.Fail("request exceeds %d byte limit", protocol.MaxRequestBytes))
		default:
			_ = protocol.WriteResponse(conn, protocol.Fail("%v", err))
		}
		return
	}

	resp := s.dispatch(ctx, req)
	if err := protocol.WriteResponse(conn, resp); err != nil {
		log.Warn().Err(err).Str("command", req.Command).Msg("failed to write reply")
	}
}

// dispatch routes one command to the service. Every branch produces a
// reply; a failed command never takes the daemon down with it.
func (s *Server) dispatch(ctx context.Context, req *protocol.Request) *protocol.Response {
	log.Debug().Str("command", req.Command).Msg("dispatching command")

	switch req.Command {
	case protocol.CmdRegister:
		var data protocol.RegisterData
		if resp := decodePayload(req, &data); resp != nil {
			return resp
		}
		rec, _, err := s.svc.Register(ctx, data)
		if err != nil {
			return registerFailure(data.SessionID, err)
		}
		return &protocol.Response{Success: true, Session: rec}

	case protocol.CmdRegisterSimple:
		var data protocol.RegisterData
		if resp := decodePayload(req, &data); resp != nil {
			return resp
		}
		rec, err := s.svc.RegisterSync(ctx, data)
		if err != nil {
			return registerFailure(data.SessionID, err)
		}
		return &protocol.Response{Success: true, Session: rec}

	case protocol.CmdRegisterExisting:
		var data protocol.RegisterExistingData
		if resp := decodePayload(req, &data); resp != nil {
			return resp
		}
		rec, err := s.svc.RegisterExisting(ctx, data)
		if err != nil {
			return protocol.Fail("%v", err)
		}
		return &protocol.Response{Success: true, Session: rec}

	case protocol.CmdGet:
		var data protocol.SessionIDData
		if resp := decodePayload(req, &data); resp != nil {
			return resp
		}
		rec, err := s.svc.Get(data.SessionID)
		if err != nil {
			return protocol.Fail("%v", err)
		}
		if rec == nil {
			return protocol.Fail("session %s not found", data.SessionID)
		}
		return &protocol.Response{Success: true, Session: rec}

	case protocol.CmdList:
		var data protocol.ListData
		if len(req.Data) > 0 {
			if err := protocol.DecodeData(req.Data, &data); err != nil {
				return protocol.Fail("%v", err)
			}
		}
		records, err := s.svc.List(data.Status)
		if err != nil {
			return protocol.Fail("%v", err)
		}
		count := len(records)
		return &protocol.Response{Success: true, Sessions: records, Count: &count}

	case protocol.CmdUnregister:
		var data protocol.SessionIDData
		if resp := decodePayload(req, &data); resp != nil {
			return resp
		}
		ok, err := s.svc.Unregister(ctx, data.SessionID)
		if err != nil {
			return protocol.Fail("%v", err)
		}
		if !ok {
			return protocol.Fail("session %s not found", data.SessionID)
		}
		return protocol.OK()

	case protocol.CmdEndSession:
		var data protocol.SessionIDData
		if resp := decodePayload(req, &data); resp != nil {
			return resp
		}
		ok, err := s.svc.EndSession(ctx, data.SessionID)
		if err != nil {
			return protocol.Fail("%v", err)
		}
		if !ok {
			return protocol.Fail("session %s not found", data.SessionID)
		}
		return protocol.OK()

	case protocol.CmdSetMirroring:
		var data protocol.SetMirroringData
		if resp := decodePayload(req, &data); resp != nil {
			return resp
		}
		rec, err := s.svc.SetMirroring(data.SessionID, data.Enabled)
		if err != nil {
			return protocol.Fail("%v", err)
		}
		if rec == nil {
			return protocol.Fail("session %s not found", data.SessionID)
		}
		return &protocol.Response{Success: true, Session: rec}

	default:
		return protocol.Fail("unknown command: %s", req.Command)
	}
}

// runJanitor periodically expires old ended/crashed records.
func (s *Server) runJanitor(ctx context.Context) {
	defer s.wg.Done()

	interval := s.cfg.JanitorInterval()
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			if _, err := s.svc.Cleanup(s.cfg.CleanupAfter()); err != nil {
				log.Warn().Err(err).Msg("cleanup pass failed")
			}
		}
	}
}

type validatable interface {
	Validate() error
}

// decodePayload decodes and validates a request payload, returning the
// failure reply to send when it is unusable.
func decodePayload(req *protocol.Request, dst validatable) *protocol.Response {
	if err := protocol.DecodeData(req.Data, dst); err != nil {
		return protocol.Fail("%v", err)
	}
	if err := dst.Validate(); err != nil {
		return protocol.Fail("%v", err)
	}
	return nil
}

func registerFailure(sessionID string, err error) *protocol.Response {
	if errors.Is(err, store.ErrDuplicateSession) {
		return protocol.Fail("session %s is already registered", sessionID)
	}
	return protocol.Fail("%v", err)
}

// probeSocket dials the socket with a short timeout to tell a live
// instance from a stale file.
func probeSocket(path string) error {
	conn, err := net.DialTimeout("unix", path, 500*time.Millisecond)
	if err != nil {
		return err
	}
	return conn.Close()
}

func writePidFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644)
}
