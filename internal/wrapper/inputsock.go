package wrapper

import (
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

// maxInputBytes caps one injected message.
const maxInputBytes = 64 * 1024

// InputSocket accepts remote text on the session's own socket: one
// message per connection, no reply. Messages are handled sequentially
// so injected keystrokes never interleave.
type InputSocket struct {
	path     string
	handler  func(text string)
	listener net.Listener
}

// NewInputSocket creates an input socket at path delivering messages
// to handler.
func NewInputSocket(path string, handler func(text string)) *InputSocket {
	return &InputSocket{path: path, handler: handler}
}

// Listen binds the socket, replacing any leftover file from a previous
// run.
func (s *InputSocket) Listen() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove old input socket: %w", err)
	}

	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("failed to bind input socket %s: %w", s.path, err)
	}
	s.listener = listener
	log.Debug().Str("socket", s.path).Msg("input socket listening")
	return nil
}

// Serve accepts and delivers messages until Close. Malformed or
// oversized messages are logged and dropped, never fatal.
func (s *InputSocket) Serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.handleConn(conn)
	}
}

func (s *InputSocket) handleConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	data, err := io.ReadAll(io.LimitReader(conn, maxInputBytes+1))
	if err != nil {
		log.Debug().Err(err).Msg("failed to read input message")
		return
	}
	if len(data) == 0 {
		return
	}
	if len(data) > maxInputBytes {
		log.Warn().Int("bytes", len(data)).Msg("dropping oversized input message")
		return
	}

	s.handler(string(data))
}

// Path returns the socket path.
func (s *InputSocket) Path() string {
	return s.path
}

// Close stops the accept loop and unlinks the socket file.
func (s *InputSocket) Close() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	_ = os.Remove(s.path)
}
