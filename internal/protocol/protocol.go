// Package protocol defines the registry wire format: one newline-terminated
// JSON request per connection, answered by exactly one newline-terminated
// JSON reply. The command set is closed; anything outside it is rejected
// with a structured failure rather than a dropped connection.
package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/cbridge/cbridge/internal/store"
)

// MaxRequestBytes is the request size ceiling, enforced before parsing.
const MaxRequestBytes = 1 << 20

// ErrRequestTooLarge is returned when a request exceeds MaxRequestBytes.
var ErrRequestTooLarge = errors.New("request exceeds size limit")

// Command names.
const (
	CmdRegister         = "REGISTER"
	CmdRegisterSimple   = "REGISTER_SIMPLE"
	CmdRegisterExisting = "REGISTER_EXISTING"
	CmdUnregister       = "UNREGISTER"
	CmdGet              = "GET"
	CmdList             = "LIST"
	CmdEndSession       = "END_SESSION"
	CmdSetMirroring     = "SET_MIRRORING"
)

// Request is the wire unit sent to the registry.
type Request struct {
	Command string          `json:"command"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Response is the single reply for a request.
type Response struct {
	Success  bool            `json:"success"`
	Error    string          `json:"error,omitempty"`
	Session  *store.Record   `json:"session,omitempty"`
	Sessions []*store.Record `json:"sessions,omitempty"`
	Count    *int            `json:"count,omitempty"`
}

// OK returns a bare success response.
func OK() *Response {
	return &Response{Success: true}
}

// Fail returns a failure response with the given message.
func Fail(format string, args ...interface{}) *Response {
	return &Response{Success: false, Error: fmt.Sprintf(format, args...)}
}

// RegisterData is the payload for REGISTER and REGISTER_SIMPLE.
type RegisterData struct {
	SessionID  string `json:"session_id"`
	Project    string `json:"project"`
	Terminal   string `json:"terminal"`
	SocketPath string `json:"socket_path"`
	ProjectDir string `json:"project_dir,omitempty"`
	WrapperPID int    `json:"wrapper_pid,omitempty"`
}

// Validate checks the required registration fields.
func (d *RegisterData) Validate() error {
	if d.SessionID == "" {
		return fmt.Errorf("missing required field: session_id")
	}
	if d.Project == "" {
		return fmt.Errorf("missing required field: project")
	}
	if d.Terminal == "" {
		return fmt.Errorf("missing required field: terminal")
	}
	if d.SocketPath == "" {
		return fmt.Errorf("missing required field: socket_path")
	}
	return nil
}

// RegisterExistingData is the payload for REGISTER_EXISTING: it aliases a
// new session id onto an already-created thread pair.
type RegisterExistingData struct {
	SessionID     string `json:"session_id"`
	ThreadHandle  string `json:"thread_handle"`
	ChannelHandle string `json:"channel_handle"`
	Project       string `json:"project,omitempty"`
	Terminal      string `json:"terminal,omitempty"`
	SocketPath    string `json:"socket_path,omitempty"`
	ProjectDir    string `json:"project_dir,omitempty"`
	WrapperPID    int    `json:"wrapper_pid,omitempty"`
}

// Validate checks the required aliasing fields.
func (d *RegisterExistingData) Validate() error {
	if d.SessionID == "" {
		return fmt.Errorf("missing required field: session_id")
	}
	if d.ThreadHandle == "" {
		return fmt.Errorf("missing required field: thread_handle")
	}
	if d.ChannelHandle == "" {
		return fmt.Errorf("missing required field: channel_handle")
	}
	return nil
}

// SessionIDData is the payload for GET, UNREGISTER and END_SESSION.
type SessionIDData struct {
	SessionID string `json:"session_id"`
}

// Validate checks the session id is present.
func (d *SessionIDData) Validate() error {
	if d.SessionID == "" {
		return fmt.Errorf("missing required field: session_id")
	}
	return nil
}

// ListData is the optional payload for LIST.
type ListData struct {
	Status string `json:"status,omitempty"`
}

// SetMirroringData is the payload for SET_MIRRORING.
type SetMirroringData struct {
	SessionID string `json:"session_id"`
	Enabled   bool   `json:"enabled"`
}

// Validate checks the session id is present.
func (d *SetMirroringData) Validate() error {
	if d.SessionID == "" {
		return fmt.Errorf("missing required field: session_id")
	}
	return nil
}

// DecodeData unmarshals a request payload into dst.
func DecodeData(data json.RawMessage, dst interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("missing request data")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("malformed request data: %w", err)
	}
	return nil
}

// NewRequest builds a request with a marshalled payload.
func NewRequest(command string, data interface{}) (*Request, error) {
	req := &Request{Command: command}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", command, err)
		}
		req.Data = raw
	}
	return req, nil
}

// ReadRequest reads one newline-terminated request, enforcing the size
// ceiling before any JSON decoding happens.
func ReadRequest(r io.Reader) (*Request, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, fmt.Errorf("malformed request: %w", err)
	}
	if req.Command == "" {
		return nil, fmt.Errorf("malformed request: missing command")
	}
	return &req, nil
}

// ReadResponse reads one newline-terminated response.
func ReadResponse(r io.Reader) (*Response, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("malformed response: %w", err)
	}
	return &resp, nil
}

// WriteRequest writes a request followed by a newline.
func WriteRequest(w io.Writer, req *Request) error {
	return writeJSON(w, req)
}

// WriteResponse writes a response followed by a newline.
func WriteResponse(w io.Writer, resp *Response) error {
	return writeJSON(w, resp)
}

func writeJSON(w io.Writer, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	raw = append(raw, '\n')
	_, err = w.Write(raw)
	return err
}

// readLine reads bytes up to the first newline, failing with
// ErrRequestTooLarge once MaxRequestBytes have been consumed without one.
func readLine(r io.Reader) ([]byte, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxRequestBytes)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			if errors.Is(err, bufio.ErrTooLong) {
				return nil, ErrRequestTooLarge
			}
			return nil, err
		}
		return nil, io.EOF
	}
	return scanner.Bytes(), nil
}
