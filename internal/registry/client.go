package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cbridge/cbridge/internal/protocol"
	"github.com/cbridge/cbridge/internal/store"
)

const (
	connectTimeout = 5 * time.Second
	replyTimeout   = 3 * time.Second

	// Transient connect failures are retried with exponential backoff:
	// 100ms, 300ms, 900ms.
	maxAttempts  = 3
	retryBase    = 100 * time.Millisecond
	retryFactor  = 3
	pollInterval = 500 * time.Millisecond
)

// ErrCommandFailed wraps a structured failure reply from the daemon.
var ErrCommandFailed = errors.New("registry command failed")

// Client talks the command protocol to a registry daemon. A hung daemon
// degrades the caller via connect/read timeouts instead of freezing it.
type Client struct {
	socketPath string
}

// NewClient creates a client for the registry socket at path.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Call sends one request and reads its single reply, retrying transient
// connection failures with bounded backoff.
func (c *Client) Call(req *protocol.Request) (*protocol.Response, error) {
	var lastErr error
	delay := retryBase
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
			delay *= retryFactor
		}

		resp, err := c.callOnce(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		log.Debug().Err(err).Str("command", req.Command).Int("attempt", attempt+1).
			Msg("registry call failed")
	}
	return nil, fmt.Errorf("registry unreachable after %d attempts: %w", maxAttempts, lastErr)
}

func (c *Client) callOnce(req *protocol.Request) (*protocol.Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, connectTimeout)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(replyTimeout))
	if err := protocol.WriteRequest(conn, req); err != nil {
		return nil, err
	}
	return protocol.ReadResponse(conn)
}

// command builds, sends and unwraps a request, turning a failure reply
// into an error.
func (c *Client) command(name string, data interface{}) (*protocol.Response, error) {
	req, err := protocol.NewRequest(name, data)
	if err != nil {
		return nil, err
	}
	resp, err := c.Call(req)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return resp, fmt.Errorf("%w: %s", ErrCommandFailed, resp.Error)
	}
	return resp, nil
}

// Ping probes daemon liveness with a LIST round trip.
func (c *Client) Ping() error {
	_, err := c.command(protocol.CmdList, nil)
	return err
}

// Register registers a session with asynchronous thread creation. The
// returned record has no handles yet; the future polls GET until they
// appear.
func (c *Client) Register(data protocol.RegisterData) (*store.Record, *HandleFuture, error) {
	resp, err := c.command(protocol.CmdRegister, data)
	if err != nil {
		return nil, nil, err
	}
	return resp.Session, &HandleFuture{client: c, sessionID: data.SessionID}, nil
}

// RegisterSimple registers a session with synchronous thread creation;
// the returned record carries handles unless the platform declined.
func (c *Client) RegisterSimple(data protocol.RegisterData) (*store.Record, error) {
	resp, err := c.command(protocol.CmdRegisterSimple, data)
	if err != nil {
		return nil, err
	}
	return resp.Session, nil
}

// RegisterExisting aliases a session id onto an existing thread pair.
func (c *Client) RegisterExisting(data protocol.RegisterExistingData) (*store.Record, error) {
	resp, err := c.command(protocol.CmdRegisterExisting, data)
	if err != nil {
		return nil, err
	}
	return resp.Session, nil
}

// Get fetches one session record; (nil, nil) when the id is unknown.
func (c *Client) Get(sessionID string) (*store.Record, error) {
	resp, err := c.command(protocol.CmdGet, protocol.SessionIDData{SessionID: sessionID})
	if err != nil {
		if resp != nil && isNotFound(resp) {
			return nil, nil
		}
		return nil, err
	}
	return resp.Session, nil
}

// List fetches all sessions, optionally filtered by status.
func (c *Client) List(status string) ([]*store.Record, error) {
	var data interface{}
	if status != "" {
		data = protocol.ListData{Status: status}
	}
	resp, err := c.command(protocol.CmdList, data)
	if err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// Unregister removes a session; its thread is archived by the daemon
// once nothing else references it.
func (c *Client) Unregister(sessionID string) error {
	_, err := c.command(protocol.CmdUnregister, protocol.SessionIDData{SessionID: sessionID})
	return err
}

// EndSession marks a session ended without archiving its thread.
func (c *Client) EndSession(sessionID string) error {
	_, err := c.command(protocol.CmdEndSession, protocol.SessionIDData{SessionID: sessionID})
	return err
}

// SetMirroring toggles output mirroring for a session.
func (c *Client) SetMirroring(sessionID string, enabled bool) (*store.Record, error) {
	resp, err := c.command(protocol.CmdSetMirroring, protocol.SetMirroringData{
		SessionID: sessionID,
		Enabled:   enabled,
	})
	if err != nil {
		return nil, err
	}
	return resp.Session, nil
}

// HandleFuture resolves the thread handles of an asynchronously
// registered session by polling GET over the protocol.
type HandleFuture struct {
	client    *Client
	sessionID string
}

// Await polls until the session's thread handles appear or ctx ends.
// On timeout it returns the last record seen (possibly handle-less)
// alongside the context error, so callers can degrade to single-session
// mode with whatever state exists.
func (f *HandleFuture) Await(ctx context.Context) (*store.Record, error) {
	var last *store.Record
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		rec, err := f.client.Get(f.sessionID)
		if err != nil {
			return last, err
		}
		if rec != nil {
			last = rec
			if rec.HasThread() {
				return rec, nil
			}
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
}

func isNotFound(resp *protocol.Response) bool {
	return strings.Contains(resp.Error, "not found")
}
