package store

import "time"

// Session status values.
const (
	StatusActive  = "active"
	StatusIdle    = "idle"
	StatusEnded   = "ended"
	StatusCrashed = "crashed"
)

// Record is one tracked session. A short wrapper-assigned id and a long
// host-assigned id may coexist as separate records pointing at the same
// thread pair.
type Record struct {
	SessionID        string    `json:"session_id"`
	Project          string    `json:"project"`
	Terminal         string    `json:"terminal"`
	SocketPath       string    `json:"socket_path"`
	ProjectDir       string    `json:"project_dir,omitempty"`
	WrapperPID       int       `json:"wrapper_pid,omitempty"`
	ThreadHandle     string    `json:"thread_handle,omitempty"`
	ChannelHandle    string    `json:"channel_handle,omitempty"`
	MirroringEnabled bool      `json:"mirroring_enabled"`
	Status           string    `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
	LastActivity     time.Time `json:"last_activity"`
}

// HasThread reports whether both thread handles are present.
// The store never persists one handle without the other.
func (r *Record) HasThread() bool {
	return r.ThreadHandle != "" && r.ChannelHandle != ""
}

// Update is a partial mutation. Nil fields are left untouched.
// Every applied update refreshes last_activity.
type Update struct {
	ThreadHandle     *string
	ChannelHandle    *string
	Status           *string
	ProjectDir       *string
	WrapperPID       *int
	MirroringEnabled *bool
}

// String pointer helper for Update literals.
func String(s string) *string { return &s }

// Bool pointer helper for Update literals.
func Bool(b bool) *bool { return &b }

// Int pointer helper for Update literals.
func Int(i int) *int { return &i }
