// Package platform defines the chat-platform boundary. The registry and
// hook entry points only ever talk to these interfaces; failures from an
// implementation must never abort registration or teardown.
package platform

import (
	"context"
	"time"
)

// ThreadRef identifies one conversation thread and its parent channel.
// Both handles are opaque to the core and always travel together.
type ThreadRef struct {
	ThreadHandle  string `json:"thread_handle"`
	ChannelHandle string `json:"channel_handle"`
}

// IsZero reports whether the ref carries no handles.
func (r ThreadRef) IsZero() bool {
	return r.ThreadHandle == "" && r.ChannelHandle == ""
}

// ThreadInfo describes a session for thread creation.
type ThreadInfo struct {
	Project   string
	SessionID string
	Terminal  string
	Branch    string
	StartedAt time.Time
}

// ThreadReply is one inbound message or reaction from a thread.
type ThreadReply struct {
	ThreadHandle  string
	ChannelHandle string
	UserID        string
	Text          string
	Timestamp     string
	// Reaction is set instead of Text when the reply is an emoji
	// reaction on the thread's root message.
	Reaction string
}

// Platform is the outbound side of the chat boundary.
type Platform interface {
	// CreateThread opens a new thread for a session and returns its
	// handles.
	CreateThread(ctx context.Context, info ThreadInfo) (ThreadRef, error)

	// PostMessage posts text into an existing thread.
	PostMessage(ctx context.Context, ref ThreadRef, text string) error

	// AddReaction marks a specific message with an emoji, best-effort.
	AddReaction(ctx context.Context, channel, timestamp, name string) error

	// ArchiveThread closes out a thread with a final status line.
	ArchiveThread(ctx context.Context, ref ThreadRef, finalStatus string) error
}

// EventSource is the inbound side: a stream of thread replies.
type EventSource interface {
	// Listen delivers replies until ctx is cancelled. Reconnection on
	// transport failure is the implementation's problem.
	Listen(ctx context.Context, replies chan<- ThreadReply) error
}
