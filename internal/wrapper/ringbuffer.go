// Package wrapper supervises one interactive host session inside a
// pseudo-terminal: it bridges keyboard, remote input socket and pty,
// captures output into a bounded ring buffer, and keeps the session
// registered while it runs.
package wrapper

import (
	"os"
	"sync"

	"github.com/rs/zerolog/log"
)

// RingBuffer keeps the most recent capacity bytes of pty output and
// mirrors every change to a side-channel file, so out-of-process
// readers can inspect the tail without talking to the wrapper. One
// mutex covers both the in-memory bytes and the file write; readers
// of the file always see a complete snapshot or the previous one.
type RingBuffer struct {
	mu       sync.Mutex
	data     []byte
	capacity int
	path     string
}

// NewRingBuffer creates a buffer of the given byte capacity mirrored
// at path.
func NewRingBuffer(capacity int, path string) *RingBuffer {
	return &RingBuffer{capacity: capacity, path: path}
}

// Append adds p, evicting the oldest bytes once capacity is exceeded,
// and rewrites the mirror file.
func (b *RingBuffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.data = append(b.data, p...)
	if len(b.data) > b.capacity {
		b.data = b.data[len(b.data)-b.capacity:]
	}
	b.writeMirror()
}

// Bytes returns a copy of the current contents.
func (b *RingBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// Len returns the number of buffered bytes.
func (b *RingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Clear empties the buffer and truncates the mirror file. Called after
// a successful extraction and on teardown so stale output is never
// re-extracted.
func (b *RingBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = b.data[:0]
	b.writeMirror()
}

// Relocate moves the mirror file to a new path, carrying the current
// contents along. Used when the host reveals its own session id and
// downstream consumers keyed by that id need to find the capture.
func (b *RingBuffer) Relocate(newPath string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if newPath == b.path {
		return
	}
	old := b.path
	b.path = newPath
	b.writeMirror()
	if old != "" {
		if err := os.Remove(old); err != nil && !os.IsNotExist(err) {
			log.Debug().Err(err).Str("path", old).Msg("failed to remove old capture file")
		}
	}
}

// Path returns the current mirror file path.
func (b *RingBuffer) Path() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.path
}

// Remove deletes the mirror file entirely. Teardown only.
func (b *RingBuffer) Remove() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.path == "" {
		return
	}
	if err := os.Remove(b.path); err != nil && !os.IsNotExist(err) {
		log.Debug().Err(err).Str("path", b.path).Msg("failed to remove capture file")
	}
}

// writeMirror rewrites the side-channel file. Callers hold b.mu.
func (b *RingBuffer) writeMirror() {
	if b.path == "" {
		return
	}
	if err := os.WriteFile(b.path, b.data, 0644); err != nil {
		log.Debug().Err(err).Str("path", b.path).Msg("failed to write capture file")
	}
}
