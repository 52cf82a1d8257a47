package wrapper

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// ptyBridge attaches the host process to a pseudo-terminal and moves
// bytes between it, the real terminal and the ring buffer.
type ptyBridge struct {
	buffer *RingBuffer
	stdin  *os.File
	stdout *os.File

	mu       sync.Mutex
	ptmx     *os.File
	oldState *term.State
	winch    chan os.Signal
}

func newPtyBridge(buffer *RingBuffer) *ptyBridge {
	return &ptyBridge{buffer: buffer, stdin: os.Stdin, stdout: os.Stdout}
}

// start launches cmd under a fresh pty, switches the controlling
// terminal to raw mode and begins forwarding resize signals.
func (b *ptyBridge) start(cmd *exec.Cmd) error {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("failed to start pty: %w", err)
	}
	b.mu.Lock()
	b.ptmx = ptmx
	b.mu.Unlock()

	oldState, err := term.MakeRaw(int(b.stdin.Fd()))
	if err != nil {
		// Not a terminal (piped stdin); keystroke passthrough still works.
		log.Warn().Err(err).Msg("failed to set terminal to raw mode")
	} else {
		b.oldState = oldState
	}

	b.winch = make(chan os.Signal, 1)
	signal.Notify(b.winch, syscall.SIGWINCH)
	go func() {
		for range b.winch {
			b.resize()
		}
	}()
	b.resize()

	return nil
}

// run moves bytes until the host side closes its end of the pty. Every
// output chunk lands in the ring buffer before it is passed through.
func (b *ptyBridge) run() {
	done := make(chan struct{})

	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		for {
			n, err := b.ptmxRead(buf)
			if n > 0 {
				b.buffer.Append(buf[:n])
				_, _ = b.stdout.Write(buf[:n])
			}
			if err != nil {
				if err != io.EOF {
					log.Debug().Err(err).Msg("pty read ended")
				}
				return
			}
		}
	}()

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := b.stdin.Read(buf)
			if err != nil {
				if err != io.EOF {
					log.Debug().Err(err).Msg("stdin read ended")
				}
				return
			}
			if n > 0 {
				b.write(buf[:n])
			}
		}
	}()

	<-done
}

// inject reproduces a human paste-then-Enter gesture: the text, a
// short pause so the host's input handling settles, then a carriage
// return.
func (b *ptyBridge) inject(text string, pause time.Duration) {
	if text == "" {
		return
	}
	b.write([]byte(text))
	time.Sleep(pause)
	b.write([]byte("\r"))
}

func (b *ptyBridge) write(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ptmx != nil {
		_, _ = b.ptmx.Write(p)
	}
}

func (b *ptyBridge) ptmxRead(p []byte) (int, error) {
	b.mu.Lock()
	ptmx := b.ptmx
	b.mu.Unlock()
	if ptmx == nil {
		return 0, io.EOF
	}
	return ptmx.Read(p)
}

// resize syncs the pty size to the terminal, unconditionally.
func (b *ptyBridge) resize() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ptmx == nil {
		return
	}

	size, err := pty.GetsizeFull(b.stdin)
	if err != nil {
		log.Debug().Err(err).Msg("failed to get terminal size")
		return
	}
	if err := pty.Setsize(b.ptmx, size); err != nil {
		log.Debug().Err(err).Msg("failed to set pty size")
	}
}

// restore undoes raw mode and closes the pty.
func (b *ptyBridge) restore() {
	if b.winch != nil {
		signal.Stop(b.winch)
		close(b.winch)
		b.winch = nil
	}
	if b.oldState != nil {
		_ = term.Restore(int(b.stdin.Fd()), b.oldState)
		b.oldState = nil
	}

	b.mu.Lock()
	if b.ptmx != nil {
		_ = b.ptmx.Close()
		b.ptmx = nil
	}
	b.mu.Unlock()
}
