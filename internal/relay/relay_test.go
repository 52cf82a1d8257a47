package relay

import (
	"context"
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cbridge/cbridge/internal/platform"
	"github.com/cbridge/cbridge/internal/store"
)

type reaction struct {
	channel   string
	timestamp string
	name      string
}

// reactionRecorder is a platform stub that only tracks AddReaction calls.
type reactionRecorder struct {
	mu        sync.Mutex
	reactions []reaction
}

func (p *reactionRecorder) CreateThread(ctx context.Context, info platform.ThreadInfo) (platform.ThreadRef, error) {
	return platform.ThreadRef{}, nil
}

func (p *reactionRecorder) PostMessage(ctx context.Context, ref platform.ThreadRef, text string) error {
	return nil
}

func (p *reactionRecorder) AddReaction(ctx context.Context, channel, timestamp, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reactions = append(p.reactions, reaction{channel, timestamp, name})
	return nil
}

func (p *reactionRecorder) ArchiveThread(ctx context.Context, ref platform.ThreadRef, finalStatus string) error {
	return nil
}

func (p *reactionRecorder) recorded() []reaction {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]reaction, len(p.reactions))
	copy(out, p.reactions)
	return out
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// listenSession binds a unix socket like a wrapper would and returns a
// channel of received payloads.
func listenSession(t *testing.T, path string) <-chan string {
	t.Helper()
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("failed to listen on %s: %v", path, err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	received := make(chan string, 4)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			data, _ := io.ReadAll(conn)
			_ = conn.Close()
			received <- string(data)
		}
	}()
	return received
}

func mustCreate(t *testing.T, st *store.Store, rec *store.Record) {
	t.Helper()
	if _, err := st.Create(rec); err != nil {
		t.Fatalf("Create(%s) failed: %v", rec.SessionID, err)
	}
}

func expectPayload(t *testing.T, received <-chan string, want string) {
	t.Helper()
	select {
	case got := <-received:
		if got != want {
			t.Fatalf("delivered %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no payload delivered, want %q", want)
	}
}

func TestRelay_DeliversReplyToSessionSocket(t *testing.T) {
	st := openTestStore(t)
	sock := filepath.Join(t.TempDir(), "abc12345.sock")
	received := listenSession(t, sock)

	mustCreate(t, st, &store.Record{
		SessionID:     "abc12345",
		Project:       "demo",
		Terminal:      "tmux",
		SocketPath:    sock,
		ThreadHandle:  "1700000000.000100",
		ChannelHandle: "C0RELAY",
	})

	rec := &reactionRecorder{}
	r := New(st, rec)
	r.Handle(context.Background(), platform.ThreadReply{
		ThreadHandle:  "1700000000.000100",
		ChannelHandle: "C0RELAY",
		UserID:        "U123",
		Text:          "yes, proceed",
		Timestamp:     "1700000001.000200",
	})

	expectPayload(t, received, "yes, proceed")

	reactions := rec.recorded()
	if len(reactions) != 1 {
		t.Fatalf("reactions = %d, want 1", len(reactions))
	}
	if reactions[0].name != "white_check_mark" {
		t.Fatalf("reaction = %q, want white_check_mark", reactions[0].name)
	}
	if reactions[0].timestamp != "1700000001.000200" {
		t.Fatalf("reaction timestamp = %q, want the reply's own", reactions[0].timestamp)
	}
}

func TestRelay_MapsReactionToDigit(t *testing.T) {
	st := openTestStore(t)
	sock := filepath.Join(t.TempDir(), "abc12345.sock")
	received := listenSession(t, sock)

	mustCreate(t, st, &store.Record{
		SessionID:     "abc12345",
		Project:       "demo",
		Terminal:      "tmux",
		SocketPath:    sock,
		ThreadHandle:  "1700000000.000100",
		ChannelHandle: "C0RELAY",
	})

	r := New(st, &reactionRecorder{})
	r.Handle(context.Background(), platform.ThreadReply{
		ThreadHandle:  "1700000000.000100",
		ChannelHandle: "C0RELAY",
		Timestamp:     "1700000000.000100",
		Reaction:      "one",
	})

	expectPayload(t, received, "1")
}

func TestRelay_UnmappedReactionIgnored(t *testing.T) {
	st := openTestStore(t)
	sock := filepath.Join(t.TempDir(), "abc12345.sock")
	received := listenSession(t, sock)

	mustCreate(t, st, &store.Record{
		SessionID:     "abc12345",
		Project:       "demo",
		Terminal:      "tmux",
		SocketPath:    sock,
		ThreadHandle:  "1700000000.000100",
		ChannelHandle: "C0RELAY",
	})

	rec := &reactionRecorder{}
	r := New(st, rec)
	r.Handle(context.Background(), platform.ThreadReply{
		ThreadHandle:  "1700000000.000100",
		ChannelHandle: "C0RELAY",
		Timestamp:     "1700000000.000100",
		Reaction:      "eyes",
	})

	select {
	case got := <-received:
		t.Fatalf("unexpected delivery %q for unmapped reaction", got)
	case <-time.After(200 * time.Millisecond):
	}
	if len(rec.recorded()) != 0 {
		t.Fatal("unmapped reaction should not be acknowledged")
	}
}

func TestRelay_SkipsStaleSocketRecord(t *testing.T) {
	st := openTestStore(t)
	liveSock := filepath.Join(t.TempDir(), "live.sock")
	received := listenSession(t, liveSock)

	// The short wrapper id is normally preferred, but its socket is gone.
	mustCreate(t, st, &store.Record{
		SessionID:     "dead1234",
		Project:       "demo",
		Terminal:      "tmux",
		SocketPath:    filepath.Join(t.TempDir(), "missing.sock"),
		ThreadHandle:  "1700000000.000100",
		ChannelHandle: "C0RELAY",
	})
	mustCreate(t, st, &store.Record{
		SessionID:     "44444444-aaaa-bbbb-cccc-dddddddddddd",
		Project:       "demo",
		Terminal:      "tmux",
		SocketPath:    liveSock,
		ThreadHandle:  "1700000000.000100",
		ChannelHandle: "C0RELAY",
	})

	r := New(st, &reactionRecorder{})
	r.Handle(context.Background(), platform.ThreadReply{
		ThreadHandle:  "1700000000.000100",
		ChannelHandle: "C0RELAY",
		Text:          "2",
		Timestamp:     "1700000002.000300",
	})

	expectPayload(t, received, "2")
}

func TestRelay_WarnsWhenNoLiveSession(t *testing.T) {
	st := openTestStore(t)

	rec := &reactionRecorder{}
	r := New(st, rec)
	r.Handle(context.Background(), platform.ThreadReply{
		ThreadHandle:  "1700000000.000999",
		ChannelHandle: "C0RELAY",
		Text:          "anyone home?",
		Timestamp:     "1700000003.000400",
	})

	reactions := rec.recorded()
	if len(reactions) != 1 {
		t.Fatalf("reactions = %d, want 1", len(reactions))
	}
	if reactions[0].name != "warning" {
		t.Fatalf("reaction = %q, want warning", reactions[0].name)
	}
}

func TestRelay_PrefersWrapperRecordSocket(t *testing.T) {
	st := openTestStore(t)
	dir := t.TempDir()
	wrapperSock := filepath.Join(dir, "wrapper.sock")
	aliasSock := filepath.Join(dir, "alias.sock")
	wrapperRecv := listenSession(t, wrapperSock)
	aliasRecv := listenSession(t, aliasSock)

	mustCreate(t, st, &store.Record{
		SessionID:     "44444444-aaaa-bbbb-cccc-dddddddddddd",
		Project:       "demo",
		Terminal:      "tmux",
		SocketPath:    aliasSock,
		ThreadHandle:  "1700000000.000100",
		ChannelHandle: "C0RELAY",
	})
	mustCreate(t, st, &store.Record{
		SessionID:     "abc12345",
		Project:       "demo",
		Terminal:      "tmux",
		SocketPath:    wrapperSock,
		ThreadHandle:  "1700000000.000100",
		ChannelHandle: "C0RELAY",
	})

	r := New(st, &reactionRecorder{})
	r.Handle(context.Background(), platform.ThreadReply{
		ThreadHandle:  "1700000000.000100",
		ChannelHandle: "C0RELAY",
		Text:          "route me",
		Timestamp:     "1700000004.000500",
	})

	expectPayload(t, wrapperRecv, "route me")
	select {
	case got := <-aliasRecv:
		t.Fatalf("alias socket unexpectedly received %q", got)
	case <-time.After(200 * time.Millisecond):
	}
}
