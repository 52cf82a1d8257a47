package wrapper

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestHostIDWatcher_FindsNewTranscript(t *testing.T) {
	dir := t.TempDir()
	w := NewHostIDWatcher(dir, "abc12345", time.Now().Add(-time.Second))
	w.poll = 50 * time.Millisecond

	type result struct {
		id  string
		err error
	}
	got := make(chan result, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() {
		id, err := w.Watch(ctx)
		got <- result{id, err}
	}()

	time.Sleep(150 * time.Millisecond)
	hostID := "6ba7b810-9dad-11d1-80b4-00c04fd430c8"
	if err := os.WriteFile(filepath.Join(dir, hostID+".jsonl"), []byte("{}\n"), 0644); err != nil {
		t.Fatalf("write transcript: %v", err)
	}

	select {
	case r := <-got:
		if r.err != nil {
			t.Fatalf("Watch failed: %v", r.err)
		}
		if r.id != hostID {
			t.Errorf("id = %q, want %q", r.id, hostID)
		}
	case <-ctx.Done():
		t.Fatal("watcher never reported the host id")
	}
}

func TestHostIDWatcher_IgnoresOwnID(t *testing.T) {
	dir := t.TempDir()
	ownID := "abc12345"
	if err := os.WriteFile(filepath.Join(dir, ownID+".jsonl"), []byte("{}\n"), 0644); err != nil {
		t.Fatalf("write transcript: %v", err)
	}

	w := NewHostIDWatcher(dir, ownID, time.Now().Add(-time.Minute))
	w.poll = 50 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	id, err := w.Watch(ctx)
	if err == nil {
		t.Fatalf("Watch returned %q for the wrapper's own transcript", id)
	}
}

func TestHostIDWatcher_WaitsForDirectoryToAppear(t *testing.T) {
	parent := t.TempDir()
	dir := filepath.Join(parent, "projects", "-tmp-demo")

	w := NewHostIDWatcher(dir, "abc12345", time.Now().Add(-time.Second))
	w.poll = 50 * time.Millisecond

	type result struct {
		id  string
		err error
	}
	got := make(chan result, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() {
		id, err := w.Watch(ctx)
		got <- result{id, err}
	}()

	time.Sleep(150 * time.Millisecond)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	hostID := "11111111-aaaa-4bbb-8ccc-000000000001"
	if err := os.WriteFile(filepath.Join(dir, hostID+".jsonl"), []byte("{}\n"), 0644); err != nil {
		t.Fatalf("write transcript: %v", err)
	}

	select {
	case r := <-got:
		if r.err != nil {
			t.Fatalf("Watch failed: %v", r.err)
		}
		if r.id != hostID {
			t.Errorf("id = %q, want %q", r.id, hostID)
		}
	case <-ctx.Done():
		t.Fatal("watcher never found the late directory")
	}
}
