package transcript

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEncodeProjectDir(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"/home/user/my_project", "-home-user-my-project"},
		{"/home/user/app.v2", "-home-user-app-v2"},
		{"/tmp/demo/", "-tmp-demo"},
	}
	for _, tc := range cases {
		if got := EncodeProjectDir(tc.in); got != tc.want {
			t.Errorf("EncodeProjectDir(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestLatestSessionID(t *testing.T) {
	dir := t.TempDir()

	write := func(name string, mod time.Time) {
		t.Helper()
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("{}\n"), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		if err := os.Chtimes(path, mod, mod); err != nil {
			t.Fatalf("chtimes %s: %v", name, err)
		}
	}

	now := time.Now()
	write("11111111-aaaa-4bbb-8ccc-000000000001.jsonl", now.Add(-2*time.Hour))
	write("22222222-aaaa-4bbb-8ccc-000000000002.jsonl", now.Add(-time.Minute))
	// Newer but a subagent transcript: must be skipped.
	write("agent-33333333-aaaa-4bbb-8ccc-000000000003.jsonl", now)
	// Not a transcript at all.
	write("notes.txt", now)

	got, err := LatestSessionID(dir)
	if err != nil {
		t.Fatalf("LatestSessionID failed: %v", err)
	}
	if got != "22222222-aaaa-4bbb-8ccc-000000000002" {
		t.Errorf("LatestSessionID = %q", got)
	}
}

func TestLatestSessionID_MissingDir(t *testing.T) {
	got, err := LatestSessionID(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("LatestSessionID failed: %v", err)
	}
	if got != "" {
		t.Errorf("LatestSessionID = %q, want empty", got)
	}
}

func TestLatestSessionIDSince_IgnoresOlderTranscripts(t *testing.T) {
	dir := t.TempDir()

	write := func(name string, mod time.Time) {
		t.Helper()
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("{}\n"), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		if err := os.Chtimes(path, mod, mod); err != nil {
			t.Fatalf("chtimes %s: %v", name, err)
		}
	}

	now := time.Now()
	baseline := now.Add(-time.Minute)
	write("11111111-aaaa-4bbb-8ccc-000000000001.jsonl", now.Add(-time.Hour))

	got, err := LatestSessionIDSince(dir, baseline)
	if err != nil {
		t.Fatalf("LatestSessionIDSince failed: %v", err)
	}
	if got != "" {
		t.Errorf("pre-baseline transcript leaked through: %q", got)
	}

	write("22222222-aaaa-4bbb-8ccc-000000000002.jsonl", now)
	got, err = LatestSessionIDSince(dir, baseline)
	if err != nil {
		t.Fatalf("LatestSessionIDSince failed: %v", err)
	}
	if got != "22222222-aaaa-4bbb-8ccc-000000000002" {
		t.Errorf("LatestSessionIDSince = %q", got)
	}
}

func TestLatestAssistantText(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")

	content := `{"type":"user","message":{"role":"user","content":"hello"}}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"first reply"}]}}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","name":"Bash"}]}}
not json at all
{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"final reply"}]}}
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write transcript: %v", err)
	}

	got, err := LatestAssistantText(path)
	if err != nil {
		t.Fatalf("LatestAssistantText failed: %v", err)
	}
	if got != "final reply" {
		t.Errorf("LatestAssistantText = %q, want %q", got, "final reply")
	}
}

func TestLatestAssistantText_StringContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")

	content := `{"type":"assistant","message":{"role":"assistant","content":"plain string reply"}}
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write transcript: %v", err)
	}

	got, err := LatestAssistantText(path)
	if err != nil {
		t.Fatalf("LatestAssistantText failed: %v", err)
	}
	if got != "plain string reply" {
		t.Errorf("LatestAssistantText = %q", got)
	}
}

func TestLatestAssistantText_NoAssistant(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")

	if err := os.WriteFile(path, []byte(`{"type":"user","message":{"content":"hi"}}`+"\n"), 0644); err != nil {
		t.Fatalf("write transcript: %v", err)
	}

	got, err := LatestAssistantText(path)
	if err != nil {
		t.Fatalf("LatestAssistantText failed: %v", err)
	}
	if got != "" {
		t.Errorf("LatestAssistantText = %q, want empty", got)
	}
}
