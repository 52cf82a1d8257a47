package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cbridge/cbridge/internal/platform"
)

func TestClient_CreateThread(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat.postMessage" {
			t.Errorf("path = %s, want /chat.postMessage", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer xoxb-test" {
			t.Errorf("Authorization = %s", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":true,"ts":"1700000000.000100","channel":"C0AB12CD3"}`)
	}))
	defer srv.Close()

	c := NewClient("xoxb-test", "C0AB12CD3", WithAPIURL(srv.URL))
	ref, err := c.CreateThread(context.Background(), platform.ThreadInfo{
		Project:   "demo",
		SessionID: "abc12345",
		Terminal:  "tmux",
		StartedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateThread failed: %v", err)
	}
	if ref.ThreadHandle != "1700000000.000100" || ref.ChannelHandle != "C0AB12CD3" {
		t.Errorf("ref = %+v", ref)
	}
	if gotBody["channel"] != "C0AB12CD3" {
		t.Errorf("channel = %v", gotBody["channel"])
	}
	text, _ := gotBody["text"].(string)
	if !strings.Contains(text, "demo") || !strings.Contains(text, "abc12345") {
		t.Errorf("root message missing session info: %q", text)
	}
}

func TestClient_PostMessage_UsesThreadTS(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":true,"ts":"1700000000.000200"}`)
	}))
	defer srv.Close()

	c := NewClient("xoxb-test", "C0AB12CD3", WithAPIURL(srv.URL))
	ref := platform.ThreadRef{ThreadHandle: "1700000000.000100", ChannelHandle: "C0AB12CD3"}
	if err := c.PostMessage(context.Background(), ref, "hello thread"); err != nil {
		t.Fatalf("PostMessage failed: %v", err)
	}
	if gotBody["thread_ts"] != "1700000000.000100" {
		t.Errorf("thread_ts = %v", gotBody["thread_ts"])
	}
	if gotBody["text"] != "hello thread" {
		t.Errorf("text = %v", gotBody["text"])
	}
}

func TestClient_PostMessage_EmptyRef(t *testing.T) {
	c := NewClient("xoxb-test", "C0AB12CD3")
	err := c.PostMessage(context.Background(), platform.ThreadRef{}, "text")
	if err == nil {
		t.Fatal("expected error for empty thread ref")
	}
}

func TestClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":false,"error":"channel_not_found"}`)
	}))
	defer srv.Close()

	c := NewClient("xoxb-test", "CMISSING", WithAPIURL(srv.URL))
	_, err := c.CreateThread(context.Background(), platform.ThreadInfo{Project: "demo", SessionID: "x"})
	if err == nil {
		t.Fatal("expected error from api failure")
	}
	if !strings.Contains(err.Error(), "channel_not_found") {
		t.Errorf("error = %v, want channel_not_found mentioned", err)
	}
}

func TestClient_AddReaction_AlreadyReacted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":false,"error":"already_reacted"}`)
	}))
	defer srv.Close()

	c := NewClient("xoxb-test", "C0AB12CD3", WithAPIURL(srv.URL))
	if err := c.AddReaction(context.Background(), "C0AB12CD3", "1700000000.000100", "white_check_mark"); err != nil {
		t.Errorf("already_reacted should not be an error, got %v", err)
	}
}

func TestSplitMessage(t *testing.T) {
	if got := splitMessage("short"); len(got) != 1 || got[0] != "short" {
		t.Errorf("splitMessage(short) = %#v", got)
	}

	two := strings.Repeat("a", maxMessageLen+10)
	chunks := splitMessage(two)
	if len(chunks) != 2 {
		t.Fatalf("len = %d, want 2", len(chunks))
	}
	if len([]rune(chunks[0])) != maxMessageLen {
		t.Errorf("first chunk len = %d", len([]rune(chunks[0])))
	}

	huge := strings.Repeat("b", maxMessageLen*maxChunks+500)
	chunks = splitMessage(huge)
	if len(chunks) != maxChunks {
		t.Fatalf("len = %d, want %d", len(chunks), maxChunks)
	}
	if !strings.HasSuffix(chunks[maxChunks-1], "(truncated)") {
		t.Error("overflow should be marked truncated")
	}
}
