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

	"github.com/gorilla/websocket"

	"github.com/cbridge/cbridge/internal/platform"
)

func TestSocketMode_DeliversThreadReply(t *testing.T) {
	acks := make(chan string, 4)
	upgrader := websocket.Upgrader{}
	wsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		_ = conn.WriteJSON(map[string]string{"type": "hello"})
		_ = conn.WriteJSON(envelope{
			EnvelopeID: "env-1",
			Type:       "events_api",
			Payload:    json.RawMessage(`{"event":{"type":"message","channel":"C0AB12CD3","user":"U777","text":"2","ts":"1700000000.000200","thread_ts":"1700000000.000100"}}`),
		})

		var ack envelopeAck
		if err := conn.ReadJSON(&ack); err != nil {
			return
		}
		acks <- ack.EnvelopeID

		// Hold the connection until the client hangs up.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer wsSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(wsSrv.URL, "http")
	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/apps.connections.open" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"ok":true,"url":%q}`, wsURL)
	}))
	defer apiSrv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewSocketMode("xapp-test", WithConnectionsURL(apiSrv.URL))
	replies := make(chan platform.ThreadReply, 1)
	listenDone := make(chan error, 1)
	go func() { listenDone <- s.Listen(ctx, replies) }()

	select {
	case reply := <-replies:
		if reply.ThreadHandle != "1700000000.000100" {
			t.Errorf("ThreadHandle = %s", reply.ThreadHandle)
		}
		if reply.ChannelHandle != "C0AB12CD3" || reply.UserID != "U777" || reply.Text != "2" {
			t.Errorf("reply = %+v", reply)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reply")
	}

	select {
	case id := <-acks:
		if id != "env-1" {
			t.Errorf("acked envelope = %s, want env-1", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for ack")
	}

	cancel()
	select {
	case <-listenDone:
	case <-time.After(3 * time.Second):
		t.Fatal("Listen did not return after cancel")
	}
}

func TestParseEvent_ThreadedMessage(t *testing.T) {
	payload := json.RawMessage(`{"event":{"type":"message","channel":"C1","user":"U1","text":"yes","ts":"2.0","thread_ts":"1.0"}}`)
	reply, ok := parseEvent(payload)
	if !ok {
		t.Fatal("expected reply")
	}
	if reply.ThreadHandle != "1.0" || reply.Timestamp != "2.0" || reply.Text != "yes" {
		t.Errorf("reply = %+v", reply)
	}
}

func TestParseEvent_DropsBots(t *testing.T) {
	cases := []string{
		`{"event":{"type":"message","bot_id":"B1","text":"echo","ts":"2.0","thread_ts":"1.0"}}`,
		`{"event":{"type":"message","subtype":"bot_message","text":"echo","ts":"2.0","thread_ts":"1.0"}}`,
	}
	for _, c := range cases {
		if _, ok := parseEvent(json.RawMessage(c)); ok {
			t.Errorf("bot message should be dropped: %s", c)
		}
	}
}

func TestParseEvent_DropsNonThreaded(t *testing.T) {
	cases := []string{
		`{"event":{"type":"message","user":"U1","text":"chatter","ts":"2.0"}}`,
		`{"event":{"type":"message","user":"U1","text":"root","ts":"1.0","thread_ts":"1.0"}}`,
	}
	for _, c := range cases {
		if _, ok := parseEvent(json.RawMessage(c)); ok {
			t.Errorf("non-threaded message should be dropped: %s", c)
		}
	}
}

func TestParseEvent_ReactionAdded(t *testing.T) {
	payload := json.RawMessage(`{"event":{"type":"reaction_added","user":"U1","reaction":"one","item":{"channel":"C1","ts":"1.0"}}}`)
	reply, ok := parseEvent(payload)
	if !ok {
		t.Fatal("expected reply")
	}
	if reply.Reaction != "one" || reply.ThreadHandle != "1.0" || reply.ChannelHandle != "C1" {
		t.Errorf("reply = %+v", reply)
	}
}

func TestParseEvent_UnknownOrMalformed(t *testing.T) {
	for _, c := range []string{
		`{"event":{"type":"app_mention","text":"hi","ts":"2.0"}}`,
		`{not json`,
	} {
		if _, ok := parseEvent(json.RawMessage(c)); ok {
			t.Errorf("should be dropped: %s", c)
		}
	}
}
