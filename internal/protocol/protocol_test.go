package protocol

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestReadRequest_Valid(t *testing.T) {
	input := `{"command": "GET", "data": {"session_id": "abc12345"}}` + "\n"

	req, err := ReadRequest(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ReadRequest failed: %v", err)
	}
	if req.Command != CmdGet {
		t.Errorf("Command = %s, want GET", req.Command)
	}

	var data SessionIDData
	if err := DecodeData(req.Data, &data); err != nil {
		t.Fatalf("DecodeData failed: %v", err)
	}
	if data.SessionID != "abc12345" {
		t.Errorf("SessionID = %s, want abc12345", data.SessionID)
	}
}

func TestReadRequest_MissingCommand(t *testing.T) {
	_, err := ReadRequest(strings.NewReader(`{"data": {}}` + "\n"))
	if err == nil {
		t.Fatal("expected error for missing command")
	}
}

func TestReadRequest_MalformedJSON(t *testing.T) {
	_, err := ReadRequest(strings.NewReader("{not json}\n"))
	if err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestReadRequest_Oversized(t *testing.T) {
	big := `{"command": "REGISTER", "data": {"project": "` +
		strings.Repeat("x", MaxRequestBytes) + `"}}` + "\n"

	_, err := ReadRequest(strings.NewReader(big))
	if !errors.Is(err, ErrRequestTooLarge) {
		t.Fatalf("error = %v, want ErrRequestTooLarge", err)
	}
}

func TestWriteReadResponse_RoundTrip(t *testing.T) {
	var buf bytes.Buffer

	count := 2
	resp := &Response{Success: true, Count: &count}
	if err := WriteResponse(&buf, resp); err != nil {
		t.Fatalf("WriteResponse failed: %v", err)
	}
	if !bytes.HasSuffix(buf.Bytes(), []byte("\n")) {
		t.Error("response is not newline-terminated")
	}

	got, err := ReadResponse(&buf)
	if err != nil {
		t.Fatalf("ReadResponse failed: %v", err)
	}
	if !got.Success {
		t.Error("Success lost in round trip")
	}
	if got.Count == nil || *got.Count != 2 {
		t.Errorf("Count = %v, want 2", got.Count)
	}
}

func TestNewRequest_EncodesPayload(t *testing.T) {
	req, err := NewRequest(CmdRegister, &RegisterData{
		SessionID:  "abc12345",
		Project:    "demo",
		Terminal:   "tmux",
		SocketPath: "/tmp/cbridge/abc12345.sock",
	})
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteRequest(&buf, req); err != nil {
		t.Fatalf("WriteRequest failed: %v", err)
	}

	parsed, err := ReadRequest(&buf)
	if err != nil {
		t.Fatalf("ReadRequest failed: %v", err)
	}
	var data RegisterData
	if err := DecodeData(parsed.Data, &data); err != nil {
		t.Fatalf("DecodeData failed: %v", err)
	}
	if data.Project != "demo" || data.SocketPath != "/tmp/cbridge/abc12345.sock" {
		t.Errorf("payload mismatch: %+v", data)
	}
}

func TestRegisterData_Validate(t *testing.T) {
	valid := RegisterData{
		SessionID:  "abc12345",
		Project:    "demo",
		Terminal:   "tmux",
		SocketPath: "/tmp/s.sock",
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid data rejected: %v", err)
	}

	missing := []RegisterData{
		{Project: "demo", Terminal: "tmux", SocketPath: "/tmp/s.sock"},
		{SessionID: "abc12345", Terminal: "tmux", SocketPath: "/tmp/s.sock"},
		{SessionID: "abc12345", Project: "demo", SocketPath: "/tmp/s.sock"},
		{SessionID: "abc12345", Project: "demo", Terminal: "tmux"},
	}
	for i, data := range missing {
		if err := data.Validate(); err == nil {
			t.Errorf("case %d: incomplete data accepted", i)
		}
	}
}

func TestRegisterExistingData_Validate(t *testing.T) {
	valid := RegisterExistingData{
		SessionID:     "abc12345-6789-4abc-8def-001122334455",
		ThreadHandle:  "1700000000.000100",
		ChannelHandle: "C0AB12CD3",
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid data rejected: %v", err)
	}

	if err := (&RegisterExistingData{SessionID: "x", ThreadHandle: "t"}).Validate(); err == nil {
		t.Error("missing channel_handle accepted")
	}
	if err := (&RegisterExistingData{ThreadHandle: "t", ChannelHandle: "c"}).Validate(); err == nil {
		t.Error("missing session_id accepted")
	}
}

func TestFail_FormatsMessage(t *testing.T) {
	resp := Fail("unknown command: %s", "BOGUS")
	if resp.Success {
		t.Error("Fail response marked successful")
	}
	if resp.Error != "unknown command: BOGUS" {
		t.Errorf("Error = %q", resp.Error)
	}
}
