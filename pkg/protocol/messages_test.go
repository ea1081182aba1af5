package protocol

import (
	"encoding/json"
	"testing"
)

func TestParseMessage_Register(t *testing.T) {
	raw := []byte(`{
		"type": "register",
		"key": "wkr_abc",
		"tools": [
			{"name": "read_file", "description": "Read a file", "input_schema": {"type":"object"}}
		]
	}`)

	msg, err := ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}

	reg, ok := msg.(RegisterMessage)
	if !ok {
		t.Fatalf("expected RegisterMessage, got %T", msg)
	}
	if reg.Key != "wkr_abc" {
		t.Errorf("key = %q, want wkr_abc", reg.Key)
	}
	if len(reg.Tools) != 1 || reg.Tools[0].Name != "read_file" {
		t.Errorf("tools = %+v, want one read_file entry", reg.Tools)
	}
}

func TestParseMessage_ToolResult(t *testing.T) {
	raw := []byte(`{"type":"tool_result","call_id":"c1","status":"ok","payload":"hello"}`)

	msg, err := ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}

	res, ok := msg.(ToolResultMessage)
	if !ok {
		t.Fatalf("expected ToolResultMessage, got %T", msg)
	}
	if res.CallID != "c1" || res.Status != StatusOK {
		t.Errorf("got call_id=%q status=%q", res.CallID, res.Status)
	}

	var payload string
	if err := json.Unmarshal(res.Payload, &payload); err != nil {
		t.Fatalf("unmarshaling payload: %v", err)
	}
	if payload != "hello" {
		t.Errorf("payload = %q, want hello", payload)
	}
}

func TestParseMessage_UnknownType(t *testing.T) {
	if _, err := ParseMessage([]byte(`{"type":"bogus"}`)); err == nil {
		t.Fatal("unknown message type should error")
	}
}

func TestParseMessage_InvalidJSON(t *testing.T) {
	if _, err := ParseMessage([]byte(`{not json`)); err == nil {
		t.Fatal("invalid JSON should error")
	}
}

func TestMarshalRoundTrip_ToolCall(t *testing.T) {
	call := ToolCallMessage{
		Type:      TypeToolCall,
		CallID:    "c42",
		ToolName:  "run_command",
		Arguments: json.RawMessage(`{"command":"ls"}`),
	}

	data, err := MarshalMessage(call)
	if err != nil {
		t.Fatalf("MarshalMessage: %v", err)
	}

	msg, err := ParseMessage(data)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	got, ok := msg.(ToolCallMessage)
	if !ok {
		t.Fatalf("expected ToolCallMessage, got %T", msg)
	}
	if got.CallID != call.CallID || got.ToolName != call.ToolName {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestParseMessage_Cancel(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"type":"cancel","call_id":"c9"}`))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	cancel, ok := msg.(CancelMessage)
	if !ok {
		t.Fatalf("expected CancelMessage, got %T", msg)
	}
	if cancel.CallID != "c9" {
		t.Errorf("call_id = %q, want c9", cancel.CallID)
	}
}
