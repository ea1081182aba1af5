// Package protocol defines the WebSocket message types exchanged between the
// agenthub server and tool workers.
//
// This is the shared contract. Both agenthub-server and agenthub-worker use
// these types; the pool manager never speaks this protocol.
package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType identifies the kind of message sent over the WebSocket connection.
type MessageType string

const (
	// Worker → Server
	TypeRegister   MessageType = "register"
	TypeToolResult MessageType = "tool_result"
	TypeHeartbeat  MessageType = "heartbeat"

	// Server → Worker
	TypeRegisterAck  MessageType = "register_ack"
	TypeToolCall     MessageType = "tool_call"
	TypeCancel       MessageType = "cancel"
	TypeHeartbeatAck MessageType = "heartbeat_ack"
)

// Result statuses carried in ToolResultMessage.Status.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Envelope is the first-pass parse of any WebSocket message.
// We read the "type" field to determine which concrete type to unmarshal into.
type Envelope struct {
	Type MessageType `json:"type"`
}

// ToolSchema describes one callable tool a worker advertises at registration.
// InputSchema is the raw JSON Schema for the tool's arguments object, passed
// through to the LLM unmodified.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// --- Worker → Server messages ---

// RegisterMessage is the first frame a worker sends after connecting.
// It authenticates the worker and announces its callable tools. The tool set
// is fixed for the lifetime of the connection — a worker that wants to change
// its tools reconnects.
type RegisterMessage struct {
	Type  MessageType  `json:"type"`
	Key   string       `json:"key"`
	Tools []ToolSchema `json:"tools"`
}

// ToolResultMessage is sent by a worker after completing (or failing) a tool
// call. Status "ok" carries the result in Payload; status "error" carries a
// worker-side failure description in Payload (tool threw, command failed).
// Worker-side failures are protocol messages, not transport failures.
type ToolResultMessage struct {
	Type       MessageType     `json:"type"`
	CallID     string          `json:"call_id"`
	Status     string          `json:"status"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
}

// HeartbeatMessage is a keepalive from the worker.
type HeartbeatMessage struct {
	Type MessageType `json:"type"`
}

// --- Server → Worker messages ---

// RegisterAckMessage is the server's response to a RegisterMessage.
type RegisterAckMessage struct {
	Type     MessageType `json:"type"`
	Success  bool        `json:"success"`
	WorkerID string      `json:"worker_id,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// ToolCallMessage assigns one tool invocation to a worker.
type ToolCallMessage struct {
	Type      MessageType     `json:"type"`
	CallID    string          `json:"call_id"`
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CancelMessage tells the worker to abandon an in-flight tool call.
// It is best-effort: the server has already failed the call locally by the
// time this is sent, and any late result for the call id is ignored.
type CancelMessage struct {
	Type   MessageType `json:"type"`
	CallID string      `json:"call_id"`
}

// HeartbeatAckMessage is the server's response to a HeartbeatMessage.
type HeartbeatAckMessage struct {
	Type MessageType `json:"type"`
}

// ParseMessage reads a raw WebSocket message and returns the typed message.
// It first parses the envelope to determine the type, then unmarshals into
// the concrete struct.
func ParseMessage(data []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parsing message envelope: %w", err)
	}

	switch env.Type {
	case TypeRegister:
		var msg RegisterMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("parsing register message: %w", err)
		}
		return msg, nil

	case TypeToolResult:
		var msg ToolResultMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("parsing tool_result message: %w", err)
		}
		return msg, nil

	case TypeHeartbeat:
		return HeartbeatMessage{Type: TypeHeartbeat}, nil

	case TypeRegisterAck:
		var msg RegisterAckMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("parsing register_ack message: %w", err)
		}
		return msg, nil

	case TypeToolCall:
		var msg ToolCallMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("parsing tool_call message: %w", err)
		}
		return msg, nil

	case TypeCancel:
		var msg CancelMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("parsing cancel message: %w", err)
		}
		return msg, nil

	case TypeHeartbeatAck:
		return HeartbeatAckMessage{Type: TypeHeartbeatAck}, nil

	default:
		return nil, fmt.Errorf("unknown message type: %q", env.Type)
	}
}

// MarshalMessage serializes a message to JSON bytes for sending over WebSocket.
func MarshalMessage(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling message: %w", err)
	}
	return data, nil
}
