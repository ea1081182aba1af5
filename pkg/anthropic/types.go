// Package anthropic is a minimal client for the Anthropic Messages API,
// covering what the agent loop needs: non-streaming message creation with
// tool definitions and tool_use/tool_result content blocks.
//
// Message content supports both string and array-of-blocks forms:
//
//	{"role": "user", "content": "Hello"}
//	{"role": "user", "content": [{"type": "text", "text": "Hello"}]}
package anthropic

import (
	"encoding/json"
	"strings"
)

// MessagesRequest is the /v1/messages request body.
type MessagesRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Tools     []Tool    `json:"tools,omitempty"`
}

// Message is one conversation turn. Content is either a JSON string or an
// array of content blocks.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// NewTextMessage creates a plain text message.
func NewTextMessage(role, text string) Message {
	data, _ := json.Marshal(text)
	return Message{Role: role, Content: data}
}

// NewBlocksMessage creates a message whose content is an array of blocks.
func NewBlocksMessage(role string, blocks []ContentBlock) Message {
	data, _ := json.Marshal(blocks)
	return Message{Role: role, Content: data}
}

// TextContent returns the message's text: the string itself, or the
// concatenated text blocks.
func (m Message) TextContent() string {
	if len(m.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err == nil {
		var sb strings.Builder
		for _, b := range blocks {
			if b.Type == "text" {
				sb.WriteString(b.Text)
			}
		}
		return sb.String()
	}
	return ""
}

// Tool defines a tool the model can call.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ContentBlock is a content block in a request or response message. The
// fields used depend on Type: "text", "tool_use", or "tool_result".
type ContentBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"` // text

	ID    string          `json:"id,omitempty"`    // tool_use
	Name  string          `json:"name,omitempty"`  // tool_use
	Input json.RawMessage `json:"input,omitempty"` // tool_use

	ToolUseID string `json:"tool_use_id,omitempty"` // tool_result
	Content   string `json:"content,omitempty"`     // tool_result
	IsError   bool   `json:"is_error,omitempty"`    // tool_result
}

// MessagesResponse is the non-streaming /v1/messages response.
type MessagesResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

// StopReasonToolUse is the stop_reason signalling the model wants tool
// results before continuing.
const StopReasonToolUse = "tool_use"

// ToolUses returns the tool_use blocks of the response.
func (r *MessagesResponse) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, b := range r.Content {
		if b.Type == "tool_use" {
			uses = append(uses, b)
		}
	}
	return uses
}

// Text returns the concatenated text blocks of the response.
func (r *MessagesResponse) Text() string {
	var parts []string
	for _, b := range r.Content {
		if b.Type == "text" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Usage reports token counts.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// apiError is the error body returned by the API.
type apiError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
