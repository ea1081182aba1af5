// Package conversation runs the agent loop: it sends conversation turns to
// the Anthropic Messages API with the hub's aggregated tool schemas attached,
// and when the model stops for tool_use it invokes the tools through the hub
// and feeds the results back until the model finishes its turn.
package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/agenthub/agenthub/pkg/anthropic"
	"github.com/agenthub/agenthub/pkg/protocol"
)

// MessagesAPI is the slice of the Anthropic client the loop needs.
type MessagesAPI interface {
	CreateMessage(ctx context.Context, req *anthropic.MessagesRequest) (*anthropic.MessagesResponse, error)
}

// ToolInvoker dispatches tool calls and exposes the current tool schemas.
// The hub implements it.
type ToolInvoker interface {
	ListTools() map[string]protocol.ToolSchema
	Invoke(ctx context.Context, sessionID, tool string, args json.RawMessage) (json.RawMessage, error)
}

// Options configures a Conversation.
type Options struct {
	Model     string
	System    string
	MaxTokens int
	SessionID string

	// Progress callbacks for transports that stream the turn, like the chat
	// WebSocket. Nil callbacks are skipped.
	OnToolUse    func(name string, input json.RawMessage)
	OnToolResult func(toolUseID, content string, isError bool)
}

// Conversation holds one session's message history and drives the agent loop
// over it. Not safe for concurrent use; the server runs at most one turn per
// session at a time.
type Conversation struct {
	api      MessagesAPI
	invoker  ToolInvoker
	opts     Options
	messages []anthropic.Message
	logger   *slog.Logger
}

// New creates a Conversation with an empty history.
func New(api MessagesAPI, invoker ToolInvoker, opts Options, logger *slog.Logger) *Conversation {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 8192
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Conversation{api: api, invoker: invoker, opts: opts, logger: logger}
}

// Messages returns the conversation history.
func (c *Conversation) Messages() []anthropic.Message {
	return c.messages
}

// Restore replaces the history, for sessions loaded from the store.
func (c *Conversation) Restore(messages []anthropic.Message) {
	c.messages = messages
}

// RunUntilDone appends the user's text and loops through tool_use rounds
// until the model ends its turn. Returns the final text.
func (c *Conversation) RunUntilDone(ctx context.Context, userText string) (string, error) {
	resp, err := c.Send(ctx, userText)
	if err != nil {
		return "", err
	}
	for resp.StopReason == anthropic.StopReasonToolUse {
		if err := c.handleToolUse(ctx, resp); err != nil {
			return "", err
		}
		resp, err = c.step(ctx)
		if err != nil {
			return "", err
		}
	}
	return resp.Text(), nil
}

// Send appends a user message and requests the model's next message.
func (c *Conversation) Send(ctx context.Context, userText string) (*anthropic.MessagesResponse, error) {
	c.messages = append(c.messages, anthropic.NewTextMessage("user", userText))
	return c.step(ctx)
}

// step requests the model's next message on the current history and appends it.
func (c *Conversation) step(ctx context.Context) (*anthropic.MessagesResponse, error) {
	req := &anthropic.MessagesRequest{
		Model:     c.opts.Model,
		System:    c.opts.System,
		MaxTokens: c.opts.MaxTokens,
		Messages:  c.messages,
		Tools:     c.currentTools(),
	}
	resp, err := c.api.CreateMessage(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("creating message: %w", err)
	}
	c.messages = append(c.messages, anthropic.NewBlocksMessage("assistant", resp.Content))
	return resp, nil
}

// currentTools snapshots the hub's schemas, sorted by name so requests are
// deterministic. Taken per step: tools from workers that connected mid-turn
// become available on the next round.
func (c *Conversation) currentTools() []anthropic.Tool {
	schemas := c.invoker.ListTools()
	names := make([]string, 0, len(schemas))
	for name := range schemas {
		names = append(names, name)
	}
	sort.Strings(names)

	tools := make([]anthropic.Tool, 0, len(names))
	for _, name := range names {
		s := schemas[name]
		tools = append(tools, anthropic.Tool{
			Name:        s.Name,
			Description: s.Description,
			InputSchema: s.InputSchema,
		})
	}
	return tools
}

// handleToolUse invokes each tool_use block through the hub and appends the
// results as a user message. Invocation failures, including no worker being
// available, become is_error tool results so the model can react instead of
// the whole turn failing.
func (c *Conversation) handleToolUse(ctx context.Context, resp *anthropic.MessagesResponse) error {
	var results []anthropic.ContentBlock
	for _, use := range resp.ToolUses() {
		if c.opts.OnToolUse != nil {
			c.opts.OnToolUse(use.Name, use.Input)
		}
		result := anthropic.ContentBlock{Type: "tool_result", ToolUseID: use.ID}

		payload, err := c.invoker.Invoke(ctx, c.opts.SessionID, use.Name, use.Input)
		if err != nil {
			c.logger.Warn("tool invocation failed",
				"session_id", c.opts.SessionID, "tool", use.Name, "error", err)
			result.Content = fmt.Sprintf("Error: %s", err)
			result.IsError = true
		} else {
			result.Content = payloadText(payload)
		}
		if c.opts.OnToolResult != nil {
			c.opts.OnToolResult(result.ToolUseID, result.Content, result.IsError)
		}
		results = append(results, result)

		if ctx.Err() != nil {
			// The turn stops here, but the history must stay resumable:
			// every tool_use needs a matching tool_result, so blocks never
			// invoked get cancelled error results before the round is saved.
			for _, rest := range resp.ToolUses()[len(results):] {
				results = append(results, anthropic.ContentBlock{
					Type:      "tool_result",
					ToolUseID: rest.ID,
					Content:   "Error: cancelled",
					IsError:   true,
				})
			}
			c.messages = append(c.messages, anthropic.NewBlocksMessage("user", results))
			return ctx.Err()
		}
	}
	if len(results) > 0 {
		c.messages = append(c.messages, anthropic.NewBlocksMessage("user", results))
	}
	return nil
}

// payloadText renders a tool's JSON payload for the model: JSON strings are
// unwrapped, everything else is passed through as JSON text.
func payloadText(payload json.RawMessage) string {
	var s string
	if err := json.Unmarshal(payload, &s); err == nil {
		return s
	}
	return string(payload)
}
