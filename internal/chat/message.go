// Package chat provides the conversation model, content normalization and display projection.
package chat

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Role identifies the author of a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentKind tags which variant of Content is populated
type ContentKind string

const (
	KindText        ContentKind = "text"
	KindToolCalls   ContentKind = "tool-calls"
	KindToolResults ContentKind = "tool-results"
)

// ToolCall is an assistant's request to display something via a tool
type ToolCall struct {
	ToolName string          `json:"toolName"`
	CallID   string          `json:"toolCallId"`
	Args     json.RawMessage `json:"args,omitempty"`
}

// ToolResult answers the ToolCall with the same CallID
type ToolResult struct {
	ToolName string          `json:"toolName"`
	CallID   string          `json:"toolCallId"`
	Result   json.RawMessage `json:"result,omitempty"`
}

// Content is a closed union: exactly one of Text, ToolCalls or ToolResults is meaningful, as selected by Kind. Build
// values with the Text, ToolCalls and ToolResults constructors or with Normalize.
type Content struct {
	Kind        ContentKind  `json:"kind"`
	Text        string       `json:"text,omitempty"`
	ToolCalls   []ToolCall   `json:"toolCalls,omitempty"`
	ToolResults []ToolResult `json:"toolResults,omitempty"`
}

// Text returns text content
func Text(s string) Content {
	return Content{Kind: KindText, Text: s}
}

// ToolCalls returns tool call content
func ToolCalls(calls ...ToolCall) Content {
	return Content{Kind: KindToolCalls, ToolCalls: calls}
}

// ToolResults returns tool result content
func ToolResults(results ...ToolResult) Content {
	return Content{Kind: KindToolResults, ToolResults: results}
}

// IsText reports whether the content is the text variant
func (c Content) IsText() bool {
	return c.Kind == KindText
}

// Message is a single conversation entry
type Message struct {
	ID      string  `json:"id"`
	Role    Role    `json:"role"`
	Content Content `json:"content"`
}

// NewMessage creates a message with a fresh ID
func NewMessage(role Role, content Content) Message {
	return Message{
		ID:      uuid.NewString(),
		Role:    role,
		Content: content,
	}
}

// Validate checks that the content variant is legal for the message role
func (m Message) Validate() error {
	switch m.Role {
	case RoleUser:
		if m.Content.Kind != KindText {
			return fmt.Errorf("user message %s has %s content, want text", m.ID, m.Content.Kind)
		}
	case RoleAssistant:
		if m.Content.Kind != KindText && m.Content.Kind != KindToolCalls {
			return fmt.Errorf("assistant message %s has %s content, want text or tool calls", m.ID, m.Content.Kind)
		}
	case RoleTool:
		if m.Content.Kind != KindToolResults {
			return fmt.Errorf("tool message %s has %s content, want tool results", m.ID, m.Content.Kind)
		}
	default:
		return fmt.Errorf("message %s has unknown role '%s'", m.ID, m.Role)
	}
	return nil
}
