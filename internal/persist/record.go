// Package persist saves finished conversation state for premium users, with bounded retries and per-conversation
// write ordering.
package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cchalm/stockchat/internal/auth"
	"github.com/cchalm/stockchat/internal/chat"
)

const (
	// DefaultTitle is used for conversations without a user message
	DefaultTitle = "New conversation"
	// UnserializableContent replaces the content of a message that could not be serialized
	UnserializableContent = "[unserializable content]"

	titleMaxRunes = 40
)

// StoredMessage is the persisted form of a chat.Message. Content is the text itself for text messages, or a JSON
// array of typed parts for tool messages
type StoredMessage struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Kind    string `json:"kind,omitempty"`
	Content string `json:"content"`
}

// Record is the persisted snapshot of a conversation
type Record struct {
	ID        string          `json:"id"`
	Owner     auth.Identity   `json:"owner"`
	Title     string          `json:"title"`
	Messages  []StoredMessage `json:"messages"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Store is the durable storage collaborator. Implementations must apply an upsert atomically, so that a failed
// attempt leaves no partial write visible, and must preserve CreatedAt of an existing record
type Store interface {
	UpsertConversation(ctx context.Context, rec Record) error
}

// Title derives a conversation title from its first user text message
func Title(msgs []chat.Message) string {
	for _, m := range msgs {
		if m.Role != chat.RoleUser || !m.Content.IsText() {
			continue
		}
		text := strings.TrimSpace(m.Content.Text)
		if text == "" {
			continue
		}
		runes := []rune(text)
		if len(runes) > titleMaxRunes {
			return string(runes[:titleMaxRunes]) + "..."
		}
		return text
	}
	return DefaultTitle
}

type storedPart struct {
	Type     string          `json:"type"`
	ToolName string          `json:"toolName"`
	CallID   string          `json:"toolCallId"`
	Args     json.RawMessage `json:"args,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
}

// SerializeMessage converts a message to its stored form. A message whose tool parts cannot be encoded is stored with
// UnserializableContent and the error is returned alongside
func SerializeMessage(m chat.Message) (StoredMessage, error) {
	stored := StoredMessage{ID: m.ID, Role: string(m.Role), Kind: string(m.Content.Kind)}

	var parts []storedPart
	switch m.Content.Kind {
	case chat.KindText:
		stored.Content = m.Content.Text
		return stored, nil
	case chat.KindToolCalls:
		for _, tc := range m.Content.ToolCalls {
			parts = append(parts, storedPart{Type: "tool-call", ToolName: tc.ToolName, CallID: tc.CallID, Args: tc.Args})
		}
	case chat.KindToolResults:
		for _, tr := range m.Content.ToolResults {
			parts = append(parts, storedPart{Type: "tool-result", ToolName: tr.ToolName, CallID: tr.CallID, Result: tr.Result})
		}
	default:
		stored.Content = UnserializableContent
		return stored, fmt.Errorf("unknown content kind %q", m.Content.Kind)
	}

	if parts == nil {
		parts = []storedPart{}
	}
	b, err := json.Marshal(parts)
	if err != nil {
		stored.Content = UnserializableContent
		return stored, fmt.Errorf("failed to serialize message %s: %w", m.ID, err)
	}
	stored.Content = string(b)
	return stored, nil
}

// RestoreMessages converts stored messages back into chat messages
func RestoreMessages(stored []StoredMessage) []chat.Message {
	msgs := make([]chat.Message, 0, len(stored))
	for _, s := range stored {
		role := chat.Role(s.Role)
		msgs = append(msgs, chat.Message{
			ID:      s.ID,
			Role:    role,
			Content: chat.NormalizeStored(role, chat.ContentKind(s.Kind), s.Content),
		})
	}
	return msgs
}

// Restore rebuilds a conversation from a record
func Restore(rec Record) *chat.Conversation {
	return chat.RestoreConversation(rec.ID, RestoreMessages(rec.Messages))
}
