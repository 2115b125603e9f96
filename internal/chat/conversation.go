package chat

import (
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// Conversation is the ordered message log of one chat. It is owned by whoever runs turns against it and is only ever
// appended to. Reads may happen concurrently with a running turn, e.g. to project a live view.
type Conversation struct {
	ID string

	mu       sync.RWMutex
	messages []Message
}

// NewConversation creates an empty conversation with a fresh identifier
func NewConversation() *Conversation {
	return &Conversation{ID: uuid.NewString()}
}

// RestoreConversation recreates a conversation from previously stored messages
func RestoreConversation(id string, messages []Message) *Conversation {
	return &Conversation{
		ID:       id,
		messages: slices.Clone(messages),
	}
}

// Append adds messages to the end of the conversation as a single update; no reader observes a partial append
func (c *Conversation) Append(msgs ...Message) error {
	for _, m := range msgs {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("invalid message: %w", err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, m := range msgs {
		if c.indexOfLocked(m.ID) >= 0 {
			return fmt.Errorf("duplicate message ID %s", m.ID)
		}
	}
	c.messages = append(c.messages, msgs...)
	return nil
}

func (c *Conversation) indexOfLocked(id string) int {
	return slices.IndexFunc(c.messages, func(m Message) bool { return m.ID == id })
}

// Messages returns a copy of the message log
func (c *Conversation) Messages() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.messages)
}

// Len returns the number of messages
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

// Snapshot is an immutable copy of a conversation taken at a point in time
type Snapshot struct {
	ConversationID string
	Messages       []Message
}

// Snapshot captures the current state of the conversation. Messages are never edited in place, so copying the slice
// is enough to make the snapshot independent of later appends.
func (c *Conversation) Snapshot() Snapshot {
	return Snapshot{
		ConversationID: c.ID,
		Messages:       c.Messages(),
	}
}

// CheckToolPairing verifies that every tool result answers a tool call made earlier in the conversation
func (c *Conversation) CheckToolPairing() error {
	return CheckToolPairing(c.Messages())
}

// CheckToolPairing verifies that every tool result in msgs answers an earlier tool call
func CheckToolPairing(msgs []Message) error {
	seen := map[string]bool{}
	for _, m := range msgs {
		switch m.Content.Kind {
		case KindToolCalls:
			for _, tc := range m.Content.ToolCalls {
				seen[tc.CallID] = true
			}
		case KindToolResults:
			for _, tr := range m.Content.ToolResults {
				if !seen[tr.CallID] {
					return fmt.Errorf("tool result %s in message %s has no preceding tool call", tr.CallID, m.ID)
				}
			}
		}
	}
	return nil
}
