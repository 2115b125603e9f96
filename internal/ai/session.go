package ai

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/cchalm/stockchat/internal/chat"
)

// StreamSession buffers the text of one streamed assistant reply. Its ID becomes the ID of the finalized message, so
// live view updates and the final entry refer to the same item
type StreamSession struct {
	ID string

	mu     sync.Mutex
	text   strings.Builder
	closed bool
}

// NewStreamSession opens an empty session
func NewStreamSession() *StreamSession {
	return &StreamSession{ID: uuid.NewString()}
}

// Append adds a delta and returns the accumulated text. Deltas received after Close are ignored
func (s *StreamSession) Append(delta string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.text.WriteString(delta)
	}
	return s.text.String()
}

// Text returns the accumulated text
func (s *StreamSession) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text.String()
}

// Close finalizes the session and returns the assistant message holding its text. The second return value is false
// if the session was already closed or holds only whitespace
func (s *StreamSession) Close() (chat.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return chat.Message{}, false
	}
	s.closed = true
	text := s.text.String()
	if strings.TrimSpace(text) == "" {
		return chat.Message{}, false
	}
	return chat.Message{ID: s.ID, Role: chat.RoleAssistant, Content: chat.Text(text)}, true
}

// Closed reports whether the session has been finalized
func (s *StreamSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// LiveView receives incremental display updates while a turn runs
type LiveView interface {
	Publish(entry chat.DisplayEntry)
}

// LiveViewFunc adapts a function to LiveView
type LiveViewFunc func(entry chat.DisplayEntry)

func (f LiveViewFunc) Publish(entry chat.DisplayEntry) {
	f(entry)
}

type discardView struct{}

func (discardView) Publish(chat.DisplayEntry) {}
