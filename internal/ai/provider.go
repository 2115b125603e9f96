// Package ai drives assistant turns against a streaming completion provider.
package ai

import (
	"context"
	"encoding/json"

	"github.com/cchalm/stockchat/internal/chat"
	"github.com/cchalm/stockchat/internal/tools"
)

// PromptMessage is one text-only message of the context sent to the provider
type PromptMessage struct {
	Role chat.Role
	Text string
}

// Request is a provider-neutral completion request
type Request struct {
	Model     string
	System    string
	Messages  []PromptMessage
	Tools     []tools.Schema
	MaxTokens int64
}

// EventKind enumerates the events a completion stream can produce
type EventKind int

const (
	EventTextDelta EventKind = iota
	EventToolInvocation
	EventDone
)

func (k EventKind) String() string {
	switch k {
	case EventTextDelta:
		return "text-delta"
	case EventToolInvocation:
		return "tool-invocation"
	case EventDone:
		return "done"
	}
	return "unknown"
}

// Event is one element of a completion stream. Text is set for EventTextDelta; ToolName and Args are set for
// EventToolInvocation
type Event struct {
	Kind     EventKind
	Text     string
	ToolName string
	Args     json.RawMessage
}

// EventStream is an iterator over completion events, in the style of the SDK streams it wraps
type EventStream interface {
	Next() bool
	Current() Event
	Err() error
	Close() error
}

// CompletionProvider is the language model collaborator
type CompletionProvider interface {
	// StreamCompletion starts a streaming completion. Errors that occur before the first event may be returned
	// directly or through the stream's Err
	StreamCompletion(ctx context.Context, req Request) (EventStream, error)
	// Complete performs a non-streaming, text-only completion
	Complete(ctx context.Context, req Request) (string, error)
}

// SliceStream is an EventStream over a fixed list of events, optionally failing after them
type SliceStream struct {
	events []Event
	err    error
	pos    int
}

// NewSliceStream returns a stream that yields events and then reports err, which may be nil
func NewSliceStream(err error, events ...Event) *SliceStream {
	return &SliceStream{events: events, err: err, pos: -1}
}

func (s *SliceStream) Next() bool {
	if s.pos+1 >= len(s.events) {
		s.pos = len(s.events)
		return false
	}
	s.pos++
	return true
}

func (s *SliceStream) Current() Event {
	if s.pos < 0 || s.pos >= len(s.events) {
		return Event{}
	}
	return s.events[s.pos]
}

func (s *SliceStream) Err() error {
	if s.pos >= len(s.events) {
		return s.err
	}
	return nil
}

func (s *SliceStream) Close() error {
	return nil
}
