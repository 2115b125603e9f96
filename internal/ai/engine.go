package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"github.com/cchalm/stockchat/internal/auth"
	"github.com/cchalm/stockchat/internal/chat"
	"github.com/cchalm/stockchat/internal/telemetry"
	"github.com/cchalm/stockchat/internal/tools"
)

// Persister saves conversation snapshots in order. The returned channel yields once, reporting success
type Persister interface {
	Enqueue(ctx context.Context, conv *chat.Conversation) <-chan bool
}

// EngineConfig holds the model settings of an Engine
type EngineConfig struct {
	Model           string
	CaptionModel    string // Defaults to Model
	MaxOutputTokens int64
}

// Engine runs assistant turns
type Engine struct {
	provider  CompletionProvider
	registry  *tools.Registry
	persister Persister
	users     auth.IdentityResolver
	view      LiveView
	config    EngineConfig
}

// NewEngine creates an engine. users is used to personalize the system prompt and may be nil
func NewEngine(
	provider CompletionProvider,
	registry *tools.Registry,
	persister Persister,
	users auth.IdentityResolver,
	config EngineConfig,
) *Engine {
	if config.CaptionModel == "" {
		config.CaptionModel = config.Model
	}
	return &Engine{
		provider:  provider,
		registry:  registry,
		persister: persister,
		users:     users,
		view:      discardView{},
		config:    config,
	}
}

// WithLiveView returns a copy of the engine that publishes streaming updates to view
func (e *Engine) WithLiveView(view LiveView) *Engine {
	clone := *e
	if view == nil {
		view = discardView{}
	}
	clone.view = view
	return &clone
}

// RunTurn appends the user's utterance to conv, drives the provider to a reply and returns the display entry for the
// last thing the turn produced. Failures are reported as an error entry carrying a user-safe message
func (e *Engine) RunTurn(ctx context.Context, conv *chat.Conversation, utterance string) chat.DisplayEntry {
	turnID := telemetry.NewTurnID()
	ctx, span := telemetry.Tracer().Start(ctx, "turn", telemetry.TurnAttributes(conv.ID, turnID))
	defer span.End()

	userMessage := chat.NewMessage(chat.RoleUser, chat.Text(utterance))
	if err := conv.Append(userMessage); err != nil {
		slog.Error("Failed to append user message", "conversation", conv.ID, "error", err)
		return errorEntry(MsgRetry)
	}

	entry, err := e.run(ctx, conv)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "turn failed")
		slog.Warn("Turn failed", "conversation", conv.ID, "turn", turnID, "error", err)
		return errorEntry(UserMessage(err))
	}
	return entry
}

func (e *Engine) run(ctx context.Context, conv *chat.Conversation) (chat.DisplayEntry, error) {
	system, err := SystemPrompt(e.userName(ctx))
	if err != nil {
		return chat.DisplayEntry{}, err
	}
	req := Request{
		Model:     e.config.Model,
		System:    system,
		Messages:  PromptMessages(conv.Messages()),
		Tools:     e.registry.Schemas(),
		MaxTokens: e.config.MaxOutputTokens,
	}

	streamCtx, span := telemetry.Tracer().Start(ctx, "provider.stream")
	defer span.End()

	stream, err := e.provider.StreamCompletion(streamCtx, req)
	if err != nil {
		return chat.DisplayEntry{}, asProviderError(err)
	}
	defer func() {
		if err := stream.Close(); err != nil {
			slog.Debug("Error closing completion stream", "error", err)
		}
	}()

	var (
		session  *StreamSession
		last     chat.DisplayEntry
		produced bool
	)
	finishText := func() {
		if session == nil {
			return
		}
		msg, ok := session.Close()
		if !ok {
			return
		}
		if err := conv.Append(msg); err != nil {
			slog.Error("Failed to append assistant message", "conversation", conv.ID, "error", err)
			return
		}
		last, _ = chat.EntryFor(msg)
		produced = true
		e.view.Publish(last)
		// The turn does not wait for text replies to be saved
		e.persister.Enqueue(context.WithoutCancel(ctx), conv)
	}

	for stream.Next() {
		event := stream.Current()
		switch event.Kind {
		case EventTextDelta:
			if session == nil || session.Closed() {
				session = NewStreamSession()
			}
			text := session.Append(event.Text)
			e.view.Publish(chat.DisplayEntry{ID: session.ID, Kind: chat.EntryText, Text: text})
		case EventToolInvocation:
			// Text streamed so far precedes the tool step in the log
			finishText()
			entry, ok := e.invokeTool(ctx, conv, event)
			if ok {
				last = entry
				produced = true
			}
		case EventDone:
			finishText()
		}
	}
	if err := stream.Err(); err != nil {
		span.RecordError(err)
		return chat.DisplayEntry{}, asProviderError(err)
	}
	finishText()

	if !produced {
		return chat.DisplayEntry{}, &ProviderError{Category: CategoryTransient, Err: errors.New("empty response")}
	}
	return last, nil
}

// invokeTool validates a tool invocation, appends the call and its result as one update, captions the display and
// waits for the conversation to be saved
func (e *Engine) invokeTool(ctx context.Context, conv *chat.Conversation, event Event) (chat.DisplayEntry, bool) {
	inv, err := e.registry.Process(event.ToolName, event.Args)
	telemetry.RecordToolUse(ctx, telemetry.ToolUseTelemetry{
		ToolName: event.ToolName,
		Subject:  inv.Subject,
		ArgsSize: len(event.Args),
		HasError: err != nil,
	})
	if err != nil {
		slog.Warn("Skipping tool invocation", "tool", event.ToolName, "error", err)
		return chat.DisplayEntry{}, false
	}

	callID := uuid.NewString()
	callMessage := chat.NewMessage(chat.RoleAssistant, chat.ToolCalls(chat.ToolCall{
		ToolName: inv.ToolName,
		CallID:   callID,
		Args:     inv.Args,
	}))
	resultMessage := chat.NewMessage(chat.RoleTool, chat.ToolResults(chat.ToolResult{
		ToolName: inv.ToolName,
		CallID:   callID,
		Result:   inv.Args,
	}))
	if err := conv.Append(callMessage, resultMessage); err != nil {
		slog.Error("Failed to append tool messages", "conversation", conv.ID, "tool", inv.ToolName, "error", err)
		return chat.DisplayEntry{}, false
	}

	entry, _ := chat.EntryFor(callMessage)
	entry.Caption = e.caption(ctx, conv, inv)
	e.view.Publish(entry)

	if saved := <-e.persister.Enqueue(context.WithoutCancel(ctx), conv); !saved {
		slog.Warn("Tool step was not saved", "conversation", conv.ID, "tool", inv.ToolName)
	}
	return entry, true
}

// caption asks the provider for a short text to accompany a tool display. It never fails; any problem yields the
// fallback caption
func (e *Engine) caption(ctx context.Context, conv *chat.Conversation, inv tools.Invocation) string {
	ctx, span := telemetry.Tracer().Start(ctx, "caption")
	defer span.End()

	fallback := FallbackCaption(inv.Subject)
	system, err := CaptionPrompt(inv.ToolName, inv.Subject)
	if err != nil {
		slog.Warn("Error generating caption", "error", err)
		return fallback
	}

	text, err := e.provider.Complete(ctx, Request{
		Model:     e.config.CaptionModel,
		System:    system,
		Messages:  lastN(PromptMessages(conv.Messages()), captionContextSize),
		MaxTokens: e.config.MaxOutputTokens,
	})
	if err != nil {
		span.RecordError(err)
		slog.Warn("Error generating caption", "tool", inv.ToolName, "error", err)
		return fallback
	}
	if cleaned := CleanCaption(text); cleaned != "" {
		return cleaned
	}
	return fallback
}

func (e *Engine) userName(ctx context.Context) string {
	if e.users == nil {
		return ""
	}
	user, ok := e.users.ResolveIdentity(ctx)
	if !ok {
		return ""
	}
	return user.FullName
}

func errorEntry(message string) chat.DisplayEntry {
	return chat.DisplayEntry{ID: uuid.NewString(), Kind: chat.EntryError, Text: message}
}

func asProviderError(err error) error {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &ProviderError{Category: CategoryTransient, Err: fmt.Errorf("completion failed: %w", err)}
}
