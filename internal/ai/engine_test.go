package ai

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cchalm/stockchat/internal/auth"
	"github.com/cchalm/stockchat/internal/chat"
	"github.com/cchalm/stockchat/internal/tools"
)

type fakeProvider struct {
	mu sync.Mutex

	stream    *SliceStream
	streamErr error
	caption   string
	captionFn func(req Request) (string, error)

	streamRequests  []Request
	captionRequests []Request
}

func (fp *fakeProvider) StreamCompletion(_ context.Context, req Request) (EventStream, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	fp.streamRequests = append(fp.streamRequests, req)
	if fp.streamErr != nil {
		return nil, fp.streamErr
	}
	return fp.stream, nil
}

func (fp *fakeProvider) Complete(_ context.Context, req Request) (string, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	fp.captionRequests = append(fp.captionRequests, req)
	if fp.captionFn != nil {
		return fp.captionFn(req)
	}
	return fp.caption, nil
}

type recordingPersister struct {
	mu        sync.Mutex
	snapshots []chat.Snapshot
}

func (rp *recordingPersister) Enqueue(_ context.Context, conv *chat.Conversation) <-chan bool {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.snapshots = append(rp.snapshots, conv.Snapshot())
	ch := make(chan bool, 1)
	ch <- true
	return ch
}

func (rp *recordingPersister) count() int {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	return len(rp.snapshots)
}

func newTestEngine(provider CompletionProvider, persister Persister) *Engine {
	return NewEngine(provider, tools.NewRegistry(), persister, auth.ContextResolver{}, EngineConfig{
		Model:           "test-model",
		MaxOutputTokens: 512,
	})
}

func textDeltas(parts ...string) []Event {
	events := make([]Event, 0, len(parts))
	for _, p := range parts {
		events = append(events, Event{Kind: EventTextDelta, Text: p})
	}
	return events
}

func TestRunTurn_ToolInvocation(t *testing.T) {
	provider := &fakeProvider{
		stream: NewSliceStream(nil,
			Event{Kind: EventToolInvocation, ToolName: "showStockPrice", Args: json.RawMessage(`{"symbol":"AAPL"}`)},
			Event{Kind: EventDone},
		),
		caption: "Here is the current price of Apple.",
	}
	persister := &recordingPersister{}
	engine := newTestEngine(provider, persister)
	conv := chat.NewConversation()

	entry := engine.RunTurn(context.Background(), conv, "What's the price of AAPL?")

	msgs := conv.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, chat.RoleUser, msgs[0].Role)
	assert.Equal(t, chat.RoleAssistant, msgs[1].Role)
	assert.Equal(t, chat.KindToolCalls, msgs[1].Content.Kind)
	assert.Equal(t, chat.RoleTool, msgs[2].Role)
	assert.Equal(t, chat.KindToolResults, msgs[2].Content.Kind)

	call := msgs[1].Content.ToolCalls[0]
	result := msgs[2].Content.ToolResults[0]
	assert.Equal(t, "showStockPrice", call.ToolName)
	assert.Equal(t, call.CallID, result.CallID)
	assert.NotEmpty(t, call.CallID)
	assert.JSONEq(t, `{"symbol":"AAPL"}`, string(call.Args))
	assert.JSONEq(t, `{"symbol":"AAPL"}`, string(result.Result))
	require.NoError(t, conv.CheckToolPairing())

	projection := chat.Project(conv)
	require.Len(t, projection, 2)
	assert.Equal(t, chat.EntryUser, projection[0].Kind)
	assert.Equal(t, chat.EntryToolCard, projection[1].Kind)
	assert.Equal(t, chat.RendererStockPrice, projection[1].Renderer)

	assert.Equal(t, chat.EntryToolCard, entry.Kind)
	assert.Equal(t, msgs[1].ID, entry.ID)
	assert.Equal(t, "Here is the current price of Apple.", entry.Caption)

	// The tool step is saved before the turn returns
	require.Equal(t, 1, persister.count())
	assert.Len(t, persister.snapshots[0].Messages, 3)
}

func TestRunTurn_CaptionContext(t *testing.T) {
	provider := &fakeProvider{
		stream: NewSliceStream(nil,
			Event{Kind: EventToolInvocation, ToolName: "showStockChart", Args: json.RawMessage(`{"symbol":"aapl","comparisonSymbols":[{"symbol":"msft","position":"SameScale"}]}`)},
			Event{Kind: EventDone},
		),
		caption: "A comparison.",
	}
	engine := newTestEngine(provider, &recordingPersister{})
	conv := chat.NewConversation()
	for i := 0; i < 4; i++ {
		require.NoError(t, conv.Append(
			chat.NewMessage(chat.RoleUser, chat.Text("question")),
			chat.NewMessage(chat.RoleAssistant, chat.Text("answer")),
		))
	}

	engine.RunTurn(context.Background(), conv, "Compare Apple and Microsoft")

	require.Len(t, provider.captionRequests, 1)
	req := provider.captionRequests[0]
	assert.Len(t, req.Messages, captionContextSize)
	assert.Contains(t, req.System, `"showStockChart"`)
	assert.Contains(t, req.System, "AAPL, MSFT")
	assert.Empty(t, req.Tools)
	last := req.Messages[len(req.Messages)-1]
	assert.Equal(t, chat.RoleAssistant, last.Role)
	assert.Equal(t, StructuredPlaceholder, last.Text)
}

func TestRunTurn_CaptionFallback(t *testing.T) {
	tests := []struct {
		name      string
		captionFn func(Request) (string, error)
	}{
		{"provider error", func(Request) (string, error) { return "", errors.New("boom") }},
		{"empty caption", func(Request) (string, error) { return "   ", nil }},
		{"only leaked json", func(Request) (string, error) {
			return `{"tool_call": {"name": "showStockPrice", "args": {"symbol": "AAPL"}}}`, nil
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &fakeProvider{
				stream: NewSliceStream(nil,
					Event{Kind: EventToolInvocation, ToolName: "showStockNews", Args: json.RawMessage(`{"symbol":"nvda"}`)},
				),
				captionFn: tt.captionFn,
			}
			engine := newTestEngine(provider, &recordingPersister{})

			entry := engine.RunTurn(context.Background(), chat.NewConversation(), "news on nvidia")

			assert.Equal(t, chat.EntryToolCard, entry.Kind)
			assert.Equal(t, "Here is the information for NVDA.", entry.Caption)
		})
	}
}

func TestRunTurn_StreamsText(t *testing.T) {
	events := append(textDeltas("Hel", "lo", " there"), Event{Kind: EventDone})
	provider := &fakeProvider{stream: NewSliceStream(nil, events...)}
	persister := &recordingPersister{}

	var published []chat.DisplayEntry
	engine := newTestEngine(provider, persister).WithLiveView(LiveViewFunc(func(e chat.DisplayEntry) {
		published = append(published, e)
	}))
	conv := chat.NewConversation()

	entry := engine.RunTurn(context.Background(), conv, "hello")

	require.Len(t, published, 4)
	assert.Equal(t, "Hel", published[0].Text)
	assert.Equal(t, "Hello", published[1].Text)
	assert.Equal(t, "Hello there", published[2].Text)
	assert.Equal(t, "Hello there", published[3].Text)
	for _, p := range published {
		assert.Equal(t, published[0].ID, p.ID)
	}

	msgs := conv.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, chat.Text("Hello there"), msgs[1].Content)
	assert.Equal(t, published[0].ID, msgs[1].ID)

	assert.Equal(t, chat.EntryText, entry.Kind)
	assert.Equal(t, "Hello there", entry.Text)
	assert.Equal(t, 1, persister.count())
}

func TestRunTurn_TextAroundToolInvocation(t *testing.T) {
	events := textDeltas("Let me look ", "up Apple.")
	events = append(events, Event{Kind: EventToolInvocation, ToolName: "showStockPrice", Args: json.RawMessage(`{"symbol":"AAPL"}`)})
	events = append(events, textDeltas(" It is up today.")...)
	events = append(events, Event{Kind: EventDone})
	provider := &fakeProvider{stream: NewSliceStream(nil, events...), caption: "Apple's latest price."}
	persister := &recordingPersister{}
	engine := newTestEngine(provider, persister)
	conv := chat.NewConversation()

	entry := engine.RunTurn(context.Background(), conv, "How is Apple doing?")

	msgs := conv.Messages()
	require.Len(t, msgs, 5)
	assert.Equal(t, chat.RoleUser, msgs[0].Role)
	assert.Equal(t, chat.Text("Let me look up Apple."), msgs[1].Content)
	assert.Equal(t, chat.KindToolCalls, msgs[2].Content.Kind)
	assert.Equal(t, chat.KindToolResults, msgs[3].Content.Kind)
	assert.Equal(t, chat.Text(" It is up today."), msgs[4].Content)
	assert.NotEqual(t, msgs[1].ID, msgs[4].ID)
	require.NoError(t, conv.CheckToolPairing())

	assert.Equal(t, chat.EntryText, entry.Kind)
	assert.Equal(t, msgs[4].ID, entry.ID)
	assert.Equal(t, " It is up today.", entry.Text)

	// The tool step is saved with the text that preceded it
	require.Equal(t, 3, persister.count())
	assert.Len(t, persister.snapshots[1].Messages, 4)
}

func TestRunTurn_TextBeforeToolInvocation(t *testing.T) {
	events := textDeltas("Here is the chart.")
	events = append(events,
		Event{Kind: EventToolInvocation, ToolName: "showStockChart", Args: json.RawMessage(`{"symbol":"msft"}`)},
		Event{Kind: EventDone},
	)
	provider := &fakeProvider{stream: NewSliceStream(nil, events...)}
	engine := newTestEngine(provider, &recordingPersister{})
	conv := chat.NewConversation()

	entry := engine.RunTurn(context.Background(), conv, "Chart Microsoft")

	msgs := conv.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, chat.Text("Here is the chart."), msgs[1].Content)
	assert.Equal(t, chat.KindToolCalls, msgs[2].Content.Kind)
	assert.Equal(t, chat.EntryToolCard, entry.Kind)
	assert.Equal(t, msgs[2].ID, entry.ID)
}

func TestRunTurn_TextWithoutDoneEvent(t *testing.T) {
	provider := &fakeProvider{stream: NewSliceStream(nil, textDeltas("Markets are ", "open.")...)}
	engine := newTestEngine(provider, &recordingPersister{})
	conv := chat.NewConversation()

	entry := engine.RunTurn(context.Background(), conv, "are markets open?")

	assert.Equal(t, "Markets are open.", entry.Text)
	assert.Equal(t, 2, conv.Len())
}

func TestRunTurn_CredentialError(t *testing.T) {
	provider := &fakeProvider{
		streamErr: &ProviderError{Category: CategoryCredentials, Err: errors.New("401 invalid x-api-key sk-secret")},
	}
	persister := &recordingPersister{}
	engine := newTestEngine(provider, persister)
	conv := chat.NewConversation()

	entry := engine.RunTurn(context.Background(), conv, "What's the price of AAPL?")

	msgs := conv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, chat.RoleUser, msgs[0].Role)
	assert.Equal(t, chat.EntryError, entry.Kind)
	assert.Equal(t, MsgMissingCredentials, entry.Text)
	assert.NotContains(t, entry.Text, "sk-secret")
	assert.Equal(t, 0, persister.count())
}

func TestRunTurn_ErrorsAreSanitized(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"malformed", &ProviderError{Category: CategoryMalformed, Err: errors.New("messages.0: bad")}, MsgMalformedRequest},
		{"transient", &ProviderError{Category: CategoryTransient, Err: errors.New("connection reset")}, MsgRetry},
		{"untyped", errors.New("dial tcp: no route to host"), MsgRetry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newTestEngine(&fakeProvider{streamErr: tt.err}, &recordingPersister{})
			entry := engine.RunTurn(context.Background(), chat.NewConversation(), "hi")
			assert.Equal(t, chat.EntryError, entry.Kind)
			assert.Equal(t, tt.want, entry.Text)
		})
	}
}

func TestRunTurn_MidStreamErrorDropsPartialText(t *testing.T) {
	provider := &fakeProvider{
		stream: NewSliceStream(errors.New("stream reset"), textDeltas("Apple is ", "trading")...),
	}
	engine := newTestEngine(provider, &recordingPersister{})
	conv := chat.NewConversation()

	entry := engine.RunTurn(context.Background(), conv, "How is Apple doing?")

	assert.Equal(t, 1, conv.Len())
	assert.Equal(t, chat.EntryError, entry.Kind)
	assert.Equal(t, MsgRetry, entry.Text)
}

func TestRunTurn_MidStreamErrorKeepsToolSteps(t *testing.T) {
	provider := &fakeProvider{
		stream: NewSliceStream(errors.New("stream reset"),
			Event{Kind: EventToolInvocation, ToolName: "showMarketOverview"},
		),
		caption: "Today's markets.",
	}
	engine := newTestEngine(provider, &recordingPersister{})
	conv := chat.NewConversation()

	entry := engine.RunTurn(context.Background(), conv, "How are markets today?")

	assert.Equal(t, 3, conv.Len())
	require.NoError(t, conv.CheckToolPairing())
	assert.Equal(t, chat.EntryError, entry.Kind)
}

func TestRunTurn_InvalidToolArgumentsAreSkipped(t *testing.T) {
	events := []Event{
		{Kind: EventToolInvocation, ToolName: "showStockPrice", Args: json.RawMessage(`{"symbol":""}`)},
		{Kind: EventToolInvocation, ToolName: "launchRockets", Args: json.RawMessage(`{}`)},
	}
	events = append(events, textDeltas("I couldn't find that symbol.")...)
	events = append(events, Event{Kind: EventDone})
	provider := &fakeProvider{stream: NewSliceStream(nil, events...)}
	engine := newTestEngine(provider, &recordingPersister{})
	conv := chat.NewConversation()

	entry := engine.RunTurn(context.Background(), conv, "price of ???")

	assert.Equal(t, 2, conv.Len())
	assert.Equal(t, chat.EntryText, entry.Kind)
	assert.Empty(t, provider.captionRequests)
}

func TestRunTurn_EmptyResponse(t *testing.T) {
	provider := &fakeProvider{stream: NewSliceStream(nil, Event{Kind: EventDone})}
	engine := newTestEngine(provider, &recordingPersister{})
	conv := chat.NewConversation()

	entry := engine.RunTurn(context.Background(), conv, "hi")

	assert.Equal(t, 1, conv.Len())
	assert.Equal(t, chat.EntryError, entry.Kind)
	assert.Equal(t, MsgRetry, entry.Text)
}

func TestRunTurn_PromptContext(t *testing.T) {
	provider := &fakeProvider{stream: NewSliceStream(nil, append(textDeltas("ok"), Event{Kind: EventDone})...)}
	engine := newTestEngine(provider, &recordingPersister{})
	conv := chat.NewConversation()
	call := chat.NewMessage(chat.RoleAssistant, chat.ToolCalls(chat.ToolCall{ToolName: "showStockPrice", CallID: "c1"}))
	result := chat.NewMessage(chat.RoleTool, chat.ToolResults(chat.ToolResult{ToolName: "showStockPrice", CallID: "c1"}))
	require.NoError(t, conv.Append(chat.NewMessage(chat.RoleUser, chat.Text("price of AAPL")), call, result))

	ctx := auth.WithUser(context.Background(), auth.User{ID: "u1", FullName: "Ada Lovelace"})
	engine.RunTurn(ctx, conv, "thanks")

	require.Len(t, provider.streamRequests, 1)
	req := provider.streamRequests[0]
	assert.Equal(t, []PromptMessage{
		{Role: chat.RoleUser, Text: "price of AAPL"},
		{Role: chat.RoleAssistant, Text: StructuredPlaceholder},
		{Role: chat.RoleUser, Text: "thanks"},
	}, req.Messages)
	assert.Contains(t, req.System, "Ada Lovelace")
	assert.Len(t, req.Tools, 9)
	assert.Equal(t, "test-model", req.Model)
}

func TestRunTurn_PairingHoldsAcrossTurns(t *testing.T) {
	conv := chat.NewConversation()
	for _, symbol := range []string{"AAPL", "MSFT", "TSLA"} {
		provider := &fakeProvider{
			stream: NewSliceStream(nil,
				Event{Kind: EventToolInvocation, ToolName: "showStockChart", Args: json.RawMessage(`{"symbol":"` + symbol + `"}`)},
				Event{Kind: EventToolInvocation, ToolName: "showStockFinancials", Args: json.RawMessage(`{"symbol":"` + symbol + `"}`)},
				Event{Kind: EventDone},
			),
		}
		newTestEngine(provider, &recordingPersister{}).RunTurn(context.Background(), conv, "show me "+symbol)
		require.NoError(t, conv.CheckToolPairing())
	}
	assert.Equal(t, 15, conv.Len())
	assert.Len(t, chat.Project(conv), 9)
}
