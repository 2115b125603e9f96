package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	openaioption "github.com/openai/openai-go/v3/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cchalm/stockchat/internal/chat"
	"github.com/cchalm/stockchat/internal/tools"
)

func testRequest() Request {
	return Request{
		Model:     "test-model",
		System:    "system",
		Messages:  []PromptMessage{{Role: chat.RoleUser, Text: "price of AAPL"}},
		Tools:     tools.NewRegistry().Schemas(),
		MaxTokens: 256,
	}
}

// streamError starts a stream and drains it, returning whichever error surfaced
func streamError(t *testing.T, provider CompletionProvider) error {
	t.Helper()
	stream, err := provider.StreamCompletion(context.Background(), testRequest())
	if err != nil {
		return err
	}
	defer stream.Close()
	for stream.Next() {
	}
	return stream.Err()
}

func TestCategoryForStatus(t *testing.T) {
	assert.Equal(t, CategoryCredentials, categoryForStatus(http.StatusUnauthorized))
	assert.Equal(t, CategoryCredentials, categoryForStatus(http.StatusForbidden))
	assert.Equal(t, CategoryMalformed, categoryForStatus(http.StatusBadRequest))
	assert.Equal(t, CategoryMalformed, categoryForStatus(http.StatusUnprocessableEntity))
	assert.Equal(t, CategoryTransient, categoryForStatus(http.StatusTooManyRequests))
	assert.Equal(t, CategoryTransient, categoryForStatus(http.StatusInternalServerError))
}

func TestUserMessage(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", &ProviderError{Category: CategoryCredentials, Err: errors.New("x")})
	assert.Equal(t, MsgMissingCredentials, UserMessage(wrapped))
	assert.Equal(t, MsgMalformedRequest, UserMessage(&ProviderError{Category: CategoryMalformed}))
	assert.Equal(t, MsgRetry, UserMessage(errors.New("plain")))
}

func TestProviders_MissingKey(t *testing.T) {
	providers := map[string]CompletionProvider{
		"anthropic": NewAnthropicProvider(""),
		"openai":    NewOpenAIProvider("  "),
	}
	for name, provider := range providers {
		t.Run(name, func(t *testing.T) {
			_, err := provider.StreamCompletion(context.Background(), testRequest())
			assert.Equal(t, MsgMissingCredentials, UserMessage(err))

			_, err = provider.Complete(context.Background(), testRequest())
			assert.Equal(t, MsgMissingCredentials, UserMessage(err))
		})
	}
}

func TestProviders_MalformedRequest(t *testing.T) {
	providers := map[string]CompletionProvider{
		"anthropic": NewAnthropicProvider("key"),
		"openai":    NewOpenAIProvider("key"),
	}
	for name, provider := range providers {
		t.Run(name, func(t *testing.T) {
			_, err := provider.StreamCompletion(context.Background(), Request{Model: "m"})
			assert.Equal(t, MsgMalformedRequest, UserMessage(err))
		})
	}
}

func unauthorizedServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestAnthropicProvider_Unauthorized(t *testing.T) {
	server := unauthorizedServer(t, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`)
	provider := NewAnthropicProvider("bad-key", anthropicoption.WithBaseURL(server.URL))

	err := streamError(t, provider)
	require.Error(t, err)
	assert.Equal(t, MsgMissingCredentials, UserMessage(err))
}

func TestOpenAIProvider_Unauthorized(t *testing.T) {
	server := unauthorizedServer(t, `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error","code":"invalid_api_key"}}`)
	provider := NewOpenAIProvider("bad-key", openaioption.WithBaseURL(server.URL))

	err := streamError(t, provider)
	require.Error(t, err)
	assert.Equal(t, MsgMissingCredentials, UserMessage(err))
}

func TestOpenAIProvider_Stream(t *testing.T) {
	chunks := []string{
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"test-model","choices":[{"index":0,"delta":{"role":"assistant","content":"Let me "},"finish_reason":null}]}`,
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"test-model","choices":[{"index":0,"delta":{"content":"check."},"finish_reason":null}]}`,
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"test-model","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"showStockPrice","arguments":"{\"sym"}}]},"finish_reason":null}]}`,
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"test-model","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"bol\":\"AAPL\"}"}}]},"finish_reason":null}]}`,
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"test-model","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	provider := NewOpenAIProvider("key", openaioption.WithBaseURL(server.URL))
	stream, err := provider.StreamCompletion(context.Background(), testRequest())
	require.NoError(t, err)
	defer stream.Close()

	var events []Event
	for stream.Next() {
		events = append(events, stream.Current())
	}
	require.NoError(t, stream.Err())

	require.Len(t, events, 4)
	assert.Equal(t, Event{Kind: EventTextDelta, Text: "Let me "}, events[0])
	assert.Equal(t, Event{Kind: EventTextDelta, Text: "check."}, events[1])
	assert.Equal(t, EventToolInvocation, events[2].Kind)
	assert.Equal(t, "showStockPrice", events[2].ToolName)
	assert.JSONEq(t, `{"symbol":"AAPL"}`, string(events[2].Args))
	assert.Equal(t, EventDone, events[3].Kind)
}
