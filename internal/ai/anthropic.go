package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/cchalm/stockchat/internal/chat"
	"github.com/cchalm/stockchat/internal/tools"
)

// AnthropicProvider implements CompletionProvider with the Anthropic Messages API
type AnthropicProvider struct {
	client     anthropic.Client
	configured bool
}

// NewAnthropicProvider creates a provider. An empty API key produces a provider that fails every request with a
// credentials error
func NewAnthropicProvider(apiKey string, opts ...option.RequestOption) *AnthropicProvider {
	opts = append([]option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(1),
	}, opts...)
	return &AnthropicProvider{
		client:     anthropic.NewClient(opts...),
		configured: strings.TrimSpace(apiKey) != "",
	}
}

func (ap *AnthropicProvider) StreamCompletion(ctx context.Context, req Request) (EventStream, error) {
	if !ap.configured {
		return nil, &ProviderError{Category: CategoryCredentials, Err: errors.New("anthropic api key is not set")}
	}
	params, err := anthropicParams(req)
	if err != nil {
		return nil, &ProviderError{Category: CategoryMalformed, Err: err}
	}
	stream := ap.client.Messages.NewStreaming(ctx, params)
	return &anthropicStream{stream: stream}, nil
}

func (ap *AnthropicProvider) Complete(ctx context.Context, req Request) (string, error) {
	if !ap.configured {
		return "", &ProviderError{Category: CategoryCredentials, Err: errors.New("anthropic api key is not set")}
	}
	params, err := anthropicParams(req)
	if err != nil {
		return "", &ProviderError{Category: CategoryMalformed, Err: err}
	}
	response, err := ap.client.Messages.New(ctx, params)
	if err != nil {
		return "", classifyAnthropicError(err)
	}

	var text strings.Builder
	for _, block := range response.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return text.String(), nil
}

func anthropicParams(req Request) (anthropic.MessageNewParams, error) {
	if req.Model == "" {
		return anthropic.MessageNewParams{}, fmt.Errorf("model is required")
	}
	if len(req.Messages) == 0 {
		return anthropic.MessageNewParams{}, fmt.Errorf("messages are required")
	}

	// The Messages API requires the conversation to open with a user message
	prompt := req.Messages
	for len(prompt) > 0 && prompt[0].Role != chat.RoleUser {
		prompt = prompt[1:]
	}
	if len(prompt) == 0 {
		return anthropic.MessageNewParams{}, fmt.Errorf("no user message in prompt")
	}

	messages := make([]anthropic.MessageParam, 0, len(prompt))
	for _, m := range prompt {
		switch m.Role {
		case chat.RoleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Text)))
		case chat.RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Text)))
		default:
			return anthropic.MessageNewParams{}, fmt.Errorf("unsupported role: %s", m.Role)
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: req.MaxTokens,
		Messages:  messages,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	toolParams := []anthropic.ToolUnionParam{}
	for _, schema := range req.Tools {
		tool := anthropicToolParam(schema)
		toolParams = append(toolParams, anthropic.ToolUnionParam{OfTool: &tool})
	}
	if len(toolParams) > 0 {
		params.Tools = toolParams
	}

	return params, nil
}

func anthropicToolParam(schema tools.Schema) anthropic.ToolParam {
	return anthropic.ToolParam{
		Name:        schema.Name,
		Description: anthropic.String(schema.Description),
		InputSchema: anthropic.ToolInputSchemaParam{
			Properties: schema.Properties,
			Required:   schema.Required,
		},
	}
}

func classifyAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &ProviderError{Category: categoryForStatus(apiErr.StatusCode), Err: err}
	}
	return &ProviderError{Category: CategoryTransient, Err: err}
}

// anthropicStream converts SDK stream events into Events. Tool invocations are reported when their content block
// stops, once the input JSON fragments have all arrived
type anthropicStream struct {
	stream   *ssestream.Stream[anthropic.MessageStreamEventUnion]
	response anthropic.Message
	toolUses map[int64]*anthropicToolUse
	pending  []Event
	current  Event
	done     bool
	err      error
}

type anthropicToolUse struct {
	name  string
	input strings.Builder
}

func (as *anthropicStream) Next() bool {
	for len(as.pending) == 0 {
		if as.done || as.err != nil {
			return false
		}
		if !as.stream.Next() {
			if err := as.stream.Err(); err != nil {
				as.err = classifyAnthropicError(err)
				return false
			}
			if as.response.StopReason == "" {
				b, err := json.Marshal(as.response)
				if err != nil {
					slog.Warn("Error while marshalling corrupt message for inspection", "error", err)
				}
				as.err = &ProviderError{Category: CategoryTransient, Err: fmt.Errorf("malformed message: %s", string(b))}
				return false
			}
			as.done = true
			as.pending = append(as.pending, Event{Kind: EventDone})
			break
		}
		as.handle(as.stream.Current())
	}

	as.current = as.pending[0]
	as.pending = as.pending[1:]
	return true
}

func (as *anthropicStream) handle(event anthropic.MessageStreamEventUnion) {
	if err := as.response.Accumulate(event); err != nil {
		as.err = &ProviderError{Category: CategoryTransient, Err: fmt.Errorf("failed to accumulate response content stream: %w", err)}
		return
	}
	if as.toolUses == nil {
		as.toolUses = map[int64]*anthropicToolUse{}
	}

	switch event.Type {
	case "content_block_start":
		if event.ContentBlock.Type == "tool_use" {
			as.toolUses[event.Index] = &anthropicToolUse{name: event.ContentBlock.Name}
		}
	case "content_block_delta":
		switch event.Delta.Type {
		case "text_delta":
			if event.Delta.Text != "" {
				as.pending = append(as.pending, Event{Kind: EventTextDelta, Text: event.Delta.Text})
			}
		case "input_json_delta":
			if toolUse, ok := as.toolUses[event.Index]; ok {
				toolUse.input.WriteString(event.Delta.PartialJSON)
			}
		}
	case "content_block_stop":
		toolUse, ok := as.toolUses[event.Index]
		if !ok {
			return
		}
		delete(as.toolUses, event.Index)
		args := json.RawMessage(toolUse.input.String())
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		as.pending = append(as.pending, Event{Kind: EventToolInvocation, ToolName: toolUse.name, Args: args})
	}
}

func (as *anthropicStream) Current() Event {
	return as.current
}

func (as *anthropicStream) Err() error {
	return as.err
}

func (as *anthropicStream) Close() error {
	return as.stream.Close()
}
