package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/ssestream"

	"github.com/cchalm/stockchat/internal/chat"
)

// OpenAIProvider implements CompletionProvider with the OpenAI chat completions API
type OpenAIProvider struct {
	client     openai.Client
	configured bool
}

// NewOpenAIProvider creates a provider. An empty API key produces a provider that fails every request with a
// credentials error
func NewOpenAIProvider(apiKey string, opts ...option.RequestOption) *OpenAIProvider {
	opts = append([]option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(1),
	}, opts...)
	return &OpenAIProvider{
		client:     openai.NewClient(opts...),
		configured: strings.TrimSpace(apiKey) != "",
	}
}

func (op *OpenAIProvider) StreamCompletion(ctx context.Context, req Request) (EventStream, error) {
	if !op.configured {
		return nil, &ProviderError{Category: CategoryCredentials, Err: errors.New("openai api key is not set")}
	}
	params, err := openAIParams(req)
	if err != nil {
		return nil, &ProviderError{Category: CategoryMalformed, Err: err}
	}

	stream := op.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, classifyOpenAIError(err)
	}
	return &openAIStream{stream: stream, calls: map[int64]*openAIToolCall{}}, nil
}

func (op *OpenAIProvider) Complete(ctx context.Context, req Request) (string, error) {
	if !op.configured {
		return "", &ProviderError{Category: CategoryCredentials, Err: errors.New("openai api key is not set")}
	}
	req.Tools = nil
	params, err := openAIParams(req)
	if err != nil {
		return "", &ProviderError{Category: CategoryMalformed, Err: err}
	}

	resp, err := op.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

func openAIParams(req Request) (openai.ChatCompletionNewParams, error) {
	if strings.TrimSpace(req.Model) == "" {
		return openai.ChatCompletionNewParams{}, fmt.Errorf("model is required")
	}
	if len(req.Messages) == 0 {
		return openai.ChatCompletionNewParams{}, fmt.Errorf("messages are required")
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case chat.RoleUser:
			messages = append(messages, openai.UserMessage(m.Text))
		case chat.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Text))
		default:
			return openai.ChatCompletionNewParams{}, fmt.Errorf("unsupported role: %s", m.Role)
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(req.MaxTokens)
	}

	for _, schema := range req.Tools {
		parameters := openai.FunctionParameters{
			"type":       "object",
			"properties": schema.Properties,
		}
		if len(schema.Required) > 0 {
			parameters["required"] = schema.Required
		}
		params.Tools = append(params.Tools, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        schema.Name,
			Description: openai.String(schema.Description),
			Parameters:  parameters,
		}))
	}

	return params, nil
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &ProviderError{Category: categoryForStatus(apiErr.StatusCode), Err: err}
	}
	return &ProviderError{Category: CategoryTransient, Err: err}
}

type openAIToolCall struct {
	name      string
	arguments strings.Builder
	reported  bool
}

// openAIStream converts chat completion chunks into Events. Tool call arguments arrive in fragments keyed by index;
// a call is reported when its choice finishes, or at the end of the stream for calls that were never reported
type openAIStream struct {
	stream  *ssestream.Stream[openai.ChatCompletionChunk]
	calls   map[int64]*openAIToolCall
	pending []Event
	current Event
	done    bool
	err     error
}

func (s *openAIStream) Next() bool {
	for len(s.pending) == 0 {
		if s.done || s.err != nil {
			return false
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				s.err = classifyOpenAIError(err)
				return false
			}
			s.flushToolCalls()
			s.pending = append(s.pending, Event{Kind: EventDone})
			s.done = true
			break
		}
		s.handle(s.stream.Current())
	}

	s.current = s.pending[0]
	s.pending = s.pending[1:]
	return true
}

func (s *openAIStream) handle(chunk openai.ChatCompletionChunk) {
	if len(chunk.Choices) == 0 {
		return
	}
	choice := chunk.Choices[0]
	if choice.Delta.Content != "" {
		s.pending = append(s.pending, Event{Kind: EventTextDelta, Text: choice.Delta.Content})
	}
	for _, tc := range choice.Delta.ToolCalls {
		call, ok := s.calls[tc.Index]
		if !ok {
			call = &openAIToolCall{}
			s.calls[tc.Index] = call
		}
		if tc.Function.Name != "" {
			call.name = tc.Function.Name
		}
		call.arguments.WriteString(tc.Function.Arguments)
	}
	if choice.FinishReason != "" {
		s.flushToolCalls()
	}
}

func (s *openAIStream) flushToolCalls() {
	indexes := make([]int64, 0, len(s.calls))
	for index := range s.calls {
		indexes = append(indexes, index)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	for _, index := range indexes {
		call := s.calls[index]
		if call.reported || call.name == "" {
			continue
		}
		call.reported = true
		args := json.RawMessage(call.arguments.String())
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		s.pending = append(s.pending, Event{Kind: EventToolInvocation, ToolName: call.name, Args: args})
	}
}

func (s *openAIStream) Current() Event {
	return s.current
}

func (s *openAIStream) Err() error {
	return s.err
}

func (s *openAIStream) Close() error {
	return s.stream.Close()
}
