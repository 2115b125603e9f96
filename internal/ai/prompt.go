package ai

import (
	"bytes"
	_ "embed"
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"github.com/cchalm/stockchat/internal/chat"
)

//go:embed system_prompt.md
var systemPromptTemplate string

//go:embed caption_prompt.tmpl
var captionPromptTemplate string

// StructuredPlaceholder stands in for assistant messages whose content is not text
const StructuredPlaceholder = "[previous message with structured content]"

// captionContextSize is the number of most recent prompt messages given to the caption call
const captionContextSize = 5

var (
	systemTmpl  = template.Must(template.New("system").Parse(systemPromptTemplate))
	captionTmpl = template.Must(template.New("caption").Parse(captionPromptTemplate))

	// Matches tool call JSON the model sometimes leaks into caption text
	leakedToolCall = regexp.MustCompile(`\{\s*"tool_call".*\}\s*\}`)
)

type systemPromptData struct {
	UserName string
}

// SystemPrompt returns the system prompt, addressing the user by name if one is given
func SystemPrompt(userName string) (string, error) {
	var buf bytes.Buffer
	if err := systemTmpl.Execute(&buf, systemPromptData{UserName: strings.TrimSpace(userName)}); err != nil {
		return "", fmt.Errorf("failed to execute system prompt template: %w", err)
	}
	return buf.String(), nil
}

type captionPromptData struct {
	ToolName string
	Subject  string
}

// CaptionPrompt returns the system prompt for a caption describing a tool's display
func CaptionPrompt(toolName, subject string) (string, error) {
	var buf bytes.Buffer
	if err := captionTmpl.Execute(&buf, captionPromptData{ToolName: toolName, Subject: subject}); err != nil {
		return "", fmt.Errorf("failed to execute caption prompt template: %w", err)
	}
	return buf.String(), nil
}

// FallbackCaption is used when no caption could be generated
func FallbackCaption(subject string) string {
	return fmt.Sprintf("Here is the information for %s.", subject)
}

// CleanCaption strips leaked tool call JSON and surrounding whitespace from a generated caption
func CleanCaption(caption string) string {
	return strings.TrimSpace(leakedToolCall.ReplaceAllString(caption, ""))
}

// PromptMessages selects the messages sent to the provider. User messages and assistant text are kept, other
// assistant messages are replaced by a placeholder, and tool messages are dropped
func PromptMessages(msgs []chat.Message) []PromptMessage {
	prompt := make([]PromptMessage, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case chat.RoleUser:
			prompt = append(prompt, PromptMessage{Role: chat.RoleUser, Text: m.Content.Text})
		case chat.RoleAssistant:
			text := m.Content.Text
			if !m.Content.IsText() {
				text = StructuredPlaceholder
			}
			prompt = append(prompt, PromptMessage{Role: chat.RoleAssistant, Text: text})
		}
	}
	return prompt
}

// lastN returns at most the last n messages
func lastN(msgs []PromptMessage, n int) []PromptMessage {
	if len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}
