package chat

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
)

//go:embed transcript.tmpl
var transcriptTemplate string

var transcriptTmpl = template.Must(template.New("transcript").Funcs(template.FuncMap{
	"prettifyJSON": func(raw json.RawMessage) string {
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, raw, "", "  "); err == nil {
			return pretty.String()
		}
		return string(raw)
	},
	"indent": func(prefix string, text string) string {
		prefixed := strings.Builder{}
		for line := range strings.Lines(text) {
			prefixed.WriteString(prefix)
			prefixed.WriteString(line)
		}
		return prefixed.String()
	},
}).Parse(transcriptTemplate))

type transcriptData struct {
	Title    string
	Messages []transcriptMessage
}

// transcriptMessage represents a single displayed message in the transcript
type transcriptMessage struct {
	Type    string // "user", "assistant", "tool"
	Text    string
	Summary string
	Args    json.RawMessage
}

// ToMarkdown renders the displayable part of a message log as a markdown transcript. Tool results are omitted, as
// they are from the display projection
func ToMarkdown(title string, msgs []Message) (string, error) {
	data := transcriptData{Title: title}
	for _, m := range msgs {
		entry, ok := EntryFor(m)
		if !ok {
			continue
		}
		switch entry.Kind {
		case EntryUser:
			data.Messages = append(data.Messages, transcriptMessage{Type: "user", Text: entry.Text})
		case EntryText:
			data.Messages = append(data.Messages, transcriptMessage{Type: "assistant", Text: entry.Text})
		case EntryToolCard:
			args := entry.Args
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			data.Messages = append(data.Messages, transcriptMessage{Type: "tool", Summary: Preview(m), Args: args})
		}
	}

	var buf bytes.Buffer
	if err := transcriptTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render transcript: %w", err)
	}
	return buf.String(), nil
}
