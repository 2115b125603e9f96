package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/cchalm/stockchat/internal/chat"
)

var (
	promptStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	assistantStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	cardStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("42")).
			Padding(0, 1)

	cardTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("42"))

	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("242"))
)

// renderEntry formats a display entry for the terminal
func renderEntry(entry chat.DisplayEntry) string {
	switch entry.Kind {
	case chat.EntryUser:
		return promptStyle.Render("you> ") + entry.Text
	case chat.EntryText:
		return assistantStyle.Render(entry.Text)
	case chat.EntryToolCard:
		return renderCard(entry)
	case chat.EntryError:
		return errorStyle.Render("! " + entry.Text)
	default:
		return entry.Text
	}
}

func renderCard(entry chat.DisplayEntry) string {
	var b strings.Builder
	b.WriteString(cardTitleStyle.Render(string(entry.Renderer)))
	if len(entry.Args) > 0 && string(entry.Args) != "{}" {
		var args map[string]any
		if err := json.Unmarshal(entry.Args, &args); err == nil {
			b.WriteString("\n")
			b.WriteString(dimStyle.Render(formatArgs(args)))
		}
	}
	if entry.Caption != "" {
		b.WriteString("\n")
		b.WriteString(entry.Caption)
	}
	return cardStyle.Render(b.String())
}

func formatArgs(args map[string]any) string {
	var parts []string
	if symbol, ok := args["symbol"].(string); ok {
		parts = append(parts, symbol)
	}
	if comparisons, ok := args["comparisonSymbols"].([]any); ok {
		for _, c := range comparisons {
			if m, ok := c.(map[string]any); ok {
				if symbol, ok := m["symbol"].(string); ok {
					parts = append(parts, "vs "+symbol)
				}
			}
		}
	}
	return strings.Join(parts, " ")
}

// streamPrinter writes turn output to out as the engine publishes it. Each text publish carries the full text so far
// for an entry, so only the unseen suffix is written
type streamPrinter struct {
	out io.Writer

	mu       sync.Mutex
	current  string         // ID of the text entry being streamed
	lineOpen bool           // Streamed text has been written without a trailing newline
	printed  map[string]int // Bytes of each text entry already written
	seen     map[string]bool
}

func newStreamPrinter(out io.Writer) *streamPrinter {
	return &streamPrinter{out: out, printed: map[string]int{}, seen: map[string]bool{}}
}

func (sp *streamPrinter) Publish(entry chat.DisplayEntry) {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	switch entry.Kind {
	case chat.EntryText:
		if entry.ID != sp.current {
			sp.endLineLocked()
			sp.current = entry.ID
		}
		if done := sp.printed[entry.ID]; len(entry.Text) > done {
			fmt.Fprint(sp.out, entry.Text[done:])
			sp.printed[entry.ID] = len(entry.Text)
			sp.lineOpen = true
		}
	default:
		sp.endLineLocked()
		if !sp.seen[entry.ID] {
			fmt.Fprintln(sp.out, renderEntry(entry))
		}
	}
	sp.seen[entry.ID] = true
}

// finish ends the turn's output. The entry returned by the turn is written unless it was already published
func (sp *streamPrinter) finish(entry chat.DisplayEntry) {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	sp.endLineLocked()
	if !sp.seen[entry.ID] {
		fmt.Fprintln(sp.out, renderEntry(entry))
	}
	sp.printed = map[string]int{}
	sp.seen = map[string]bool{}
}

func (sp *streamPrinter) endLineLocked() {
	if sp.lineOpen {
		fmt.Fprintln(sp.out)
	}
	sp.current = ""
	sp.lineOpen = false
}
