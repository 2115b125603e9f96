package chat

import (
	"encoding/json"
	"strings"
	"unicode"

	"github.com/tidwall/gjson"
)

// EntryKind says how a DisplayEntry should be presented
type EntryKind string

const (
	EntryUser     EntryKind = "user"
	EntryText     EntryKind = "text"
	EntryToolCard EntryKind = "tool-card"
	EntryError    EntryKind = "error"
)

// Renderer names the widget that displays a tool card. The set is closed; tools the projector does not know about
// are shown with RendererPlaceholder.
type Renderer string

const (
	RendererStockChart      Renderer = "stock_chart"
	RendererStockPrice      Renderer = "stock_price"
	RendererStockFinancials Renderer = "stock_financials"
	RendererStockNews       Renderer = "stock_news"
	RendererStockScreener   Renderer = "stock_screener"
	RendererMarketOverview  Renderer = "market_overview"
	RendererMarketHeatmap   Renderer = "market_heatmap"
	RendererETFHeatmap      Renderer = "etf_heatmap"
	RendererTrendingStocks  Renderer = "trending_stocks"
	RendererPlaceholder     Renderer = "placeholder"
)

var renderers = map[string]Renderer{
	"showStockChart":      RendererStockChart,
	"showStockPrice":      RendererStockPrice,
	"showStockFinancials": RendererStockFinancials,
	"showStockNews":       RendererStockNews,
	"showStockScreener":   RendererStockScreener,
	"showMarketOverview":  RendererMarketOverview,
	"showMarketHeatmap":   RendererMarketHeatmap,
	"showETFHeatmap":      RendererETFHeatmap,
	"showTrendingStocks":  RendererTrendingStocks,
}

// RendererFor returns the renderer for a tool name, or RendererPlaceholder for unknown tools
func RendererFor(toolName string) Renderer {
	if r, ok := renderers[toolName]; ok {
		return r
	}
	return RendererPlaceholder
}

// DisplayEntry is a renderable item derived from a message
type DisplayEntry struct {
	ID       string          `json:"id"`
	Kind     EntryKind       `json:"kind"`
	Text     string          `json:"text,omitempty"`
	Renderer Renderer        `json:"renderer,omitempty"`
	ToolName string          `json:"toolName,omitempty"`
	Args     json.RawMessage `json:"args,omitempty"`
	Caption  string          `json:"caption,omitempty"`
}

// Project maps a conversation to its display entries. It is a pure function of the message log and may be called at
// any time, including while a turn is streaming.
func Project(c *Conversation) []DisplayEntry {
	return ProjectMessages(c.Messages())
}

// ProjectMessages maps an ordered message log to display entries, skipping tool messages
func ProjectMessages(msgs []Message) []DisplayEntry {
	entries := make([]DisplayEntry, 0, len(msgs))
	for _, m := range msgs {
		if entry, ok := EntryFor(m); ok {
			entries = append(entries, entry)
		}
	}
	return entries
}

// EntryFor returns the display entry for a single message. Tool messages have no entry.
func EntryFor(m Message) (DisplayEntry, bool) {
	switch m.Role {
	case RoleUser:
		return DisplayEntry{ID: m.ID, Kind: EntryUser, Text: m.Content.Text}, true
	case RoleAssistant:
		if m.Content.Kind == KindToolCalls && len(m.Content.ToolCalls) > 0 {
			tc := m.Content.ToolCalls[0]
			return DisplayEntry{
				ID:       m.ID,
				Kind:     EntryToolCard,
				Renderer: RendererFor(tc.ToolName),
				ToolName: tc.ToolName,
				Args:     tc.Args,
			}, true
		}
		return DisplayEntry{ID: m.ID, Kind: EntryText, Text: m.Content.Text}, true
	default:
		return DisplayEntry{}, false
	}
}

// Preview summarizes a message as a single line of text, for conversation listings
func Preview(m Message) string {
	switch m.Role {
	case RoleTool:
		return ""
	case RoleAssistant:
		if m.Content.Kind == KindToolCalls && len(m.Content.ToolCalls) > 0 {
			tc := m.Content.ToolCalls[0]
			text := "showing " + humanizeToolName(tc.ToolName)
			if symbol := gjson.GetBytes(tc.Args, "symbol"); symbol.Exists() && symbol.String() != "" {
				text += " for " + symbol.String()
			}
			return text
		}
	}
	return m.Content.Text
}

// humanizeToolName turns "showStockPrice" into "stock price"
func humanizeToolName(name string) string {
	name = strings.TrimPrefix(name, "show")
	var b strings.Builder
	runes := []rune(name)
	for i, r := range runes {
		if unicode.IsUpper(r) && i > 0 {
			prevLower := !unicode.IsUpper(runes[i-1])
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if prevLower || nextLower {
				b.WriteRune(' ')
			}
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}
