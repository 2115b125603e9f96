// Package tools declares the market display tools the assistant can invoke and validates their arguments.
package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
)

// Schema is a provider-neutral tool declaration. Properties and Required form a JSON schema object.
type Schema struct {
	Name        string
	Description string
	Properties  map[string]any
	Required    []string
}

// MarketTool defines the interface for all tools
type MarketTool interface {
	// Schema describes the tool to the completion provider
	Schema() Schema

	// Validate parses the raw arguments produced by the model and returns them in canonical form. The error will be
	// a ToolInputError if the arguments are unusable
	Validate(args json.RawMessage) (json.RawMessage, error)

	// Subject describes what the tool displays for the given canonical arguments, e.g. "AAPL, MSFT"
	Subject(args json.RawMessage) string
}

// ToolInputError represents an error that could be recovered by correcting inputs to the tool. Its text may be shown
// to the model, so it must not contain any sensitive information
type ToolInputError struct {
	cause error
}

func (tie ToolInputError) Error() string {
	return fmt.Sprintf("tool input error: %s", tie.cause)
}

func (tie ToolInputError) Unwrap() error {
	return tie.cause
}

// NewToolInputError wraps cause in a ToolInputError
func NewToolInputError(cause error) ToolInputError {
	return ToolInputError{cause: cause}
}

// Invocation is a validated tool invocation
type Invocation struct {
	ToolName string
	Args     json.RawMessage
	Subject  string
}

// Registry manages all available tools
type Registry struct {
	tools map[string]MarketTool
}

// NewRegistry creates a new tool registry with all available tools
func NewRegistry() *Registry {
	registry := &Registry{
		tools: make(map[string]MarketTool),
	}

	registry.register(&chartTool{})
	registry.register(&symbolTool{name: "showStockPrice", description: "Show the current price of a stock or currency."})
	registry.register(&symbolTool{name: "showStockFinancials", description: "Show the financial data of a stock."})
	registry.register(&symbolTool{name: "showStockNews", description: "Show the latest news about a stock or cryptocurrency."})
	registry.register(&widgetTool{name: "showStockScreener", description: "Show a stock screener to search for stocks by financial metrics.", subject: "the stock screener"})
	registry.register(&widgetTool{name: "showMarketOverview", description: "Show an overview of today's stock, futures, bond and forex markets.", subject: "today's markets"})
	registry.register(&widgetTool{name: "showMarketHeatmap", description: "Show a heatmap of today's stock market performance by sector.", subject: "the stock market heatmap"})
	registry.register(&widgetTool{name: "showETFHeatmap", description: "Show a heatmap of today's ETF market performance by sector and asset class.", subject: "the ETF heatmap"})
	registry.register(&widgetTool{name: "showTrendingStocks", description: "Show today's top gaining, losing and most active stocks.", subject: "today's trending stocks"})

	return registry
}

func (r *Registry) register(tool MarketTool) {
	r.tools[tool.Schema().Name] = tool
}

// Get returns a tool by name, or nil if no such tool is registered
func (r *Registry) Get(name string) MarketTool {
	return r.tools[name]
}

// Schemas returns the declarations of all tools, ordered by name
func (r *Registry) Schemas() []Schema {
	schemas := make([]Schema, 0, len(r.tools))
	for _, tool := range r.tools {
		schemas = append(schemas, tool.Schema())
	}
	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Name < schemas[j].Name })
	return schemas
}

// Process validates a tool invocation produced by the model
func (r *Registry) Process(name string, args json.RawMessage) (Invocation, error) {
	tool := r.tools[name]
	if tool == nil {
		return Invocation{}, NewToolInputError(fmt.Errorf("unknown tool: %s", name))
	}

	canonical, err := tool.Validate(args)
	var tie ToolInputError
	if errors.As(err, &tie) {
		slog.Warn("Invalid tool arguments", "tool", name, "error", err)
		return Invocation{}, err
	} else if err != nil {
		return Invocation{}, fmt.Errorf("error while validating tool arguments: %w", err)
	}

	return Invocation{
		ToolName: name,
		Args:     canonical,
		Subject:  tool.Subject(canonical),
	}, nil
}

// parseInputJSON is a helper to unmarshal tool input. Empty input decodes as an empty object
func parseInputJSON(args json.RawMessage, target any) error {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	err := json.Unmarshal(args, target)
	if err != nil {
		err = ToolInputError{cause: err}
	}
	return err
}
