package tools

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Tickers are upper-case letters and digits with the punctuation used by exchanges, e.g. BRK.B, EURUSD, ES=F
var symbolPattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9.\-=:^]{0,19}$`)

const positionSameScale = "SameScale"

func normalizeSymbol(raw string) (string, error) {
	symbol := strings.ToUpper(strings.TrimSpace(raw))
	if symbol == "" {
		return "", NewToolInputError(fmt.Errorf("symbol is required"))
	}
	if !symbolPattern.MatchString(symbol) {
		return "", NewToolInputError(fmt.Errorf("invalid symbol '%s'", raw))
	}
	return symbol, nil
}

var symbolProperty = map[string]any{
	"type":        "string",
	"description": "Symbol of the stock or currency, e.g. AAPL, MSFT, EURUSD, BTCUSD.",
}

// symbolTool displays a widget for a single symbol
type symbolTool struct {
	name        string
	description string
}

type symbolInput struct {
	Symbol string `json:"symbol"`
}

func (t *symbolTool) Schema() Schema {
	return Schema{
		Name:        t.name,
		Description: t.description,
		Properties:  map[string]any{"symbol": symbolProperty},
		Required:    []string{"symbol"},
	}
}

func (t *symbolTool) Validate(args json.RawMessage) (json.RawMessage, error) {
	var input symbolInput
	if err := parseInputJSON(args, &input); err != nil {
		return nil, err
	}
	symbol, err := normalizeSymbol(input.Symbol)
	if err != nil {
		return nil, err
	}
	return json.Marshal(symbolInput{Symbol: symbol})
}

func (t *symbolTool) Subject(args json.RawMessage) string {
	var input symbolInput
	_ = json.Unmarshal(args, &input)
	return input.Symbol
}

// chartTool displays a price chart, optionally comparing against other symbols
type chartTool struct{}

type comparisonSymbol struct {
	Symbol   string `json:"symbol"`
	Position string `json:"position"`
}

type chartInput struct {
	Symbol            string             `json:"symbol"`
	ComparisonSymbols []comparisonSymbol `json:"comparisonSymbols"`
}

func (t *chartTool) Schema() Schema {
	return Schema{
		Name:        "showStockChart",
		Description: "Show a chart of a stock. Optionally compare it with other stocks.",
		Properties: map[string]any{
			"symbol": symbolProperty,
			"comparisonSymbols": map[string]any{
				"type":        "array",
				"description": "Optional list of symbols to compare against, e.g. MSFT, GOOGL.",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"symbol":   map[string]any{"type": "string"},
						"position": map[string]any{"type": "string", "enum": []string{positionSameScale}},
					},
					"required": []string{"symbol", "position"},
				},
			},
		},
		Required: []string{"symbol"},
	}
}

func (t *chartTool) Validate(args json.RawMessage) (json.RawMessage, error) {
	var input chartInput
	if err := parseInputJSON(args, &input); err != nil {
		return nil, err
	}
	symbol, err := normalizeSymbol(input.Symbol)
	if err != nil {
		return nil, err
	}

	comparisons := make([]comparisonSymbol, 0, len(input.ComparisonSymbols))
	for _, cs := range input.ComparisonSymbols {
		s, err := normalizeSymbol(cs.Symbol)
		if err != nil {
			return nil, err
		}
		if cs.Position != "" && cs.Position != positionSameScale {
			return nil, NewToolInputError(fmt.Errorf("unsupported comparison position '%s'", cs.Position))
		}
		comparisons = append(comparisons, comparisonSymbol{Symbol: s, Position: positionSameScale})
	}

	return json.Marshal(chartInput{Symbol: symbol, ComparisonSymbols: comparisons})
}

func (t *chartTool) Subject(args json.RawMessage) string {
	var input chartInput
	_ = json.Unmarshal(args, &input)
	symbols := []string{input.Symbol}
	for _, cs := range input.ComparisonSymbols {
		symbols = append(symbols, cs.Symbol)
	}
	return strings.Join(symbols, ", ")
}

// widgetTool displays a market-wide widget that takes no arguments
type widgetTool struct {
	name        string
	description string
	subject     string
}

func (t *widgetTool) Schema() Schema {
	return Schema{
		Name:        t.name,
		Description: t.description,
		Properties:  map[string]any{},
	}
}

func (t *widgetTool) Validate(args json.RawMessage) (json.RawMessage, error) {
	var input map[string]any
	if err := parseInputJSON(args, &input); err != nil {
		return nil, err
	}
	return json.RawMessage("{}"), nil
}

func (t *widgetTool) Subject(json.RawMessage) string {
	return t.subject
}
