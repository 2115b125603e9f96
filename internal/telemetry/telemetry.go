// Package telemetry configures OpenTelemetry tracing for assistant turns.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	serviceName      = "stockchat"
	instrumentation  = "github.com/cchalm/stockchat"
	fallbackVersion  = "dev"
	attrConversation = "conversation.id"
	attrTurn         = "turn.id"
)

// TelemetryConfig holds the configuration for telemetry
type TelemetryConfig struct {
	Enabled bool
	// OTLPEndpoint is the host:port of an OTLP/HTTP collector. Empty uses the exporter's default
	OTLPEndpoint string
	Insecure     bool
}

// Provider manages the tracing pipeline
type Provider struct {
	enabled bool
	tp      *sdktrace.TracerProvider
}

// NewProvider creates a new telemetry provider and installs it as the global tracer provider. When telemetry is
// disabled a no-op tracer provider is installed
func NewProvider(ctx context.Context, config TelemetryConfig) (*Provider, error) {
	if !config.Enabled {
		slog.Debug("Telemetry disabled")
		otel.SetTracerProvider(noop.NewTracerProvider())
		return &Provider{enabled: false}, nil
	}

	opts := []otlptracehttp.Option{}
	if config.OTLPEndpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(config.OTLPEndpoint))
	}
	if config.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", serviceName),
		attribute.String("service.version", Version()),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	slog.Info("Telemetry enabled", "endpoint", config.OTLPEndpoint)
	return &Provider{enabled: true, tp: tp}, nil
}

// Shutdown flushes and stops the tracing pipeline
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.enabled {
		return nil
	}
	slog.Debug("Shutting down telemetry provider")
	return p.tp.Shutdown(ctx)
}

// Tracer returns the tracer used throughout the application
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentation)
}

// TurnAttributes labels a turn span
func TurnAttributes(conversationID, turnID string) trace.SpanStartOption {
	return trace.WithAttributes(
		attribute.String(attrConversation, conversationID),
		attribute.String(attrTurn, turnID),
	)
}

// ToolUseTelemetry holds telemetry data for a tool use
type ToolUseTelemetry struct {
	ToolName string
	Subject  string
	ArgsSize int
	HasError bool
}

// RecordToolUse adds a tool use event to the span in ctx
func RecordToolUse(ctx context.Context, toolUse ToolUseTelemetry) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("tool_use", trace.WithAttributes(
		attribute.String("tool.name", toolUse.ToolName),
		attribute.String("tool.subject", toolUse.Subject),
		attribute.Int("tool.args_size", toolUse.ArgsSize),
		attribute.Bool("tool.has_error", toolUse.HasError),
	))
}

// NewTurnID generates a new turn UUID
func NewTurnID() string {
	return uuid.New().String()
}

// Version returns the main module version from build info
func Version() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" || info.Main.Version == "(devel)" {
		return fallbackVersion
	}
	return info.Main.Version
}
