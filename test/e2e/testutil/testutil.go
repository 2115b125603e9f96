//go:build e2e

package testutil

import (
	"context"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"

	"github.com/cchalm/stockchat/internal/ai"
	"github.com/cchalm/stockchat/internal/auth"
	"github.com/cchalm/stockchat/internal/chat"
	"github.com/cchalm/stockchat/internal/tools"
	"github.com/cchalm/stockchat/internal/transport"
)

// TestConfig holds configuration for end-to-end tests
type TestConfig struct {
	Model        string
	CaptionModel string
	MaxTokens    int64
	Iterations   int
	Timeout      time.Duration
	AnthropicKey string
}

// LoadTestConfig loads test configuration from environment variables
func LoadTestConfig() TestConfig {
	config := TestConfig{
		Model:        "claude-sonnet-4-5",
		CaptionModel: "claude-haiku-4-5",
		MaxTokens:    1024,
		Iterations:   3,
		Timeout:      120 * time.Second,
	}

	if model := os.Getenv("E2E_MODEL"); model != "" {
		config.Model = model
	}
	if model := os.Getenv("E2E_CAPTION_MODEL"); model != "" {
		config.CaptionModel = model
	}

	if tokens := os.Getenv("E2E_MAX_TOKENS"); tokens != "" {
		if val, err := strconv.ParseInt(tokens, 10, 64); err == nil {
			config.MaxTokens = val
		}
	}

	if iterations := os.Getenv("E2E_ITERATIONS"); iterations != "" {
		if val, err := strconv.Atoi(iterations); err == nil {
			config.Iterations = val
		}
	}

	if timeout := os.Getenv("E2E_TIMEOUT"); timeout != "" {
		if val, err := strconv.Atoi(timeout); err == nil {
			config.Timeout = time.Duration(val) * time.Second
		}
	}

	config.AnthropicKey = os.Getenv("ANTHROPIC_API_KEY")

	return config
}

// TestHarness runs turns against the real provider
type TestHarness struct {
	t        *testing.T
	config   TestConfig
	provider ai.CompletionProvider
	registry *tools.Registry
}

// NewTestHarness creates a new test harness
func NewTestHarness(t *testing.T) *TestHarness {
	config := LoadTestConfig()

	require.NotEmpty(t, config.AnthropicKey, "ANTHROPIC_API_KEY environment variable is required for e2e tests")

	return &TestHarness{
		t:        t,
		config:   config,
		provider: ai.NewAnthropicProvider(config.AnthropicKey, option.WithHTTPClient(transport.WithRateLimiting(nil).Client())),
		registry: tools.NewRegistry(),
	}
}

// Config returns the test configuration
func (h *TestHarness) Config() TestConfig {
	return h.config
}

// NewEngine creates an engine whose saves always succeed, plus the recorder of what it saved
func (h *TestHarness) NewEngine() (*ai.Engine, *Recorder) {
	rec := &Recorder{}
	engine := ai.NewEngine(h.provider, h.registry, rec, auth.ContextResolver{}, ai.EngineConfig{
		Model:           h.config.Model,
		CaptionModel:    h.config.CaptionModel,
		MaxOutputTokens: h.config.MaxTokens,
	})
	return engine, rec
}

// Recorder counts saved snapshots in place of the persistence layer
type Recorder struct {
	mu    sync.Mutex
	saves int
}

func (r *Recorder) Enqueue(context.Context, *chat.Conversation) <-chan bool {
	r.mu.Lock()
	r.saves++
	r.mu.Unlock()
	ch := make(chan bool, 1)
	ch <- true
	return ch
}

// Saves returns how many snapshots were saved
func (r *Recorder) Saves() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves
}

// RunIterations runs a test function multiple times and reports results
func (h *TestHarness) RunIterations(testName string, testFunc func(iteration int) error) {
	h.t.Helper()

	successCount := 0
	var lastError error

	for i := 0; i < h.config.Iterations; i++ {
		h.t.Logf("Running iteration %d/%d of %s", i+1, h.config.Iterations, testName)

		err := testFunc(i)
		if err != nil {
			h.t.Logf("Iteration %d failed: %v", i+1, err)
			lastError = err
		} else {
			successCount++
			h.t.Logf("Iteration %d succeeded", i+1)
		}
	}

	h.t.Logf("Test %s: %d/%d iterations succeeded", testName, successCount, h.config.Iterations)

	// Require at least 2/3 success rate for tests to pass
	minSuccessCount := (h.config.Iterations*2 + 2) / 3
	if successCount < minSuccessCount {
		require.NoErrorf(h.t, lastError, "Test %s failed with %d/%d successes (minimum %d required)",
			testName, successCount, h.config.Iterations, minSuccessCount)
	}
}

// WithTimeout runs a function with the configured timeout
func (h *TestHarness) WithTimeout(fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	return fn(ctx)
}
