// Package toolhost maintains the registry of in-process tools the agent loop
// can invoke.
//
// Every tool is a plain Go function registered with its [llm.ToolDefinition].
// Execution is bounded by a shared concurrency gate, measured with OTel
// instruments and per-tool rolling latency windows, and never raises for
// application-level failures: a handler error becomes a [ToolResult] with
// IsError set so the model can read the failure and react to it. A Go error
// is returned only for dispatch problems such as an unknown tool name.
//
// Typical usage:
//
//	h := toolhost.New()
//	h.Register(llm.ToolDefinition{Name: "buscar_orcamento_referencia", ...}, handler)
//	defs := h.Definitions()
//	result, err := h.Execute(ctx, "buscar_orcamento_referencia", args)
package toolhost

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/obradorhq/obradoria/internal/observe"
	"github.com/obradorhq/obradoria/pkg/provider/llm"
)

// defaultMaxConcurrent bounds how many tool handlers may run at once across
// all runs sharing this host.
const defaultMaxConcurrent = 5

// Handler is an in-process tool implementation. args is the decoded JSON
// object the model supplied. The returned string is handed back to the model
// verbatim as the tool result.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// ToolResult is the outcome of one tool execution.
type ToolResult struct {
	// Content is the tool output, or the failure description when IsError
	// is set.
	Content string

	// IsError marks an application-level failure the model should see.
	IsError bool

	// DurationMs is the wall-clock execution time.
	DurationMs int64
}

// toolEntry holds a registered tool and its accumulated measurements.
type toolEntry struct {
	def          llm.ToolDefinition
	handler      Handler
	measurements *rollingWindow
}

// Host is a concurrent-safe registry and executor for in-process tools.
// The zero value is not usable; create instances with [New].
type Host struct {
	mu    sync.RWMutex
	tools map[string]*toolEntry
	order []string

	sem     *semaphore.Weighted
	metrics *observe.Metrics
}

// config holds optional configuration for a Host.
type config struct {
	maxConcurrent int64
	metrics       *observe.Metrics
}

// Option is a functional option for Host.
type Option func(*config)

// WithMaxConcurrent overrides the default tool-execution concurrency limit.
func WithMaxConcurrent(n int64) Option {
	return func(c *config) {
		if n > 0 {
			c.maxConcurrent = n
		}
	}
}

// WithMetrics overrides the default metrics instance, mainly for tests.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *config) {
		c.metrics = m
	}
}

// New creates and returns a ready-to-use Host.
func New(opts ...Option) *Host {
	cfg := &config{maxConcurrent: defaultMaxConcurrent}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.metrics == nil {
		cfg.metrics = observe.DefaultMetrics()
	}
	return &Host{
		tools:   make(map[string]*toolEntry),
		sem:     semaphore.NewWeighted(cfg.maxConcurrent),
		metrics: cfg.metrics,
	}
}

// Register adds a tool under def.Name. Registering a name twice is a
// programming error and is rejected so a typo cannot silently shadow a tool.
func (h *Host) Register(def llm.ToolDefinition, handler Handler) error {
	if def.Name == "" {
		return fmt.Errorf("toolhost: tool definition must have a name")
	}
	if handler == nil {
		return fmt.Errorf("toolhost: tool %q has a nil handler", def.Name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.tools[def.Name]; exists {
		return fmt.Errorf("toolhost: tool %q already registered", def.Name)
	}
	h.tools[def.Name] = &toolEntry{
		def:          def,
		handler:      handler,
		measurements: newRollingWindow(defaultWindowSize),
	}
	h.order = append(h.order, def.Name)
	return nil
}

// Definitions returns all registered tool definitions in registration order,
// ready to hand to the model.
func (h *Host) Definitions() []llm.ToolDefinition {
	h.mu.RLock()
	defer h.mu.RUnlock()

	defs := make([]llm.ToolDefinition, 0, len(h.order))
	for _, name := range h.order {
		defs = append(defs, h.tools[name].def)
	}
	return defs
}

// Execute invokes the named tool with the given arguments.
//
// A non-nil *ToolResult is returned even when the handler failed; in that
// case IsError is true and Content carries the failure description. A Go
// error is returned only when the tool is unknown or the context ends before
// a concurrency slot frees up.
func (h *Host) Execute(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	h.mu.RLock()
	entry, ok := h.tools[name]
	h.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("toolhost: tool %q not found", name)
	}

	if err := h.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("toolhost: waiting for execution slot for %q: %w", name, err)
	}
	defer h.sem.Release(1)

	start := time.Now()
	output, err := entry.handler(ctx, args)
	duration := time.Since(start)

	result := &ToolResult{
		Content:    output,
		DurationMs: duration.Milliseconds(),
	}
	status := "ok"
	if err != nil {
		result.Content = err.Error()
		result.IsError = true
		status = "error"
	}

	entry.measurements.Record(result.DurationMs, result.IsError)
	h.metrics.ToolExecutionDuration.Record(ctx, duration.Seconds())
	h.metrics.RecordToolCall(ctx, name, status)

	return result, nil
}

// Stats returns the measured latency profile for the named tool, and false
// if the tool is unknown.
func (h *Host) Stats(name string) (ToolStats, bool) {
	h.mu.RLock()
	entry, ok := h.tools[name]
	h.mu.RUnlock()

	if !ok {
		return ToolStats{}, false
	}
	return ToolStats{
		Calls:     entry.measurements.Count(),
		P50Ms:     entry.measurements.P50(),
		P99Ms:     entry.measurements.P99(),
		ErrorRate: entry.measurements.ErrorRate(),
	}, true
}

// ToolStats summarizes one tool's rolling execution window.
type ToolStats struct {
	Calls     int
	P50Ms     int64
	P99Ms     int64
	ErrorRate float64
}
