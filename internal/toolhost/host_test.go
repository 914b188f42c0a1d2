package toolhost

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/obradorhq/obradoria/internal/observe"
	"github.com/obradorhq/obradoria/pkg/provider/llm"
)

func newTestHost(t *testing.T, opts ...Option) *Host {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return New(append([]Option{WithMetrics(m)}, opts...)...)
}

func echoDef(name string) llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        name,
		Description: "echoes its input",
		Parameters: []llm.ToolParameter{
			{Name: "text", Type: "string", Required: true},
		},
	}
}

func TestRegister_RejectsDuplicates(t *testing.T) {
	t.Parallel()
	h := newTestHost(t)

	handler := func(context.Context, map[string]any) (string, error) { return "", nil }
	if err := h.Register(echoDef("echo"), handler); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if err := h.Register(echoDef("echo"), handler); err == nil {
		t.Fatal("expected error for duplicate registration, got nil")
	}
}

func TestRegister_RejectsEmptyNameAndNilHandler(t *testing.T) {
	t.Parallel()
	h := newTestHost(t)

	if err := h.Register(llm.ToolDefinition{}, func(context.Context, map[string]any) (string, error) { return "", nil }); err == nil {
		t.Error("expected error for empty tool name")
	}
	if err := h.Register(echoDef("x"), nil); err == nil {
		t.Error("expected error for nil handler")
	}
}

func TestDefinitions_PreserveRegistrationOrder(t *testing.T) {
	t.Parallel()
	h := newTestHost(t)

	names := []string{"buscar_orcamento_referencia", "processar_itens_orcamento", "salvar_orcamento"}
	for _, name := range names {
		if err := h.Register(echoDef(name), func(context.Context, map[string]any) (string, error) { return "", nil }); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	defs := h.Definitions()
	if len(defs) != len(names) {
		t.Fatalf("got %d definitions, want %d", len(defs), len(names))
	}
	for i, name := range names {
		if defs[i].Name != name {
			t.Errorf("defs[%d].Name = %q, want %q", i, defs[i].Name, name)
		}
	}
}

func TestExecute_ReturnsHandlerOutput(t *testing.T) {
	t.Parallel()
	h := newTestHost(t)

	err := h.Register(echoDef("echo"), func(_ context.Context, args map[string]any) (string, error) {
		text, _ := args["text"].(string)
		return "echo: " + text, nil
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	result, err := h.Execute(context.Background(), "echo", map[string]any{"text": "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Error("IsError should be false for a successful handler")
	}
	if result.Content != "echo: hello" {
		t.Errorf("content = %q, want %q", result.Content, "echo: hello")
	}
}

func TestExecute_HandlerErrorBecomesToolResult(t *testing.T) {
	t.Parallel()
	h := newTestHost(t)

	err := h.Register(echoDef("fails"), func(context.Context, map[string]any) (string, error) {
		return "", errors.New("backend unavailable")
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	result, err := h.Execute(context.Background(), "fails", nil)
	if err != nil {
		t.Fatalf("handler errors must not surface as Go errors, got: %v", err)
	}
	if !result.IsError {
		t.Error("IsError should be true when the handler fails")
	}
	if !strings.Contains(result.Content, "backend unavailable") {
		t.Errorf("content should carry the failure description, got %q", result.Content)
	}
}

func TestExecute_UnknownTool(t *testing.T) {
	t.Parallel()
	h := newTestHost(t)

	_, err := h.Execute(context.Background(), "nope", nil)
	if err == nil {
		t.Fatal("expected error for unknown tool, got nil")
	}
}

func TestExecute_ConcurrencyGate(t *testing.T) {
	t.Parallel()
	h := newTestHost(t, WithMaxConcurrent(2))

	var mu sync.Mutex
	running, peak := 0, 0

	err := h.Register(echoDef("slow"), func(ctx context.Context, _ map[string]any) (string, error) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()

		time.Sleep(30 * time.Millisecond)

		mu.Lock()
		running--
		mu.Unlock()
		return "done", nil
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.Execute(context.Background(), "slow", nil); err != nil {
				t.Errorf("execute: %v", err)
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Errorf("peak concurrency = %d, want at most 2", peak)
	}
}

func TestExecute_ContextCancelledWhileWaiting(t *testing.T) {
	t.Parallel()
	h := newTestHost(t, WithMaxConcurrent(1))

	release := make(chan struct{})
	err := h.Register(echoDef("block"), func(ctx context.Context, _ map[string]any) (string, error) {
		<-release
		return "", nil
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	started := make(chan struct{})
	go func() {
		close(started)
		_, _ = h.Execute(context.Background(), "block", nil)
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = h.Execute(ctx, "block", nil)
	close(release)

	if err == nil {
		t.Fatal("expected error when context expires waiting for a slot")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestStats_TracksCallsAndErrors(t *testing.T) {
	t.Parallel()
	h := newTestHost(t)

	calls := 0
	err := h.Register(echoDef("flaky"), func(context.Context, map[string]any) (string, error) {
		calls++
		if calls%2 == 0 {
			return "", errors.New("boom")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	for i := 0; i < 4; i++ {
		if _, err := h.Execute(context.Background(), "flaky", nil); err != nil {
			t.Fatalf("execute: %v", err)
		}
	}

	stats, ok := h.Stats("flaky")
	if !ok {
		t.Fatal("Stats returned ok=false for a registered tool")
	}
	if stats.Calls != 4 {
		t.Errorf("calls = %d, want 4", stats.Calls)
	}
	if stats.ErrorRate != 0.5 {
		t.Errorf("error rate = %.2f, want 0.50", stats.ErrorRate)
	}

	if _, ok := h.Stats("missing"); ok {
		t.Error("Stats should return ok=false for an unknown tool")
	}
}
