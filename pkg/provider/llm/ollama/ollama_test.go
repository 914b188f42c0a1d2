package ollama

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/obradorhq/obradoria/pkg/provider/llm"
)

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("http://localhost:11434", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("", "llama3.1"); err != nil {
		t.Errorf("empty base URL must fall back to the local default, got %v", err)
	}
}

func TestConvertHistory_SystemPromptAndRoles(t *testing.T) {
	t.Parallel()

	out := convertHistory("Você é um orçamentista.", []llm.Message{
		llm.UserMessage("monte o orçamento"),
		llm.AssistantMessage("vou buscar", []llm.ToolCall{
			{ID: "call_0", Name: "buscar_estrutura", Arguments: map[string]any{"uf": "SP"}},
		}),
		llm.ToolResultMessage("call_0", "estrutura carregada", false),
	})

	if len(out) != 4 {
		t.Fatalf("len(out) = %d, want system + 3 turns", len(out))
	}
	if out[0].Role != "system" || out[0].Content != "Você é um orçamentista." {
		t.Errorf("leading message = %+v, want the system prompt", out[0])
	}
	if out[1].Role != "user" {
		t.Errorf("out[1].Role = %q, want user", out[1].Role)
	}

	asst := out[2]
	if asst.Role != "assistant" || asst.Content != "vou buscar" {
		t.Errorf("assistant = %+v", asst)
	}
	if len(asst.ToolCalls) != 1 {
		t.Fatalf("assistant tool calls = %d, want 1", len(asst.ToolCalls))
	}
	fn := asst.ToolCalls[0].Function
	if fn.Name != "buscar_estrutura" || fn.Arguments["uf"] != "SP" {
		t.Errorf("tool call = %+v", fn)
	}

	if out[3].Role != "tool" || out[3].Content != "estrutura carregada" {
		t.Errorf("tool result = %+v", out[3])
	}
}

func TestConvertTool(t *testing.T) {
	t.Parallel()

	tool := convertTool(llm.ToolDefinition{
		Name:        "buscar_estrutura",
		Description: "Busca o orçamento de referência",
		Parameters: []llm.ToolParameter{
			{Name: "padrao", Type: "string", Required: true, Enum: []string{"MINIMO", "BASICO", "ALTO"}},
			{Name: "uf", Type: "string"},
		},
	})

	if tool.Type != "function" || tool.Function.Name != "buscar_estrutura" {
		t.Errorf("tool = %+v", tool)
	}
	params := tool.Function.Parameters
	if len(params.Required) != 1 || params.Required[0] != "padrao" {
		t.Errorf("required = %v, want [padrao]", params.Required)
	}
	if got := len(params.Properties["padrao"].Enum); got != 3 {
		t.Errorf("enum values = %d, want 3", got)
	}
}

func TestStopReasonFromDone(t *testing.T) {
	t.Parallel()

	cases := []struct {
		doneReason string
		toolCalls  int
		want       llm.StopReason
	}{
		{"stop", 0, llm.StopEndTurn},
		{"length", 0, llm.StopMaxTokens},
		{"stop", 2, llm.StopToolUse},
		{"length", 2, llm.StopMaxTokens},
		{"", 0, llm.StopEndTurn},
	}
	for _, tc := range cases {
		if got := stopReasonFromDone(tc.doneReason, tc.toolCalls); got != tc.want {
			t.Errorf("stopReasonFromDone(%q, %d) = %s, want %s", tc.doneReason, tc.toolCalls, got, tc.want)
		}
	}
}

func TestCompleteWithTools_SynthesizesCallIDs(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q, want /api/chat", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"model": "llama3.1", "created_at": "2025-03-10T12:00:00Z", "message": {"role": "assistant", "content": "", "tool_calls": [{"function": {"name": "buscar_estrutura", "arguments": {"uf": "SP"}}}, {"function": {"name": "processar_itens", "arguments": {}}}]}, "done": true, "done_reason": "stop", "prompt_eval_count": 10, "eval_count": 4}`))
	}))
	t.Cleanup(srv.Close)

	p, err := New(srv.URL, "llama3.1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	reply, err := p.CompleteWithTools(context.Background(), llm.ToolCompletionRequest{
		Messages: []llm.Message{llm.UserMessage("monte o orçamento")},
	})
	if err != nil {
		t.Fatalf("CompleteWithTools: %v", err)
	}

	if len(reply.ToolCalls) != 2 {
		t.Fatalf("tool calls = %d, want 2", len(reply.ToolCalls))
	}
	// Ollama sends no ids; pairing relies on the synthesized sequence.
	for i, wantID := range []string{"call_0", "call_1"} {
		if reply.ToolCalls[i].ID != wantID {
			t.Errorf("call %d id = %q, want %q", i, reply.ToolCalls[i].ID, wantID)
		}
	}
	if got := reply.ToolCalls[0].Arguments["uf"]; got != "SP" {
		t.Errorf("arguments = %v", reply.ToolCalls[0].Arguments)
	}
	if reply.StopReason != llm.StopToolUse {
		t.Errorf("stop reason = %s, want tool_use", reply.StopReason)
	}
	if reply.InputTokens != 10 || reply.OutputTokens != 4 {
		t.Errorf("tokens = %d/%d", reply.InputTokens, reply.OutputTokens)
	}
}

func TestComplete_RetriesRateLimit(t *testing.T) {
	t.Parallel()

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"server busy"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"model": "llama3.1", "created_at": "2025-03-10T12:00:00Z", "response": "pong", "done": true, "done_reason": "stop", "prompt_eval_count": 1, "eval_count": 1}`))
	}))
	t.Cleanup(srv.Close)

	p, err := New(srv.URL, "llama3.1",
		WithRetryPolicy(llm.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	reply, err := p.Complete(context.Background(), llm.CompletionRequest{Prompt: "ping"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if reply.Text != "pong" || calls != 2 {
		t.Errorf("text = %q after %d calls, want pong after 2", reply.Text, calls)
	}
	if reply.StopReason != llm.StopEndTurn {
		t.Errorf("stop reason = %s, want end_turn", reply.StopReason)
	}
}
