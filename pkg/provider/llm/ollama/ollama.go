// Package ollama provides an LLM provider backed by a local or remote Ollama
// server, using the official client from github.com/ollama/ollama/api.
//
// Ollama's chat endpoint is OpenAI-compatible for tool calling but does not
// assign tool-call ids; this adapter synthesizes stable ids ("call_0",
// "call_1", ...) so result pairing works like on the other vendors.
package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/obradorhq/obradoria/pkg/provider/llm"
)

// defaultBaseURL is the conventional local Ollama endpoint.
const defaultBaseURL = "http://localhost:11434"

// Provider implements llm.Provider using the Ollama API.
type Provider struct {
	client *api.Client
	model  string
	retry  llm.RetryPolicy
}

// Compile-time check: Provider must implement llm.Provider.
var _ llm.Provider = (*Provider)(nil)

// config holds optional configuration for the provider.
type config struct {
	timeout time.Duration
	retry   llm.RetryPolicy
}

// Option is a functional option for Provider.
type Option func(*config)

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithRetryPolicy overrides the default transient-failure retry policy.
func WithRetryPolicy(p llm.RetryPolicy) Option {
	return func(c *config) {
		c.retry = p
	}
}

// New constructs a new Ollama LLM Provider. baseURL may be empty, in which
// case the conventional localhost endpoint is used. No API key is required.
func New(baseURL string, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, fmt.Errorf("ollama: model must not be empty")
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	cfg := &config{retry: llm.DefaultRetryPolicy}
	for _, o := range opts {
		o(cfg)
	}

	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("ollama: invalid base URL %q: %w", baseURL, err)
	}

	httpClient := http.DefaultClient
	if cfg.timeout > 0 {
		httpClient = &http.Client{Timeout: cfg.timeout}
	}

	return &Provider{
		client: api.NewClient(parsed, httpClient),
		model:  model,
		retry:  cfg.retry,
	}, nil
}

// Complete implements llm.Provider via the generate endpoint.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.Reply, error) {
	greq := &api.GenerateRequest{
		Model:   p.model,
		Prompt:  req.Prompt,
		System:  req.SystemPrompt,
		Stream:  new(bool),
		Options: tuningOptions(req.Temperature, req.MaxTokens),
	}

	var reply *llm.Reply
	err := p.retry.Do(ctx, func(ctx context.Context) error {
		start := time.Now()
		var last api.GenerateResponse
		if err := p.client.Generate(ctx, greq, func(resp api.GenerateResponse) error {
			last = resp
			return nil
		}); err != nil {
			return classifyError(err)
		}
		reply = &llm.Reply{
			Text:         last.Response,
			StopReason:   stopReasonFromDone(last.DoneReason, 0),
			InputTokens:  last.Metrics.PromptEvalCount,
			OutputTokens: last.Metrics.EvalCount,
			Latency:      time.Since(start),
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama: generate: %w", err)
	}
	return reply, nil
}

// CompleteWithTools implements llm.Provider via the chat endpoint.
func (p *Provider) CompleteWithTools(ctx context.Context, req llm.ToolCompletionRequest) (*llm.Reply, error) {
	messages := convertHistory(req.SystemPrompt, req.Messages)

	creq := &api.ChatRequest{
		Model:    p.model,
		Messages: messages,
		Stream:   new(bool),
		Options:  tuningOptions(req.Temperature, req.MaxTokens),
	}
	for _, td := range req.Tools {
		creq.Tools = append(creq.Tools, convertTool(td))
	}

	var reply *llm.Reply
	err := p.retry.Do(ctx, func(ctx context.Context) error {
		start := time.Now()
		var last api.ChatResponse
		if err := p.client.Chat(ctx, creq, func(resp api.ChatResponse) error {
			last = resp
			return nil
		}); err != nil {
			return classifyError(err)
		}

		r := &llm.Reply{
			Text:         last.Message.Content,
			InputTokens:  last.Metrics.PromptEvalCount,
			OutputTokens: last.Metrics.EvalCount,
			Latency:      time.Since(start),
		}
		for i, tc := range last.Message.ToolCalls {
			r.ToolCalls = append(r.ToolCalls, llm.ToolCall{
				ID:        fmt.Sprintf("call_%d", i),
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		r.StopReason = stopReasonFromDone(last.DoneReason, len(r.ToolCalls))
		reply = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama: chat: %w", err)
	}
	return reply, nil
}

// HealthCheck implements llm.Provider via the model listing endpoint.
func (p *Provider) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := p.client.List(ctx); err != nil {
		return fmt.Errorf("ollama: health check: %w", err)
	}
	return nil
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return "ollama" }

// Close implements llm.Provider.
func (p *Provider) Close() error { return nil }

// convertHistory maps the vendor-neutral history into Ollama chat messages.
// The system prompt becomes a leading "system" message; tool results become
// "tool" role messages following their assistant turn in call order.
func convertHistory(systemPrompt string, history []llm.Message) []api.Message {
	var out []api.Message
	if systemPrompt != "" {
		out = append(out, api.Message{Role: "system", Content: systemPrompt})
	}
	for _, m := range history {
		switch m.Role {
		case llm.RoleAssistant:
			msg := api.Message{Role: "assistant", Content: m.Text}
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, api.ToolCall{
					Function: api.ToolCallFunction{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			out = append(out, msg)
		case llm.RoleTool:
			out = append(out, api.Message{Role: "tool", Content: m.Text})
		default:
			out = append(out, api.Message{Role: "user", Content: m.Text})
		}
	}
	return out
}

// convertTool compiles a ToolDefinition into the Ollama tool shape.
func convertTool(td llm.ToolDefinition) api.Tool {
	params := api.ToolFunctionParameters{
		Type:       "object",
		Properties: make(map[string]api.ToolProperty, len(td.Parameters)),
	}
	for _, p := range td.Parameters {
		prop := api.ToolProperty{
			Type:        api.PropertyType{p.Type},
			Description: p.Description,
		}
		if len(p.Enum) > 0 {
			enum := make([]any, len(p.Enum))
			for i, v := range p.Enum {
				enum[i] = v
			}
			prop.Enum = enum
		}
		if p.Items != nil {
			prop.Items = p.Items
		}
		params.Properties[p.Name] = prop
		if p.Required {
			params.Required = append(params.Required, p.Name)
		}
	}
	return api.Tool{
		Type: "function",
		Function: api.ToolFunction{
			Name:        td.Name,
			Description: td.Description,
			Parameters:  params,
		},
	}
}

// stopReasonFromDone maps Ollama's done_reason to the normalized enum.
func stopReasonFromDone(doneReason string, toolCalls int) llm.StopReason {
	switch {
	case doneReason == "length":
		return llm.StopMaxTokens
	case toolCalls > 0:
		return llm.StopToolUse
	default:
		return llm.StopEndTurn
	}
}

// classifyError wraps rate-limit responses in a TransientError. Local Ollama
// rarely rate-limits, but hosted deployments behind proxies do.
func classifyError(err error) error {
	var se api.StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusTooManyRequests {
		return &llm.TransientError{StatusCode: se.StatusCode, Err: err}
	}
	return err
}

// tuningOptions builds the request options map for sampling parameters.
func tuningOptions(temperature float64, maxTokens int) map[string]any {
	opts := map[string]any{}
	if temperature != 0 {
		opts["temperature"] = temperature
	}
	if maxTokens > 0 {
		opts["num_predict"] = maxTokens
	}
	return opts
}
