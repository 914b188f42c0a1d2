// Package anthropic provides an LLM provider backed by the Anthropic Messages
// API.
//
// The Messages API has the strictest history rules of the supported vendors:
// tool results are content blocks inside a user message that must immediately
// follow the assistant's tool_use message, and two consecutive user messages
// are rejected. The conversion in this package enforces both rules by
// construction.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	ant "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/obradorhq/obradoria/pkg/provider/llm"
)

// defaultMaxTokens is used when the request does not cap output tokens;
// the Messages API requires an explicit value.
const defaultMaxTokens = 4096

// Provider implements llm.Provider using the Anthropic API.
type Provider struct {
	client ant.Client
	model  ant.Model
	retry  llm.RetryPolicy
}

// Compile-time check: Provider must implement llm.Provider.
var _ llm.Provider = (*Provider)(nil)

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	timeout time.Duration
	retry   llm.RetryPolicy
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default Anthropic API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

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

// New constructs a new Anthropic LLM Provider.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anthropic: model must not be empty")
	}

	cfg := &config{retry: llm.DefaultRetryPolicy}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	client := ant.NewClient(reqOpts...)
	return &Provider{client: client, model: ant.Model(model), retry: cfg.retry}, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.Reply, error) {
	params := ant.MessageNewParams{
		Model:     p.model,
		MaxTokens: int64(maxTokensOrDefault(req.MaxTokens)),
		Messages: []ant.MessageParam{
			ant.NewUserMessage(ant.NewTextBlock(req.Prompt)),
		},
	}
	if req.SystemPrompt != "" {
		params.System = []ant.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Temperature != 0 {
		params.Temperature = ant.Float(req.Temperature)
	}
	return p.call(ctx, params)
}

// CompleteWithTools implements llm.Provider.
func (p *Provider) CompleteWithTools(ctx context.Context, req llm.ToolCompletionRequest) (*llm.Reply, error) {
	messages, err := convertHistory(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert history: %w", err)
	}

	params := ant.MessageNewParams{
		Model:     p.model,
		MaxTokens: int64(maxTokensOrDefault(req.MaxTokens)),
		Messages:  messages,
	}
	if req.SystemPrompt != "" {
		params.System = []ant.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Temperature != 0 {
		params.Temperature = ant.Float(req.Temperature)
	}
	for _, td := range req.Tools {
		params.Tools = append(params.Tools, convertTool(td))
	}

	return p.call(ctx, params)
}

// call performs the request under the retry policy and normalizes the result.
func (p *Provider) call(ctx context.Context, params ant.MessageNewParams) (*llm.Reply, error) {
	var reply *llm.Reply
	err := p.retry.Do(ctx, func(ctx context.Context) error {
		start := time.Now()
		resp, err := p.client.Messages.New(ctx, params)
		if err != nil {
			return classifyError(err)
		}
		r, err := normalizeMessage(resp)
		if err != nil {
			return err
		}
		r.Latency = time.Since(start)
		reply = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic: messages: %w", err)
	}
	return reply, nil
}

// HealthCheck implements llm.Provider. The API has no dedicated health
// endpoint, so a one-token request is used as a probe.
func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Messages.New(ctx, ant.MessageNewParams{
		Model:     p.model,
		MaxTokens: 1,
		Messages: []ant.MessageParam{
			ant.NewUserMessage(ant.NewTextBlock("ping")),
		},
	})
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", err)
	}
	return nil
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return "anthropic" }

// Close implements llm.Provider.
func (p *Provider) Close() error { return nil }

// convertHistory maps the vendor-neutral history to Messages API format.
//
// User text and tool results both become blocks of user messages; consecutive
// user-authored blocks are merged into a single multi-block message so the
// API never sees two adjacent user messages. Assistant messages flush any
// pending user blocks first, preserving the tool_use → tool_result ordering.
func convertHistory(history []llm.Message) ([]ant.MessageParam, error) {
	var out []ant.MessageParam
	var pendingUser []ant.ContentBlockParamUnion

	flushUser := func() {
		if len(pendingUser) > 0 {
			out = append(out, ant.NewUserMessage(pendingUser...))
			pendingUser = nil
		}
	}

	for _, m := range history {
		switch m.Role {
		case llm.RoleUser:
			pendingUser = append(pendingUser, ant.NewTextBlock(m.Text))

		case llm.RoleTool:
			pendingUser = append(pendingUser, toolResultBlock(m))

		case llm.RoleAssistant:
			flushUser()
			var blocks []ant.ContentBlockParamUnion
			if m.Text != "" {
				blocks = append(blocks, ant.NewTextBlock(m.Text))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, ant.ContentBlockParamUnion{
					OfToolUse: &ant.ToolUseBlockParam{
						ID:    tc.ID,
						Name:  tc.Name,
						Input: tc.Arguments,
					},
				})
			}
			if len(blocks) == 0 {
				blocks = append(blocks, ant.NewTextBlock(""))
			}
			out = append(out, ant.NewAssistantMessage(blocks...))

		default:
			return nil, fmt.Errorf("unknown message role %q", m.Role)
		}
	}
	flushUser()
	return out, nil
}

// toolResultBlock builds a tool_result content block from a RoleTool message.
func toolResultBlock(m llm.Message) ant.ContentBlockParamUnion {
	return ant.ContentBlockParamUnion{
		OfToolResult: &ant.ToolResultBlockParam{
			ToolUseID: m.ToolCallID,
			IsError:   ant.Bool(m.IsError),
			Content: []ant.ToolResultBlockParamContentUnion{
				{OfText: &ant.TextBlockParam{Text: m.Text}},
			},
		},
	}
}

// convertTool compiles a ToolDefinition into the Messages API tool shape.
func convertTool(td llm.ToolDefinition) ant.ToolUnionParam {
	schema := td.Schema()
	inputSchema := ant.ToolInputSchemaParam{
		Properties: schema["properties"],
	}
	if req, ok := schema["required"].([]string); ok {
		inputSchema.Required = req
	}
	return ant.ToolUnionParam{
		OfTool: &ant.ToolParam{
			Name:        td.Name,
			Description: ant.String(td.Description),
			InputSchema: inputSchema,
		},
	}
}

// normalizeMessage converts an API message into the vendor-neutral reply.
func normalizeMessage(msg *ant.Message) (*llm.Reply, error) {
	reply := &llm.Reply{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}

	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case ant.TextBlock:
			reply.Text += b.Text
		case ant.ToolUseBlock:
			args := map[string]any{}
			if len(b.Input) > 0 {
				if err := json.Unmarshal(b.Input, &args); err != nil {
					return nil, fmt.Errorf("anthropic: decode tool call %q input: %w", b.Name, err)
				}
			}
			reply.ToolCalls = append(reply.ToolCalls, llm.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: args,
			})
		}
	}

	switch msg.StopReason {
	case ant.StopReasonToolUse:
		reply.StopReason = llm.StopToolUse
	case ant.StopReasonMaxTokens:
		reply.StopReason = llm.StopMaxTokens
	default:
		reply.StopReason = llm.StopEndTurn
	}
	return reply, nil
}

// classifyError wraps rate-limit (429) and overload (529) responses in a
// TransientError, carrying the server's retry-after hint when present.
func classifyError(err error) error {
	var apierr *ant.Error
	if errors.As(err, &apierr) {
		if apierr.StatusCode == http.StatusTooManyRequests || apierr.StatusCode == 529 {
			var retryAfter time.Duration
			if apierr.Response != nil {
				retryAfter = llm.ParseRetryAfter(apierr.Response.Header.Get("retry-after"))
			}
			return &llm.TransientError{
				StatusCode: apierr.StatusCode,
				RetryAfter: retryAfter,
				Err:        err,
			}
		}
	}
	return err
}

func maxTokensOrDefault(n int) int {
	if n > 0 {
		return n
	}
	return defaultMaxTokens
}
