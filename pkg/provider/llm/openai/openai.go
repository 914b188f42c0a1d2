// Package openai provides an LLM provider backed by the OpenAI chat
// completions API.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/obradorhq/obradoria/pkg/provider/llm"
)

// Provider implements llm.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  string
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

// WithBaseURL overrides the default OpenAI API base URL.
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

// New constructs a new OpenAI LLM Provider.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	cfg := &config{retry: llm.DefaultRetryPolicy}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// The SDK's built-in retry loop is disabled; transient failures are
		// handled by the shared llm.RetryPolicy so backoff behaviour is uniform
		// across all providers.
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

	client := oai.NewClient(reqOpts...)
	return &Provider{client: client, model: model, retry: cfg.retry}, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.Reply, error) {
	params := oai.ChatCompletionNewParams{
		Model: shared.ChatModel(p.model),
	}
	if req.SystemPrompt != "" {
		params.Messages = append(params.Messages, oai.SystemMessage(req.SystemPrompt))
	}
	params.Messages = append(params.Messages, oai.UserMessage(req.Prompt))
	applyTuning(&params, req.Temperature, req.MaxTokens)

	return p.call(ctx, params)
}

// CompleteWithTools implements llm.Provider.
func (p *Provider) CompleteWithTools(ctx context.Context, req llm.ToolCompletionRequest) (*llm.Reply, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("openai: build params: %w", err)
	}
	return p.call(ctx, params)
}

// call performs the completion request under the retry policy and normalizes
// the response.
func (p *Provider) call(ctx context.Context, params oai.ChatCompletionNewParams) (*llm.Reply, error) {
	var reply *llm.Reply
	err := p.retry.Do(ctx, func(ctx context.Context) error {
		start := time.Now()
		resp, err := p.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return classifyError(err)
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("openai: empty choices in response")
		}
		r, err := normalizeChoice(resp.Choices[0])
		if err != nil {
			return err
		}
		r.InputTokens = int(resp.Usage.PromptTokens)
		r.OutputTokens = int(resp.Usage.CompletionTokens)
		r.Latency = time.Since(start)
		reply = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	return reply, nil
}

// HealthCheck implements llm.Provider via the models listing endpoint.
func (p *Provider) HealthCheck(ctx context.Context) error {
	if _, err := p.client.Models.List(ctx); err != nil {
		return fmt.Errorf("openai: health check: %w", err)
	}
	return nil
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return "openai" }

// Close implements llm.Provider. The SDK client holds no closable resources.
func (p *Provider) Close() error { return nil }

// normalizeChoice converts an OpenAI choice into the vendor-neutral reply.
func normalizeChoice(choice oai.ChatCompletionChoice) (*llm.Reply, error) {
	reply := &llm.Reply{Text: choice.Message.Content}

	for _, tc := range choice.Message.ToolCalls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("openai: decode tool call %q arguments: %w", tc.Function.Name, err)
			}
		}
		reply.ToolCalls = append(reply.ToolCalls, llm.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}

	switch choice.FinishReason {
	case "tool_calls":
		reply.StopReason = llm.StopToolUse
	case "length":
		reply.StopReason = llm.StopMaxTokens
	default:
		if len(reply.ToolCalls) > 0 {
			reply.StopReason = llm.StopToolUse
		} else {
			reply.StopReason = llm.StopEndTurn
		}
	}
	return reply, nil
}

// classifyError wraps rate-limit and overload responses in a TransientError so
// the retry policy recognizes them; everything else passes through unchanged.
func classifyError(err error) error {
	var apierr *oai.Error
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

// applyTuning sets the optional sampling parameters on params.
func applyTuning(params *oai.ChatCompletionNewParams, temperature float64, maxTokens int) {
	if temperature != 0 {
		params.Temperature = param.NewOpt(temperature)
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(maxTokens))
	}
}

// buildParams converts a ToolCompletionRequest into OpenAI SDK params.
func (p *Provider) buildParams(req llm.ToolCompletionRequest) (oai.ChatCompletionNewParams, error) {
	var messages []oai.ChatCompletionMessageParamUnion

	if req.SystemPrompt != "" {
		messages = append(messages, oai.SystemMessage(req.SystemPrompt))
	}

	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, msg)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: messages,
	}
	applyTuning(&params, req.Temperature, req.MaxTokens)

	for _, td := range req.Tools {
		params.Tools = append(params.Tools, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        td.Name,
				Description: param.NewOpt(td.Description),
				Parameters:  shared.FunctionParameters(td.Schema()),
			},
		})
	}

	return params, nil
}

// convertMessage converts an llm.Message to an OpenAI SDK message param.
// The switch is exhaustive over the three roles; an unknown role is an error,
// never silently dropped.
func convertMessage(m llm.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case llm.RoleUser:
		return oai.UserMessage(m.Text), nil

	case llm.RoleAssistant:
		asst := oai.ChatCompletionAssistantMessageParam{}
		if m.Text != "" {
			asst.Content.OfString = oai.String(m.Text)
		}
		for _, tc := range m.ToolCalls {
			args, err := json.Marshal(tc.Arguments)
			if err != nil {
				return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: encode tool call %q arguments: %w", tc.Name, err)
			}
			asst.ToolCalls = append(asst.ToolCalls, oai.ChatCompletionMessageToolCallParam{
				ID: tc.ID,
				Function: oai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: string(args),
				},
			})
		}
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil

	case llm.RoleTool:
		return oai.ToolMessage(m.Text, m.ToolCallID), nil

	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unknown message role %q", m.Role)
	}
}
