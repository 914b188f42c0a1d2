// Package ollama provides an embeddings provider backed by a local or remote
// Ollama server, using the official client from github.com/ollama/ollama/api.
//
// Typical models: nomic-embed-text (768 dims), mxbai-embed-large (1024),
// all-minilm (384). Unknown models are probed once on the first Dimensions
// call.
package ollama

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/obradorhq/obradoria/pkg/provider/embeddings"
)

// DefaultBaseURL is the conventional local Ollama endpoint.
const DefaultBaseURL = "http://localhost:11434"

// Ensure Provider implements the embeddings.Provider interface.
var _ embeddings.Provider = (*Provider)(nil)

// Provider implements embeddings.Provider using an Ollama server.
// Safe for concurrent use.
type Provider struct {
	client *api.Client
	model  string

	// dimensions is resolved at construction for known models; for unknown
	// models a single probe request fills it in lazily.
	dimensions int
	detectOnce sync.Once
}

// config holds optional configuration for the provider.
type config struct {
	timeout    time.Duration
	dimensions int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithDimensions pre-sets the embedding dimension, skipping both the built-in
// model table and the probe request for unknown models.
func WithDimensions(dims int) Option {
	return func(c *config) {
		c.dimensions = dims
	}
}

// New constructs a new Ollama embeddings Provider. baseURL may be empty, in
// which case the conventional localhost endpoint is used.
func New(baseURL string, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, fmt.Errorf("ollama embeddings: model must not be empty")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: invalid base URL %q: %w", baseURL, err)
	}

	httpClient := http.DefaultClient
	if cfg.timeout > 0 {
		httpClient = &http.Client{Timeout: cfg.timeout}
	}

	p := &Provider{
		client:     api.NewClient(parsed, httpClient),
		model:      model,
		dimensions: cfg.dimensions,
	}
	if p.dimensions == 0 {
		p.dimensions = knownDimensions(model)
	}
	return p, nil
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.client.Embed(ctx, &api.EmbedRequest{
		Model: p.model,
		Input: text,
	})
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: embed: %w", err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("ollama embeddings: empty response")
	}
	return resp.Embeddings[0], nil
}

// Dimensions implements embeddings.Provider. For models missing from the
// built-in table a single probe embed resolves the dimension; the result is
// cached for the provider's lifetime. Returns 0 if the probe fails.
func (p *Provider) Dimensions() int {
	if p.dimensions != 0 {
		return p.dimensions
	}
	p.detectOnce.Do(func() {
		vec, err := p.Embed(context.Background(), "probe")
		if err != nil {
			return
		}
		p.dimensions = len(vec)
	})
	return p.dimensions
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string {
	return p.model
}

// knownDimensions returns the output dimension for recognised Ollama embedding
// models, or 0 to trigger probing.
func knownDimensions(model string) int {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "nomic-embed-text"):
		return 768
	case strings.Contains(lower, "mxbai-embed-large"):
		return 1024
	case strings.Contains(lower, "all-minilm"):
		return 384
	default:
		return 0
	}
}
