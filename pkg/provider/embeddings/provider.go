// Package embeddings defines the Provider interface for text-embedding
// backends.
//
// The composition search layer embeds free-text line-item descriptions and
// queries a pgvector index with the resulting vectors. All vectors produced by
// one Provider instance share the dimensionality reported by Dimensions;
// vectors from different providers or models must never be mixed in the same
// similarity computation.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
type Provider interface {
	// Embed computes the embedding vector for a single text string. The text is
	// passed through verbatim; any model-specific prefixing is the caller's
	// responsibility. The returned slice has length Dimensions().
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the fixed length of every vector produced by this
	// provider. Constant for the lifetime of the instance; must match the
	// vector column width of the index being queried.
	Dimensions() int

	// ModelID returns the provider-specific model identifier, for logging and
	// for verifying consistent model usage across restarts.
	ModelID() string
}
