// Package search finds SINAPI reference compositions for free-text line-item
// descriptions.
//
// Compositions live in a PostgreSQL table with a pgvector HNSW index; the
// query text is embedded by the configured embeddings provider and matched by
// cosine similarity. Scores are classified into confidence tiers that drive
// whether a match is auto-accepted or flagged for review.
package search

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/obradorhq/obradoria/internal/budget"
	"github.com/obradorhq/obradoria/pkg/provider/embeddings"
)

// defaultFloor is the minimum similarity for a row to count as a match at
// all; anything below is treated as "no composition found".
const defaultFloor = 0.50

// defaultTopK is the number of candidate rows fetched per query: one best
// match plus up to two alternates.
const defaultTopK = 3

// Store searches the composition catalog. Obtain one via [Open] or [New].
// All methods are safe for concurrent use.
type Store struct {
	pool       *pgxpool.Pool
	embedder   embeddings.Provider
	thresholds budget.Thresholds
	floor      float64
	topK       int
}

// config holds optional configuration for the store.
type config struct {
	thresholds budget.Thresholds
	floor      float64
	topK       int
}

// Option is a functional option for Store.
type Option func(*config)

// WithThresholds overrides the default confidence tier cutoffs.
func WithThresholds(t budget.Thresholds) Option {
	return func(c *config) {
		c.thresholds = t
	}
}

// WithFloor overrides the minimum similarity below which a row is not
// considered a match.
func WithFloor(floor float64) Option {
	return func(c *config) {
		c.floor = floor
	}
}

// New wraps an existing connection pool.
func New(pool *pgxpool.Pool, embedder embeddings.Provider, opts ...Option) *Store {
	cfg := &config{
		thresholds: budget.DefaultThresholds,
		floor:      defaultFloor,
		topK:       defaultTopK,
	}
	for _, o := range opts {
		o(cfg)
	}
	return &Store{
		pool:       pool,
		embedder:   embedder,
		thresholds: cfg.thresholds,
		floor:      cfg.floor,
		topK:       cfg.topK,
	}
}

// Open creates a connection pool for dsn and wraps it in a Store.
func Open(ctx context.Context, dsn string, embedder embeddings.Provider, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("search: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("search: ping: %w", err)
	}
	return New(pool, embedder, opts...), nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// candidate is one scored row from the composition table.
type candidate struct {
	code        string
	name        string
	description string
	unit        string
	similarity  float64
}

// Search embeds text and returns the best-matching composition with up to two
// alternates. A result with a nil Best means no composition cleared the
// similarity floor; that is a per-item condition, not an error.
func (s *Store) Search(ctx context.Context, text string) (*budget.SearchResult, error) {
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("search: embed query: %w", err)
	}

	const q = `
		SELECT codigo, nome, descricao, unidade_medida,
		       1 - (embedding <=> $1) AS similarity
		FROM   composicoes_sinapi
		ORDER  BY embedding <=> $1
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(vec), s.topK)
	if err != nil {
		return nil, fmt.Errorf("search: query: %w", err)
	}

	candidates, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (candidate, error) {
		var c candidate
		err := row.Scan(&c.code, &c.name, &c.description, &c.unit, &c.similarity)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("search: scan rows: %w", err)
	}

	return s.classify(candidates), nil
}

// classify turns scored candidates into a tiered SearchResult.
func (s *Store) classify(candidates []candidate) *budget.SearchResult {
	if len(candidates) == 0 || candidates[0].similarity < s.floor {
		return &budget.SearchResult{
			Tier:        budget.TierLow,
			NeedsReview: true,
			Message:     "Nenhuma composição SINAPI similar encontrada",
		}
	}

	best := s.toComposition(candidates[0])
	result := &budget.SearchResult{
		Tier: best.Tier,
		Best: &best,
	}
	for _, c := range candidates[1:] {
		if c.similarity < s.floor {
			continue
		}
		result.Alternates = append(result.Alternates, s.toComposition(c))
	}

	switch best.Tier {
	case budget.TierHigh:
		result.Message = "Composição encontrada com alta confiança"
	case budget.TierMedium:
		result.NeedsReview = true
		result.Message = "Composição encontrada, recomenda-se validação"
	default:
		result.NeedsReview = true
		result.Message = "Baixa similaridade, validação manual necessária"
	}
	return result
}

// toComposition converts a scored row into the domain type.
func (s *Store) toComposition(c candidate) budget.Composition {
	return budget.Composition{
		Code:        c.code,
		Name:        c.name,
		Description: c.description,
		Unit:        c.unit,
		Similarity:  c.similarity,
		Tier:        s.thresholds.Classify(c.similarity),
	}
}
