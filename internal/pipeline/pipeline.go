// Package pipeline resolves a reference budget structure into a priced budget:
// semantic search per line item, price lookup per distinct composition code,
// then join and aggregation.
//
// Failures degrade per item. An item whose search or pricing fails carries a
// problem description in the output; the batch itself only aborts on context
// cancellation.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/obradorhq/obradoria/internal/budget"
	"github.com/obradorhq/obradoria/internal/events"
	"github.com/obradorhq/obradoria/internal/observe"
	"github.com/obradorhq/obradoria/internal/spring"
)

// defaultMaxParallel bounds concurrent searches and price lookups.
const defaultMaxParallel = 8

// Progress checkpoints emitted while resolving.
const (
	progressSearch      = 0.4
	progressSearchDone  = 0.6
	progressPricing     = 0.65
	progressPricingDone = 0.8
)

// Searcher finds the best SINAPI composition for a line item's text.
type Searcher interface {
	Search(ctx context.Context, text string) (*budget.SearchResult, error)
}

// Pricer returns a composition's unit cost, or nil when no price exists for
// the region and reference date.
type Pricer interface {
	GetPrice(ctx context.Context, code, uf string, month, year int) (*spring.Price, error)
}

// Runner executes the search-price-join sequence.
// Safe for concurrent use.
type Runner struct {
	searcher    Searcher
	pricer      Pricer
	metrics     *observe.Metrics
	maxParallel int
}

// Option is a functional option for Runner.
type Option func(*Runner)

// WithMaxParallel bounds the number of concurrent searches and price lookups.
func WithMaxParallel(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxParallel = n
		}
	}
}

// WithMetrics overrides the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

// New creates a Runner over the given search and pricing collaborators.
func New(searcher Searcher, pricer Pricer, opts ...Option) *Runner {
	r := &Runner{
		searcher:    searcher,
		pricer:      pricer,
		maxParallel: defaultMaxParallel,
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Resolve matches and prices every line item and returns the aggregated
// budget. Events are emitted on sink as the stages progress; sink may be nil.
// The input item order is preserved in the output.
func (r *Runner) Resolve(ctx context.Context, fields budget.RequestFields, items []budget.LineItem, sink events.Sink) (budget.Result, error) {
	emit := func(e events.Event) {
		if sink != nil {
			sink(e)
		}
	}

	emit(events.New(events.StageSearch, "Buscando composições SINAPI correspondentes...").
		WithProgress(progressSearch).
		WithData(map[string]any{"total_itens": len(items)}))

	resolved, err := r.searchAll(ctx, items)
	if err != nil {
		return budget.Result{}, err
	}

	matched := 0
	for _, item := range resolved {
		if item.MatchedCode != "" {
			matched++
		}
	}
	emit(events.New(events.StageSearchDone, fmt.Sprintf("Busca concluída: %d de %d itens com correspondência", matched, len(items))).
		WithProgress(progressSearchDone).
		WithData(map[string]any{"itens_com_match": matched}))

	emit(events.New(events.StagePricing, "Consultando preços de referência...").
		WithProgress(progressPricing))

	prices, err := r.priceDistinct(ctx, resolved, fields)
	if err != nil {
		return budget.Result{}, err
	}
	r.join(resolved, prices, fields)

	result := budget.Aggregate(fields, resolved)
	emit(events.New(events.StagePricingDone, fmt.Sprintf("Precificação concluída: %d de %d itens precificados", result.Stats.Priced, result.Stats.TotalItems)).
		WithProgress(progressPricingDone).
		WithData(map[string]any{
			"itens_com_preco": result.Stats.Priced,
			"taxa_sucesso":    result.Stats.SuccessRate,
		}))

	return result, nil
}

// searchAll runs the semantic search for every item in parallel, preserving
// input order. A failed or empty search leaves the item unmatched with its
// problem recorded.
func (r *Runner) searchAll(ctx context.Context, items []budget.LineItem) ([]budget.ResolvedItem, error) {
	start := time.Now()
	resolved := make([]budget.ResolvedItem, len(items))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.maxParallel)
	for i, item := range items {
		g.Go(func() error {
			resolved[i] = r.searchOne(ctx, item)
			return ctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("pipeline: search stage: %w", err)
	}

	r.metrics.PipelineStageDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("stage", "search")))
	return resolved, nil
}

func (r *Runner) searchOne(ctx context.Context, item budget.LineItem) budget.ResolvedItem {
	out := budget.ResolvedItem{LineItem: item}

	res, err := r.searcher.Search(ctx, searchText(item))
	if err != nil {
		slog.Warn("pipeline: item search failed", "item", item.Name, "err", err)
		out.Problem = budget.ProblemNoMatch
		out.Tier = budget.TierLow
		return out
	}
	out.Tier = res.Tier
	if res.Best == nil {
		out.Problem = budget.ProblemNoMatch
		return out
	}
	out.MatchedCode = res.Best.Code
	out.Similarity = res.Best.Similarity
	return out
}

// searchText builds the query string for an item. The description, when
// present, disambiguates generic item names.
func searchText(item budget.LineItem) string {
	if item.Description == "" {
		return item.Name
	}
	return item.Name + " " + strings.TrimSpace(item.Description)
}

// priceDistinct fetches the price for each distinct matched code once,
// regardless of how many items share it.
func (r *Runner) priceDistinct(ctx context.Context, items []budget.ResolvedItem, fields budget.RequestFields) (map[string]*spring.Price, error) {
	start := time.Now()

	codes := make([]string, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		if item.MatchedCode != "" && !seen[item.MatchedCode] {
			seen[item.MatchedCode] = true
			codes = append(codes, item.MatchedCode)
		}
	}

	var mu sync.Mutex
	prices := make(map[string]*spring.Price, len(codes))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.maxParallel)
	for _, code := range codes {
		g.Go(func() error {
			price, err := r.pricer.GetPrice(ctx, code, fields.UF, fields.Month, fields.Year)
			if err != nil {
				slog.Warn("pipeline: price lookup failed", "code", code, "err", err)
				return ctx.Err()
			}
			if price != nil {
				mu.Lock()
				prices[code] = price
				mu.Unlock()
			}
			return ctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("pipeline: pricing stage: %w", err)
	}

	r.metrics.PipelineStageDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("stage", "pricing")))
	return prices, nil
}

// join fills prices into the resolved items in place. The adjusted quantity
// multiplies the item's own quantity by the requested unit count.
func (r *Runner) join(items []budget.ResolvedItem, prices map[string]*spring.Price, fields budget.RequestFields) {
	units := float64(fields.Quantity)
	if units <= 0 {
		units = 1
	}
	for i := range items {
		item := &items[i]
		item.AdjustedQuantity = item.Quantity * units
		if item.MatchedCode == "" {
			continue
		}
		price, ok := prices[item.MatchedCode]
		if !ok {
			item.Problem = budget.ProblemNoPrice
			continue
		}
		unitPrice := price.CostWithoutExemption
		if unitPrice == 0 {
			unitPrice = price.CostWithExemption
		}
		item.UnitPrice = unitPrice
		item.TotalPrice = unitPrice * item.AdjustedQuantity
		item.Priced = true
	}
}
