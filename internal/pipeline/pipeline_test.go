package pipeline_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/obradorhq/obradoria/internal/budget"
	"github.com/obradorhq/obradoria/internal/events"
	"github.com/obradorhq/obradoria/internal/observe"
	"github.com/obradorhq/obradoria/internal/pipeline"
	"github.com/obradorhq/obradoria/internal/spring"
)

// fakeSearcher resolves item text to a composition code by prefix match.
type fakeSearcher struct {
	codes map[string]string
	fail  map[string]bool
}

func (f *fakeSearcher) Search(_ context.Context, text string) (*budget.SearchResult, error) {
	if f.fail[text] {
		return nil, errors.New("index unavailable")
	}
	code, ok := f.codes[text]
	if !ok {
		return &budget.SearchResult{Tier: budget.TierLow, NeedsReview: true}, nil
	}
	return &budget.SearchResult{
		Tier: budget.TierHigh,
		Best: &budget.Composition{Code: code, Similarity: 0.9, Tier: budget.TierHigh},
	}, nil
}

// fakePricer serves a fixed price table and counts lookups per code.
type fakePricer struct {
	mu     sync.Mutex
	prices map[string]*spring.Price
	calls  map[string]int
}

func (f *fakePricer) GetPrice(_ context.Context, code, _ string, _, _ int) (*spring.Price, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[code]++
	return f.prices[code], nil
}

func newTestRunner(t *testing.T, s pipeline.Searcher, p pipeline.Pricer, opts ...pipeline.Option) *pipeline.Runner {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return pipeline.New(s, p, append([]pipeline.Option{pipeline.WithMetrics(m)}, opts...)...)
}

func testFields() budget.RequestFields {
	return budget.RequestFields{
		Quantity:  2,
		BuildType: "RESIDENCIAL_CASA",
		Standard:  "BASICO",
		UF:        "SP",
		Month:     3,
		Year:      2025,
	}
}

func testItems() []budget.LineItem {
	return []budget.LineItem{
		{Name: "Alvenaria de vedação", Quantity: 100, Unit: "m2", Stage: "Paredes"},
		{Name: "Concreto estrutural", Quantity: 10, Unit: "m3", Stage: "Fundação"},
		{Name: "Pintura látex", Quantity: 100, Unit: "m2", Stage: "Paredes"},
	}
}

func TestResolve_PricesAndAggregates(t *testing.T) {
	t.Parallel()
	searcher := &fakeSearcher{codes: map[string]string{
		"Alvenaria de vedação": "87449",
		"Concreto estrutural":  "94965",
		"Pintura látex":        "88489",
	}}
	pricer := &fakePricer{prices: map[string]*spring.Price{
		"87449": {CostWithoutExemption: 50},
		"94965": {CostWithoutExemption: 400},
		"88489": {CostWithoutExemption: 12},
	}}
	r := newTestRunner(t, searcher, pricer)

	result, err := r.Resolve(context.Background(), testFields(), testItems(), nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if result.Stats.TotalItems != 3 || result.Stats.Priced != 3 {
		t.Fatalf("stats = %+v, want 3 priced of 3", result.Stats)
	}
	if result.Stats.SuccessRate != 100 {
		t.Errorf("success rate = %f, want 100", result.Stats.SuccessRate)
	}

	// Two requested units double every quantity.
	wantTotal := 100.0*2*50 + 10.0*2*400 + 100.0*2*12
	if result.Total != wantTotal {
		t.Errorf("total = %f, want %f", result.Total, wantTotal)
	}

	// Stage order follows first appearance in the input.
	if len(result.Stages) != 2 || result.Stages[0].Name != "Paredes" || result.Stages[1].Name != "Fundação" {
		t.Errorf("stages = %+v", result.Stages)
	}

	first := result.Stages[0].Items[0]
	if first.AdjustedQuantity != 200 {
		t.Errorf("adjusted quantity = %f, want 200", first.AdjustedQuantity)
	}
	if first.TotalPrice != 10000 {
		t.Errorf("item total = %f, want 10000", first.TotalPrice)
	}
}

func TestResolve_DeduplicatesPriceLookups(t *testing.T) {
	t.Parallel()
	searcher := &fakeSearcher{codes: map[string]string{
		"Alvenaria de vedação": "87449",
		"Concreto estrutural":  "87449",
		"Pintura látex":        "87449",
	}}
	pricer := &fakePricer{prices: map[string]*spring.Price{
		"87449": {CostWithoutExemption: 50},
	}}
	r := newTestRunner(t, searcher, pricer)

	if _, err := r.Resolve(context.Background(), testFields(), testItems(), nil); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := pricer.calls["87449"]; got != 1 {
		t.Errorf("price lookups for shared code = %d, want 1", got)
	}
}

func TestResolve_MissingPriceDegradesItem(t *testing.T) {
	t.Parallel()
	searcher := &fakeSearcher{codes: map[string]string{
		"Alvenaria de vedação": "87449",
		"Concreto estrutural":  "94965",
		"Pintura látex":        "88489",
	}}
	pricer := &fakePricer{prices: map[string]*spring.Price{
		"87449": {CostWithoutExemption: 50},
		"88489": {CostWithoutExemption: 12},
	}}
	r := newTestRunner(t, searcher, pricer)

	result, err := r.Resolve(context.Background(), testFields(), testItems(), nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if result.Stats.Priced != 2 || result.Stats.Unpriced != 1 {
		t.Fatalf("stats = %+v, want 2 priced, 1 unpriced", result.Stats)
	}
	concrete := result.Stages[1].Items[0]
	if concrete.Problem != budget.ProblemNoPrice {
		t.Errorf("problem = %q, want %q", concrete.Problem, budget.ProblemNoPrice)
	}
	if concrete.Priced {
		t.Error("an unpriced item must not be marked priced")
	}
}

func TestResolve_NoMatchDegradesItem(t *testing.T) {
	t.Parallel()
	searcher := &fakeSearcher{codes: map[string]string{
		"Alvenaria de vedação": "87449",
	}}
	pricer := &fakePricer{prices: map[string]*spring.Price{
		"87449": {CostWithoutExemption: 50},
	}}
	r := newTestRunner(t, searcher, pricer)

	result, err := r.Resolve(context.Background(), testFields(), testItems(), nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if result.Stats.NoMatch != 2 {
		t.Fatalf("stats = %+v, want 2 without match", result.Stats)
	}
	for _, stage := range result.Stages {
		for _, item := range stage.Items {
			if item.MatchedCode == "" && item.Problem != budget.ProblemNoMatch {
				t.Errorf("item %s problem = %q, want %q", item.Name, item.Problem, budget.ProblemNoMatch)
			}
		}
	}
}

func TestResolve_SearchFailureDoesNotAbortBatch(t *testing.T) {
	t.Parallel()
	searcher := &fakeSearcher{
		codes: map[string]string{
			"Alvenaria de vedação": "87449",
			"Pintura látex":        "88489",
		},
		fail: map[string]bool{"Concreto estrutural": true},
	}
	pricer := &fakePricer{prices: map[string]*spring.Price{
		"87449": {CostWithoutExemption: 50},
		"88489": {CostWithoutExemption: 12},
	}}
	r := newTestRunner(t, searcher, pricer)

	result, err := r.Resolve(context.Background(), testFields(), testItems(), nil)
	if err != nil {
		t.Fatalf("a single failing item must not abort the batch: %v", err)
	}
	if result.Stats.Priced != 2 {
		t.Errorf("stats = %+v, want the other two items priced", result.Stats)
	}
}

func TestResolve_ExemptionPriceFallback(t *testing.T) {
	t.Parallel()
	searcher := &fakeSearcher{codes: map[string]string{
		"Alvenaria de vedação": "87449",
	}}
	pricer := &fakePricer{prices: map[string]*spring.Price{
		"87449": {CostWithoutExemption: 0, CostWithExemption: 42},
	}}
	r := newTestRunner(t, searcher, pricer)

	items := testItems()[:1]
	result, err := r.Resolve(context.Background(), testFields(), items, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	item := result.Stages[0].Items[0]
	if item.UnitPrice != 42 {
		t.Errorf("unit price = %f, want the exemption fallback 42", item.UnitPrice)
	}
}

func TestResolve_EmitsStagedEvents(t *testing.T) {
	t.Parallel()
	searcher := &fakeSearcher{codes: map[string]string{
		"Alvenaria de vedação": "87449",
		"Concreto estrutural":  "94965",
		"Pintura látex":        "88489",
	}}
	pricer := &fakePricer{prices: map[string]*spring.Price{
		"87449": {CostWithoutExemption: 50},
		"94965": {CostWithoutExemption: 400},
		"88489": {CostWithoutExemption: 12},
	}}
	r := newTestRunner(t, searcher, pricer)

	var got []events.Event
	sink := func(e events.Event) { got = append(got, e) }

	if _, err := r.Resolve(context.Background(), testFields(), testItems(), sink); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	wantStages := []events.Stage{
		events.StageSearch, events.StageSearchDone,
		events.StagePricing, events.StagePricingDone,
	}
	if len(got) != len(wantStages) {
		t.Fatalf("got %d events, want %d", len(got), len(wantStages))
	}
	prev := 0.0
	for i, e := range got {
		if e.Stage != wantStages[i] {
			t.Errorf("event %d stage = %s, want %s", i, e.Stage, wantStages[i])
		}
		if e.Progress == nil {
			t.Fatalf("event %d has no progress", i)
		}
		if *e.Progress <= prev {
			t.Errorf("event %d progress %f must exceed %f", i, *e.Progress, prev)
		}
		prev = *e.Progress
	}
}

func TestResolve_ContextCancelled(t *testing.T) {
	t.Parallel()
	searcher := &fakeSearcher{codes: map[string]string{}}
	pricer := &fakePricer{}
	r := newTestRunner(t, searcher, pricer)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := r.Resolve(ctx, testFields(), testItems(), nil); err == nil {
		t.Fatal("expected error for a cancelled context")
	}
}
