package spring_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/obradorhq/obradoria/internal/auth"
	"github.com/obradorhq/obradoria/internal/spring"
)

func newClient(t *testing.T, handler http.Handler) *spring.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := spring.New(srv.URL + "/api/")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestGetBaseBudget(t *testing.T) {
	t.Parallel()

	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/orcamentos/base/BASICO" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"codigo": 42})
	}))

	id, ok, err := c.GetBaseBudget(context.Background(), "BASICO")
	if err != nil {
		t.Fatalf("GetBaseBudget: %v", err)
	}
	if !ok || id != 42 {
		t.Errorf("GetBaseBudget = (%d, %v), want (42, true)", id, ok)
	}

	_, ok, err = c.GetBaseBudget(context.Background(), "LUXO")
	if err != nil {
		t.Fatalf("GetBaseBudget (missing): %v", err)
	}
	if ok {
		t.Error("GetBaseBudget reported ok for a 404 standard")
	}
}

func TestGetPrice_NotFoundIsNil(t *testing.T) {
	t.Parallel()

	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("codigoComposicao") != "87449" || q.Get("uf") != "SP" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(spring.Price{CostWithoutExemption: 120.5, CostWithExemption: 110.0})
	}))

	price, err := c.GetPrice(context.Background(), "87449", "SP", 3, 2025)
	if err != nil {
		t.Fatalf("GetPrice: %v", err)
	}
	if price == nil || price.CostWithoutExemption != 120.5 {
		t.Errorf("GetPrice = %+v, want CostWithoutExemption 120.5", price)
	}

	price, err = c.GetPrice(context.Background(), "99999", "SP", 3, 2025)
	if err != nil {
		t.Fatalf("GetPrice (missing): %v", err)
	}
	if price != nil {
		t.Errorf("GetPrice for unknown composition = %+v, want nil", price)
	}
}

func TestGetStagesWithItems(t *testing.T) {
	t.Parallel()

	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("codigoOrcamento"); got != "7" {
			t.Errorf("codigoOrcamento = %q, want 7", got)
		}
		json.NewEncoder(w).Encode([]map[string]any{
			{
				"nome": "Fundação",
				"itens": []map[string]any{
					{"nome": "Escavação manual", "quantidade": 12.5, "unidade": "m3"},
				},
			},
		})
	}))

	stages, err := c.GetStagesWithItems(context.Background(), 7)
	if err != nil {
		t.Fatalf("GetStagesWithItems: %v", err)
	}
	if len(stages) != 1 || stages[0].Name != "Fundação" {
		t.Fatalf("stages = %+v, want one stage Fundação", stages)
	}
	item := stages[0].Items[0]
	if item.Name != "Escavação manual" || item.Quantity != 12.5 || item.Stage != "Fundação" {
		t.Errorf("item = %+v, want name/quantity/stage propagated", item)
	}
}

func TestBearerTokenPassThrough(t *testing.T) {
	t.Parallel()

	var gotAuth string
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]any{"codigo": 1})
	}))

	ctx := auth.WithToken(context.Background(), "tok-123")
	if _, err := c.CreateProject(ctx, "Obra Teste", ""); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if gotAuth != "Bearer tok-123" {
		t.Errorf("Authorization = %q, want Bearer tok-123", gotAuth)
	}
}

func TestCreateBudget_LinksProject(t *testing.T) {
	t.Parallel()

	var body map[string]any
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{"codigo": 200})
	}))

	projectID := int64(11)
	id, err := c.CreateBudget(context.Background(), "Orçamento", "desc", &projectID)
	if err != nil {
		t.Fatalf("CreateBudget: %v", err)
	}
	if id != 200 {
		t.Errorf("id = %d, want 200", id)
	}
	if got, ok := body["codigoObra"].(float64); !ok || got != 11 {
		t.Errorf("codigoObra = %v, want 11", body["codigoObra"])
	}
}

func TestServerErrorSurfacesStatus(t *testing.T) {
	t.Parallel()

	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	if _, err := c.CreateStage(context.Background(), 1, "Fundação", ""); err == nil {
		t.Fatal("CreateStage on a 500 backend returned nil error")
	}
}
