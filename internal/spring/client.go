// Package spring is the HTTP client for the main budgeting backend, which
// owns pricing data, reference budget structures, and persistence.
//
// The backend authenticates requests with the same bearer token the caller
// presented to this service; the token is read from the request context (see
// the auth package) and passed through on every call.
package spring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/obradorhq/obradoria/internal/auth"
	"github.com/obradorhq/obradoria/internal/budget"
)

// defaultTimeout bounds every backend call.
const defaultTimeout = 30 * time.Second

// Price is one composition's unit cost pair for a given region and reference
// date.
type Price struct {
	CostWithoutExemption float64 `json:"custoSemDesoneracao"`
	CostWithExemption    float64 `json:"custoComDesoneracao"`
}

// ItemPayload is one line item in a stage persistence request.
type ItemPayload struct {
	Name       string  `json:"nome"`
	Quantity   float64 `json:"quantidade"`
	Unit       string  `json:"unidade"`
	SinapiCode string  `json:"codigoSinapi,omitempty"`
	UnitPrice  float64 `json:"precoUnitario,omitempty"`
	TotalPrice float64 `json:"precoTotal,omitempty"`
}

// Client talks to the budgeting backend over JSON HTTP.
// Safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// config holds optional configuration for the client.
type config struct {
	timeout time.Duration
}

// Option is a functional option for Client.
type Option func(*config)

// WithTimeout overrides the default per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a backend client for the given base URL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("spring: baseURL must not be empty")
	}
	cfg := &config{timeout: defaultTimeout}
	for _, o := range opts {
		o(cfg)
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.timeout},
	}, nil
}

// GetBaseBudget returns the id of the reference budget for the given
// construction standard. ok is false when the backend has no base budget for
// that standard.
func (c *Client) GetBaseBudget(ctx context.Context, standard string) (id int64, ok bool, err error) {
	var resp struct {
		Code int64 `json:"codigo"`
	}
	found, err := c.get(ctx, "/orcamentos/base/"+url.PathEscape(standard), nil, &resp)
	if err != nil {
		return 0, false, err
	}
	return resp.Code, found, nil
}

// GetStagesWithItems returns the stages of the budget identified by
// budgetID, each with its line items.
func (c *Client) GetStagesWithItems(ctx context.Context, budgetID int64) ([]budget.ReferenceStage, error) {
	var resp []struct {
		Name  string `json:"nome"`
		Items []struct {
			Name        string  `json:"nome"`
			Description string  `json:"descricao"`
			Quantity    float64 `json:"quantidade"`
			Unit        string  `json:"unidade"`
		} `json:"itens"`
	}
	query := url.Values{"codigoOrcamento": {strconv.FormatInt(budgetID, 10)}}
	if _, err := c.get(ctx, "/etapas-orcamento", query, &resp); err != nil {
		return nil, err
	}

	stages := make([]budget.ReferenceStage, 0, len(resp))
	for _, st := range resp {
		stage := budget.ReferenceStage{Name: st.Name}
		for _, it := range st.Items {
			stage.Items = append(stage.Items, budget.LineItem{
				Name:        it.Name,
				Description: it.Description,
				Quantity:    it.Quantity,
				Unit:        it.Unit,
				Stage:       st.Name,
			})
		}
		stages = append(stages, stage)
	}
	return stages, nil
}

// GetPrice returns the composition's unit cost for the given region and
// reference month/year, or nil when the backend has no price for that
// combination (a normal outcome, not an error).
func (c *Client) GetPrice(ctx context.Context, code, uf string, month, year int) (*Price, error) {
	query := url.Values{
		"codigoComposicao": {code},
		"uf":               {uf},
		"mes":              {strconv.Itoa(month)},
		"ano":              {strconv.Itoa(year)},
	}
	var price Price
	found, err := c.get(ctx, "/preco-composicoes/buscar", query, &price)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &price, nil
}

// CreateProject creates an obra and returns its id.
func (c *Client) CreateProject(ctx context.Context, name, description string) (int64, error) {
	return c.postForID(ctx, "/obras", map[string]any{
		"nome":      name,
		"descricao": description,
	})
}

// CreateBudget creates an orcamento, optionally linked to a project.
func (c *Client) CreateBudget(ctx context.Context, name, description string, projectID *int64) (int64, error) {
	body := map[string]any{
		"nome":      name,
		"descricao": description,
	}
	if projectID != nil {
		body["codigoObra"] = *projectID
	}
	return c.postForID(ctx, "/orcamentos", body)
}

// CreateStage creates an etapa under the given budget and returns its id.
func (c *Client) CreateStage(ctx context.Context, budgetID int64, name, description string) (int64, error) {
	return c.postForID(ctx, "/etapas-orcamento", map[string]any{
		"codigoOrcamento": budgetID,
		"nome":            name,
		"descricao":       description,
	})
}

// AddItems appends line items to an existing stage.
func (c *Client) AddItems(ctx context.Context, stageID int64, items []ItemPayload) error {
	path := fmt.Sprintf("/etapas-orcamento/%d/itens", stageID)
	return c.do(ctx, http.MethodPost, path, nil, items, nil)
}

// postForID issues a POST and decodes the created entity's id.
func (c *Client) postForID(ctx context.Context, path string, body any) (int64, error) {
	var resp struct {
		Code int64 `json:"codigo"`
	}
	if err := c.do(ctx, http.MethodPost, path, nil, body, &resp); err != nil {
		return 0, err
	}
	return resp.Code, nil
}

// get issues a GET; found is false on 404, which callers treat as a normal
// "not there" outcome.
func (c *Client) get(ctx context.Context, path string, query url.Values, out any) (found bool, err error) {
	err = c.do(ctx, http.MethodGet, path, query, nil, out)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// statusError carries the backend's HTTP status for callers that distinguish
// 404 from real failures.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("spring: backend returned status %d: %s", e.code, e.body)
}

// do performs one JSON request/response round-trip with bearer pass-through.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("spring: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("spring: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := auth.TokenFromContext(ctx); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("spring: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		slog.Debug("spring: backend error", "method", method, "path", path, "status", resp.StatusCode)
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(data))}
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("spring: decode %s %s response: %w", method, path, err)
		}
	}
	return nil
}
