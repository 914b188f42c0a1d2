// Package budgetgen generates a reference budget structure with an LLM when
// the backend has no base budget for the requested construction standard.
//
// The model is prompted to reason inside <raciocinio> tags and emit the final
// structure inside <json> tags. Only the JSON is consumed; the reasoning block
// exists to improve structure quality and is discarded. A reply that yields no
// valid structure triggers one strict retry that demands bare JSON.
package budgetgen

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/obradorhq/obradoria/internal/budget"
	"github.com/obradorhq/obradoria/pkg/provider/llm"
)

const systemPrompt = `Você é um engenheiro orçamentista experiente em construção civil brasileira.
Você monta estruturas de orçamento organizadas por etapas de obra, com itens compatíveis com o catálogo SINAPI.
Quantidades devem ser realistas para a área e o padrão informados.`

const generateMaxTokens = 4096

// structurePayload is the wire shape the model is asked to produce.
type structurePayload struct {
	Stages []struct {
		Name  string `json:"nome"`
		Items []struct {
			Name        string  `json:"nome"`
			Description string  `json:"descricao"`
			Quantity    float64 `json:"quantidade"`
			Unit        string  `json:"unidade"`
		} `json:"itens"`
	} `json:"etapas"`
}

// Generator produces reference structures via the configured LLM.
// Safe for concurrent use.
type Generator struct {
	llm         llm.Provider
	temperature float64
}

// Option is a functional option for Generator.
type Option func(*Generator)

// WithTemperature overrides the generation temperature.
func WithTemperature(t float64) Option {
	return func(g *Generator) {
		g.temperature = t
	}
}

// New creates a Generator over the given provider.
func New(provider llm.Provider, opts ...Option) *Generator {
	g := &Generator{llm: provider, temperature: 0.3}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Generate asks the model for a budget structure matching the request fields.
// On an unusable first reply it retries once with a stricter prompt before
// failing.
func (g *Generator) Generate(ctx context.Context, fields budget.RequestFields) ([]budget.ReferenceStage, error) {
	reply, err := g.llm.Complete(ctx, llm.CompletionRequest{
		Prompt:       generatePrompt(fields),
		SystemPrompt: systemPrompt,
		Temperature:  g.temperature,
		MaxTokens:    generateMaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("budgetgen: generate structure: %w", err)
	}

	stages, parseErr := parseStructure(reply.Text)
	if parseErr == nil {
		return stages, nil
	}
	slog.Warn("budgetgen: first reply unusable, retrying strict", "err", parseErr)

	reply, err = g.llm.Complete(ctx, llm.CompletionRequest{
		Prompt:       strictPrompt(fields),
		SystemPrompt: systemPrompt,
		Temperature:  0.1,
		MaxTokens:    generateMaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("budgetgen: strict retry: %w", err)
	}
	stages, parseErr = parseStructure(reply.Text)
	if parseErr != nil {
		return nil, fmt.Errorf("budgetgen: no usable structure after retry: %w", parseErr)
	}
	return stages, nil
}

func generatePrompt(fields budget.RequestFields) string {
	return fmt.Sprintf(`Monte a estrutura de orçamento para a seguinte construção:

- Tipo: %s
- Padrão construtivo: %s
- Estado: %s

Organize a obra em etapas (fundação, estrutura, alvenaria, cobertura, instalações, acabamento etc.), cada uma com seus itens de serviço. Cada item precisa de nome descritivo, quantidade e unidade de medida (m2, m3, un, kg, m).

Primeiro raciocine sobre as etapas e quantidades dentro de <raciocinio></raciocinio>. Depois emita a estrutura final dentro de <json></json> neste formato:

{"etapas": [{"nome": "Fundação", "itens": [{"nome": "Escavação manual de valas", "quantidade": 12.5, "unidade": "m3"}]}]}`,
		fields.BuildType, fields.Standard, fields.UF)
}

func strictPrompt(fields budget.RequestFields) string {
	return fmt.Sprintf(`Responda APENAS com um JSON válido, sem texto adicional, sem marcação markdown.

Estrutura de orçamento para: tipo %s, padrão %s, estado %s.

Formato exato:
{"etapas": [{"nome": "...", "itens": [{"nome": "...", "quantidade": 0.0, "unidade": "..."}]}]}`,
		fields.BuildType, fields.Standard, fields.UF)
}

// parseStructure extracts and validates the structure from a model reply.
// Extraction strategies, in order: <json> tag content, fenced code block,
// balanced-brace scan.
func parseStructure(text string) ([]budget.ReferenceStage, error) {
	for _, candidate := range jsonCandidates(text) {
		var payload structurePayload
		if err := json.Unmarshal([]byte(candidate), &payload); err != nil {
			continue
		}
		stages, err := toStages(payload)
		if err != nil {
			return nil, err
		}
		return stages, nil
	}
	return nil, fmt.Errorf("budgetgen: reply carries no parseable structure")
}

func jsonCandidates(text string) []string {
	var out []string

	if start := strings.Index(text, "<json>"); start >= 0 {
		rest := text[start+len("<json>"):]
		if end := strings.Index(rest, "</json>"); end >= 0 {
			out = append(out, strings.TrimSpace(rest[:end]))
		}
	}

	if start := strings.Index(text, "```"); start >= 0 {
		rest := text[start+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			out = append(out, strings.TrimSpace(rest[:end]))
		}
	}

	if candidate, ok := balancedBraces(text); ok {
		out = append(out, candidate)
	}
	return out
}

// balancedBraces returns the first balanced {...} span, tracking string
// literals so braces inside item names do not miscount.
func balancedBraces(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

// toStages validates the decoded payload and converts it to the domain type.
// Items with missing names or non-positive quantities invalidate the whole
// structure; a partially broken generation is regenerated, not patched.
func toStages(payload structurePayload) ([]budget.ReferenceStage, error) {
	if len(payload.Stages) == 0 {
		return nil, fmt.Errorf("budgetgen: structure has no stages")
	}
	stages := make([]budget.ReferenceStage, 0, len(payload.Stages))
	for i, st := range payload.Stages {
		if strings.TrimSpace(st.Name) == "" {
			return nil, fmt.Errorf("budgetgen: stage %d has no name", i)
		}
		if len(st.Items) == 0 {
			return nil, fmt.Errorf("budgetgen: stage %q has no items", st.Name)
		}
		stage := budget.ReferenceStage{Name: strings.TrimSpace(st.Name)}
		for j, it := range st.Items {
			if strings.TrimSpace(it.Name) == "" {
				return nil, fmt.Errorf("budgetgen: stage %q item %d has no name", st.Name, j)
			}
			if it.Quantity <= 0 {
				return nil, fmt.Errorf("budgetgen: item %q has non-positive quantity", it.Name)
			}
			if strings.TrimSpace(it.Unit) == "" {
				return nil, fmt.Errorf("budgetgen: item %q has no unit", it.Name)
			}
			stage.Items = append(stage.Items, budget.LineItem{
				Name:        strings.TrimSpace(it.Name),
				Description: strings.TrimSpace(it.Description),
				Quantity:    it.Quantity,
				Unit:        strings.TrimSpace(it.Unit),
				Stage:       stage.Name,
			})
		}
		stages = append(stages, stage)
	}
	return stages, nil
}
