// Package budget defines the domain model shared by the search layer, the
// fan-out pipeline, and the HTTP surface: SINAPI reference compositions,
// budget line items grouped into stages (etapas), confidence tiers, and the
// aggregated result with its statistics.
package budget

import "fmt"

// ConfidenceTier classifies a semantic match's similarity score. It drives
// whether a match is auto-accepted or flagged for review.
type ConfidenceTier string

const (
	TierHigh   ConfidenceTier = "alta"
	TierMedium ConfidenceTier = "media"
	TierLow    ConfidenceTier = "baixa"
)

// Thresholds holds the similarity cutoffs for tier classification.
type Thresholds struct {
	// High is the minimum similarity for TierHigh.
	High float64

	// Medium is the minimum similarity for TierMedium; anything below is
	// TierLow.
	Medium float64
}

// DefaultThresholds mirror the reference SINAPI matching calibration.
var DefaultThresholds = Thresholds{High: 0.75, Medium: 0.60}

// Classify maps a similarity score in [0, 1] to its confidence tier.
func (t Thresholds) Classify(similarity float64) ConfidenceTier {
	switch {
	case similarity >= t.High:
		return TierHigh
	case similarity >= t.Medium:
		return TierMedium
	default:
		return TierLow
	}
}

// Composition is a SINAPI reference composition: a catalog entry describing a
// standard unit of construction work with an associated code.
type Composition struct {
	Code        string         `json:"codigo"`
	Name        string         `json:"nome"`
	Description string         `json:"descricao"`
	Unit        string         `json:"unidade_medida"`
	Similarity  float64        `json:"similaridade"`
	Tier        ConfidenceTier `json:"nivel_confianca"`
}

// SearchResult is the outcome of one semantic search for a line item.
type SearchResult struct {
	Tier        ConfidenceTier `json:"nivel"`
	Best        *Composition   `json:"melhor_match,omitempty"`
	Alternates  []Composition  `json:"alternativas,omitempty"`
	NeedsReview bool           `json:"requer_validacao"`
	Message     string         `json:"mensagem"`
}

// RequestFields is the fully resolved set of fields a budget run requires.
type RequestFields struct {
	Quantity  int    `json:"quantidade"`
	BuildType string `json:"tipo_construtivo"`
	Standard  string `json:"padrao_construtivo"`
	UF        string `json:"uf"`
	Month     int    `json:"mes_referencia"`
	Year      int    `json:"ano_referencia"`
}

// LineItem is one unresolved unit of work inside a stage.
type LineItem struct {
	Name        string  `json:"nome"`
	Description string  `json:"descricao,omitempty"`
	Quantity    float64 `json:"quantidade"`
	Unit        string  `json:"unidade"`
	Stage       string  `json:"etapa"`
}

// ResolvedItem is a line item after search and pricing. Items that could not
// be matched or priced carry a Problem description instead of aborting the
// batch.
type ResolvedItem struct {
	LineItem

	MatchedCode string         `json:"codigo_sinapi,omitempty"`
	Tier        ConfidenceTier `json:"nivel_confianca,omitempty"`
	Similarity  float64        `json:"similaridade,omitempty"`

	// AdjustedQuantity is Quantity multiplied by the requested unit count
	// (e.g. two identical houses double every item).
	AdjustedQuantity float64 `json:"quantidade_ajustada"`

	UnitPrice  float64 `json:"preco_unitario,omitempty"`
	TotalPrice float64 `json:"preco_total,omitempty"`
	Priced     bool    `json:"com_preco"`

	Problem string `json:"problema,omitempty"`
}

// ProblemNoPrice and ProblemNoMatch are the per-item degradation messages.
const (
	ProblemNoPrice = "Preço não encontrado para UF/data"
	ProblemNoMatch = "Composição SINAPI não encontrada"
)

// StageResult groups resolved items under their stage name with a running
// total. Invariant: Total equals the sum of the contained items' TotalPrice.
type StageResult struct {
	Name  string         `json:"nome"`
	Items []ResolvedItem `json:"itens"`
	Total float64        `json:"valor_total"`
}

// Statistics summarizes a run's resolution quality.
type Statistics struct {
	TotalItems int `json:"total_itens"`
	Priced     int `json:"itens_com_preco"`
	Unpriced   int `json:"itens_sem_preco"`
	NoMatch    int `json:"itens_sem_match"`

	HighConfidence   int `json:"confianca_alta"`
	MediumConfidence int `json:"confianca_media"`
	LowConfidence    int `json:"confianca_baixa"`

	// SuccessRate is priced/total as a percentage.
	SuccessRate float64 `json:"taxa_sucesso"`
}

// Result is the final aggregated budget. Invariant: Total equals the sum of
// the stage totals.
type Result struct {
	Fields RequestFields `json:"dados"`
	Stages []StageResult `json:"etapas"`
	Total  float64       `json:"valor_total"`
	Stats  Statistics    `json:"estatisticas"`
}

// ReferenceStage is one stage of a reference budget structure, as returned by
// the reference-structure collaborator or the LLM structure generator.
type ReferenceStage struct {
	Name  string     `json:"nome"`
	Items []LineItem `json:"itens"`
}

// Aggregate groups resolved items by stage, computes stage and global totals,
// and derives statistics. Grouping is by stage name; stage order follows the
// first appearance of each name in items, so output is deterministic for a
// deterministic input order.
func Aggregate(fields RequestFields, items []ResolvedItem) Result {
	var stageOrder []string
	grouped := make(map[string]*StageResult)

	stats := Statistics{TotalItems: len(items)}

	for _, item := range items {
		sr, ok := grouped[item.Stage]
		if !ok {
			sr = &StageResult{Name: item.Stage}
			grouped[item.Stage] = sr
			stageOrder = append(stageOrder, item.Stage)
		}
		sr.Items = append(sr.Items, item)
		sr.Total += item.TotalPrice

		switch {
		case item.Priced:
			stats.Priced++
		case item.MatchedCode == "":
			stats.NoMatch++
			stats.Unpriced++
		default:
			stats.Unpriced++
		}
		switch item.Tier {
		case TierHigh:
			stats.HighConfidence++
		case TierMedium:
			stats.MediumConfidence++
		case TierLow:
			stats.LowConfidence++
		}
	}

	if stats.TotalItems > 0 {
		stats.SuccessRate = float64(stats.Priced) / float64(stats.TotalItems) * 100
	}

	result := Result{Fields: fields, Stats: stats}
	for _, name := range stageOrder {
		sr := grouped[name]
		result.Stages = append(result.Stages, *sr)
		result.Total += sr.Total
	}
	return result
}

// FormatReference renders reference stages in the compact markdown form the
// agent tools exchange with the model:
//
//	## <stage>
//	- <name> | <qty> <unit>
func FormatReference(stages []ReferenceStage) string {
	out := ""
	for _, st := range stages {
		out += fmt.Sprintf("## %s\n", st.Name)
		for _, it := range st.Items {
			out += fmt.Sprintf("- %s | %g %s\n", it.Name, it.Quantity, it.Unit)
		}
	}
	return out
}
