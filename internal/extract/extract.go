// Package extract resolves budget request fields from free-form Portuguese
// text.
//
// Two passes run in sequence. A rule-based pass matches the text against a
// controlled vocabulary (states, construction types and standards, months,
// quantities) and is always attempted. An LLM pass is invoked only for the
// fields the rules left unresolved, and may only fill those gaps: a rule
// result is never overwritten by the model. Extraction never fails for text
// that simply lacks a field; absence is a normal outcome the conversation
// layer turns into a question.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/obradorhq/obradoria/pkg/provider/llm"
)

// Field names, shared with the conversation layer.
const (
	FieldUF       = "uf"
	FieldType     = "tipo_construtivo"
	FieldStandard = "padrao_construtivo"
	FieldQuantity = "quantidade"
	FieldMonth    = "mes_referencia"
	FieldYear     = "ano_referencia"
)

// Value is one resolved field.
type Value struct {
	// Value holds the normalized field value: string for uf/tipo/padrao,
	// int for quantidade/mes/ano.
	Value any

	// Confidence is 1.0 for an exact vocabulary match, lower for fuzzy or
	// model-inferred values.
	Confidence float64

	// Inferred marks values the LLM gap-fill pass supplied.
	Inferred bool
}

// UnsupportedType reports that the text names a construction category the
// system cannot budget.
type UnsupportedType struct {
	// Term is the matched vocabulary word as it appears in the catalog.
	Term string

	// Category is the unsupported category (e.g. "COMERCIAL").
	Category string

	// Supported lists the residential alternatives to offer the user.
	Supported []string
}

// Result is the structured outcome of one extraction. A field absent from
// Values was simply not found; that is not an error.
type Result struct {
	Values      map[string]Value
	Unsupported *UnsupportedType
	Warnings    []string
}

// Extractor runs the two extraction passes. The zero value is not usable;
// create instances with [New].
type Extractor struct {
	llm llm.Provider
	now func() time.Time
}

// Option is a functional option for Extractor.
type Option func(*Extractor)

// WithClock overrides the wall clock, for tests that pin the reference date.
func WithClock(now func() time.Time) Option {
	return func(e *Extractor) {
		e.now = now
	}
}

// New creates an Extractor. provider may be nil, in which case only the
// rule-based pass runs.
func New(provider llm.Provider, opts ...Option) *Extractor {
	e := &Extractor{llm: provider, now: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Extract runs the rule pass and, when a provider is configured and fields
// remain unresolved, the LLM gap-fill pass. The returned Result always
// reflects at least the rule pass; gap-fill failures degrade to warnings.
func (e *Extractor) Extract(ctx context.Context, text string) Result {
	result := e.rules(text)

	if e.llm == nil {
		return result
	}
	missing := missingFields(result)
	if len(missing) == 0 {
		return result
	}

	filled, err := e.gapFill(ctx, text, missing)
	if err != nil {
		slog.Debug("extract: llm gap-fill skipped", "err", err)
		result.Warnings = append(result.Warnings, "extração assistida indisponível, usando apenas regras")
		return result
	}
	for name, v := range filled {
		if _, taken := result.Values[name]; taken {
			continue
		}
		result.Values[name] = v
	}
	return result
}

var (
	quantityRe  = regexp.MustCompile(`\b(\d+)\s*(?:X\s*)?(CASAS?|APARTAMENTOS?|APTOS?|SOBRADOS?|KITNETS?|UNIDADES?|MORADIAS?|RESIDENCIAS?)\b`)
	monthYearRe = regexp.MustCompile(`\b(\d{1,2})\s*/\s*(\d{4})\b`)
	yearRe      = regexp.MustCompile(`\b(20\d{2})\b`)
)

// rules is the deterministic vocabulary pass.
func (e *Extractor) rules(text string) Result {
	folded := fold(text)
	tokens := tokenize(folded)

	result := Result{Values: make(map[string]Value)}

	// Unsupported category detection runs first: when it fires, the type
	// field must stay unresolved regardless of other vocabulary in the text.
	for _, tok := range tokens {
		if category, ok := unsupportedTypes[tok]; ok {
			result.Unsupported = &UnsupportedType{
				Term:      tok,
				Category:  category,
				Supported: SupportedTypes,
			}
			break
		}
	}

	if result.Unsupported == nil {
		if subtype, conf, ok := matchResidentialType(folded, tokens); ok {
			result.Values[FieldType] = Value{Value: subtype, Confidence: conf}
		}
	}

	if standard, conf, ok := matchStandard(folded, tokens); ok {
		result.Values[FieldStandard] = Value{Value: standard, Confidence: conf}
	}

	if uf, conf, ok := matchUF(text, folded, tokens); ok {
		result.Values[FieldUF] = Value{Value: uf, Confidence: conf}
		if conf < 1.0 {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("Estado interpretado como '%s' por aproximação", uf))
		}
	}

	if m := quantityRe.FindStringSubmatch(folded); m != nil {
		if qty, err := strconv.Atoi(m[1]); err == nil && qty > 0 {
			result.Values[FieldQuantity] = Value{Value: qty, Confidence: 1.0}
		}
	}

	month, year := matchReferenceDate(folded, tokens)
	if month != 0 {
		result.Values[FieldMonth] = Value{Value: month, Confidence: 1.0}
	}
	if year != 0 {
		result.Values[FieldYear] = Value{Value: year, Confidence: 1.0}
	}

	return result
}

// hasCapitalizedWord reports whether raw contains word as a standalone
// all-caps token, case preserved.
func hasCapitalizedWord(raw, word string) bool {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return !(r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	for _, f := range fields {
		if f == word {
			return true
		}
	}
	return false
}

// tokenize splits folded text on everything that is not a letter or digit.
func tokenize(folded string) []string {
	return strings.FieldsFunc(folded, func(r rune) bool {
		letter := r >= 'A' && r <= 'Z'
		digit := r >= '0' && r <= '9'
		return !letter && !digit
	})
}

// matchResidentialType resolves the residential subtype from vocabulary.
// Multi-word catalog entries match as substrings of the folded text before the
// single-token pass runs.
func matchResidentialType(folded string, tokens []string) (subtype string, confidence float64, ok bool) {
	for phrase, st := range residentialTypes {
		if strings.ContainsRune(phrase, ' ') && strings.Contains(folded, phrase) {
			return st, 1.0, true
		}
	}
	for _, tok := range tokens {
		if st, ok := residentialTypes[tok]; ok {
			return st, 1.0, true
		}
	}
	// Generic residential wording without a subtype resolves to the most
	// common one.
	if strings.Contains(folded, "RESIDENCIAL") || strings.Contains(folded, "HABITACIONA") {
		return "RESIDENCIAL_CASA", 0.8, true
	}
	return "", 0, false
}

// matchStandard resolves the construction standard. The "alto padrão"
// bigram is checked before single tokens so the word "padrão" alone cannot
// shadow it.
func matchStandard(folded string, tokens []string) (standard string, confidence float64, ok bool) {
	if strings.Contains(folded, "ALTO PADRAO") {
		return "ALTO", 1.0, true
	}
	for _, official := range []string{"MINIMO", "BASICO", "ALTO"} {
		for _, syn := range standardSynonyms[official] {
			for _, tok := range tokens {
				if tok == syn {
					return official, 1.0, true
				}
			}
		}
	}
	return "", 0, false
}

// ambiguousSiglas collide with ordinary Portuguese words once the text is
// upper-cased. They only resolve when the raw text carries them in capitals.
var ambiguousSiglas = map[string]bool{"SE": true, "TO": true}

// matchUF resolves the state. Sigla and full-name matches score 1.0; a close
// misspelling of a state name scores 0.7. Among full names the longest match
// wins, so "mato grosso do sul" never resolves to MT.
func matchUF(raw, folded string, tokens []string) (uf string, confidence float64, ok bool) {
	for _, tok := range tokens {
		if sigla, ok := ufBySigla[tok]; ok {
			if ambiguousSiglas[tok] && !hasCapitalizedWord(raw, tok) {
				continue
			}
			return sigla, 1.0, true
		}
	}
	var bestName, bestSigla string
	for name, sigla := range ufByName {
		if !strings.Contains(folded, name) || len(name) <= len(bestName) {
			continue
		}
		// "PARA" is also the preposition; only the accented state name counts.
		if name == "PARA" && !strings.Contains(strings.ToLower(raw), "pará") {
			continue
		}
		bestName, bestSigla = name, sigla
	}
	if bestSigla != "" {
		return bestSigla, 1.0, true
	}
	// Fuzzy pass for misspelled single-word state names.
	for _, tok := range tokens {
		if len(tok) < 5 {
			continue
		}
		for name, sigla := range ufByName {
			if strings.ContainsRune(name, ' ') {
				continue
			}
			if matchr.Levenshtein(tok, name) <= 1 {
				return sigla, 0.7, true
			}
		}
	}
	return "", 0, false
}

// matchReferenceDate resolves explicit month/year mentions. Either value may
// be 0 when the text does not carry it.
func matchReferenceDate(folded string, tokens []string) (month, year int) {
	if m := monthYearRe.FindStringSubmatch(folded); m != nil {
		mm, _ := strconv.Atoi(m[1])
		yy, _ := strconv.Atoi(m[2])
		if mm >= 1 && mm <= 12 && validYear(yy) {
			return mm, yy
		}
	}
	for _, tok := range tokens {
		if m, ok := monthsByName[tok]; ok {
			month = m
			break
		}
	}
	if m := yearRe.FindStringSubmatch(folded); m != nil {
		if yy, _ := strconv.Atoi(m[1]); validYear(yy) {
			year = yy
		}
	}
	return month, year
}

// validYear bounds reference years to the range the pricing tables cover.
func validYear(y int) bool {
	return y >= 2020 && y <= 2030
}

// missingFields lists the request fields the rule pass left unresolved, in a
// fixed order. A field blocked by unsupported-type detection is not treated
// as missing; the conversation layer handles it through its own event.
func missingFields(r Result) []string {
	all := []string{FieldUF, FieldType, FieldStandard, FieldQuantity, FieldMonth, FieldYear}
	var missing []string
	for _, name := range all {
		if name == FieldType && r.Unsupported != nil {
			continue
		}
		if _, ok := r.Values[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}
