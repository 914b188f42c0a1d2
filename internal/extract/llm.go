package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/obradorhq/obradoria/pkg/provider/llm"
)

// gapFillSystemPrompt frames the model as a field extractor for construction
// budget requests.
const gapFillSystemPrompt = `Você é um assistente especializado em extrair informações de pedidos de orçamentos de construção civil.
Sua tarefa é identificar quantidade de unidades, tipo de construção, padrão construtivo, estado/UF do Brasil e mês/ano de referência para os preços.
Sempre retorne APENAS um JSON válido com as informações extraídas. Omita campos que o texto não menciona.`

// inferredPenalty discounts model-supplied values relative to the vocabulary
// confidence the same value would have earned from the rules.
const inferredPenalty = 0.75

// gapFill asks the model for the fields the rules could not resolve and
// normalizes its answer through the same vocabulary validators. Values that
// fail validation are dropped silently; the conversation layer will ask.
func (e *Extractor) gapFill(ctx context.Context, text string, missing []string) (map[string]Value, error) {
	reply, err := e.llm.Complete(ctx, e.gapFillRequest(text, missing))
	if err != nil {
		return nil, fmt.Errorf("extract: gap-fill completion: %w", err)
	}

	raw, ok := parseJSONObject(reply.Text)
	if !ok {
		return nil, fmt.Errorf("extract: gap-fill reply carries no parseable JSON")
	}

	filled := make(map[string]Value)
	for _, name := range missing {
		if v, ok := normalizeInferred(name, raw); ok {
			filled[name] = v
		}
	}
	return filled, nil
}

// gapFillRequest builds the extraction prompt for the missing fields.
func (e *Extractor) gapFillRequest(text string, missing []string) llm.CompletionRequest {
	descriptions := map[string]string{
		FieldQuantity: "- quantidade: número inteiro de unidades",
		FieldType:     "- tipo_construtivo: tipo da construção (ex: \"casa\", \"apartamento\")",
		FieldStandard: "- padrao_construtivo: padrão (\"minimo\", \"basico\" ou \"alto\")",
		FieldUF:       "- estado: UF ou nome do estado brasileiro",
		FieldMonth:    "- mes_referencia: número do mês 1-12",
		FieldYear:     "- ano_referencia: ano com 4 dígitos",
	}

	var fields []string
	for _, name := range missing {
		fields = append(fields, descriptions[name])
	}

	now := e.now()
	prompt := fmt.Sprintf(`Extraia as informações do texto e retorne APENAS um JSON válido.

Texto: %q

Campos a extrair:
%s

Data atual para referência: %02d/%d.
Omita do JSON os campos que o texto não menciona.

JSON:`, text, strings.Join(fields, "\n"), int(now.Month()), now.Year())

	return llm.CompletionRequest{
		Prompt:       prompt,
		SystemPrompt: gapFillSystemPrompt,
		Temperature:  0.1,
		MaxTokens:    300,
	}
}

// normalizeInferred validates one model-supplied field through the rule
// vocabulary. The model may only fill gaps with values the rules would have
// accepted.
func normalizeInferred(name string, raw map[string]any) (Value, bool) {
	switch name {
	case FieldUF:
		s, ok := stringField(raw, "estado", FieldUF)
		if !ok {
			return Value{}, false
		}
		folded := fold(s)
		if uf, conf, ok := matchUF(s, folded, tokenize(folded)); ok {
			return Value{Value: uf, Confidence: conf * inferredPenalty, Inferred: true}, true
		}
	case FieldType:
		s, ok := stringField(raw, FieldType)
		if !ok {
			return Value{}, false
		}
		folded := fold(s)
		for _, tok := range tokenize(folded) {
			if _, unsupported := unsupportedTypes[tok]; unsupported {
				return Value{}, false
			}
		}
		if st, conf, ok := matchResidentialType(folded, tokenize(folded)); ok {
			return Value{Value: st, Confidence: conf * inferredPenalty, Inferred: true}, true
		}
	case FieldStandard:
		s, ok := stringField(raw, FieldStandard)
		if !ok {
			return Value{}, false
		}
		folded := fold(s)
		if standard, conf, ok := matchStandard(folded, tokenize(folded)); ok {
			return Value{Value: standard, Confidence: conf * inferredPenalty, Inferred: true}, true
		}
	case FieldQuantity:
		if qty, ok := intField(raw, FieldQuantity); ok && qty > 0 {
			return Value{Value: qty, Confidence: inferredPenalty, Inferred: true}, true
		}
	case FieldMonth:
		if m, ok := intField(raw, FieldMonth); ok && m >= 1 && m <= 12 {
			return Value{Value: m, Confidence: inferredPenalty, Inferred: true}, true
		}
		if s, ok := stringField(raw, FieldMonth); ok {
			if m, found := monthsByName[fold(s)]; found {
				return Value{Value: m, Confidence: inferredPenalty, Inferred: true}, true
			}
		}
	case FieldYear:
		if y, ok := intField(raw, FieldYear); ok {
			if y < 100 {
				y += 2000
			}
			if validYear(y) {
				return Value{Value: y, Confidence: inferredPenalty, Inferred: true}, true
			}
		}
	}
	return Value{}, false
}

// stringField reads the first present key as a string.
func stringField(raw map[string]any, keys ...string) (string, bool) {
	for _, key := range keys {
		if v, ok := raw[key]; ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return s, true
			}
		}
	}
	return "", false
}

// intField reads a numeric field that may arrive as a JSON number or a
// numeric string.
func intField(raw map[string]any, key string) (int, bool) {
	v, ok := raw[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	}
	return 0, false
}

// parseJSONObject salvages a JSON object from model output that may be
// wrapped in prose or markdown fences. Strategies, in order: direct
// unmarshal, fence stripping, balanced-brace scan.
func parseJSONObject(text string) (map[string]any, bool) {
	text = strings.TrimSpace(text)

	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err == nil {
		return obj, true
	}

	if strings.Contains(text, "```") {
		var kept []string
		for _, line := range strings.Split(text, "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), "```") {
				continue
			}
			kept = append(kept, line)
		}
		stripped := strings.TrimSpace(strings.Join(kept, "\n"))
		if err := json.Unmarshal([]byte(stripped), &obj); err == nil {
			return obj, true
		}
		text = stripped
	}

	if candidate, ok := balancedBraces(text); ok {
		if err := json.Unmarshal([]byte(candidate), &obj); err == nil {
			return obj, true
		}
	}
	return nil, false
}

// balancedBraces returns the first balanced {...} span in text, tracking
// string literals so braces inside values do not miscount.
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
