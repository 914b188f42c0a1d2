package conversation

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/obradorhq/obradoria/internal/extract"
)

// QuestionKind distinguishes closed-option questions from numeric ones.
type QuestionKind string

const (
	KindSelect QuestionKind = "select"
	KindNumber QuestionKind = "number"
)

// Option is one selectable answer. Label is what the user sees; Value is what
// the session stores.
type Option struct {
	Label string `json:"rotulo"`
	Value string `json:"valor"`
}

// Question describes what the assistant asks for one unresolved field. The
// struct is serialized into question events as-is.
type Question struct {
	Field   string       `json:"campo"`
	Kind    QuestionKind `json:"tipo"`
	Prompt  string       `json:"pergunta"`
	Options []Option     `json:"opcoes,omitempty"`
	Min     int          `json:"min,omitempty"`
	Max     int          `json:"max,omitempty"`
}

var ufOptions = func() []Option {
	siglas := []string{
		"AC", "AL", "AM", "AP", "BA", "CE", "DF", "ES", "GO", "MA", "MG", "MS",
		"MT", "PA", "PB", "PE", "PI", "PR", "RJ", "RN", "RO", "RR", "RS", "SC",
		"SE", "SP", "TO",
	}
	opts := make([]Option, len(siglas))
	for i, s := range siglas {
		opts[i] = Option{Label: s, Value: s}
	}
	return opts
}()

var questions = map[string]Question{
	extract.FieldUF: {
		Field:   extract.FieldUF,
		Kind:    KindSelect,
		Prompt:  "Em qual estado (UF) será a construção?",
		Options: ufOptions,
	},
	extract.FieldType: {
		Field:  extract.FieldType,
		Kind:   KindSelect,
		Prompt: "Qual o tipo de construção?",
		Options: []Option{
			{Label: "Casa", Value: "RESIDENCIAL_CASA"},
			{Label: "Apartamento", Value: "RESIDENCIAL_APARTAMENTO"},
			{Label: "Sobrado", Value: "RESIDENCIAL_SOBRADO"},
			{Label: "Kitnet", Value: "RESIDENCIAL_KITNET"},
		},
	},
	extract.FieldStandard: {
		Field:  extract.FieldStandard,
		Kind:   KindSelect,
		Prompt: "Qual o padrão construtivo?",
		Options: []Option{
			{Label: "Mínimo", Value: "MINIMO"},
			{Label: "Básico", Value: "BASICO"},
			{Label: "Alto", Value: "ALTO"},
		},
	},
	extract.FieldQuantity: {
		Field:  extract.FieldQuantity,
		Kind:   KindNumber,
		Prompt: "Quantas unidades serão construídas?",
		Min:    1,
		Max:    1000,
	},
	extract.FieldMonth: {
		Field:  extract.FieldMonth,
		Kind:   KindNumber,
		Prompt: "Qual o mês de referência dos preços (1-12)?",
		Min:    1,
		Max:    12,
	},
	extract.FieldYear: {
		Field:  extract.FieldYear,
		Kind:   KindNumber,
		Prompt: "Qual o ano de referência dos preços?",
		Min:    2020,
		Max:    2030,
	},
}

// QuestionFor returns the descriptor for a field. The zero Question is
// returned for unknown fields.
func QuestionFor(field string) Question {
	return questions[field]
}

// Parse validates a raw user answer against the question's contract. Select
// answers match either the label or the stored value, accent-insensitively;
// numeric answers must parse and fall inside [Min, Max]. The returned value is
// what the session stores: string for selects, int for numbers.
func (q Question) Parse(answer string) (any, error) {
	answer = strings.TrimSpace(answer)
	switch q.Kind {
	case KindSelect:
		folded := foldAnswer(answer)
		for _, opt := range q.Options {
			if folded == foldAnswer(opt.Label) || folded == foldAnswer(opt.Value) {
				return opt.Value, nil
			}
		}
		return nil, fmt.Errorf("conversation: %q não é uma opção válida para %s", answer, q.Field)
	case KindNumber:
		n, err := strconv.Atoi(answer)
		if err != nil {
			return nil, fmt.Errorf("conversation: %q não é um número válido para %s", answer, q.Field)
		}
		if n < q.Min || n > q.Max {
			return nil, fmt.Errorf("conversation: %s deve estar entre %d e %d", q.Field, q.Min, q.Max)
		}
		return n, nil
	}
	return nil, fmt.Errorf("conversation: unknown question kind %q", q.Kind)
}

var answerFolder = strings.NewReplacer(
	"Á", "A", "À", "A", "Â", "A", "Ã", "A",
	"É", "E", "Ê", "E",
	"Í", "I",
	"Ó", "O", "Ô", "O", "Õ", "O",
	"Ú", "U",
	"Ç", "C",
	"á", "A", "à", "A", "â", "A", "ã", "A",
	"é", "E", "ê", "E",
	"í", "I",
	"ó", "O", "ô", "O", "õ", "O",
	"ú", "U",
	"ç", "C",
)

func foldAnswer(s string) string {
	return strings.ToUpper(answerFolder.Replace(s))
}
