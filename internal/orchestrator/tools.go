package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/obradorhq/obradoria/internal/budget"
	"github.com/obradorhq/obradoria/pkg/provider/llm"
)

// Tool names offered to the model in agent mode.
const (
	toolFetchReference = "buscar_orcamento_referencia"
	toolProcessItems   = "processar_itens_orcamento"
	toolSaveBudget     = "salvar_orcamento"
)

// runState is the per-run scratch space the tools share: the loaded reference
// structure and the last processed batch. Each processing pass supersedes the
// previous batch; saving a superseded batch is rejected so the model cannot
// persist stale numbers after reprocessing.
type runState struct {
	structure []budget.ReferenceStage
	fields    budget.RequestFields
	batchID   string
	result    *budget.Result
}

type runStates struct {
	mu sync.Mutex
	m  map[string]*runState
}

func newRunStates() runStates {
	return runStates{m: make(map[string]*runState)}
}

func (r *runStates) get(runID string) *runState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.m[runID]
	if !ok {
		st = &runState{}
		r.m[runID] = st
	}
	return st
}

func (r *runStates) drop(runID string) {
	r.mu.Lock()
	delete(r.m, runID)
	r.mu.Unlock()
}

type runIDKey struct{}

func withRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

func runIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// registerTools wires the three budget tools into the host.
func (o *Orchestrator) registerTools() error {
	tools := []struct {
		def     llm.ToolDefinition
		handler func(ctx context.Context, args map[string]any) (string, error)
	}{
		{
			def: llm.ToolDefinition{
				Name:        toolFetchReference,
				Description: "Carrega a estrutura de orçamento de referência (etapas e itens) para uma construção. Use antes de processar os itens.",
				Parameters: []llm.ToolParameter{
					{Name: "tipo_construtivo", Type: "string", Description: "Tipo da construção", Required: true,
						Enum: []string{"RESIDENCIAL_CASA", "RESIDENCIAL_APARTAMENTO", "RESIDENCIAL_SOBRADO", "RESIDENCIAL_KITNET"}},
					{Name: "padrao_construtivo", Type: "string", Description: "Padrão construtivo", Required: true,
						Enum: []string{"MINIMO", "BASICO", "ALTO"}},
					{Name: "uf", Type: "string", Description: "Sigla do estado", Required: true},
				},
			},
			handler: o.fetchReferenceTool,
		},
		{
			def: llm.ToolDefinition{
				Name:        toolProcessItems,
				Description: "Busca composições SINAPI e preços para os itens da estrutura carregada. Retorna o resumo do orçamento e o identificador do lote processado.",
				Parameters: []llm.ToolParameter{
					{Name: "uf", Type: "string", Description: "Sigla do estado", Required: true},
					{Name: "tipo_construtivo", Type: "string", Description: "Tipo da construção", Required: true},
					{Name: "padrao_construtivo", Type: "string", Description: "Padrão construtivo", Required: true},
					{Name: "quantidade", Type: "integer", Description: "Quantidade de unidades (padrão 1)"},
					{Name: "mes_referencia", Type: "integer", Description: "Mês de referência dos preços (padrão: mês atual)"},
					{Name: "ano_referencia", Type: "integer", Description: "Ano de referência dos preços (padrão: ano atual)"},
				},
			},
			handler: o.processItemsTool,
		},
		{
			def: llm.ToolDefinition{
				Name:        toolSaveBudget,
				Description: "Salva o último lote processado como obra e orçamento no sistema. Exige o identificador do lote retornado por processar_itens_orcamento.",
				Parameters: []llm.ToolParameter{
					{Name: "lote", Type: "string", Description: "Identificador do lote processado", Required: true},
					{Name: "nome_projeto", Type: "string", Description: "Nome da obra a criar", Required: true},
				},
			},
			handler: o.saveBudgetTool,
		},
	}

	for _, t := range tools {
		if err := o.host.Register(t.def, t.handler); err != nil {
			return fmt.Errorf("orchestrator: register %s: %w", t.def.Name, err)
		}
	}
	return nil
}

func (o *Orchestrator) fetchReferenceTool(ctx context.Context, args map[string]any) (string, error) {
	fields, err := fieldsFromArgs(args, o.now)
	if err != nil {
		return "", err
	}

	stages, generated, err := o.referenceStages(ctx, fields)
	if err != nil {
		return "", err
	}

	st := o.runs.get(runIDFromContext(ctx))
	st.structure = stages
	// A new structure invalidates any previously processed batch.
	st.batchID = ""
	st.result = nil

	header := "Estrutura de referência carregada:\n\n"
	if generated {
		header = "Nenhum orçamento base cadastrado; estrutura gerada automaticamente:\n\n"
	}
	return header + budget.FormatReference(stages), nil
}

func (o *Orchestrator) processItemsTool(ctx context.Context, args map[string]any) (string, error) {
	st := o.runs.get(runIDFromContext(ctx))
	if len(st.structure) == 0 {
		return "", fmt.Errorf("nenhuma estrutura carregada; use %s primeiro", toolFetchReference)
	}

	fields, err := fieldsFromArgs(args, o.now)
	if err != nil {
		return "", err
	}

	result, err := o.resolver.Resolve(ctx, fields, flatten(st.structure), nil)
	if err != nil {
		return "", err
	}

	batchID := uuid.NewString()
	st.fields = fields
	st.batchID = batchID
	st.result = &result

	return fmt.Sprintf("%s\n\nLote processado: %s", formatResult(result), batchID), nil
}

func (o *Orchestrator) saveBudgetTool(ctx context.Context, args map[string]any) (string, error) {
	batchID, err := argString(args, "lote")
	if err != nil {
		return "", err
	}
	projectName, err := argString(args, "nome_projeto")
	if err != nil {
		return "", err
	}

	st := o.runs.get(runIDFromContext(ctx))
	if st.result == nil || st.batchID == "" {
		return "", fmt.Errorf("nenhum lote processado para salvar; use %s primeiro", toolProcessItems)
	}
	if st.batchID != batchID {
		return "", fmt.Errorf("o lote %s foi substituído por um processamento mais recente; processe os itens novamente antes de salvar", batchID)
	}

	ids, err := o.persist(ctx, projectName, st.fields, *st.result)
	if err != nil {
		return "", err
	}
	// Consumed: a second save must reprocess.
	st.batchID = ""
	st.result = nil

	return fmt.Sprintf("Orçamento salvo. Obra %d, orçamento %d.", ids.ProjectID, ids.BudgetID), nil
}

// fieldsFromArgs builds request fields from tool arguments, defaulting
// quantity to one unit and the reference date to the current month.
func fieldsFromArgs(args map[string]any, now func() time.Time) (budget.RequestFields, error) {
	uf, err := argString(args, "uf")
	if err != nil {
		return budget.RequestFields{}, err
	}
	buildType, err := argString(args, "tipo_construtivo")
	if err != nil {
		return budget.RequestFields{}, err
	}
	standard, err := argString(args, "padrao_construtivo")
	if err != nil {
		return budget.RequestFields{}, err
	}

	current := now()
	fields := budget.RequestFields{
		UF:        strings.ToUpper(uf),
		BuildType: strings.ToUpper(buildType),
		Standard:  strings.ToUpper(standard),
		Quantity:  argIntDefault(args, "quantidade", 1),
		Month:     argIntDefault(args, "mes_referencia", int(current.Month())),
		Year:      argIntDefault(args, "ano_referencia", current.Year()),
	}
	if fields.Quantity < 1 {
		return budget.RequestFields{}, fmt.Errorf("quantidade deve ser positiva")
	}
	if fields.Month < 1 || fields.Month > 12 {
		return budget.RequestFields{}, fmt.Errorf("mes_referencia deve estar entre 1 e 12")
	}
	return fields, nil
}

func argString(args map[string]any, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("parâmetro obrigatório ausente: %s", key)
	}
	return strings.TrimSpace(v), nil
}

// argIntDefault reads an integer argument that JSON decoding may have left as
// a float64.
func argIntDefault(args map[string]any, key string, def int) int {
	switch n := args[key].(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return def
}
