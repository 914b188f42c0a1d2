// Package orchestrator coordinates a budget run end to end: conversation
// gating, field extraction, reference structure loading, the search/pricing
// pipeline, response synthesis, and persistence.
//
// Two modes share the same collaborators. Guided mode walks a fixed
// conversation script (questions, default confirmation, summary confirmation)
// and then runs the pipeline stages in order. Agent mode hands control to the
// model, which drives the registered tools itself.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/obradorhq/obradoria/internal/agent"
	"github.com/obradorhq/obradoria/internal/budget"
	"github.com/obradorhq/obradoria/internal/conversation"
	"github.com/obradorhq/obradoria/internal/events"
	"github.com/obradorhq/obradoria/internal/extract"
	"github.com/obradorhq/obradoria/internal/observe"
	"github.com/obradorhq/obradoria/internal/spring"
	"github.com/obradorhq/obradoria/internal/toolhost"
	"github.com/obradorhq/obradoria/pkg/provider/llm"
)

// Mode selects how a chat turn is handled.
type Mode string

const (
	// ModeGuided walks the scripted conversation and pipeline.
	ModeGuided Mode = "guiado"

	// ModeAgent lets the model drive the tools itself.
	ModeAgent Mode = "agente"
)

// Progress checkpoints for the guided pipeline. The search and pricing values
// in between are emitted by the pipeline runner.
const (
	progressExtraction     = 0.1
	progressExtractionDone = 0.2
	progressLoadBase       = 0.25
	progressLoadBaseDone   = 0.3
	progressSynthesize     = 0.85
	progressSynthesizeDone = 0.9
	progressPersist        = 0.92
	progressPersistDone    = 0.98
	progressComplete       = 1.0
)

// Backend is the subset of the budgeting backend the orchestrator needs.
// *spring.Client satisfies it.
type Backend interface {
	GetBaseBudget(ctx context.Context, standard string) (int64, bool, error)
	GetStagesWithItems(ctx context.Context, budgetID int64) ([]budget.ReferenceStage, error)
	CreateProject(ctx context.Context, name, description string) (int64, error)
	CreateBudget(ctx context.Context, name, description string, projectID *int64) (int64, error)
	CreateStage(ctx context.Context, budgetID int64, name, description string) (int64, error)
	AddItems(ctx context.Context, stageID int64, items []spring.ItemPayload) error
}

// Resolver runs the search/pricing pipeline. *pipeline.Runner satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, fields budget.RequestFields, items []budget.LineItem, sink events.Sink) (budget.Result, error)
}

// StructureGenerator produces a reference structure when the backend has no
// base budget. *budgetgen.Generator satisfies it.
type StructureGenerator interface {
	Generate(ctx context.Context, fields budget.RequestFields) ([]budget.ReferenceStage, error)
}

// ChatRequest is one user turn.
type ChatRequest struct {
	// SessionID continues an existing conversation; empty starts a new one.
	SessionID string `json:"session_id,omitempty"`

	// Message is the user's text.
	Message string `json:"mensagem"`

	// Mode selects guided or agent handling. Empty means guided.
	Mode Mode `json:"modo,omitempty"`

	// ProjectName, when set, asks for the final budget to be persisted under a
	// project with this name. Guided mode skips persistence without it.
	ProjectName string `json:"nome_projeto,omitempty"`
}

// Orchestrator wires the collaborators of a budget run.
// Safe for concurrent use.
type Orchestrator struct {
	store     *conversation.Store
	extractor *extract.Extractor
	resolver  Resolver
	generator StructureGenerator
	backend   Backend
	llm       llm.Provider
	host      *toolhost.Host
	agent     *agent.Agent
	metrics   *observe.Metrics
	now       func() time.Time

	runs runStates
}

// Config holds the orchestrator's required collaborators.
type Config struct {
	Store     *conversation.Store
	Extractor *extract.Extractor
	Resolver  Resolver
	Generator StructureGenerator
	Backend   Backend
	LLM       llm.Provider
	Host      *toolhost.Host
	Metrics   *observe.Metrics
	Clock     func() time.Time
}

// New creates an Orchestrator and registers the budget tools on the host.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Store == nil:
		return nil, fmt.Errorf("orchestrator: Store must not be nil")
	case cfg.Extractor == nil:
		return nil, fmt.Errorf("orchestrator: Extractor must not be nil")
	case cfg.Resolver == nil:
		return nil, fmt.Errorf("orchestrator: Resolver must not be nil")
	case cfg.Backend == nil:
		return nil, fmt.Errorf("orchestrator: Backend must not be nil")
	case cfg.LLM == nil:
		return nil, fmt.Errorf("orchestrator: LLM must not be nil")
	case cfg.Host == nil:
		return nil, fmt.Errorf("orchestrator: Host must not be nil")
	}

	o := &Orchestrator{
		store:     cfg.Store,
		extractor: cfg.Extractor,
		resolver:  cfg.Resolver,
		generator: cfg.Generator,
		backend:   cfg.Backend,
		llm:       cfg.LLM,
		host:      cfg.Host,
		metrics:   cfg.Metrics,
		now:       cfg.Clock,
		runs:      newRunStates(),
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	if o.now == nil {
		o.now = time.Now
	}
	if err := o.registerTools(); err != nil {
		return nil, err
	}
	o.agent = agent.New(cfg.LLM, cfg.Host)
	return o, nil
}

// EnsureSession returns the session id the next turn will use, creating a new
// session when id is empty. Transports call this before streaming starts so
// the client learns its id up front.
func (o *Orchestrator) EnsureSession(id string) string {
	if id == "" {
		return o.store.Create().ID
	}
	return id
}

// HandleChat processes one user turn, emitting progress on sink. It returns
// the session id so the caller can continue the conversation. Conversation
// outcomes (questions, expired sessions) are reported as events, not errors;
// the returned error covers only conditions the transport must turn into an
// HTTP failure.
func (o *Orchestrator) HandleChat(ctx context.Context, req ChatRequest, sink events.Sink) (string, error) {
	sess, err := o.resolveSession(req.SessionID, sink)
	if err != nil || sess == nil {
		return req.SessionID, err
	}

	// Concurrent turns on the same session serialize here.
	sess.Lock()
	defer sess.Unlock()

	if req.Mode == ModeAgent {
		return sess.ID, o.handleAgent(ctx, sess, req, sink)
	}
	return sess.ID, o.handleGuided(ctx, sess, req, sink)
}

// resolveSession finds or creates the session. An expired session terminates
// the stream with a session_expired event and no error.
func (o *Orchestrator) resolveSession(id string, sink events.Sink) (*conversation.Session, error) {
	if id == "" {
		return o.store.Create(), nil
	}
	sess, err := o.store.Get(id)
	switch {
	case err == nil:
		return sess, nil
	case errors.Is(err, conversation.ErrSessionExpired):
		sink(events.New(events.StageSessionExpired, "Sessão expirada. Inicie uma nova conversa."))
		return nil, nil
	default:
		return nil, err
	}
}

// handleGuided runs one turn of the scripted conversation.
func (o *Orchestrator) handleGuided(ctx context.Context, sess *conversation.Session, req ChatRequest, sink events.Sink) error {
	// Confirmation round: an affirmative answer advances without re-extraction.
	if sess.Phase == conversation.PhaseConfirming && isAffirmative(req.Message) {
		if sess.Ready() {
			return o.process(ctx, sess, req.ProjectName, sink)
		}
		sess.ConfirmAll()
		o.emitSummaryConfirmation(sess, sink)
		return nil
	}

	pendingQ, hadPending := sess.NextQuestion()

	sink(events.New(events.StageExtraction, "Analisando sua solicitação...").
		WithProgress(progressExtraction))

	result := o.extractor.Extract(ctx, req.Message)

	sess.Apply(result)
	// A turn may be a bare reply to the question asked last turn ("se", "2")
	// that the extractor cannot place; the question's own parser can. A reply
	// it rejects leaves the field missing and the question is asked again.
	if hadPending && sess.Fields[pendingQ.Field] == nil {
		if err := sess.Answer(pendingQ.Field, req.Message); err == nil {
			result.Values[pendingQ.Field] = extract.Value{
				Value:      sess.Fields[pendingQ.Field].Value,
				Confidence: 1.0,
			}
		}
	}
	sess.ApplyDefaults(o.now())

	extracted := make(map[string]any, len(result.Values))
	for name, v := range result.Values {
		extracted[name] = v.Value
	}
	sink(events.New(events.StageExtractionDone, "Análise concluída").
		WithProgress(progressExtractionDone).
		WithData(map[string]any{"campos": extracted, "avisos": result.Warnings}))

	if result.Unsupported != nil {
		sink(events.New(events.StageUnsupportedType,
			fmt.Sprintf("Ainda não faço orçamentos para construções do tipo %s. Posso ajudar com: %s.",
				strings.ToLower(result.Unsupported.Category),
				strings.Join(result.Unsupported.Supported, ", "))).
			WithData(map[string]any{
				"categoria":        result.Unsupported.Category,
				"termo":            result.Unsupported.Term,
				"tipos_suportados": result.Unsupported.Supported,
			}))
		return nil
	}

	if q, ok := sess.NextQuestion(); ok {
		sink(events.New(events.StageQuestion, q.Prompt).
			WithData(map[string]any{"pergunta": q}))
		return nil
	}

	if pending := sess.UnconfirmedFields(); len(pending) > 0 {
		sess.Phase = conversation.PhaseConfirming
		values := make(map[string]any, len(pending))
		for _, name := range pending {
			values[name] = sess.Fields[name].Value
		}
		sink(events.New(events.StageConfirmDefaults,
			"Assumi alguns valores. Posso seguir com eles?").
			WithData(map[string]any{"campos": values}))
		return nil
	}

	o.emitSummaryConfirmation(sess, sink)
	return nil
}

func (o *Orchestrator) emitSummaryConfirmation(sess *conversation.Session, sink events.Sink) {
	sess.Phase = conversation.PhaseConfirming
	sink(events.New(events.StageConfirmSummary,
		"Confirme os dados do orçamento:\n"+sess.Summary()).
		WithData(map[string]any{"resumo": sess.Summary()}))
}

// handleAgent hands the turn to the model-driven tool loop.
func (o *Orchestrator) handleAgent(ctx context.Context, sess *conversation.Session, req ChatRequest, sink events.Sink) error {
	runID := uuid.NewString()
	ctx = withRunID(ctx, runID)
	defer o.runs.drop(runID)

	o.metrics.ActiveRuns.Add(ctx, 1)
	defer o.metrics.ActiveRuns.Add(ctx, -1)

	history, answer, err := o.agent.Run(ctx, sess.History, req.Message, sink)
	if err != nil {
		o.metrics.RecordBudgetRun(ctx, "error")
		sink(events.New(events.StageError, "Não consegui concluir o atendimento. Tente novamente."))
		slog.Error("orchestrator: agent turn failed", "session", sess.ID, "err", err)
		return nil
	}
	sess.History = history

	o.metrics.RecordBudgetRun(ctx, "complete")
	sink(events.New(events.StageComplete, answer).WithProgress(progressComplete))
	return nil
}

// process runs the guided pipeline after all fields are confirmed.
func (o *Orchestrator) process(ctx context.Context, sess *conversation.Session, projectName string, sink events.Sink) error {
	fields, err := sess.RequestFields()
	if err != nil {
		return err
	}
	sess.Phase = conversation.PhaseProcessing

	o.metrics.ActiveRuns.Add(ctx, 1)
	defer o.metrics.ActiveRuns.Add(ctx, -1)

	fail := func(err error, userMsg string) error {
		sess.Phase = conversation.PhaseError
		o.metrics.RecordBudgetRun(ctx, "error")
		slog.Error("orchestrator: run failed", "session", sess.ID, "err", err)
		sink(events.New(events.StageError, userMsg))
		return nil
	}

	structure, err := o.loadStructure(ctx, fields, sink)
	if err != nil {
		return fail(err, "Não consegui montar a estrutura do orçamento.")
	}

	result, err := o.resolver.Resolve(ctx, fields, flatten(structure), sink)
	if err != nil {
		return fail(err, "Falha ao processar os itens do orçamento.")
	}

	sink(events.New(events.StageSynthesize, "Preparando o resumo do orçamento...").
		WithProgress(progressSynthesize))
	summary := o.synthesize(ctx, result)
	sink(events.New(events.StageSynthesizeDone, "Resumo pronto").
		WithProgress(progressSynthesizeDone))

	data := map[string]any{"orcamento": result, "resumo": summary}

	if projectName != "" {
		sink(events.New(events.StagePersist, "Salvando orçamento...").
			WithProgress(progressPersist))
		ids, err := o.persist(ctx, projectName, fields, result)
		if err != nil {
			return fail(err, "O orçamento foi calculado, mas não consegui salvá-lo.")
		}
		sink(events.New(events.StagePersistDone, "Orçamento salvo").
			WithProgress(progressPersistDone).
			WithData(map[string]any{"codigo_obra": ids.ProjectID, "codigo_orcamento": ids.BudgetID}))
		data["codigo_obra"] = ids.ProjectID
		data["codigo_orcamento"] = ids.BudgetID
	}

	sess.Phase = conversation.PhaseComplete
	o.metrics.RecordBudgetRun(ctx, "complete")
	sink(events.New(events.StageComplete, summary).
		WithProgress(progressComplete).
		WithData(data))
	return nil
}

// loadStructure fetches the backend's base budget for the standard, falling
// back to LLM generation when none exists.
func (o *Orchestrator) loadStructure(ctx context.Context, fields budget.RequestFields, sink events.Sink) ([]budget.ReferenceStage, error) {
	sink(events.New(events.StageLoadBase, "Carregando orçamento de referência...").
		WithProgress(progressLoadBase))

	stages, generated, err := o.referenceStages(ctx, fields)
	if err != nil {
		return nil, err
	}

	items := 0
	for _, st := range stages {
		items += len(st.Items)
	}
	msg := "Orçamento de referência carregado"
	if generated {
		msg = "Estrutura de orçamento gerada"
	}
	sink(events.New(events.StageLoadBaseDone, msg).
		WithProgress(progressLoadBaseDone).
		WithData(map[string]any{"etapas": len(stages), "itens": items, "gerado": generated}))
	return stages, nil
}

func (o *Orchestrator) referenceStages(ctx context.Context, fields budget.RequestFields) (stages []budget.ReferenceStage, generated bool, err error) {
	baseID, found, err := o.backend.GetBaseBudget(ctx, fields.Standard)
	if err != nil {
		return nil, false, fmt.Errorf("orchestrator: load base budget: %w", err)
	}
	if found {
		stages, err = o.backend.GetStagesWithItems(ctx, baseID)
		if err != nil {
			return nil, false, fmt.Errorf("orchestrator: load base stages: %w", err)
		}
		if len(stages) > 0 {
			return stages, false, nil
		}
	}

	if o.generator == nil {
		return nil, false, fmt.Errorf("orchestrator: no base budget for standard %s and no generator configured", fields.Standard)
	}
	stages, err = o.generator.Generate(ctx, fields)
	if err != nil {
		return nil, false, err
	}
	return stages, true, nil
}

// persistIDs are the backend identifiers created by persistence.
type persistIDs struct {
	ProjectID int64
	BudgetID  int64
}

// persist saves the result: project, budget, then each stage with its items.
func (o *Orchestrator) persist(ctx context.Context, projectName string, fields budget.RequestFields, result budget.Result) (persistIDs, error) {
	projectID, err := o.backend.CreateProject(ctx, projectName,
		fmt.Sprintf("Obra gerada automaticamente - %s %s", fields.BuildType, fields.Standard))
	if err != nil {
		return persistIDs{}, fmt.Errorf("orchestrator: create project: %w", err)
	}

	budgetName := fmt.Sprintf("Orçamento %s - %s - %s - %02d/%d",
		fields.BuildType, fields.Standard, fields.UF, fields.Month, fields.Year)
	description := fmt.Sprintf("Gerado automaticamente. Quantidade: %d unidade(s). Taxa de sucesso: %.1f%%",
		fields.Quantity, result.Stats.SuccessRate)

	budgetID, err := o.backend.CreateBudget(ctx, budgetName, description, &projectID)
	if err != nil {
		return persistIDs{}, fmt.Errorf("orchestrator: create budget: %w", err)
	}

	for _, stage := range result.Stages {
		stageID, err := o.backend.CreateStage(ctx, budgetID, stage.Name, "")
		if err != nil {
			return persistIDs{}, fmt.Errorf("orchestrator: create stage %q: %w", stage.Name, err)
		}
		payload := make([]spring.ItemPayload, 0, len(stage.Items))
		for _, item := range stage.Items {
			payload = append(payload, spring.ItemPayload{
				Name:       item.Name,
				Quantity:   item.AdjustedQuantity,
				Unit:       item.Unit,
				SinapiCode: item.MatchedCode,
				UnitPrice:  item.UnitPrice,
				TotalPrice: item.TotalPrice,
			})
		}
		if err := o.backend.AddItems(ctx, stageID, payload); err != nil {
			return persistIDs{}, fmt.Errorf("orchestrator: add items to stage %q: %w", stage.Name, err)
		}
	}
	return persistIDs{ProjectID: projectID, BudgetID: budgetID}, nil
}

// synthesize asks the model for a user-facing summary of the result. A model
// failure degrades to a plain formatted summary.
func (o *Orchestrator) synthesize(ctx context.Context, result budget.Result) string {
	reply, err := o.llm.Complete(ctx, llm.CompletionRequest{
		Prompt: fmt.Sprintf(`Resuma o orçamento abaixo para o usuário em português brasileiro, em poucos parágrafos.
Destaque o valor total, as etapas mais caras e os itens sem preço encontrado.

%s`, formatResult(result)),
		SystemPrompt: "Você é o ObradorIA, assistente de orçamentos de construção civil.",
		Temperature:  0.4,
		MaxTokens:    1024,
	})
	if err != nil || strings.TrimSpace(reply.Text) == "" {
		slog.Warn("orchestrator: synthesis fell back to plain summary", "err", err)
		return formatResult(result)
	}
	return reply.Text
}

// formatResult renders the result as plain Portuguese text, used both as the
// synthesis prompt body and as the fallback summary.
func formatResult(result budget.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Valor total estimado: R$ %.2f\n", result.Total)
	fmt.Fprintf(&b, "Itens precificados: %d de %d (%.1f%%)\n\n",
		result.Stats.Priced, result.Stats.TotalItems, result.Stats.SuccessRate)
	for _, stage := range result.Stages {
		fmt.Fprintf(&b, "%s: R$ %.2f\n", stage.Name, stage.Total)
		for _, item := range stage.Items {
			if item.Problem != "" {
				fmt.Fprintf(&b, "  - %s: %s\n", item.Name, item.Problem)
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// flatten concatenates stage items in stage order for the pipeline.
func flatten(stages []budget.ReferenceStage) []budget.LineItem {
	var items []budget.LineItem
	for _, st := range stages {
		items = append(items, st.Items...)
	}
	return items
}

// affirmatives are the folded answers accepted as confirmation.
var affirmatives = map[string]bool{
	"SIM": true, "S": true, "OK": true, "CONFIRMO": true, "CONFIRMAR": true,
	"PODE": true, "PODE SEGUIR": true, "CORRETO": true, "ISSO": true, "CERTO": true,
}

func isAffirmative(message string) bool {
	folded := strings.ToUpper(strings.TrimSpace(message))
	folded = strings.TrimRight(folded, ".!")
	return affirmatives[folded]
}
