// Package agent runs the free-form conversation mode: the model plans its own
// path through the registered budget tools while the user watches progress
// events.
//
// The loop is bounded. Each iteration sends the full history with tool
// definitions, executes whatever calls the model requests, and feeds the
// results back until the model answers with plain text or the iteration cap
// trips. Tool failures are returned to the model as error results, never
// raised, so the model can recover or explain.
package agent

import (
	"context"
	"fmt"

	"github.com/obradorhq/obradoria/internal/events"
	"github.com/obradorhq/obradoria/internal/toolhost"
	"github.com/obradorhq/obradoria/pkg/provider/llm"
)

// maxIterations caps model round-trips per user turn.
const maxIterations = 30

const defaultMaxTokens = 2048

// systemPrompt is the ObradorIA persona.
const systemPrompt = `Você é o ObradorIA, assistente especializado em orçamentos de construção civil no Brasil.
Você ajuda o usuário a montar orçamentos de obras residenciais usando preços de referência SINAPI.

Você dispõe de ferramentas para buscar a estrutura de orçamento de referência, processar e precificar os itens, e salvar o resultado. Use-as na ordem que fizer sentido para o pedido do usuário.

Regras:
- Responda sempre em português brasileiro.
- Antes de processar, confirme com o usuário os dados da obra: tipo, padrão construtivo, estado e quantidade de unidades.
- Apresente valores em reais (R$) e destaque itens sem preço encontrado.
- Nunca invente preços; use apenas os retornados pelas ferramentas.`

// stageInfo is the progress event pair wrapped around one tool's execution.
type stageInfo struct {
	begin, done         events.Stage
	beginProg, doneProg float64
	beginMsg, doneMsg   string
}

// toolStages maps the registered budget tools to their progress stages. Tools
// outside this map execute without stage events.
var toolStages = map[string]stageInfo{
	"buscar_orcamento_referencia": {
		begin: events.StageLoadBase, done: events.StageLoadBaseDone,
		beginProg: 0.25, doneProg: 0.3,
		beginMsg: "Carregando estrutura de orçamento de referência...",
		doneMsg:  "Estrutura de referência carregada",
	},
	"processar_itens_orcamento": {
		begin: events.StageSearch, done: events.StageSearchDone,
		beginProg: 0.4, doneProg: 0.6,
		beginMsg: "Processando e precificando itens do orçamento...",
		doneMsg:  "Itens processados",
	},
	"salvar_orcamento": {
		begin: events.StagePersist, done: events.StagePersistDone,
		beginProg: 0.92, doneProg: 0.98,
		beginMsg: "Salvando orçamento...",
		doneMsg:  "Orçamento salvo",
	},
}

// Agent drives the tool-calling conversation loop.
// Safe for concurrent use; each Run works on its own history slice.
type Agent struct {
	llm         llm.Provider
	host        *toolhost.Host
	temperature float64
	maxTokens   int
}

// Option is a functional option for Agent.
type Option func(*Agent)

// WithTemperature overrides the conversation temperature.
func WithTemperature(t float64) Option {
	return func(a *Agent) {
		a.temperature = t
	}
}

// WithMaxTokens overrides the per-reply token cap.
func WithMaxTokens(n int) Option {
	return func(a *Agent) {
		a.maxTokens = n
	}
}

// New creates an Agent over the given provider and tool host.
func New(provider llm.Provider, host *toolhost.Host, opts ...Option) *Agent {
	a := &Agent{
		llm:         provider,
		host:        host,
		temperature: 0.7,
		maxTokens:   defaultMaxTokens,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Run processes one user turn. It returns the extended history and the
// model's final text answer. On error the input history is returned
// unchanged, so a failed turn never leaves a dangling tool exchange in the
// session.
func (a *Agent) Run(ctx context.Context, history []llm.Message, userText string, sink events.Sink) ([]llm.Message, string, error) {
	emit := func(e events.Event) {
		if sink != nil {
			sink(e)
		}
	}

	messages := make([]llm.Message, len(history), len(history)+2)
	copy(messages, history)
	messages = append(messages, llm.UserMessage(userText))

	for iteration := 0; iteration < maxIterations; iteration++ {
		reply, err := a.llm.CompleteWithTools(ctx, llm.ToolCompletionRequest{
			Messages:     messages,
			Tools:        a.host.Definitions(),
			SystemPrompt: systemPrompt,
			Temperature:  a.temperature,
			MaxTokens:    a.maxTokens,
		})
		if err != nil {
			return history, "", fmt.Errorf("agent: completion: %w", err)
		}

		messages = append(messages, llm.AssistantMessage(reply.Text, reply.ToolCalls))

		if reply.StopReason != llm.StopToolUse || len(reply.ToolCalls) == 0 {
			if reply.Text != "" {
				emit(events.New(events.StageMessage, reply.Text))
			}
			return messages, reply.Text, nil
		}

		// Intermediate commentary accompanying tool calls is still shown.
		if reply.Text != "" {
			emit(events.New(events.StageMessage, reply.Text))
		}

		for _, call := range reply.ToolCalls {
			info, staged := toolStages[call.Name]
			if staged {
				emit(events.New(info.begin, info.beginMsg).WithProgress(info.beginProg))
			}

			result, err := a.host.Execute(ctx, call.Name, call.Arguments)
			if err != nil {
				if ctx.Err() != nil {
					return history, "", fmt.Errorf("agent: tool %s: %w", call.Name, err)
				}
				// Unknown tool: tell the model instead of failing the turn.
				messages = append(messages, llm.ToolResultMessage(call.ID, err.Error(), true))
				continue
			}

			if staged && !result.IsError {
				emit(events.New(info.done, info.doneMsg).WithProgress(info.doneProg))
			}
			messages = append(messages, llm.ToolResultMessage(call.ID, result.Content, result.IsError))
		}
	}

	return history, "", fmt.Errorf("agent: tool loop exceeded %d iterations", maxIterations)
}
