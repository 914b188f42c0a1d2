// Package server exposes the budget assistant over HTTP.
//
// POST /api/chat streams the run's progress events over SSE; POST /api/budget
// runs the same flow and returns the turn's final event as plain JSON.
// GET /api/providers lists the configured model providers, GET /health runs
// the dependency checks and GET /metrics serves prometheus. All /api routes
// require a bearer token when a verifier is configured; /health and /metrics
// are always open.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/obradorhq/obradoria/internal/auth"
	"github.com/obradorhq/obradoria/internal/conversation"
	"github.com/obradorhq/obradoria/internal/events"
	"github.com/obradorhq/obradoria/internal/observe"
	"github.com/obradorhq/obradoria/internal/orchestrator"
)

// maxBodyBytes caps request bodies; chat messages are short.
const maxBodyBytes = 1 << 20

// ProvidersInfo is the payload served by GET /api/providers.
type ProvidersInfo struct {
	LLM        []string `json:"llm"`
	Embeddings []string `json:"embeddings,omitempty"`
	Default    string   `json:"padrao"`
}

// Config holds the server's collaborators.
type Config struct {
	// Orchestrator handles chat turns. Required.
	Orchestrator *orchestrator.Orchestrator

	// Verifier validates bearer tokens on /api routes. Nil disables auth,
	// intended for local development only.
	Verifier *auth.Verifier

	// Health serves GET /health. Nil disables the route.
	Health http.Handler

	// Metrics feeds the HTTP middleware. Nil selects the default meter.
	Metrics *observe.Metrics

	// MetricsHandler serves GET /metrics. Nil selects promhttp.
	MetricsHandler http.Handler

	// Providers describes the configured model providers.
	Providers ProvidersInfo
}

// Server is the HTTP transport for the budget assistant.
type Server struct {
	orch           *orchestrator.Orchestrator
	verifier       *auth.Verifier
	health         http.Handler
	metrics        *observe.Metrics
	metricsHandler http.Handler
	providers      ProvidersInfo
}

// New creates a Server from cfg.
func New(cfg Config) (*Server, error) {
	if cfg.Orchestrator == nil {
		return nil, fmt.Errorf("server: Orchestrator must not be nil")
	}
	s := &Server{
		orch:           cfg.Orchestrator,
		verifier:       cfg.Verifier,
		health:         cfg.Health,
		metrics:        cfg.Metrics,
		metricsHandler: cfg.MetricsHandler,
		providers:      cfg.Providers,
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.metricsHandler == nil {
		s.metricsHandler = promhttp.Handler()
	}
	return s, nil
}

// Handler returns the full route tree wrapped in the HTTP middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/budget", s.handleBudget)
	mux.HandleFunc("GET /api/providers", s.handleProviders)
	if s.health != nil {
		mux.Handle("GET /health", s.health)
	}
	mux.Handle("GET /metrics", s.metricsHandler)

	return observe.Middleware(s.metrics)(s.withAuth(mux))
}

// openPaths are served without a bearer token.
var openPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// withAuth enforces Authorization: Bearer <jwt> on everything outside
// openPaths. The verified raw token is kept in the request context so the
// backend client can pass it through.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.verifier == nil || openPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, prefix) {
			writeError(w, http.StatusUnauthorized, "credencial ausente")
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
		if _, err := s.verifier.Verify(token); err != nil {
			writeError(w, http.StatusUnauthorized, "token inválido ou expirado")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithToken(r.Context(), token)))
	})
}

// chatRequest is the wire form of one user turn.
type chatRequest struct {
	SessaoID    string `json:"sessao_id"`
	Mensagem    string `json:"mensagem"`
	Modo        string `json:"modo"`
	NomeProjeto string `json:"nome_projeto"`
}

// decodeChat reads and validates the request body.
func decodeChat(r *http.Request) (chatRequest, error) {
	var req chatRequest
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		return req, fmt.Errorf("corpo da requisição inválido")
	}
	if strings.TrimSpace(req.Mensagem) == "" {
		return req, fmt.Errorf("mensagem é obrigatória")
	}
	switch orchestrator.Mode(req.Modo) {
	case "", orchestrator.ModeGuided, orchestrator.ModeAgent:
	default:
		return req, fmt.Errorf("modo desconhecido: %s", req.Modo)
	}
	return req, nil
}

// handleChat streams one turn over SSE. The first frame announces the session
// id; every following frame is one progress event named by its stage. The
// stream ends after the first terminal event.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChat(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sessionID := s.orch.EnsureSession(req.SessaoID)

	stream, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming não suportado")
		return
	}
	if err := stream.frame("session", map[string]string{"sessao_id": sessionID}); err != nil {
		return
	}

	terminal := false
	sink := func(e events.Event) {
		if terminal {
			return
		}
		if err := stream.event(e); err != nil {
			slog.Debug("server: client went away mid-stream", "err", err)
			terminal = true
			return
		}
		if e.Terminal() {
			terminal = true
		}
	}

	if _, err := s.orch.HandleChat(r.Context(), s.toChatRequest(req, sessionID), sink); err != nil && !terminal {
		sink(sessionErrorEvent(err))
	}
}

// handleBudget runs one turn without streaming and returns the turn's final
// event as JSON.
func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChat(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sessionID := s.orch.EnsureSession(req.SessaoID)

	var last events.Event
	var seen bool
	sink := func(e events.Event) {
		if seen && last.Terminal() {
			return
		}
		last = e
		seen = true
	}

	if _, err := s.orch.HandleChat(r.Context(), s.toChatRequest(req, sessionID), sink); err != nil && !seen {
		last = sessionErrorEvent(err)
		seen = true
	}
	if !seen {
		writeError(w, http.StatusInternalServerError, "nenhum resultado produzido")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessao_id": sessionID,
		"evento":    last,
	})
}

func (s *Server) handleProviders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.providers)
}

func (s *Server) toChatRequest(req chatRequest, sessionID string) orchestrator.ChatRequest {
	return orchestrator.ChatRequest{
		SessionID:   sessionID,
		Message:     req.Mensagem,
		Mode:        orchestrator.Mode(req.Modo),
		ProjectName: req.NomeProjeto,
	}
}

// sessionErrorEvent maps transport-level turn failures to a terminal event. An
// unknown session id reads as an expired session to the client.
func sessionErrorEvent(err error) events.Event {
	if errors.Is(err, conversation.ErrSessionNotFound) {
		return events.New(events.StageSessionExpired,
			"Sessão não encontrada ou expirada. Inicie uma nova conversa.")
	}
	slog.Error("server: chat turn failed", "err", err)
	return events.New(events.StageError, "Não foi possível processar a solicitação.")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("server: write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"erro": msg})
}
