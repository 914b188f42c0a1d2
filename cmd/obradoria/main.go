// Command obradoria is the ObradorIA construction budget assistant server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/obradorhq/obradoria/internal/auth"
	"github.com/obradorhq/obradoria/internal/budget"
	"github.com/obradorhq/obradoria/internal/budgetgen"
	"github.com/obradorhq/obradoria/internal/config"
	"github.com/obradorhq/obradoria/internal/conversation"
	"github.com/obradorhq/obradoria/internal/extract"
	"github.com/obradorhq/obradoria/internal/health"
	"github.com/obradorhq/obradoria/internal/observe"
	"github.com/obradorhq/obradoria/internal/orchestrator"
	"github.com/obradorhq/obradoria/internal/pipeline"
	"github.com/obradorhq/obradoria/internal/search"
	"github.com/obradorhq/obradoria/internal/server"
	"github.com/obradorhq/obradoria/internal/spring"
	"github.com/obradorhq/obradoria/internal/toolhost"
	"github.com/obradorhq/obradoria/pkg/provider/embeddings"
	ollamaembed "github.com/obradorhq/obradoria/pkg/provider/embeddings/ollama"
	oaembed "github.com/obradorhq/obradoria/pkg/provider/embeddings/openai"
	"github.com/obradorhq/obradoria/pkg/provider/llm"
	"github.com/obradorhq/obradoria/pkg/provider/llm/anthropic"
	ollamallm "github.com/obradorhq/obradoria/pkg/provider/llm/ollama"
	oallm "github.com/obradorhq/obradoria/pkg/provider/llm/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	// .env values become visible to ${VAR} references in the YAML file.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "obradoria: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "obradoria: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel := new(slog.LevelVar)
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("obradoria starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "obradoria"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	llmProvider, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		slog.Error("failed to create llm provider", "name", cfg.Providers.LLM.Name, "err", err)
		return 1
	}
	defer llmProvider.Close()
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name, "model", cfg.Providers.LLM.Model)

	embedder, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
	if err != nil {
		slog.Error("failed to create embeddings provider", "name", cfg.Providers.Embeddings.Name, "err", err)
		return 1
	}
	slog.Info("provider created", "kind", "embeddings", "name", cfg.Providers.Embeddings.Name, "model", embedder.ModelID())

	// ── Composition search ────────────────────────────────────────────────────
	thresholds := budget.DefaultThresholds
	if cfg.Search.HighConfidence > 0 {
		thresholds.High = cfg.Search.HighConfidence
	}
	if cfg.Search.MediumConfidence > 0 {
		thresholds.Medium = cfg.Search.MediumConfidence
	}

	searchStore, err := search.Open(ctx, cfg.Search.PostgresDSN, embedder, search.WithThresholds(thresholds))
	if err != nil {
		slog.Error("failed to open composition search store", "err", err)
		return 1
	}
	defer searchStore.Close()

	// ── Budgeting backend ─────────────────────────────────────────────────────
	backend, err := spring.New(cfg.Backend.BaseURL)
	if err != nil {
		slog.Error("failed to create backend client", "err", err)
		return 1
	}

	// ── Conversation sessions ─────────────────────────────────────────────────
	sessions := conversation.NewStore(cfg.Session.TTL, conversation.WithStoreMetrics(metrics))
	sessions.StartSweeper(ctx, 0)
	defer sessions.Stop()

	// ── Orchestrator ──────────────────────────────────────────────────────────
	orch, err := orchestrator.New(orchestrator.Config{
		Store:     sessions,
		Extractor: extract.New(llmProvider),
		Resolver:  pipeline.New(searchStore, backend, pipeline.WithMetrics(metrics)),
		Generator: budgetgen.New(llmProvider),
		Backend:   backend,
		LLM:       llmProvider,
		Host:      toolhost.New(toolhost.WithMetrics(metrics)),
		Metrics:   metrics,
	})
	if err != nil {
		slog.Error("failed to initialise orchestrator", "err", err)
		return 1
	}

	// ── Auth ──────────────────────────────────────────────────────────────────
	verifier, err := auth.NewVerifier(cfg.Auth.JWTSecret)
	if err != nil {
		slog.Error("failed to initialise token verifier", "err", err)
		return 1
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	checks := health.New(
		health.Checker{Name: "llm", Check: llmProvider.HealthCheck},
		health.Checker{Name: "search", Check: searchStore.Ping},
	)

	srv, err := server.New(server.Config{
		Orchestrator: orch,
		Verifier:     verifier,
		Health:       checks,
		Metrics:      metrics,
		Providers: server.ProvidersInfo{
			LLM:        reg.LLMNames(),
			Embeddings: []string{"openai", "ollama"},
			Default:    cfg.Providers.LLM.Name,
		},
	})
	if err != nil {
		slog.Error("failed to initialise server", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			logLevel.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.ThresholdsChanged {
			slog.Warn("search threshold change requires a restart to take effect")
		}
		if d.SessionTTLChanged {
			slog.Warn("session ttl change requires a restart to take effect")
		}
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	addr := cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	slog.Info("server ready — press Ctrl+C to shut down", "addr", addr)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			return 1
		}
	case <-ctx.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// registerBuiltinProviders wires the provider factories that ship with
// ObradorIA into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	reg.RegisterLLM("anthropic", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anthropic.Option
		if entry.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(entry.BaseURL))
		}
		return anthropic.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		return ollamallm.New(entry.BaseURL, entry.Model)
	})

	// ── Embeddings ────────────────────────────────────────────────────────────
	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		return ollamaembed.New(entry.BaseURL, entry.Model)
	})
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
