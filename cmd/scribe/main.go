// Command scribe runs the live transcription service: a WebSocket ingest
// surface backed by a speech-to-text sidecar, batched segment persistence,
// and post-transcription enrichment through a chain of LLM candidates.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/skillsenselab/scribe/component"
	"github.com/skillsenselab/scribe/config"
	"github.com/skillsenselab/scribe/enrich"
	"github.com/skillsenselab/scribe/events"
	"github.com/skillsenselab/scribe/ingest"
	"github.com/skillsenselab/scribe/llm"
	"github.com/skillsenselab/scribe/llm/ollama"
	"github.com/skillsenselab/scribe/logger"
	"github.com/skillsenselab/scribe/modelchain"
	"github.com/skillsenselab/scribe/observability"
	"github.com/skillsenselab/scribe/provider"
	"github.com/skillsenselab/scribe/server"
	"github.com/skillsenselab/scribe/store"
	"github.com/skillsenselab/scribe/stt"
	"github.com/skillsenselab/scribe/stt/whisperlive"
)

func main() {
	var cfg AppConfig
	if err := config.Load("scribe", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Logging)
	log := logger.Global()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, &cfg, log); err != nil {
		log.Fatal("service failed", map[string]interface{}{"error": err.Error()})
	}
}

func run(ctx context.Context, cfg *AppConfig, log *logger.Logger) error {
	if cfg.Tracing.Enabled {
		tp, err := observability.InitTracer(ctx, cfg.Name, cfg.Version, cfg.Environment, cfg.Tracing)
		if err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	db, err := store.Open(ctx, cfg.Store, log)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if cfg.Store.AutoMigrate {
		if err := db.AutoMigrate(); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	sessions := store.NewSessionStore(db)

	// Sessions left active or finalizing by a previous run can never
	// complete; fail them before accepting new work.
	if _, err := sessions.FailStaleActive(ctx, time.Now()); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	hub := events.NewHub(log)

	recognizer, err := buildRecognizer(cfg)
	if err != nil {
		return err
	}
	candidates, err := buildCandidates(cfg)
	if err != nil {
		return err
	}
	invoker := modelchain.New(candidates, cfg.LLM.Retry, log)

	tasks := enrich.SelectTasks(enrich.DefaultTasks(invoker), cfg.Enrich.Tasks)
	orch := enrich.NewOrchestrator(cfg.Enrich, sessions, tasks, hub, log)
	ctrl := ingest.NewController(cfg.Ingest, sessions, recognizer, hub, log,
		ingest.WithOnFinalized(func(sessionID uuid.UUID) {
			runCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if err := orch.Run(runCtx, sessionID); err != nil {
				log.WithSession(sessionID.String()).WithError(err).Warn("auto enrichment did not run")
			}
		}))
	flusher := ingest.NewFlusher(ctrl)

	srv := server.New(cfg.Server, log)
	api := server.NewAPI(ctrl, sessions, orch, hub, db.PingContext, backends(recognizer, candidates), cfg.Name, cfg.Version, log)
	api.RegisterRoutes(srv.GinEngine())

	components := component.NewRegistry(log)
	_ = components.Register(component.Func{
		ComponentName: "database",
		OnStart:       db.PingContext,
		OnStop:        func(context.Context) error { return db.Close() },
	})
	_ = components.Register(component.Func{
		ComponentName: "event-hub",
		OnStop: func(context.Context) error {
			hub.Stop()
			return nil
		},
	})
	_ = components.Register(component.Func{
		ComponentName: "flusher",
		OnStart: func(context.Context) error {
			flusher.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			flusher.Stop()
			return nil
		},
	})
	_ = components.Register(component.Func{
		ComponentName: "session-drain",
		OnStop: func(stopCtx context.Context) error {
			ctrl.DrainSessions(stopCtx)
			return nil
		},
	})
	_ = components.Register(component.Func{
		ComponentName: "http-server",
		OnStart:       srv.Start,
		OnStop:        srv.Stop,
	})

	if err := components.StartAll(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = components.StopAll(shutdownCtx)
		return err
	}
	log.Info("scribe is ready", map[string]interface{}{
		"addr":    srv.Addr(),
		"stt":     recognizer.Name(),
		"models":  len(candidates),
		"version": cfg.Version,
	})

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return components.StopAll(shutdownCtx)
}

// buildRecognizer registers the known speech-to-text backends and returns
// the configured one.
func buildRecognizer(cfg *AppConfig) (stt.Provider, error) {
	registry := stt.NewRegistry()
	registry.Set(whisperlive.ProviderName, whisperlive.NewProvider(cfg.STT.WhisperLive))

	recognizer, ok := registry.Get(cfg.STT.Provider)
	if !ok {
		return nil, fmt.Errorf("unknown stt provider %q (have: %v)", cfg.STT.Provider, registry.List())
	}
	return recognizer, nil
}

// backends collects the distinct external providers for health reporting.
func backends(recognizer stt.Provider, candidates []modelchain.Candidate) []provider.Provider {
	deps := []provider.Provider{recognizer}
	seen := map[string]bool{recognizer.Name(): true}
	for _, cand := range candidates {
		if seen[cand.Provider.Name()] {
			continue
		}
		seen[cand.Provider.Name()] = true
		deps = append(deps, cand.Provider)
	}
	return deps
}

// buildCandidates resolves the configured LLM candidate chain, preserving
// the configured order.
func buildCandidates(cfg *AppConfig) ([]modelchain.Candidate, error) {
	registry := llm.NewRegistry()
	registry.Set(ollama.ProviderName, ollama.NewProvider(cfg.LLM.Ollama))

	candidates := make([]modelchain.Candidate, 0, len(cfg.LLM.Candidates))
	for _, cand := range cfg.LLM.Candidates {
		backend, ok := registry.Get(cand.Provider)
		if !ok {
			return nil, fmt.Errorf("unknown llm provider %q (have: %v)", cand.Provider, registry.List())
		}
		candidates = append(candidates, modelchain.Candidate{Provider: backend, Model: cand.Model})
	}
	return candidates, nil
}
