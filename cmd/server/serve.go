package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/aware-engine/backend/api/handlers"
	"github.com/aware-engine/backend/internal/caption"
	"github.com/aware-engine/backend/internal/config"
	"github.com/aware-engine/backend/internal/db"
	"github.com/aware-engine/backend/internal/dispatch"
	"github.com/aware-engine/backend/internal/journal"
	"github.com/aware-engine/backend/internal/logging"
	"github.com/aware-engine/backend/internal/report"
	"github.com/aware-engine/backend/internal/repository"
	"github.com/aware-engine/backend/internal/session"
	"github.com/aware-engine/backend/internal/suggest"
	"github.com/aware-engine/backend/internal/ws"
)

// newServeCmd creates the "serve" subcommand.
func newServeCmd(flags *config.Flags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the broker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg, logger, nil)
		},
	}
}

// runServer wires every component and serves until ctx is cancelled. When
// ready is non-nil it receives the bound address once the listener is up.
func runServer(ctx context.Context, cfg *config.Config, logger *slog.Logger, ready chan<- string) error {
	gin.SetMode(gin.ReleaseMode)

	// Live sessions
	store := session.NewStore(logger)
	stopSweeper := store.StartSweeper(cfg.Session.TTL.Duration, cfg.Session.SweepInterval.Duration)
	defer stopSweeper()

	// Agent channels
	registry := ws.NewRegistry(logger)
	defer registry.Close()

	var journalDir *journal.Dir
	if cfg.Agent.JournalDir != "" {
		var err error
		if journalDir, err = journal.NewDir(cfg.Agent.JournalDir); err != nil {
			return fmt.Errorf("failed to create journal directory: %w", err)
		}
		logger.Info("recording agent traffic", "dir", journalDir.Path())
	}
	listener := ws.NewListener(registry, store, logger, ws.ListenerConfig{
		PingInterval:   cfg.Agent.PingInterval.Duration,
		PongTimeout:    cfg.Agent.PongTimeout.Duration,
		MaxMessageSize: cfg.Agent.MaxMessageSize,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Journal:        journalDir,
	})

	// Session archive
	if cfg.Archive.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Archive.Path), 0o755); err != nil {
			return fmt.Errorf("failed to create archive directory: %w", err)
		}
	}
	database, err := db.InitDB(cfg.Archive.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize archive: %w", err)
	}
	defer db.CloseDB()
	archive := repository.NewSessionRepository(database)

	// Suggestion pipeline
	var captioner caption.Captioner = caption.Nop{}
	if cfg.Caption.Endpoint != "" {
		captioner = caption.NewHTTPCaptioner(cfg.Caption.Endpoint, cfg.Caption.APIKey, cfg.Caption.FetchTimeout.Duration, logger)
	}
	var provider suggest.Provider
	if cfg.LLM.APIKey != "" {
		provider = suggest.NewGemini(suggest.GeminiConfig{
			BaseURL:         cfg.LLM.BaseURL,
			APIKey:          cfg.LLM.APIKey,
			Model:           cfg.LLM.Model,
			Temperature:     cfg.LLM.Temperature,
			TopP:            cfg.LLM.TopP,
			MaxOutputTokens: cfg.LLM.MaxOutputTokens,
			Timeout:         cfg.LLM.Timeout.Duration,
		})
	} else {
		logger.Warn("no model API key configured, suggestions will use rule guidance only")
	}
	pipeline := suggest.NewPipeline(provider, captioner, logger)

	dispatcher := dispatch.New(dispatch.Config{
		SourceTimeout: cfg.Session.SourceTimeout.Duration,
		WaitMode:      dispatch.WaitMode(cfg.Session.WaitMode),
	}, dispatch.Deps{
		Registry:  registry,
		Store:     store,
		Waiter:    session.NewWaiter(store),
		Generator: pipeline,
		Archive:   archive,
		Logger:    logger,
	})

	router := &handlers.Router{
		Analysis:       handlers.NewAnalysisHandler(dispatcher, store),
		Sessions:       handlers.NewSessionHandler(store, archive, report.Default()),
		Health:         handlers.NewHealthHandler(store, registry, cfg.Session.WaitMode),
		Agents:         handlers.NewAgentHandler(listener, cfg.Server.AgentPath),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Addr, err)
	}
	srv := &http.Server{
		Handler:           router.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	logger.Info("broker listening",
		"addr", ln.Addr().String(),
		"agent_path", cfg.Server.AgentPath,
		"wait_mode", cfg.Session.WaitMode,
		"source_timeout", cfg.Session.SourceTimeout.Duration,
		"version", version)
	if ready != nil {
		ready <- ln.Addr().String()
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down", "agents", registry.Count())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()

	// Agent channels are hijacked connections that Shutdown does not track.
	registry.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}
