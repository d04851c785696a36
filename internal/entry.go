// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/fieldsmith/internal/anki"
	"github.com/starford/fieldsmith/internal/api"
	"github.com/starford/fieldsmith/internal/apperr"
	"github.com/starford/fieldsmith/internal/llm"
	"github.com/starford/fieldsmith/internal/mcpserver"
	"github.com/starford/fieldsmith/internal/models"
	"github.com/starford/fieldsmith/internal/noteservice"
	"github.com/starford/fieldsmith/internal/pipeline"
	"github.com/starford/fieldsmith/internal/progress"
	"github.com/starford/fieldsmith/internal/sse"
	"github.com/starford/fieldsmith/internal/storage"
	"github.com/starford/fieldsmith/internal/task"
)

// Version is reported to MCP clients.
var Version = "dev"

// versioner is implemented by note stores that support a connectivity check.
type versioner interface {
	Version(ctx context.Context) (int, error)
}

// setup applies opts and resolves everything a command needs. The returned
// cleanup closes the log file, if any.
func setup(logOut io.Writer, opts []Option) (*application, *task.PromptTask, func(), error) {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return nil, nil, nil, apperr.Configf("config is required")
	}

	cfg := app.config
	cleanup := func() {}

	if app.logger == nil {
		logger, closeLog, err := newLogger(&cfg.App, logOut)
		if err != nil {
			return nil, nil, nil, err
		}
		app.logger = logger
		cleanup = closeLog
	}
	slog.SetDefault(app.logger)

	if app.out == nil {
		app.out = os.Stdout
	}

	t, err := cfg.BuildTask()
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}

	if app.notes == nil {
		app.notes = anki.NewClient(cfg.Anki.URL, cfg.Anki.Timeout, app.logger)
	}
	if app.gen == nil {
		app.gen = llm.NewOllamaClient(cfg.LLM.Ollama(), app.logger)
	}

	app.logger.Info("Configuration loaded",
		slog.String("task", t.Name()),
		slog.String("deck", t.Deck()),
		slog.String("model", t.Model()),
		slog.String("fingerprint", t.Fingerprint()),
		slog.String("progress_path", t.ProgressPath()),
		slog.String("progress_backend", cfg.Script.ProgressBackend),
		slog.Bool("dry_run", t.DryRun()),
		slog.String("log_level", cfg.App.LogLevel.String()))

	return app, t, cleanup, nil
}

// newLogger builds the JSON logger, teeing into app.log_file when set.
func newLogger(cfg *ApplicationConfig, w io.Writer) (*slog.Logger, func(), error) {
	cleanup := func() {}
	if cfg.LogFile != "" {
		if dir := filepath.Dir(cfg.LogFile); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, apperr.Configf("create log dir: %v", err)
			}
		}
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, apperr.Configf("open log file: %v", err)
		}
		w = io.MultiWriter(w, f)
		cleanup = func() { _ = f.Close() }
	}

	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	return logger, cleanup, nil
}

// openStore opens the ledger backend. A dry run never creates a SQLite
// database that does not exist yet; it returns a nil provider instead.
func (a *application) openStore(t *task.PromptTask) (storage.Provider, error) {
	backend := a.config.Script.ProgressBackend
	if backend == "" {
		backend = storage.BackendFile
	}
	if t.DryRun() && backend == storage.BackendSQLite {
		if _, err := os.Stat(t.ProgressPath()); errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
	}
	return storage.Open(backend, t.ProgressPath(), a.config.ProgressKey())
}

// Run executes the enrichment pipeline once. SIGINT and SIGTERM stop the run
// after the note in flight. The summary is returned whenever the pipeline
// started, even alongside an error.
func Run(ctx context.Context, opts ...Option) (*models.RunSummary, error) {
	app, t, cleanup, err := setup(os.Stdout, opts)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	logger := app.logger

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if v, ok := app.notes.(versioner); ok {
		version, err := v.Version(ctx)
		if err != nil {
			return nil, &apperr.ConfigurationError{Msg: "note store unreachable", Err: err}
		}
		logger.Info("Connected to note store", slog.Int("api_version", version))
	}

	store, err := app.openStore(t)
	if err != nil {
		return nil, err
	}
	if store != nil {
		defer store.Close()
	}

	tracker := progress.New(store, t, logger)
	if err := tracker.Load(ctx); err != nil {
		return nil, err
	}
	logger.Info("Progress ledger ready",
		slog.String("path", t.ProgressPath()),
		slog.Bool("persistent", tracker.Persistent()))

	summary, err := pipeline.New(t, app.notes, app.gen, tracker, logger).Run(ctx)
	printSummary(app.out, summary)
	return summary, err
}

// Status prints the ledger summary of the configured task.
func Status(ctx context.Context, opts ...Option) error {
	app, t, cleanup, err := setup(os.Stderr, opts)
	if err != nil {
		return err
	}
	defer cleanup()

	store, err := storage.Open(app.config.Script.ProgressBackend, t.ProgressPath(), app.config.ProgressKey())
	if err != nil {
		return err
	}
	defer store.Close()

	sum, err := noteservice.NewService(store, t, nil).Summary(ctx)
	if err != nil {
		return err
	}
	printStatus(app.out, sum)
	return nil
}

// ServeMCP serves the ledger tools over stdio. Logs go to stderr since
// stdout carries the protocol.
func ServeMCP(_ context.Context, opts ...Option) error {
	app, t, cleanup, err := setup(os.Stderr, opts)
	if err != nil {
		return err
	}
	defer cleanup()

	store, err := storage.Open(app.config.Script.ProgressBackend, t.ProgressPath(), app.config.ProgressKey())
	if err != nil {
		return err
	}
	defer store.Close()

	svc := noteservice.NewService(store, t, app.notes)
	app.logger.Info("MCP server starting", slog.String("transport", "stdio"))
	return mcpserver.New(svc, Version).ServeStdio()
}

// Serve starts the read-only status API with a live ledger event feed.
func Serve(ctx context.Context, opts ...Option) error {
	app, t, cleanup, err := setup(os.Stdout, opts)
	if err != nil {
		return err
	}
	defer cleanup()

	cfg := app.config
	logger := app.logger

	store, err := storage.Open(cfg.Script.ProgressBackend, t.ProgressPath(), cfg.ProgressKey())
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	defer store.Close()

	svc := noteservice.NewService(store, t, app.notes)

	broker := sse.NewBroker(2*time.Second, func(ctx context.Context) (any, error) {
		return svc.Summary(ctx)
	})
	defer broker.Close()

	apiRouter := api.NewRouter(svc, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if _, err := svc.Ledger(req.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	// Push ledger changes to SSE clients.
	g.Go(func() error {
		if err := storage.Watch(gCtx, store.Path(), logger, broker.PublishLedgerChange); err != nil {
			logger.Warn("ledger watcher unavailable", slog.String("error", err.Error()))
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
		cancel()

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}
