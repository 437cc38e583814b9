// Package app assembles the Kaiwa engine: storage, language-model provider,
// debounce buffer, orchestrator, ledger, knowledge index, delivery scheduler,
// summariser, the HTTP API, and the optional Matrix gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avasile/kaiwa/internal/kaiwa/batch"
	"github.com/avasile/kaiwa/internal/kaiwa/debounce"
	"github.com/avasile/kaiwa/internal/kaiwa/dispatch"
	"github.com/avasile/kaiwa/internal/kaiwa/knowledge"
	"github.com/avasile/kaiwa/internal/kaiwa/ledger"
	"github.com/avasile/kaiwa/internal/kaiwa/matrix"
	"github.com/avasile/kaiwa/internal/kaiwa/nlp"
	"github.com/avasile/kaiwa/internal/kaiwa/store"
	"github.com/avasile/kaiwa/internal/kaiwa/summarize"
)

// Config holds application configuration.
type Config struct {
	// DatabasePath is the SQLite file location.
	DatabasePath string

	// HTTPAddr is the TCP address of the HTTP API (e.g. ":8080").
	HTTPAddr string

	// LLM configures the chat provider. Ignored when Provider is set.
	LLM nlp.Config

	// Provider is an optional pre-constructed provider, used by tests and by
	// callers with exotic backends. When nil one is built from LLM.
	Provider nlp.Provider

	// HistoryWindow caps how many prior messages feed each prompt.
	// Zero uses batch.DefaultHistoryWindow.
	HistoryWindow int

	// Matrix enables the Matrix gateway when Homeserver is non-empty.
	Matrix matrix.Config

	Logger *slog.Logger
}

// App is the assembled engine.
type App struct {
	cfg    Config
	logger *slog.Logger

	store      *store.Store
	ledger     *ledger.Ledger
	index      *knowledge.Index
	orch       *batch.Orchestrator
	buffer     *debounce.Buffer
	scheduler  *dispatch.Scheduler
	summarizer *summarize.Summarizer
	gateway    *matrix.Gateway

	httpServer *http.Server
}

// New wires the engine. Close releases everything New opened.
func New(cfg Config) (*App, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	provider := cfg.Provider
	if provider == nil {
		provider = nlp.New(cfg.LLM)
	}

	a := &App{cfg: cfg, logger: logger, store: st}
	a.ledger = ledger.New(st, logger)
	a.index = knowledge.NewIndex(st, logger)
	a.summarizer = summarize.New(st, provider, a.ledger, logger)

	// The Matrix gateway doubles as the delivery recipient. Without it,
	// replies still persist and come back on the synchronous API; there is
	// just nowhere to push them.
	var dispatcher batch.Dispatcher
	if cfg.Matrix.Homeserver != "" {
		gw, err := matrix.NewGateway(cfg.Matrix, nil, logger)
		if err != nil {
			st.Close()
			return nil, err
		}
		a.gateway = gw
		a.scheduler = dispatch.New(gw, logger)
		dispatcher = a.scheduler
	}

	a.orch = batch.New(batch.Config{
		Store:         st,
		Provider:      provider,
		Classifier:    nlp.NewClassifier(provider, logger),
		Ledger:        a.ledger,
		Index:         a.index,
		Dispatcher:    dispatcher,
		Logger:        logger,
		HistoryWindow: cfg.HistoryWindow,
	})
	a.buffer = debounce.New(st, a.orch, logger)
	if a.gateway != nil {
		a.gateway.SetSubmitter(a.buffer)
	}

	mux := http.NewServeMux()
	a.registerRoutes(mux)
	a.httpServer = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// Run serves until ctx ends or a termination signal arrives, then shuts down
// in dependency order: intake first, delivery last.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.gateway != nil {
		if err := a.gateway.Start(); err != nil {
			return fmt.Errorf("app: start matrix gateway: %w", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http api listening", "addr", a.cfg.HTTPAddr)
		if err := a.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("app: http server: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown incomplete", "error", err)
	}
	a.Close()
	return nil
}

// Close flushes open batches, waits for in-flight deliveries, and closes the
// store.
func (a *App) Close() {
	a.buffer.Close()
	if a.scheduler != nil {
		a.scheduler.Wait()
	}
	if a.gateway != nil {
		a.gateway.Stop()
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store close failed", "error", err)
	}
}
