package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/eliaswynn/voxbridge/internal/bridge"
	"github.com/eliaswynn/voxbridge/internal/command"
	"github.com/eliaswynn/voxbridge/internal/config"
	"github.com/eliaswynn/voxbridge/internal/emotion"
	"github.com/eliaswynn/voxbridge/internal/history"
	"github.com/eliaswynn/voxbridge/internal/observability"
	"github.com/eliaswynn/voxbridge/internal/pipeline"
	"github.com/eliaswynn/voxbridge/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := history.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("history store init failed: %v", err)
	}
	defer store.Close()

	var (
		backend pipeline.Backend
		dialog  pipeline.Dialog
	)

	backendMode := strings.ToLower(strings.TrimSpace(cfg.BackendProvider))
	if backendMode == "" {
		backendMode = "auto"
	}

	tryDialog := func() bool {
		if strings.TrimSpace(cfg.CommandAPIURL) == "" {
			return false
		}
		dialog = pipeline.NewHTTPDialog(cfg.CommandAPIURL, cfg.CommandAPIToken)
		log.Printf("backend: conversation endpoint at %s", cfg.CommandAPIURL)
		return true
	}

	switch backendMode {
	case "dialog":
		if !tryDialog() {
			log.Fatalf("BRIDGE_BACKEND=dialog but COMMAND_API_URL is not set")
		}
	case "mock":
		backend = pipeline.NewMockBackend(pipeline.DefaultHandlerID)
		dialog = pipeline.NewMockDialog("acknowledged")
		log.Printf("backend: mock")
	case "auto":
		if tryDialog() {
			break
		}
		dialog = pipeline.NewMockDialog("acknowledged")
		log.Printf("backend: mock dialog (no conversation endpoint configured)")
	default:
		log.Fatalf("invalid BRIDGE_BACKEND: %q (expected auto|dialog|mock)", cfg.BackendProvider)
	}

	var executor command.Executor = command.NopExecutor{}
	if strings.TrimSpace(cfg.CommandAPIURL) != "" {
		executor = command.NewHTTPExecutor(cfg.CommandAPIURL, cfg.CommandAPIToken)
	}

	registry := session.NewRegistry()
	binding := pipeline.Bind(backend, dialog)
	classifier := emotion.NewKeywordClassifier()

	srv := bridge.New(cfg, registry, binding, executor, store, classifier, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: srv.Router(),
	}

	go func() {
		log.Printf("bridge listening on %s (ws %s)", cfg.BindAddr, bridge.WSPath)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
