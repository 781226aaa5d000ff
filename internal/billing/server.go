package billing

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/traumtaghelden/traumtag-billing/internal/billing/auth"
	"github.com/traumtaghelden/traumtag-billing/internal/billing/retention"
	"github.com/traumtaghelden/traumtag-billing/internal/billing/store"
	"github.com/traumtaghelden/traumtag-billing/internal/billing/stripeapi"
	"github.com/traumtaghelden/traumtag-billing/internal/billing/tasks"
	"github.com/traumtaghelden/traumtag-billing/internal/logging"
)

// Run starts the billing HTTP server with graceful shutdown.
func Run(ctx context.Context, version string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "billing",
	})

	log.Info().Str("version", version).Msg("Starting Traumtag billing service")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.New(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open billing store: %w", err)
	}
	defer st.Close()

	// Derived context for background goroutines
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runner := tasks.NewRunner(ctx, cfg.WebhookWorkers, cfg.WebhookQueueDepth)

	mux := http.NewServeMux()
	RegisterRoutes(mux, &Deps{
		Config:   cfg,
		Store:    st,
		Billing:  stripeapi.NewAPI(cfg.StripeAPIKey),
		Verifier: auth.NewJWTVerifier(cfg.JWTSecret),
		Runner:   runner,
		Version:  version,
	})

	addr := cfg.ListenAddr()
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Start retention enforcer
	enforcer := retention.NewEnforcer(st)
	go enforcer.Run(ctx)

	// Start server in background
	go func() {
		log.Info().Str("addr", addr).Msg("Billing service listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Server failed")
		}
	}()

	// Signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		log.Info().Msg("Context cancelled, shutting down...")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	// Drain queued webhook work before the store closes.
	if err := runner.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Background runner shutdown error")
	}

	cancel()
	log.Info().Msg("Billing service stopped")
	return nil
}
