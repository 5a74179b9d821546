package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ent0n29/carlink/internal/app"
	"github.com/ent0n29/carlink/internal/config"
	"github.com/ent0n29/carlink/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config error")
	}
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Debug:  cfg.LogDebug,
		Output: cfg.LogOutput,
	}); err != nil {
		log.Fatal().Err(err).Msg("logging init failed")
	}
	logger := logging.Component("main")

	ctx := context.Background()
	built, err := app.Build(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("build failed")
	}

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           built.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().
			Str("addr", cfg.BindAddr).
			Str("voice_provider", built.Voice.Provider).
			Str("device_state_mode", built.StateMode).
			Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}
	if err := built.Cleanup(); err != nil {
		logger.Warn().Err(err).Msg("cleanup failed")
	}

	logger.Info().Msg("shutdown complete")
}
