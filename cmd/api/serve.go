package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"margin/api/internal/analysis"
	"margin/api/internal/app"
	"margin/api/internal/config"
	"margin/api/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the highlight API over HTTP and WebSocket",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

// buildEngine wires the configured analysis backend, wrapped in the Redis chunk
// cache when REDIS_URL is set. The returned cleanup releases its clients.
func buildEngine(ctx context.Context, cfg config.Config, logger *zap.Logger) (analysis.Engine, func(), error) {
	var engine analysis.Engine
	switch strings.ToLower(strings.TrimSpace(cfg.AnalysisBackend)) {
	case "http", "":
		engine = analysis.NewHTTPEngine(cfg.AnalysisURL, &http.Client{Timeout: cfg.AnalysisTimeout})
	case "gemini":
		gemini, err := analysis.NewGeminiEngine(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, nil, err
		}
		engine = gemini
	case "none", "disabled":
		engine = analysis.Disabled{}
	default:
		return nil, nil, fmt.Errorf("unknown analysis backend %q", cfg.AnalysisBackend)
	}

	if strings.TrimSpace(cfg.RedisURL) == "" {
		return engine, func() {}, nil
	}
	client, err := analysis.NewRedisClient(cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("caching analysis results in redis", zap.Duration("ttl", cfg.CacheTTL))
	cached := analysis.NewCachedEngine(engine, client, cfg.CacheTTL, logger)
	return cached, func() { _ = cached.Close() }, nil
}

func serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, cleanup, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	registry := session.NewRegistry(cfg.SessionTTL, session.WithLogger(logger))
	defer registry.Close()
	go registry.Run(ctx, cfg.SweepInterval)

	service := app.New(cfg, registry, engine, logger)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("margin api listening",
			zap.String("addr", cfg.Addr),
			zap.String("engine", engine.Name()),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	return nil
}
