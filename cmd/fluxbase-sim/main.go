package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fluxbase-io/fluxbase-go/internal/config"
	"github.com/fluxbase-io/fluxbase-go/internal/logger"
	"github.com/fluxbase-io/fluxbase-go/internal/simserver"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger.Init(cfg.LogLevel, os.Getenv("ENV") != "production")

	log := logger.Get()
	log.Info().Msg("Starting Fluxbase simulator...")

	// Create simulator backend
	srv := simserver.New(simserver.Options{
		JWTSecret:      cfg.Sim.JWTSecret,
		MetricsEnabled: cfg.Metrics.Enabled,
		MetricsPath:    cfg.Metrics.Path,
	})
	registerDemoFunctions(srv)

	// Create HTTP server
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Sim.Host, cfg.Sim.Port),
		Handler:      srv,
		ReadTimeout:  cfg.Sim.ReadTimeout,
		WriteTimeout: cfg.Sim.WriteTimeout,
		IdleTimeout:  cfg.Sim.IdleTimeout,
	}

	// Start HTTP server
	go func() {
		log.Info().
			Str("addr", httpServer.Addr).
			Msg("Simulator listening")

		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down simulator...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Close live sessions, then the HTTP listener
	srv.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("Simulator stopped")
}

// registerDemoFunctions installs a small backend so the simulator is usable
// out of the box: a counter, a message board and an echo action.
func registerDemoFunctions(srv *simserver.Server) {
	srv.RegisterQuery("counter:get", func(_ context.Context, store *simserver.Store, _ map[string]any) (any, error) {
		v, ok := store.Get("counter")
		if !ok {
			return 0, nil
		}
		return v, nil
	})

	srv.RegisterMutation("counter:add", func(_ context.Context, store *simserver.Store, args map[string]any) (any, error) {
		delta, ok := args["delta"].(float64)
		if !ok {
			return nil, &simserver.CallError{Message: "delta must be a number"}
		}
		current := 0.0
		if v, ok := store.Get("counter"); ok {
			current, _ = v.(float64)
		}
		next := current + delta
		store.Set("counter", next)
		return next, nil
	})

	srv.RegisterQuery("messages:list", func(_ context.Context, store *simserver.Store, _ map[string]any) (any, error) {
		v, ok := store.Get("messages")
		if !ok {
			return []any{}, nil
		}
		return v, nil
	})

	srv.RegisterMutation("messages:post", func(_ context.Context, store *simserver.Store, args map[string]any) (any, error) {
		body, ok := args["body"].(string)
		if !ok || body == "" {
			return nil, &simserver.CallError{Message: "body required", Data: map[string]any{"field": "body"}}
		}
		var messages []any
		if v, ok := store.Get("messages"); ok {
			messages, _ = v.([]any)
		}
		messages = append(messages, map[string]any{
			"body":     body,
			"postedAt": time.Now().UTC().Format(time.RFC3339),
		})
		store.Set("messages", messages)
		return len(messages), nil
	})

	srv.RegisterAction("echo:send", func(_ context.Context, args map[string]any) (any, error) {
		return args, nil
	})
}
