// toolplane — an MCP execution substrate for platform tools.
//
// This is the main entry point for the toolplane server. It provides:
//   - Tool registry and dispatcher (presets, casing, token gating)
//   - Tiered token-bucket rate limiting with bounded waiting
//   - Category-partitioned cache and encrypted token vault
//   - Distributed task queue (memory or Redis)
//   - Conversation store (file or Postgres) with retention
//   - MCP transports: HTTP+SSE and stdio JSON-RPC
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/toolplane/toolplane/internal/gateway"
	"github.com/toolplane/toolplane/pkg/models"
	"github.com/toolplane/toolplane/pkg/server"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Logs go to stderr so the stdio transport keeps stdout clean for the
	// JSON-RPC stream.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if lvl, err := zerolog.ParseLevel(v); err == nil {
			zerolog.SetGlobalLevel(lvl)
		}
	}

	log.Info().Str("version", models.Version).Msg("🧰 toolplane starting...")

	ctx := context.Background()
	srv, err := server.New(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize server")
	}

	switch srv.Config.Transport {
	case "stdio":
		runStdio(srv)
	default:
		runHTTP(srv)
	}
}

// runStdio serves MCP over stdin/stdout until EOF or a signal.
func runStdio(srv *server.Server) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Msg("🔌 stdio transport ready")

	if err := gateway.NewStdioServer(srv.Gateway, os.Stdin, os.Stdout).Run(ctx); err != nil {
		log.Error().Err(err).Msg("stdio transport failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.ShutdownFunc(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Shutdown reported errors")
	}
}

// runHTTP serves the MCP and ops surfaces until SIGINT/SIGTERM.
func runHTTP(srv *server.Server) {
	httpServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", srv.Port),
		Handler:     srv.Handler,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: /events streams are long-lived and a fixed
		// deadline would sever them.
		IdleTimeout: 120 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("🛑 Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
		if err := srv.ShutdownFunc(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Shutdown reported errors")
		}
	}()

	log.Info().
		Int("port", srv.Port).
		Msg("🔥 toolplane is ready!")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server failed")
	}
}
