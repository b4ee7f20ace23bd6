// Package server provides the public entry point for initializing the
// toolplane server.
//
// This package exists in pkg/ (not internal/) so that embedders can compose
// the substrate with their own transports or middleware.
//
// Usage (HTTP):
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
//
// Usage (stdio):
//
//	srv, err := server.New(ctx)
//	gateway.NewStdioServer(srv.Gateway, os.Stdin, os.Stdout).Run(ctx)
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/toolplane/toolplane/internal/api"
	"github.com/toolplane/toolplane/internal/api/handlers"
	apimw "github.com/toolplane/toolplane/internal/api/middleware"
	"github.com/toolplane/toolplane/internal/auth"
	"github.com/toolplane/toolplane/internal/cache"
	"github.com/toolplane/toolplane/internal/config"
	"github.com/toolplane/toolplane/internal/convstore"
	"github.com/toolplane/toolplane/internal/gateway"
	"github.com/toolplane/toolplane/internal/platform"
	"github.com/toolplane/toolplane/internal/queue"
	"github.com/toolplane/toolplane/internal/ratelimit"
	"github.com/toolplane/toolplane/internal/registry"
	"github.com/toolplane/toolplane/internal/telemetry"
	"github.com/toolplane/toolplane/internal/vault"
	"github.com/toolplane/toolplane/pkg/contracts"
	"github.com/toolplane/toolplane/pkg/models"
)

// Server holds the initialized toolplane substrate.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Gateway answers MCP JSON-RPC for both transports. Exposed so the stdio
	// loop in main can run against the same instance the HTTP routes use.
	Gateway *gateway.Gateway

	// Queue is the task queue service, exposed for embedders that want to
	// observe task events or enqueue directly.
	Queue *queue.Service

	// Config is the effective configuration.
	Config *config.Config

	// Port is the port the HTTP transport should listen on.
	Port int

	// ShutdownFunc stops background work, closes backends and flushes
	// telemetry. Call it on graceful shutdown.
	ShutdownFunc func(context.Context) error
}

// New initializes all components from environment configuration.
// This is the primary entry point for main.go.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the substrate with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Telemetry first so every later constructor can grab a tracer.
	telemetryShutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	cacheMgr := cache.NewManager(cache.DefaultConfigs())
	log.Info().Msg("✅ Cache manager initialized")

	tokenVault, err := buildVault(cfg.Vault, cacheMgr)
	if err != nil {
		return nil, fmt.Errorf("init vault: %w", err)
	}
	log.Info().Msg("✅ Token vault initialized")

	limiter := ratelimit.NewLimiter(ratelimit.DefaultConfigs())
	log.Info().Msg("✅ Rate limiter initialized")

	var fallback registry.Handler
	if cfg.Platform.Enabled {
		client, err := platform.NewClient(platform.Options{
			BaseURL:    cfg.Platform.BaseURL,
			Timeout:    cfg.Platform.Timeout,
			MaxRetries: cfg.Platform.MaxRetries,
			Limiter:    limiter,
		})
		if err != nil {
			return nil, fmt.Errorf("init platform client: %w", err)
		}
		tokenVault.SetRotator(platform.NewTenantRotator(
			client, cfg.Platform.AppID, cfg.Platform.AppSecret, cfg.Platform.TenantAuthPath))
		fallback = platform.ToolHandler(client)
		log.Info().Str("base_url", cfg.Platform.BaseURL).Msg("✅ Platform client initialized")
	} else {
		log.Info().Msg("Platform client disabled; only tools with local handlers are callable")
	}

	// The queue executes tool calls through the dispatcher while the
	// dispatcher's system tools enqueue through the queue. The executor
	// closes over a variable assigned below, before the scheduler goroutine
	// starts, which breaks the cycle without an indirection layer.
	var disp contracts.DispatcherService
	exec := func(ctx context.Context, task *models.Task) error {
		result, err := disp.Invoke(ctx, task.Payload.Tool, task.Payload.Arguments)
		if err != nil {
			return err
		}
		if result != nil && result.IsError {
			return errors.New(firstText(result))
		}
		return nil
	}

	backend, err := buildQueueBackend(ctx, cfg.Queue)
	if err != nil {
		return nil, err
	}
	tasks := queue.NewService(backend, exec, queue.Options{
		Concurrency:   cfg.Queue.Concurrency,
		SweepInterval: cfg.Queue.SweepInterval,
	})
	log.Info().Str("backend", cfg.Queue.Backend).Msg("✅ Task queue initialized")

	catalog := append(registry.Builtin(), registry.SystemTools(tasks)...)
	if cfg.Registry.ToolsDir != "" {
		extra, err := registry.LoadDir(cfg.Registry.ToolsDir)
		if err != nil {
			return nil, fmt.Errorf("load tools dir: %w", err)
		}
		catalog = registry.Merge(catalog, extra)
	}
	reg, err := registry.New(catalog, registry.BuiltinPresets(catalog))
	if err != nil {
		return nil, fmt.Errorf("init registry: %w", err)
	}
	dispatcher, err := registry.NewDispatcher(reg, tokenVault, registry.Options{
		Casing: registry.Casing(cfg.Registry.Casing),
		Policy: registry.Policy{
			Presets:   []string{cfg.Registry.Preset},
			Allow:     cfg.Registry.Allow,
			Deny:      cfg.Registry.Deny,
			TokenMode: models.TokenMode(cfg.Registry.TokenMode),
		},
		Fallback: fallback,
	})
	if err != nil {
		return nil, fmt.Errorf("init dispatcher: %w", err)
	}
	disp = dispatcher

	if tok := cfg.Platform.UserAccessToken; tok != "" {
		if err := dispatcher.SetUserToken(tok); err != nil {
			log.Warn().Err(err).Msg("USER_ACCESS_TOKEN rejected; user-identity tools stay unavailable")
		} else {
			log.Info().Msg("✅ User access token seeded")
		}
	}

	gw := gateway.New(dispatcher, gateway.Options{})
	tasks.ObserveAll(func(evt queue.Event) {
		gw.NotifyTaskStatus(string(evt.Type), evt.Task)
	})
	log.Info().Msg("✅ MCP gateway initialized")

	convStore, err := buildConvStore(ctx, cfg.ConvStore)
	if err != nil {
		return nil, fmt.Errorf("init conversation store: %w", err)
	}
	log.Info().Str("backend", cfg.ConvStore.Backend).Bool("encrypted", cfg.ConvStore.Encrypt).
		Msg("✅ Conversation store initialized")

	janitor := convstore.NewJanitor(convStore, cfg.ConvStore.CleanupInterval, cfg.ConvStore.RetentionDays)
	if cfg.ConvStore.ArchiveDir != "" {
		janitor.SetArchiver(convstore.NewFileArchiver(cfg.ConvStore.ArchiveDir, cfg.ConvStore.ArchiveGzip))
	}

	chain := auth.NewProviderChain()
	if cfg.API.ServiceSecret != "" {
		chain.RegisterProvider(auth.NewServiceAccountProvider(cfg.API.ServiceSecret))
	}
	if len(cfg.API.Keys) > 0 {
		chain.RegisterProvider(auth.NewAPIKeyProvider(cfg.API.Keys))
	}
	guard := apimw.NewAuthMiddleware(chain, chain.Enabled())

	h := handlers.New(gw, dispatcher, tasks, limiter, cacheMgr, tokenVault, convStore)
	h.TaskRetries = cfg.Queue.MaxRetries
	ch := &handlers.ConversationHandlers{Store: convStore, Janitor: janitor}
	router := api.NewRouter(h, ch, guard, cfg.API.CORSOrigins)

	// Background loops run until shutdown. They all exit on runCtx alone, so
	// the ShutdownFunc needs no per-loop bookkeeping.
	runCtx, cancel := context.WithCancel(context.Background())
	go gw.Start(runCtx)
	go tasks.Run(runCtx)
	go janitor.Start(runCtx)

	shutdown := func(ctx context.Context) error {
		cancel()
		var errs []error
		if err := tasks.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close queue: %w", err))
		}
		if err := convStore.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close conversation store: %w", err))
		}
		if err := telemetryShutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush telemetry: %w", err))
		}
		return errors.Join(errs...)
	}

	return &Server{
		Handler:      router,
		Gateway:      gw,
		Queue:        tasks,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

// buildVault constructs the token vault, generating an ephemeral key when
// none is configured. Tokens stored under an ephemeral key do not survive a
// restart, which is acceptable for single-node dev setups and stdio use.
func buildVault(cfg config.VaultConfig, cacheMgr *cache.Manager) (*vault.Vault, error) {
	key := cfg.Key
	if key == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("generate ephemeral key: %w", err)
		}
		key = hex.EncodeToString(buf)
		log.Warn().Msg("TOOLPLANE_VAULT_KEY not set; using an ephemeral vault key")
	}
	return vault.New(key, cacheMgr)
}

func buildQueueBackend(ctx context.Context, cfg config.QueueConfig) (queue.Backend, error) {
	opts := queue.BackendOptions{
		BaseDelay:         cfg.BaseDelay,
		VisibilityTimeout: cfg.VisibilityTimeout,
	}
	switch cfg.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis unreachable: %w", err)
		}
		return queue.NewRedisBackend(client, cfg.Prefix, opts), nil
	default:
		return queue.NewMemoryBackend(opts), nil
	}
}

func buildConvStore(ctx context.Context, cfg config.ConvStoreConfig) (convstore.Store, error) {
	switch cfg.Backend {
	case "postgres":
		return convstore.NewPostgresStore(ctx, cfg.PostgresURL, cfg.Encrypt, cfg.EncryptionKey)
	default:
		return convstore.NewFileStore(cfg.Dir, cfg.Encrypt, cfg.EncryptionKey)
	}
}

// firstText pulls the first text block out of a tool result for use as a
// task failure message. Tool errors always carry at least one text block.
func firstText(r *models.ToolResult) string {
	for _, c := range r.Content {
		if c.Type == "text" && c.Text != "" {
			return c.Text
		}
	}
	return "tool reported an error"
}
