// Package config loads the toolplane runtime configuration from the
// environment. Load never fails; Validate reports fatal problems as
// *MisconfiguredError so the composition root can shut down cleanly
// instead of limping along half-configured.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the toolplane server.
type Config struct {
	Port      int
	Transport string // "http" or "stdio"
	LogLevel  string

	Platform  PlatformConfig
	Registry  RegistryConfig
	Queue     QueueConfig
	ConvStore ConvStoreConfig
	Vault     VaultConfig
	Telemetry TelemetryConfig
	API       APIConfig
}

// PlatformConfig drives the outbound HTTP client. AppID and AppSecret are
// deliberately read from the unprefixed names the platform documents; they
// must never be echoed to logs in plaintext.
type PlatformConfig struct {
	Enabled         bool
	AppID           string
	AppSecret       string
	UserAccessToken string
	BaseURL         string
	TenantAuthPath  string
	Timeout         time.Duration
	MaxRetries      int // additional attempts after the first
}

// RegistryConfig selects which tools the dispatcher serves and how their
// names are rendered.
type RegistryConfig struct {
	Preset    string
	Allow     []string
	Deny      []string
	Casing    string // dotted, camel, snake, underscore
	TokenMode string // auto, tenantOnly, userOnly
	ToolsDir  string // optional directory of extra descriptor JSON files
}

type QueueConfig struct {
	Backend           string // "memory" or "redis"
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	Prefix            string
	Concurrency       int
	MaxRetries        int
	BaseDelay         time.Duration
	VisibilityTimeout time.Duration
	SweepInterval     time.Duration
}

type ConvStoreConfig struct {
	Backend         string // "file" or "postgres"
	Dir             string
	PostgresURL     string
	Encrypt         bool
	EncryptionKey   string
	RetentionDays   int
	ArchiveDir      string // when set, purged conversations are archived first
	ArchiveGzip     bool
	CleanupInterval time.Duration
}

type VaultConfig struct {
	// Key is the AEAD key material (64 hex chars or an arbitrary passphrase
	// that is SHA-256-derived). Empty means an ephemeral key is generated at
	// startup — stored tokens then do not survive a restart.
	Key string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type APIConfig struct {
	// Keys are the accepted ops-surface API keys. Empty disables the guard
	// (the MCP surface is never key-guarded).
	Keys        []string
	CORSOrigins []string
	// ServiceSecret is the HMAC key for signed service tokens
	// (X-Service-Token). Empty disables the provider.
	ServiceSecret string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:      envInt("TOOLPLANE_PORT", 8080),
		Transport: envStr("TOOLPLANE_TRANSPORT", "http"),
		LogLevel:  envStr("LOG_LEVEL", "info"),
		Platform: PlatformConfig{
			Enabled:         envBool("TOOLPLANE_PLATFORM_ENABLED", true),
			AppID:           envStr("APP_ID", ""),
			AppSecret:       envStr("APP_SECRET", ""),
			UserAccessToken: envStr("USER_ACCESS_TOKEN", ""),
			BaseURL:         envStr("TOOLPLANE_BASE_URL", "https://open.platform.example"),
			TenantAuthPath:  envStr("TOOLPLANE_TENANT_AUTH_PATH", "/auth/v3/tenant_access_token/internal"),
			Timeout:         envDurMs("TOOLPLANE_HTTP_TIMEOUT_MS", 30*time.Second),
			MaxRetries:      envInt("TOOLPLANE_HTTP_MAX_RETRIES", 3),
		},
		Registry: RegistryConfig{
			Preset:    envStr("TOOLPLANE_PRESET", "preset.default"),
			Allow:     envList("TOOLPLANE_TOOLS_ALLOW"),
			Deny:      envList("TOOLPLANE_TOOLS_DENY"),
			Casing:    envStr("TOOLPLANE_TOOL_CASING", "dotted"),
			TokenMode: envStr("TOOLPLANE_TOKEN_MODE", "auto"),
			ToolsDir:  envStr("TOOLPLANE_TOOLS_DIR", ""),
		},
		Queue: QueueConfig{
			Backend:           envStr("TOOLPLANE_QUEUE_BACKEND", "memory"),
			RedisAddr:         envStr("TOOLPLANE_REDIS_ADDR", "localhost:6379"),
			RedisPassword:     envStr("TOOLPLANE_REDIS_PASSWORD", ""),
			RedisDB:           envInt("TOOLPLANE_REDIS_DB", 0),
			Prefix:            envStr("TOOLPLANE_REDIS_PREFIX", "toolplane"),
			Concurrency:       envInt("TOOLPLANE_QUEUE_CONCURRENCY", 5),
			MaxRetries:        envInt("TOOLPLANE_QUEUE_MAX_RETRIES", 3),
			BaseDelay:         envDurMs("TOOLPLANE_QUEUE_BASE_DELAY_MS", time.Second),
			VisibilityTimeout: envDurMs("TOOLPLANE_QUEUE_VISIBILITY_MS", 30*time.Second),
			SweepInterval:     envDurMs("TOOLPLANE_QUEUE_SWEEP_MS", 5*time.Second),
		},
		ConvStore: ConvStoreConfig{
			Backend:         envStr("TOOLPLANE_CONVSTORE_BACKEND", "file"),
			Dir:             envStr("TOOLPLANE_CONVSTORE_DIR", "./data/conversations"),
			PostgresURL:     envStr("TOOLPLANE_CONVSTORE_PG_URL", ""),
			Encrypt:         envBool("TOOLPLANE_CONVSTORE_ENCRYPT", false),
			EncryptionKey:   envStr("TOOLPLANE_CONVSTORE_KEY", ""),
			RetentionDays:   envInt("TOOLPLANE_CONVSTORE_RETENTION_DAYS", 30),
			ArchiveDir:      envStr("TOOLPLANE_CONVSTORE_ARCHIVE_DIR", ""),
			ArchiveGzip:     envBool("TOOLPLANE_CONVSTORE_ARCHIVE_GZIP", false),
			CleanupInterval: envDurMs("TOOLPLANE_CONVSTORE_CLEANUP_MS", time.Hour),
		},
		Vault: VaultConfig{
			Key: envStr("TOOLPLANE_VAULT_KEY", ""),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("TOOLPLANE_OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "toolplane"),
		},
		API: APIConfig{
			Keys:          envList("TOOLPLANE_API_KEYS"),
			CORSOrigins:   envList("TOOLPLANE_CORS_ORIGINS"),
			ServiceSecret: envStr("TOOLPLANE_SA_SECRET", ""),
		},
	}
}

// MisconfiguredError is a fatal configuration problem. The transport layer
// surfaces it and shuts down; the core never starts half-configured.
type MisconfiguredError struct {
	Field  string
	Reason string
}

func (e *MisconfiguredError) Error() string {
	return fmt.Sprintf("misconfigured %s: %s", e.Field, e.Reason)
}

// Validate checks invariants that cannot be defaulted away.
func (c *Config) Validate() error {
	switch c.Transport {
	case "http", "stdio":
	default:
		return &MisconfiguredError{Field: "TOOLPLANE_TRANSPORT", Reason: "must be http or stdio"}
	}
	if c.Platform.Enabled {
		if c.Platform.AppID == "" {
			return &MisconfiguredError{Field: "APP_ID", Reason: "required when the platform client is enabled"}
		}
		if c.Platform.AppSecret == "" {
			return &MisconfiguredError{Field: "APP_SECRET", Reason: "required when the platform client is enabled"}
		}
	}
	switch c.Queue.Backend {
	case "memory":
	case "redis":
		if c.Queue.RedisAddr == "" {
			return &MisconfiguredError{Field: "TOOLPLANE_REDIS_ADDR", Reason: "required for the redis queue backend"}
		}
	default:
		return &MisconfiguredError{Field: "TOOLPLANE_QUEUE_BACKEND", Reason: "must be memory or redis"}
	}
	switch c.ConvStore.Backend {
	case "file":
	case "postgres":
		if c.ConvStore.PostgresURL == "" {
			return &MisconfiguredError{Field: "TOOLPLANE_CONVSTORE_PG_URL", Reason: "required for the postgres conversation store"}
		}
	default:
		return &MisconfiguredError{Field: "TOOLPLANE_CONVSTORE_BACKEND", Reason: "must be file or postgres"}
	}
	// No silent plaintext fallback: encryption demands a key up front.
	if c.ConvStore.Encrypt && c.ConvStore.EncryptionKey == "" {
		return &MisconfiguredError{Field: "TOOLPLANE_CONVSTORE_KEY", Reason: "required when TOOLPLANE_CONVSTORE_ENCRYPT is true"}
	}
	switch c.Registry.TokenMode {
	case "auto", "tenantOnly", "userOnly":
	default:
		return &MisconfiguredError{Field: "TOOLPLANE_TOKEN_MODE", Reason: "must be auto, tenantOnly or userOnly"}
	}
	switch c.Registry.Casing {
	case "dotted", "camel", "snake", "underscore":
	default:
		return &MisconfiguredError{Field: "TOOLPLANE_TOOL_CASING", Reason: "must be dotted, camel, snake or underscore"}
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// envDurMs reads an integer number of milliseconds.
func envDurMs(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i >= 0 {
			return time.Duration(i) * time.Millisecond
		}
	}
	return fallback
}

// envList reads a comma-separated list, trimming blanks.
func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
