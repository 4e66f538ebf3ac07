// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/agentrun/internal/authz"
	"github.com/ashureev/agentrun/internal/domain"
	"github.com/ashureev/agentrun/internal/identity"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string

	Store   StoreConfig
	Cache   CacheConfig
	Session SessionConfig
	Agent   AgentConfig
	Tools   ToolConfig
	Authz   AuthzConfig
	Events  EventConfig
	LLM      LLMConfig
	SSE      SSEConfig
	CORS     CORSConfig
	Identity IdentityConfig

	RateLimitPerMinute int
}

// StoreConfig selects the durable store.
type StoreConfig struct {
	Driver string // "sqlite" or "memory"
	DBPath string
}

// CacheConfig controls the badger hot cache.
type CacheConfig struct {
	Enabled  bool
	Dir      string
	InMemory bool
}

// SessionConfig controls idle detection and expiry.
type SessionConfig struct {
	IdleAfter       time.Duration
	TTL             time.Duration
	SweepInterval   time.Duration
	DefaultAutonomy domain.AutonomyLevel
}

// AgentConfig controls the turn loop and context window.
type AgentConfig struct {
	MaxIterations    int
	SystemPrompt     string
	ContextMaxTokens int
}

// ToolConfig controls tool execution.
type ToolConfig struct {
	Timeout     time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Workers     int
	CatalogPath string
}

// AuthzConfig controls the authorization gate.
type AuthzConfig struct {
	ConfirmationPrecedence  authz.Precedence
	CriticalCallsPerSession int
}

// EventConfig sizes the event bus and controls the NDJSON event log.
type EventConfig struct {
	BufferSize int
	ReplaySize int
	Log        EventLogConfig
}

// EventLogConfig controls NDJSON event logging.
type EventLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
}

// LLMConfig selects and configures the model provider.
type LLMConfig struct {
	Provider     string // "openai" or "grpc"
	OpenAIAPIKey string
	OpenAIModel  string
	OpenAIURL    string
	GRPCAddr     string
}

// SSEConfig controls Server-Sent Events streams.
type SSEConfig struct {
	KeepAlive  time.Duration
	RetryDelay time.Duration
}

// CORSConfig controls cross-origin access to the API.
type CORSConfig struct {
	Origins []string // empty means derive from FRONTEND_URL
	Methods []string
	Headers []string
	MaxAge  time.Duration
}

// IdentityConfig controls how a request's principal is resolved.
type IdentityConfig struct {
	// TrustPrincipalHeader accepts X-Principal-ID from the request. Only
	// enable it behind a proxy that sets or strips that header.
	TrustPrincipalHeader bool
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var errs []error

	autonomy, err := domain.ParseAutonomyLevel(getEnv("DEFAULT_AUTONOMY", "SUPERVISED"))
	if err != nil {
		errs = append(errs, fmt.Errorf("DEFAULT_AUTONOMY: %w", err))
	}
	precedence, err := authz.ParsePrecedence(getEnv("AUTHZ_CONFIRMATION_PRECEDENCE", "flag"))
	if err != nil {
		errs = append(errs, fmt.Errorf("AUTHZ_CONFIRMATION_PRECEDENCE: %w", err))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		Store: StoreConfig{
			Driver: strings.ToLower(getEnv("STORE_DRIVER", "sqlite")),
			DBPath: getEnv("DB_PATH", "./data/agentrun.db"),
		},
		Cache: CacheConfig{
			Enabled:  getEnvBool("CACHE_ENABLED", true),
			Dir:      getEnv("CACHE_DIR", "./data/cache"),
			InMemory: getEnvBool("CACHE_IN_MEMORY", false),
		},
		Session: SessionConfig{
			IdleAfter:       getEnvDuration("SESSION_IDLE_AFTER", 15*time.Minute),
			TTL:             getEnvDuration("SESSION_TTL", 24*time.Hour),
			SweepInterval:   getEnvDuration("SESSION_SWEEP_INTERVAL", time.Minute),
			DefaultAutonomy: autonomy,
		},
		Agent: AgentConfig{
			MaxIterations:    getEnvInt("AGENT_MAX_ITERATIONS", 5),
			SystemPrompt:     getEnv("AGENT_SYSTEM_PROMPT", ""),
			ContextMaxTokens: getEnvInt("CONTEXT_MAX_TOKENS", 8000),
		},
		Tools: ToolConfig{
			Timeout:     getEnvDuration("TOOL_TIMEOUT", 30*time.Second),
			MaxAttempts: getEnvInt("TOOL_MAX_ATTEMPTS", 3),
			BackoffBase: getEnvDuration("TOOL_BACKOFF_BASE", 200*time.Millisecond),
			BackoffMax:  getEnvDuration("TOOL_BACKOFF_MAX", 5*time.Second),
			Workers:     getEnvInt("TOOL_WORKERS", 4),
			CatalogPath: getEnv("TOOL_CATALOG_PATH", "./configs/catalog.yaml"),
		},
		Authz: AuthzConfig{
			ConfirmationPrecedence:  precedence,
			CriticalCallsPerSession: getEnvInt("CRITICAL_CALLS_PER_SESSION", 0),
		},
		Events: EventConfig{
			BufferSize: getEnvInt("EVENT_BUFFER_SIZE", 256),
			ReplaySize: getEnvInt("EVENT_REPLAY_SIZE", 512),
			Log: EventLogConfig{
				Enabled:       getEnvBool("EVENT_LOG_ENABLED", false),
				Dir:           getEnv("EVENT_LOG_DIR", "./data/logs/events"),
				GlobalEnabled: getEnvBool("EVENT_LOG_GLOBAL_ENABLED", false),
				GlobalPath:    getEnv("EVENT_LOG_GLOBAL_PATH", "./data/logs/events/all.ndjson"),
			},
		},
		LLM: LLMConfig{
			Provider:     strings.ToLower(getEnv("LLM_PROVIDER", "openai")),
			OpenAIAPIKey: getEnv("OPENAI_API_KEY", ""),
			OpenAIModel:  getEnv("OPENAI_MODEL", ""),
			OpenAIURL:    getEnv("OPENAI_BASE_URL", ""),
			GRPCAddr:     getEnv("LLM_GRPC_ADDR", ""),
		},
		SSE: SSEConfig{
			KeepAlive:  getEnvDuration("SSE_KEEPALIVE", 15*time.Second),
			RetryDelay: getEnvDuration("SSE_RETRY", 5*time.Second),
		},
		CORS: CORSConfig{
			Origins: getEnvList("CORS_ALLOWED_ORIGINS", nil),
			Methods: getEnvList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"}),
			Headers: getEnvList("CORS_ALLOWED_HEADERS", []string{"Content-Type", "Last-Event-ID"}),
			MaxAge:  getEnvDuration("CORS_MAX_AGE", 10*time.Minute),
		},
		Identity: IdentityConfig{
			TrustPrincipalHeader: getEnvBool("TRUST_PRINCIPAL_HEADER", false),
		},
		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 60),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("PORT cannot be empty"))
	}
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.DBPath == "" {
			errs = append(errs, errors.New("DB_PATH cannot be empty"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be sqlite or memory, got %q", c.Store.Driver))
	}
	if c.Cache.Enabled && !c.Cache.InMemory && c.Cache.Dir == "" {
		errs = append(errs, errors.New("CACHE_DIR cannot be empty when the cache is on disk"))
	}
	if c.Session.IdleAfter <= 0 || c.Session.TTL <= 0 || c.Session.SweepInterval <= 0 {
		errs = append(errs, errors.New("session durations must be > 0"))
	}
	if c.Session.IdleAfter > c.Session.TTL {
		errs = append(errs, errors.New("SESSION_IDLE_AFTER must not exceed SESSION_TTL"))
	}
	if c.Agent.MaxIterations <= 0 {
		errs = append(errs, errors.New("AGENT_MAX_ITERATIONS must be > 0"))
	}
	if c.Agent.ContextMaxTokens <= 0 {
		errs = append(errs, errors.New("CONTEXT_MAX_TOKENS must be > 0"))
	}
	if c.Tools.Timeout <= 0 || c.Tools.MaxAttempts <= 0 || c.Tools.Workers <= 0 {
		errs = append(errs, errors.New("TOOL_TIMEOUT, TOOL_MAX_ATTEMPTS and TOOL_WORKERS must be > 0"))
	}
	if c.Tools.BackoffBase <= 0 || c.Tools.BackoffMax < c.Tools.BackoffBase {
		errs = append(errs, errors.New("TOOL_BACKOFF_BASE must be > 0 and <= TOOL_BACKOFF_MAX"))
	}
	if c.Tools.CatalogPath == "" {
		errs = append(errs, errors.New("TOOL_CATALOG_PATH cannot be empty"))
	}
	if c.Authz.CriticalCallsPerSession < 0 {
		errs = append(errs, errors.New("CRITICAL_CALLS_PER_SESSION must be >= 0"))
	}
	if c.Events.BufferSize <= 0 || c.Events.ReplaySize <= 0 {
		errs = append(errs, errors.New("EVENT_BUFFER_SIZE and EVENT_REPLAY_SIZE must be > 0"))
	}
	if c.Events.Log.Enabled && c.Events.Log.Dir == "" {
		errs = append(errs, errors.New("EVENT_LOG_DIR cannot be empty"))
	}
	if c.Events.Log.GlobalEnabled && c.Events.Log.GlobalPath == "" {
		errs = append(errs, errors.New("EVENT_LOG_GLOBAL_PATH cannot be empty"))
	}
	switch c.LLM.Provider {
	case "openai":
		if c.LLM.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required for the openai provider"))
		}
	case "grpc":
		if c.LLM.GRPCAddr == "" {
			errs = append(errs, errors.New("LLM_GRPC_ADDR is required for the grpc provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("LLM_PROVIDER must be openai or grpc, got %q", c.LLM.Provider))
	}
	if c.RateLimitPerMinute <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_PER_MINUTE must be > 0"))
	}
	if c.SSE.KeepAlive <= 0 || c.SSE.RetryDelay <= 0 {
		errs = append(errs, errors.New("SSE_KEEPALIVE and SSE_RETRY must be > 0"))
	}
	if c.CORS.MaxAge < 0 {
		errs = append(errs, errors.New("CORS_MAX_AGE must be >= 0"))
	}
	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins: CORS_ALLOWED_ORIGINS when set,
// otherwise the configured frontend.
func (c *Config) AllowedOrigins() []string {
	if len(c.CORS.Origins) > 0 {
		return c.CORS.Origins
	}
	if c.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{strings.TrimRight(c.FrontendURL, "/")}
}

// AllowedHeaders returns the CORS request headers. A trusted principal
// header is always included so browser clients can send it.
func (c *Config) AllowedHeaders() []string {
	headers := c.CORS.Headers
	if !c.Identity.TrustPrincipalHeader {
		return headers
	}
	for _, h := range headers {
		if strings.EqualFold(h, identity.PrincipalHeaderName) {
			return headers
		}
	}
	return append(slices.Clone(headers), identity.PrincipalHeaderName)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvList splits a comma-separated value. Blank entries are dropped.
func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
