package config

import (
	"strings"
	"testing"
	"time"

	"github.com/ashureev/agentrun/internal/authz"
	"github.com/ashureev/agentrun/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q", cfg.Port)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.DBPath == "" {
		t.Errorf("unexpected store config %+v", cfg.Store)
	}
	if cfg.Session.DefaultAutonomy != domain.AutonomySupervised {
		t.Errorf("DefaultAutonomy = %v", cfg.Session.DefaultAutonomy)
	}
	if cfg.Agent.MaxIterations != 5 {
		t.Errorf("MaxIterations = %d", cfg.Agent.MaxIterations)
	}
	if cfg.Authz.ConfirmationPrecedence != authz.PrecedenceFlag {
		t.Errorf("precedence = %q", cfg.Authz.ConfirmationPrecedence)
	}
	if cfg.Tools.Timeout != 30*time.Second || cfg.Tools.MaxAttempts != 3 {
		t.Errorf("unexpected tool config %+v", cfg.Tools)
	}
	if cfg.Identity.TrustPrincipalHeader {
		t.Error("the principal header must not be trusted by default")
	}
	if got := strings.Join(cfg.CORS.Methods, ","); got != "GET,POST,PATCH,DELETE,OPTIONS" {
		t.Errorf("CORS methods = %q", got)
	}
	if got := strings.Join(cfg.AllowedHeaders(), ","); got != "Content-Type,Last-Event-ID" {
		t.Errorf("CORS headers = %q", got)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "GRPC")
	t.Setenv("LLM_GRPC_ADDR", "localhost:50051")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("DEFAULT_AUTONOMY", "assisted")
	t.Setenv("AUTHZ_CONFIRMATION_PRECEDENCE", "autonomy")
	t.Setenv("SESSION_IDLE_AFTER", "90")
	t.Setenv("TOOL_TIMEOUT", "2s")
	t.Setenv("CACHE_ENABLED", "off")
	t.Setenv("CRITICAL_CALLS_PER_SESSION", "2")
	t.Setenv("TRUST_PRINCIPAL_HEADER", "true")
	t.Setenv("CORS_ALLOWED_METHODS", "GET, POST")
	t.Setenv("CORS_ALLOWED_HEADERS", "Content-Type,, Authorization")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("CORS_MAX_AGE", "1m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LLM.Provider != "grpc" || cfg.Store.Driver != "memory" {
		t.Errorf("provider=%q driver=%q", cfg.LLM.Provider, cfg.Store.Driver)
	}
	if cfg.Session.DefaultAutonomy != domain.AutonomyAssisted {
		t.Errorf("DefaultAutonomy = %v", cfg.Session.DefaultAutonomy)
	}
	if cfg.Authz.ConfirmationPrecedence != authz.PrecedenceAutonomy {
		t.Errorf("precedence = %q", cfg.Authz.ConfirmationPrecedence)
	}
	if cfg.Session.IdleAfter != 90*time.Second {
		t.Errorf("IdleAfter = %v, want plain seconds to parse", cfg.Session.IdleAfter)
	}
	if cfg.Tools.Timeout != 2*time.Second {
		t.Errorf("Timeout = %v", cfg.Tools.Timeout)
	}
	if cfg.Cache.Enabled {
		t.Error("expected cache disabled")
	}
	if cfg.Authz.CriticalCallsPerSession != 2 {
		t.Errorf("CriticalCallsPerSession = %d", cfg.Authz.CriticalCallsPerSession)
	}
	if !cfg.Identity.TrustPrincipalHeader {
		t.Error("expected the principal header to be trusted")
	}
	if got := strings.Join(cfg.CORS.Methods, ","); got != "GET,POST" {
		t.Errorf("CORS methods = %q", got)
	}
	if got := strings.Join(cfg.AllowedHeaders(), ","); got != "Content-Type,Authorization,X-Principal-ID" {
		t.Errorf("CORS headers = %q", got)
	}
	if got := strings.Join(cfg.AllowedOrigins(), ","); got != "https://a.example,https://b.example" {
		t.Errorf("CORS origins = %q", got)
	}
	if cfg.CORS.MaxAge != time.Minute {
		t.Errorf("CORS max age = %v", cfg.CORS.MaxAge)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing api key", map[string]string{}, "OPENAI_API_KEY"},
		{"bad autonomy", map[string]string{"OPENAI_API_KEY": "k", "DEFAULT_AUTONOMY": "ROOT"}, "DEFAULT_AUTONOMY"},
		{"bad precedence", map[string]string{"OPENAI_API_KEY": "k", "AUTHZ_CONFIRMATION_PRECEDENCE": "coin"}, "AUTHZ_CONFIRMATION_PRECEDENCE"},
		{"bad driver", map[string]string{"OPENAI_API_KEY": "k", "STORE_DRIVER": "postgres"}, "STORE_DRIVER"},
		{"grpc without addr", map[string]string{"LLM_PROVIDER": "grpc"}, "LLM_GRPC_ADDR"},
		{"idle beyond ttl", map[string]string{"OPENAI_API_KEY": "k", "SESSION_IDLE_AFTER": "2h", "SESSION_TTL": "1h"}, "SESSION_IDLE_AFTER"},
		{"zero iterations", map[string]string{"OPENAI_API_KEY": "k", "AGENT_MAX_ITERATIONS": "0"}, "AGENT_MAX_ITERATIONS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("OPENAI_API_KEY", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %s", err, tt.want)
			}
		})
	}
}

func TestAllowedOrigins(t *testing.T) {
	c := &Config{}
	if got := c.AllowedOrigins(); len(got) != 1 || got[0] != "*" {
		t.Errorf("AllowedOrigins() = %v", got)
	}
	c.FrontendURL = "https://app.example.com/"
	if got := c.AllowedOrigins(); got[0] != "https://app.example.com" {
		t.Errorf("AllowedOrigins() = %v", got)
	}
	if c.IsDevelopment() {
		t.Error("expected production for a public frontend URL")
	}
}
