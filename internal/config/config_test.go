package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BACKEND", "memory")
	t.Setenv("JWT_SECRET", "secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.Port)
	}
	if cfg.HistoryLimit != 100 {
		t.Fatalf("expected default history limit 100, got %d", cfg.HistoryLimit)
	}
	if cfg.LookupCacheTTL != 10*time.Minute {
		t.Fatalf("expected default cache ttl, got %v", cfg.LookupCacheTTL)
	}
	if cfg.RedisAddr != "" {
		t.Fatalf("expected cache disabled by default, got %q", cfg.RedisAddr)
	}
	if cfg.IdleTimeout != 5*time.Minute {
		t.Fatalf("expected default idle timeout 5m, got %v", cfg.IdleTimeout)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BACKEND", "Memory")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("PORT", "9090")
	t.Setenv("HISTORY_LIMIT", "25")
	t.Setenv("LOOKUP_CACHE_TTL", "30s")
	t.Setenv("REDIS_ADDR", " localhost:6379 ")
	t.Setenv("SESSION_IDLE_TIMEOUT", "0s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backend != BackendMemory || cfg.Port != "9090" || cfg.HistoryLimit != 25 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.LookupCacheTTL != 30*time.Second {
		t.Fatalf("expected 30s ttl, got %v", cfg.LookupCacheTTL)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Fatalf("expected trimmed redis addr, got %q", cfg.RedisAddr)
	}
	if cfg.IdleTimeout != 0 {
		t.Fatalf("expected idle reaping disabled, got %v", cfg.IdleTimeout)
	}
}

func TestLoadRejectsMissingSettings(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"postgres without url", map[string]string{"BACKEND": "postgres", "JWT_SECRET": "s", "DATABASE_URL": ""}},
		{"unknown backend", map[string]string{"BACKEND": "sqlite", "JWT_SECRET": "s"}},
		{"missing secret", map[string]string{"BACKEND": "memory", "JWT_SECRET": ""}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
