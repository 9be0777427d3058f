package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	t.Setenv("PULSE_DEFAULT_PAGE_SIZE", "")
	t.Setenv("PULSE_MAX_PAGE_SIZE", "")

	cfg := Load()
	// No Redis configured means fan-out stays in-process; boot must not
	// assume a reachable broker.
	if cfg.RedisURL != "" {
		t.Fatalf("RedisURL default = %q, want empty", cfg.RedisURL)
	}
	if cfg.DefaultPageSize != 50 || cfg.MaxPageSize != 200 {
		t.Fatalf("page size defaults = %d/%d, want 50/200", cfg.DefaultPageSize, cfg.MaxPageSize)
	}
	if cfg.Addr == "" || cfg.MigrationsDir == "" {
		t.Fatalf("incomplete defaults: %+v", cfg)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://cache:6379/1")
	t.Setenv("PULSE_MAX_PAGE_SIZE", "500")
	t.Setenv("PULSE_ACCESS_TTL_SECONDS", "not-a-number")

	cfg := Load()
	if cfg.RedisURL != "redis://cache:6379/1" {
		t.Fatalf("RedisURL = %q", cfg.RedisURL)
	}
	if cfg.MaxPageSize != 500 {
		t.Fatalf("MaxPageSize = %d, want 500", cfg.MaxPageSize)
	}
	// Unparseable numbers fall back rather than fail boot.
	if cfg.AccessTTL.Seconds() != 86400 {
		t.Fatalf("AccessTTL = %v, want 24h fallback", cfg.AccessTTL)
	}
}
