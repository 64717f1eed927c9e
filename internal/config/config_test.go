package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != "8080" {
		t.Fatalf("port = %s, want 8080", cfg.Port)
	}
	if cfg.Address() != ":8080" {
		t.Fatalf("address = %s, want :8080", cfg.Address())
	}
	if cfg.SyncInterval != 30*time.Second {
		t.Fatalf("sync interval = %s, want 30s", cfg.SyncInterval)
	}
	if !cfg.StartOnline {
		t.Fatal("start online default = false, want true")
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://localhost/hzshop")
	t.Setenv("LOCAL_DB_PATH", "/tmp/hzshop.db")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("SYNC_INTERVAL", "5s")
	t.Setenv("START_ONLINE", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "9090" {
		t.Fatalf("port = %s, want 9090", cfg.Port)
	}
	if cfg.DatabaseURL != "postgres://localhost/hzshop" {
		t.Fatalf("database url = %s", cfg.DatabaseURL)
	}
	if cfg.LocalDBPath != "/tmp/hzshop.db" {
		t.Fatalf("local db path = %s", cfg.LocalDBPath)
	}
	if cfg.SyncInterval != 5*time.Second {
		t.Fatalf("sync interval = %s, want 5s", cfg.SyncInterval)
	}
	if cfg.StartOnline {
		t.Fatal("start online = true, want false")
	}
}

func TestLoadClampsShortIntervals(t *testing.T) {
	t.Setenv("SYNC_INTERVAL", "10ms")
	t.Setenv("PROBE_INTERVAL", "1ms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SyncInterval != time.Second {
		t.Fatalf("sync interval = %s, want clamp to 1s", cfg.SyncInterval)
	}
	if cfg.ProbeInterval != time.Second {
		t.Fatalf("probe interval = %s, want clamp to 1s", cfg.ProbeInterval)
	}
}
