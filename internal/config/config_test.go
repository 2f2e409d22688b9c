package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "")
	t.Setenv("STORE_DRIVER", "")
	cfg := Load()
	if cfg.PollInterval != 3*time.Second {
		t.Fatalf("expected 3s poll interval, got %s", cfg.PollInterval)
	}
	if cfg.DatasetPageSize != 1000 || cfg.DatasetHardLimit != 10000 {
		t.Fatalf("unexpected dataset paging defaults: %d/%d", cfg.DatasetPageSize, cfg.DatasetHardLimit)
	}
	if cfg.StoreDriver != "postgres" {
		t.Fatalf("expected postgres driver, got %q", cfg.StoreDriver)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "750ms")
	t.Setenv("AUTO_IMPORT", "true")
	t.Setenv("STORE_DRIVER", "SQLite")
	t.Setenv("DATASET_PAGE_SIZE", "not-a-number")

	cfg := Load()
	if cfg.PollInterval != 750*time.Millisecond {
		t.Fatalf("expected 750ms, got %s", cfg.PollInterval)
	}
	if !cfg.AutoImport {
		t.Fatalf("expected auto import enabled")
	}
	if cfg.StoreDriver != "sqlite" {
		t.Fatalf("expected lowercased driver, got %q", cfg.StoreDriver)
	}
	if cfg.DatasetPageSize != 1000 {
		t.Fatalf("invalid int should fall back to default, got %d", cfg.DatasetPageSize)
	}
}
