package guildstore

import (
	"path/filepath"
	"testing"
	"time"
)

func TestConfigValidateDefaults(t *testing.T) {
	cfg := Config{Store: " mem:// "}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Store != "mem://" {
		t.Fatalf("store not trimmed: %q", cfg.Store)
	}
	if cfg.Listen != DefaultListen {
		t.Fatalf("expected listen default, got %q", cfg.Listen)
	}
	if cfg.LeaseTTL != DefaultLeaseTTL || cfg.CacheTTL != DefaultCacheTTL || cfg.MaxWait != DefaultMaxWait {
		t.Fatalf("expected duration defaults, got %+v", cfg)
	}
	if cfg.CacheCapacity != DefaultCacheCapacity || cfg.MaxRecordBytes != DefaultMaxRecordBytes {
		t.Fatalf("expected size defaults, got %+v", cfg)
	}
	if cfg.ShutdownTimeout != DefaultShutdownTimeout {
		t.Fatalf("expected shutdown default, got %s", cfg.ShutdownTimeout)
	}
}

func TestConfigValidateRejects(t *testing.T) {
	cases := map[string]Config{
		"missing store":       {},
		"negative lease":      {Store: "mem://", LeaseTTL: -time.Second},
		"negative cache":      {Store: "mem://", CacheTTL: -time.Second},
		"negative max bytes":  {Store: "mem://", MaxRecordBytes: -1},
		"negative max wait":   {Store: "mem://", MaxWait: -time.Second},
		"profiling no listen": {Store: "mem://", EnableProfilingMetrics: true},
		"azure short lease":   {Store: "azure://acct/guilds", LeaseTTL: 5 * time.Second},
	}
	for name, cfg := range cases {
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	ok := Config{Store: "azure://acct/guilds", LeaseTTL: 20 * time.Second}
	if err := ok.Validate(); err != nil {
		t.Fatalf("azure lease within bounds rejected: %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Store != DefaultStore || cfg.Listen != DefaultListen {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestDefaultConfigDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("GUILDSTORE_CONFIG_DIR", dir)
	got, err := DefaultConfigDir()
	if err != nil {
		t.Fatalf("config dir: %v", err)
	}
	if got != filepath.Clean(dir) {
		t.Fatalf("expected %s, got %s", dir, got)
	}
}

func TestConfigNoWait(t *testing.T) {
	cfg := Config{Store: "mem://", MaxWait: NoWait}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.MaxWait != NoWait || cfg.CheckoutWait() != 0 {
		t.Fatalf("NoWait not kept: max wait %s, checkout wait %s", cfg.MaxWait, cfg.CheckoutWait())
	}
	var zero Config
	zero.Store = "mem://"
	if err := zero.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if zero.CheckoutWait() != DefaultMaxWait {
		t.Fatalf("expected default wait, got %s", zero.CheckoutWait())
	}
}
