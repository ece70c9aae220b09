package config

import (
	"os"
	"testing"
)

func TestConfigLoad_Defaults(t *testing.T) {
	_ = os.Unsetenv("CIVICMAP_CLUSTER_RADIUS")
	_ = os.Unsetenv("CIVICMAP_CLUSTER_MAX_ZOOM")
	_ = os.Unsetenv("CIVICMAP_SYNC_CLEANUP_PAGE_SIZE")

	cfg, err := New()
	if err != nil {
		t.Fatalf("config load: %v", err)
	}
	if cfg.ClusterRadius != 60 || cfg.ClusterExtent != 512 || cfg.ClusterMaxZoom != 16 {
		t.Fatalf("unexpected default cluster config: %+v", cfg)
	}
	if cfg.SyncCleanupPageSize != 5000 {
		t.Fatalf("unexpected cleanup page size: %d", cfg.SyncCleanupPageSize)
	}
}

func TestConfigLoad_EnvOverride(t *testing.T) {
	_ = os.Setenv("CIVICMAP_CLUSTER_RADIUS", "40")
	defer func() { _ = os.Unsetenv("CIVICMAP_CLUSTER_RADIUS") }()

	cfg, err := New()
	if err != nil {
		t.Fatalf("config load: %v", err)
	}
	if cfg.ClusterRadius != 40 {
		t.Fatalf("cluster radius env override failed, got %v", cfg.ClusterRadius)
	}
}

func TestResolveDefaults_InvalidZoomRange(t *testing.T) {
	cfg := NewForTesting()
	cfg.ClusterMinZoom = 10
	cfg.ClusterMaxZoom = 2
	if err := cfg.ResolveDefaults(); err == nil {
		t.Fatal("expected error for inverted zoom range")
	}
}

func TestResolveDefaults_FixesNonPositiveSyncSettings(t *testing.T) {
	cfg := NewForTesting()
	cfg.SyncCleanupPageSize = 0
	cfg.SyncMaxAttempts = -1
	if err := cfg.ResolveDefaults(); err != nil {
		t.Fatalf("resolve defaults: %v", err)
	}
	if cfg.SyncCleanupPageSize != 5000 || cfg.SyncMaxAttempts != 5 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}
