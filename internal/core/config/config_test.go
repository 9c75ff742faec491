package config

import (
	"testing"
	"time"
)

func TestFromEnv_Defaults(t *testing.T) {
	t.Setenv("GEOM_CACHE_TTL", "")
	t.Setenv("EXPR_CACHE_TTL", "")
	t.Setenv("TASK_WORKERS", "")

	cfg := FromEnv()
	if cfg.GeomCacheTTL != 300*time.Second || cfg.GeomCacheCapacity != 100 {
		t.Fatalf("geometry cache defaults ttl=%s cap=%d", cfg.GeomCacheTTL, cfg.GeomCacheCapacity)
	}
	if cfg.ExprCacheTTL != 60*time.Second || cfg.ExprCacheCapacity != 100 {
		t.Fatalf("expression cache defaults ttl=%s cap=%d", cfg.ExprCacheTTL, cfg.ExprCacheCapacity)
	}
	if cfg.RedisPayloadTTL != cfg.GeomCacheTTL {
		t.Fatalf("redis payload ttl should follow geometry ttl; got %s", cfg.RedisPayloadTTL)
	}
	if cfg.TaskWorkers != 8 {
		t.Fatalf("TaskWorkers=%d want 8", cfg.TaskWorkers)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("GEOM_CACHE_TTL", "5m")
	t.Setenv("PREFER_BACKEND", "  SQL_SERVER ")
	t.Setenv("TASK_WORKERS", "-3")
	t.Setenv("INVALIDATION_ENABLED", "yes")
	t.Setenv("FILESTORE_MAX_FEATURES", "not-a-number")

	cfg := FromEnv()
	if cfg.GeomCacheTTL != 5*time.Minute {
		t.Fatalf("GeomCacheTTL=%s", cfg.GeomCacheTTL)
	}
	if cfg.PreferBackend != "sql_server" {
		t.Fatalf("PreferBackend=%q", cfg.PreferBackend)
	}
	if cfg.TaskWorkers != 1 {
		t.Fatalf("TaskWorkers=%d want clamp to 1", cfg.TaskWorkers)
	}
	if !cfg.Invalidation.Enabled {
		t.Fatalf("expected invalidation enabled")
	}
	if cfg.FileStoreMaxFeatures != 50_000 {
		t.Fatalf("bad value should fall back to default; got %d", cfg.FileStoreMaxFeatures)
	}
}

func TestSplitCSV(t *testing.T) {
	got := SplitCSV(" a, b,,c ,")
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("SplitCSV=%v", got)
	}
}
