package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_HOST", "")
	t.Setenv("FLUX_MAX_RESOLUTION", "")
	t.Setenv("IMPORT_START", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.DatabaseHost != "localhost" {
		t.Fatalf("expected default DatabaseHost=localhost, got %q", cfg.DatabaseHost)
	}
	if cfg.FluxMaxResolution != 2000 {
		t.Fatalf("expected default FluxMaxResolution=2000, got %d", cfg.FluxMaxResolution)
	}
	if cfg.ImportStart.IsZero() {
		t.Fatalf("expected ImportStart to default to now-30d")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_HOST", "db.internal")
	t.Setenv("FLUX_MAX_RESOLUTION", "500")
	t.Setenv("FLUX_QUERY_TIMEOUT", "5")
	t.Setenv("ONLY_API", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.DatabaseHost != "db.internal" {
		t.Fatalf("expected DatabaseHost override, got %q", cfg.DatabaseHost)
	}
	if cfg.FluxMaxResolution != 500 {
		t.Fatalf("expected FluxMaxResolution=500, got %d", cfg.FluxMaxResolution)
	}
	if cfg.FluxQueryTimeout.Seconds() != 5 {
		t.Fatalf("expected FluxQueryTimeout=5s, got %v", cfg.FluxQueryTimeout)
	}
	if !cfg.OnlyAPI {
		t.Fatalf("expected OnlyAPI=true")
	}
}
