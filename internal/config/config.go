// Package config loads the process configuration once at startup from
// environment variables, and is passed by reference to every component
// that needs it rather than read ambiently from deep call stacks.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every tunable spec.md's External Interfaces section names.
type Config struct {
	DatabaseHost        string
	DatabasePort        string
	DatabaseDatabase    string
	DatabaseUsername    string
	DatabasePassword    string
	DatabaseMemoryGB    int
	ImportStart         time.Time
	FluxMaxResolution   int
	FluxQueryTimeout    time.Duration
	OnlyAPI             bool
}

// DatabaseURL builds the libpq-style connection string pgx accepts.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s",
		c.DatabaseUsername, c.DatabasePassword,
		c.DatabaseHost, c.DatabasePort, c.DatabaseDatabase,
	)
}

// Load reads Config from the environment, applying the same defaults the
// original deployment used.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseHost:      getenv("DATABASE_HOST", "localhost"),
		DatabasePort:      getenv("DATABASE_PORT", "5432"),
		DatabaseDatabase:  getenv("DATABASE_DATABASE", "postgres"),
		DatabaseUsername:  getenv("DATABASE_USERNAME", "postgres"),
		DatabasePassword:  getenv("DATABASE_PASSWORD", "heliotime"),
		FluxMaxResolution: 2000,
		FluxQueryTimeout:  30 * time.Second,
	}

	memoryGB, err := getenvInt("DATABASE_MEMORY_GB", 28)
	if err != nil {
		return nil, err
	}
	cfg.DatabaseMemoryGB = memoryGB

	if v, ok := os.LookupEnv("FLUX_MAX_RESOLUTION"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: FLUX_MAX_RESOLUTION: %w", err)
		}
		cfg.FluxMaxResolution = n
	}

	if v, ok := os.LookupEnv("FLUX_QUERY_TIMEOUT"); ok && v != "" {
		seconds, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("config: FLUX_QUERY_TIMEOUT: %w", err)
		}
		cfg.FluxQueryTimeout = time.Duration(seconds * float64(time.Second))
	}

	if v, ok := os.LookupEnv("IMPORT_START"); ok && v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, fmt.Errorf("config: IMPORT_START: %w", err)
		}
		cfg.ImportStart = t.UTC()
	} else {
		cfg.ImportStart = time.Now().UTC().Add(-30 * 24 * time.Hour)
	}

	cfg.OnlyAPI = getenv("ONLY_API", "") == "true"

	return cfg, nil
}

func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}
