package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"clickup-tracker/clickup"
	"clickup-tracker/hierarchy"
)

const cachePrefix = "clickup-tracker"

type config struct {
	debug        bool
	listenAddr   string
	settingsFile string

	storageConn     string
	settingsTable   string
	settingsProfile string

	redisConn string
	baseURL   string

	fetch hierarchy.Options
}

func loadConfig() (config, error) {
	cfg := config{
		storageConn:     strings.TrimSpace(os.Getenv("STORAGE_CONNECTION_STRING")),
		settingsTable:   strings.TrimSpace(os.Getenv("SETTINGS_TABLE")),
		settingsProfile: strings.TrimSpace(os.Getenv("SETTINGS_PROFILE")),
		redisConn:       strings.TrimSpace(os.Getenv("REDIS_CONNECTION_STRING")),
		baseURL:         envString("CLICKUP_BASE_URL", clickup.DefaultBaseURL),
	}
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		cfg.debug = true
	}
	if cfg.settingsProfile == "" {
		cfg.settingsProfile = "default"
	}

	port, err := envInt("LISTEN_PORT", 8765)
	if err != nil {
		return cfg, err
	}
	cfg.listenAddr = ":" + strconv.Itoa(port)

	cfg.settingsFile = os.Getenv("SETTINGS_FILE")
	if cfg.settingsFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return cfg, fmt.Errorf("resolve settings file: %w", err)
		}
		cfg.settingsFile = filepath.Join(home, ".clickup-tracker", "settings.json")
	}

	def := hierarchy.DefaultRetryOptions()
	if cfg.fetch.Retry.Timeout, err = envDur("FETCH_TIMEOUT", def.Timeout); err != nil {
		return cfg, err
	}
	if cfg.fetch.Retry.Attempts, err = envInt("FETCH_RETRIES", def.Attempts); err != nil {
		return cfg, err
	}
	if cfg.fetch.Retry.BaseDelay, err = envDur("FETCH_RETRY_DELAY", def.BaseDelay); err != nil {
		return cfg, err
	}
	if cfg.fetch.Concurrency, err = envInt("FETCH_CONCURRENCY", 8); err != nil {
		return cfg, err
	}
	if cfg.fetch.RequestsPerMinute, err = envInt("FETCH_RATE_PER_MINUTE", 0); err != nil {
		return cfg, err
	}
	if cfg.fetch.Retry.Attempts <= 0 {
		return cfg, fmt.Errorf("invalid FETCH_RETRIES: must be greater than zero")
	}
	return cfg, nil
}

func (c config) useTableSettings() bool {
	return c.storageConn != "" && c.settingsTable != ""
}

func envString(name, def string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid %s: must not be negative", name)
	}
	return n, nil
}

func envDur(name string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", name, v)
	}
	return d, nil
}
