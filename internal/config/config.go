package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config contains all runtime settings for the bridge service.
//
// The handshake reads an immutable snapshot of this struct; connections that
// already completed their hello keep the settings they were accepted with.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool
	Debug          bool

	// Backend provider selection: auto, dialog or mock.
	BackendProvider string

	// Voice pipeline selection, forwarded to the backend on every run.
	Language   string
	PipelineID string
	TTSEngine  string

	// Advisory per-run timeout. The bridge echoes it in run-start frames and
	// hands it to the backend; the backend owns enforcement.
	RunTimeout time.Duration

	RequireToken  bool
	AllowedTokens []string

	// Command executor (smart-home actuation) endpoint.
	CommandAPIURL   string
	CommandAPIToken string

	// Optional conversation history persistence.
	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8090"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "voxbridge"),
		AllowAnyOrigin:   false,
		Debug:            true,
		BackendProvider:  envOrDefault("BRIDGE_BACKEND", "auto"),
		Language:         envOrDefault("BRIDGE_LANGUAGE", "zh-CN"),
		PipelineID:       stringsTrimSpace("BRIDGE_PIPELINE_ID"),
		TTSEngine:        stringsTrimSpace("BRIDGE_TTS_ENGINE"),
		RunTimeout:       300 * time.Second,
		RequireToken:     false,
		CommandAPIURL:    stringsTrimSpace("COMMAND_API_URL"),
		CommandAPIToken:  stringsTrimSpace("COMMAND_API_TOKEN"),
		DatabaseURL:      stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:  15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RunTimeout, err = durationFromEnv("BRIDGE_RUN_TIMEOUT", cfg.RunTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.Debug, err = boolFromEnv("BRIDGE_DEBUG", cfg.Debug)
	if err != nil {
		return Config{}, err
	}
	cfg.RequireToken, err = boolFromEnv("BRIDGE_REQUIRE_TOKEN", cfg.RequireToken)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowedTokens = tokenListFromEnv("BRIDGE_ALLOWED_TOKENS")

	if cfg.RunTimeout < time.Second {
		return Config{}, fmt.Errorf("BRIDGE_RUN_TIMEOUT must be at least 1s")
	}
	if strings.TrimSpace(cfg.Language) == "" {
		return Config{}, fmt.Errorf("BRIDGE_LANGUAGE must not be empty")
	}

	return cfg, nil
}

// TokenAllowed reports whether a bearer token passes the configured policy.
// An empty allow list accepts any non-empty token.
func (c Config) TokenAllowed(token string) bool {
	if len(c.AllowedTokens) == 0 {
		return token != ""
	}
	for _, t := range c.AllowedTokens {
		if t == token {
			return true
		}
	}
	return false
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func tokenListFromEnv(key string) []string {
	raw := stringsTrimSpace(key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	tokens := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			tokens = append(tokens, p)
		}
	}
	return tokens
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
