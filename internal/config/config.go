// Package config resolves Foundry's runtime configuration from environment
// variables, loading a local .env file first when present.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything the control loop needs to run, read once at
// process startup.
type Config struct {
	RedisAddr     string
	RedisPassword string
	StateDB       int
	BreakerDB     int
	QueueDB       int

	SandboxRoot string

	ProviderPriority []string
	ProviderBinary   map[string]string

	ProviderTimeout    time.Duration
	CommandTimeout     time.Duration
	CommandOutputCapMB int
	BreakerOpenTTL     time.Duration

	MaxRetries             int
	RepeatedErrorThreshold int
	SessionErrorThreshold  int

	HelperDeterministicEnabled         bool
	HelperDeterministicPercent         int
	HelperDeterministicMaxFiles        int
	HelperDeterministicMaxBytes        int64
	HelperDeterministicMaxBytesPerFile int64
	HelperAgentMode                    string

	MetricsAddr string
	LogFile     string
}

// Load reads `.env` (if present) then resolves Config from the environment.
// It never fails on a missing .env file; missing required variables fall
// back to the documented defaults below.
func Load() *Config {
	_ = godotenv.Load()

	priority := splitList(getenvAny([]string{"CLI_PROVIDER_PRIORITY", "FOUNDRY_PROVIDER_PRIORITY"}, "claude,gemini,codex"))

	c := &Config{
		RedisAddr:              getenv("FOUNDRY_REDIS_ADDR", "localhost:6379"),
		RedisPassword:          os.Getenv("FOUNDRY_REDIS_PASSWORD"),
		StateDB:                getenvInt("FOUNDRY_REDIS_STATE_DB", 0),
		BreakerDB:              getenvInt("FOUNDRY_REDIS_BREAKER_DB", 1),
		QueueDB:                getenvInt("FOUNDRY_REDIS_QUEUE_DB", 2),
		SandboxRoot:            getenv("FOUNDRY_SANDBOX_ROOT", "/workspace"),
		ProviderPriority:       priority,
		ProviderBinary:         providerBinaries(priority),
		ProviderTimeout:        getenvDuration("FOUNDRY_PROVIDER_TIMEOUT", 30*time.Minute),
		CommandTimeout:         getenvDuration("FOUNDRY_COMMAND_TIMEOUT", 30*time.Second),
		CommandOutputCapMB:     getenvInt("FOUNDRY_COMMAND_OUTPUT_CAP_MB", 10),
		BreakerOpenTTL:         getenvDurationSeconds([]string{"CIRCUIT_BREAKER_TTL_SECONDS", "FOUNDRY_BREAKER_OPEN_TTL_SECONDS"}, 24*time.Hour),
		MaxRetries:             getenvInt("FOUNDRY_MAX_RETRIES", 5),
		RepeatedErrorThreshold: getenvInt("FOUNDRY_REPEATED_ERROR_THRESHOLD", 3),
		SessionErrorThreshold:  getenvInt("FOUNDRY_SESSION_ERROR_THRESHOLD", 3),

		HelperDeterministicEnabled:         getenvBool("HELPER_DETERMINISTIC_ENABLED", true),
		HelperDeterministicPercent:         getenvInt("HELPER_DETERMINISTIC_PERCENT", 100),
		HelperDeterministicMaxFiles:        getenvInt("HELPER_DETERMINISTIC_MAX_FILES", 5000),
		HelperDeterministicMaxBytes:        getenvInt64("HELPER_DETERMINISTIC_MAX_BYTES", 50*1024*1024),
		HelperDeterministicMaxBytesPerFile: getenvInt64("HELPER_DETERMINISTIC_MAX_BYTES_PER_FILE", 2*1024*1024),
		HelperAgentMode:                    getenv("HELPER_AGENT_MODE", "balanced"),

		MetricsAddr: os.Getenv("FOUNDRY_METRICS_ADDR"),
		LogFile:     os.Getenv("FOUNDRY_LOG_FILE"),
	}
	return c
}

// providerBinaries resolves one <PROVIDER>_BIN env var per provider in
// priority, the same tiered-prefix idea as BRAIN_*/TOOL_* model endpoint
// overrides, applied here to CLI binary paths instead.
func providerBinaries(priority []string) map[string]string {
	m := make(map[string]string)
	for _, name := range priority {
		key := strings.ToUpper(name) + "_BIN"
		if bin := os.Getenv(key); bin != "" {
			m[name] = bin
		} else {
			m[name] = name
		}
	}
	return m
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// getenvDurationSeconds checks each key in order for a plain integer count
// of seconds, the usual convention for TTL-style variables.
func getenvDurationSeconds(keys []string, fallback time.Duration) time.Duration {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				return time.Duration(n) * time.Second
			}
		}
	}
	return fallback
}

// getenvAny returns the first set variable among keys, in order, or fallback.
func getenvAny(keys []string, fallback string) string {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return fallback
}

func getenvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
