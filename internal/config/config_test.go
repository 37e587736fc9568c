package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func clearFoundryEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"CLI_PROVIDER_PRIORITY", "FOUNDRY_PROVIDER_PRIORITY",
		"FOUNDRY_REDIS_ADDR", "FOUNDRY_REDIS_PASSWORD",
		"FOUNDRY_REDIS_STATE_DB", "FOUNDRY_REDIS_BREAKER_DB", "FOUNDRY_REDIS_QUEUE_DB",
		"FOUNDRY_SANDBOX_ROOT", "FOUNDRY_PROVIDER_TIMEOUT", "FOUNDRY_COMMAND_TIMEOUT",
		"FOUNDRY_COMMAND_OUTPUT_CAP_MB", "FOUNDRY_BREAKER_FAIL_THRESHOLD",
		"CIRCUIT_BREAKER_TTL_SECONDS", "FOUNDRY_BREAKER_OPEN_TTL_SECONDS",
		"FOUNDRY_MAX_RETRIES", "FOUNDRY_REPEATED_ERROR_THRESHOLD", "FOUNDRY_SESSION_ERROR_THRESHOLD",
		"HELPER_DETERMINISTIC_ENABLED", "HELPER_DETERMINISTIC_PERCENT",
		"HELPER_DETERMINISTIC_MAX_FILES", "HELPER_DETERMINISTIC_MAX_BYTES",
		"HELPER_DETERMINISTIC_MAX_BYTES_PER_FILE", "HELPER_AGENT_MODE",
		"FOUNDRY_METRICS_ADDR", "FOUNDRY_LOG_FILE",
	}
	for _, k := range keys {
		orig, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, orig)
			} else {
				os.Unsetenv(k)
			}
		})
	}
}

func TestLoad_DefaultsWhenEnvUnset(t *testing.T) {
	clearFoundryEnv(t)
	c := Load()

	assert.Equal(t, "localhost:6379", c.RedisAddr)
	assert.Equal(t, []string{"claude", "gemini", "codex"}, c.ProviderPriority)
	assert.Equal(t, 5, c.MaxRetries)
	assert.Equal(t, 3, c.RepeatedErrorThreshold)
	assert.Equal(t, 3, c.SessionErrorThreshold)
	assert.Equal(t, 30*time.Minute, c.ProviderTimeout)
	assert.True(t, c.HelperDeterministicEnabled)
	assert.Equal(t, 100, c.HelperDeterministicPercent)
	assert.Equal(t, "balanced", c.HelperAgentMode)
}

func TestLoad_ProviderBinaryFallsBackToProviderName(t *testing.T) {
	clearFoundryEnv(t)
	c := Load()
	assert.Equal(t, "gemini", c.ProviderBinary["gemini"])
}

func TestLoad_ProviderBinaryHonorsPerProviderOverride(t *testing.T) {
	clearFoundryEnv(t)
	os.Setenv("GEMINI_BIN", "/opt/bin/gemini-cli")
	c := Load()
	assert.Equal(t, "/opt/bin/gemini-cli", c.ProviderBinary["gemini"])
}

func TestLoad_SessionErrorThresholdOverride(t *testing.T) {
	clearFoundryEnv(t)
	os.Setenv("FOUNDRY_SESSION_ERROR_THRESHOLD", "7")
	c := Load()
	assert.Equal(t, 7, c.SessionErrorThreshold)
}

func TestLoad_BreakerTTLAcceptsLegacyKeyName(t *testing.T) {
	clearFoundryEnv(t)
	os.Setenv("CIRCUIT_BREAKER_TTL_SECONDS", "120")
	c := Load()
	assert.Equal(t, 120*time.Second, c.BreakerOpenTTL)
}

func TestLoad_ProviderPriorityTrimsWhitespace(t *testing.T) {
	clearFoundryEnv(t)
	os.Setenv("FOUNDRY_PROVIDER_PRIORITY", " claude , codex ")
	c := Load()
	assert.Equal(t, []string{"claude", "codex"}, c.ProviderPriority)
}
