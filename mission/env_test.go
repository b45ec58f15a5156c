package mission

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	o := FromEnv(func(string) string { return "" })
	require.Equal(t, DefaultOptions(), o)
	require.Equal(t, 1, o.AdmissionConcurrency)
	require.Equal(t, 15, o.RateLimitRPM)
	require.Equal(t, 100000, o.TokenWindow)
	require.Equal(t, 90*time.Second, o.ProviderCooldown)
	require.Equal(t, 30*time.Minute, o.PatternTimeout)
	require.Equal(t, 15, o.ExecutorMaxRounds)
	require.True(t, o.AdversarialL1)
	require.Equal(t, 5, o.DarwinWarmupRuns)
	require.InDelta(t, 10, o.DarwinABDelta, 1e-9)
	require.InDelta(t, 0.1, o.DarwinABRandomP, 1e-9)
}

func TestFromEnvOverrides(t *testing.T) {
	env := map[string]string{
		"ADMISSION_CONCURRENCY":     "3",
		"LLM_RATE_LIMIT_RPM":        "30",
		"LLM_TOKEN_WINDOW":          "50000",
		"LLM_PROVIDER_COOLDOWN_S":   "120",
		"PATTERN_DEFAULT_TIMEOUT_S": "600",
		"EXECUTOR_MAX_ROUNDS":       "5",
		"ADVERSARIAL_L1_ENABLED":    "false",
		"DARWIN_WARMUP_RUNS":        "2",
		"DARWIN_AB_DELTA":           "5",
		"DARWIN_AB_RANDOM_P":        "0.25",
	}
	o := FromEnv(func(k string) string { return env[k] })
	require.Equal(t, 3, o.AdmissionConcurrency)
	require.Equal(t, 30, o.RateLimitRPM)
	require.Equal(t, 50000, o.TokenWindow)
	require.Equal(t, 2*time.Minute, o.ProviderCooldown)
	require.Equal(t, 10*time.Minute, o.PatternTimeout)
	require.Equal(t, 5, o.ExecutorMaxRounds)
	require.False(t, o.AdversarialL1)
	require.Equal(t, 2, o.DarwinWarmupRuns)
	require.InDelta(t, 5, o.DarwinABDelta, 1e-9)
	require.InDelta(t, 0.25, o.DarwinABRandomP, 1e-9)
}

func TestFromEnvIgnoresMalformedValues(t *testing.T) {
	env := map[string]string{
		"ADMISSION_CONCURRENCY": "zero",
		"LLM_RATE_LIMIT_RPM":    "-4",
		"DARWIN_AB_RANDOM_P":    "lots",
	}
	o := FromEnv(func(k string) string { return env[k] })
	require.Equal(t, DefaultOptions(), o)
}
