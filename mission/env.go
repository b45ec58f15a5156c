package mission

import (
	"strconv"
	"time"
)

// Options carries the process-level tunables recognized by the orchestrator
// core, read once at boot from the environment. Zero values
// mean "use the component default"; FromEnv fills every field so callers
// can pass the struct straight into component constructors.
type Options struct {
	AdmissionConcurrency int
	RateLimitRPM         int
	TokenWindow          int
	ProviderCooldown     time.Duration
	PatternTimeout       time.Duration
	ExecutorMaxRounds    int
	AdversarialL1        bool
	DarwinWarmupRuns     int
	DarwinABDelta        float64
	DarwinABRandomP      float64
}

// DefaultOptions returns the documented defaults for every tunable.
func DefaultOptions() Options {
	return Options{
		AdmissionConcurrency: 1,
		RateLimitRPM:         15,
		TokenWindow:          100000,
		ProviderCooldown:     90 * time.Second,
		PatternTimeout:       1800 * time.Second,
		ExecutorMaxRounds:    15,
		AdversarialL1:        true,
		DarwinWarmupRuns:     5,
		DarwinABDelta:        10,
		DarwinABRandomP:      0.1,
	}
}

// FromEnv resolves Options from the provided lookup (typically os.Getenv).
// Unset or malformed variables keep their defaults; the enumerated names
// are the whole contract, no other variable is consulted.
func FromEnv(getenv func(string) string) Options {
	o := DefaultOptions()
	envInt(getenv, "ADMISSION_CONCURRENCY", &o.AdmissionConcurrency)
	envInt(getenv, "LLM_RATE_LIMIT_RPM", &o.RateLimitRPM)
	envInt(getenv, "LLM_TOKEN_WINDOW", &o.TokenWindow)
	envSeconds(getenv, "LLM_PROVIDER_COOLDOWN_S", &o.ProviderCooldown)
	envSeconds(getenv, "PATTERN_DEFAULT_TIMEOUT_S", &o.PatternTimeout)
	envInt(getenv, "EXECUTOR_MAX_ROUNDS", &o.ExecutorMaxRounds)
	envBool(getenv, "ADVERSARIAL_L1_ENABLED", &o.AdversarialL1)
	envInt(getenv, "DARWIN_WARMUP_RUNS", &o.DarwinWarmupRuns)
	envFloat(getenv, "DARWIN_AB_DELTA", &o.DarwinABDelta)
	envFloat(getenv, "DARWIN_AB_RANDOM_P", &o.DarwinABRandomP)
	return o
}

func envInt(getenv func(string) string, name string, dst *int) {
	if raw := getenv(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			*dst = v
		}
	}
}

func envFloat(getenv func(string) string, name string, dst *float64) {
	if raw := getenv(name); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil && v > 0 {
			*dst = v
		}
	}
}

func envBool(getenv func(string) string, name string, dst *bool) {
	if raw := getenv(name); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			*dst = v
		}
	}
}

func envSeconds(getenv func(string) string, name string, dst *time.Duration) {
	if raw := getenv(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			*dst = time.Duration(v) * time.Second
		}
	}
}
