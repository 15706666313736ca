package session

import (
	"math"
	"math/rand"
	"time"
)

// RedialDelay returns the wait before redial number retry (0-based):
// InitialDelay * Multiplier^retry, capped at MaxDelay. With Jitter and a
// non-nil rng the delay is scaled by a factor in [0.5, 1.5).
func RedialDelay(cfg BackoffConfig, retry int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	retry = max(retry, 0)
	mult := max(cfg.Multiplier, 1.0)
	delay := float64(cfg.InitialDelay) * math.Pow(mult, float64(retry))
	if cfg.MaxDelay > 0 {
		delay = min(delay, float64(cfg.MaxDelay))
	}
	if cfg.Jitter && rng != nil {
		delay *= 0.5 + rng.Float64()
	}
	return time.Duration(delay)
}
