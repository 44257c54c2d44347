// Package backoff computes exponential retry delays with jitter. It is
// shared by peer reconnection and circuit rebuilds.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Config controls delay growth.
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // fraction of the delay, 0.2 = +/-20%
	MaxAttempts  int     // 0 means unlimited
}

// Default returns sensible defaults for network reconnection.
func Default() Config {
	return Config{
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// Base returns the un-jittered delay before attempt (0-indexed).
func (c Config) Base(attempt int) time.Duration {
	if attempt <= 0 {
		return c.InitialDelay
	}
	mult := c.Multiplier
	if mult < 1 {
		mult = 1
	}

	delay := float64(c.InitialDelay) * math.Pow(mult, float64(attempt))
	if c.MaxDelay > 0 && delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	return time.Duration(delay)
}

// Delay returns Base(attempt) with jitter applied. The result is never negative.
func (c Config) Delay(attempt int) time.Duration {
	d := c.Base(attempt)
	if c.Jitter <= 0 || d <= 0 {
		return d
	}
	spread := float64(d) * c.Jitter
	out := time.Duration(float64(d) + (rand.Float64()*2-1)*spread)
	if out < 0 {
		return d
	}
	return out
}

// Exhausted reports whether attempts has reached MaxAttempts.
func (c Config) Exhausted(attempts int) bool {
	return c.MaxAttempts > 0 && attempts >= c.MaxAttempts
}
