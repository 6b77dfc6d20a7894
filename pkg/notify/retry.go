package notify

import (
	"math"
	"time"
)

// RetryConfig configures exponential backoff between delivery attempts
type RetryConfig struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialDelay:      time.Second,
		MaxDelay:          time.Minute,
		BackoffMultiplier: 2.0,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	def := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = def.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.BackoffMultiplier <= 1.0 {
		c.BackoffMultiplier = def.BackoffMultiplier
	}
	return c
}

// Delay returns the wait after the given number of failed attempts:
// InitialDelay * multiplier^(attempts-1), capped at MaxDelay
func (c RetryConfig) Delay(attempts int) time.Duration {
	if attempts <= 1 {
		return c.InitialDelay
	}
	delay := float64(c.InitialDelay) * math.Pow(c.BackoffMultiplier, float64(attempts-1))
	if delay > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(delay)
}

// budget is the longest a full delivery with every retry can take
func (c RetryConfig) budget(perAttempt time.Duration) time.Duration {
	total := time.Duration(c.MaxAttempts) * perAttempt
	for i := 1; i < c.MaxAttempts; i++ {
		total += c.Delay(i)
	}
	return total
}
