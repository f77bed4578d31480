// Package mretry defines a shared exponential-backoff-with-jitter
// configuration; the outbox worker uses it for its retry budget. Grounded
// on the teacher's pkg/mretry package (API reconstructed
// from pkg/mretry/config_test.go: Config, DefaultMetadataOutboxConfig,
// DefaultDLQConfig, With* chain, Validate).
package mretry

import (
	"errors"
	"math/rand"
	"time"
)

// Defaults mirror the teacher's pkg/mretry constants.
const (
	DefaultMaxRetries     = 10
	DefaultInitialBackoff = 1 * time.Second
	DefaultMaxBackoff     = 30 * time.Minute
	DefaultJitterFactor   = 0.25
	DLQInitialBackoff     = 1 * time.Minute
)

// Config describes a bounded exponential backoff schedule.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFactor   float64
}

// DefaultMetadataOutboxConfig is the schedule used by the outbox worker for
// mail/SMS/analytics dispatch.
func DefaultMetadataOutboxConfig() Config {
	return Config{
		MaxRetries:     DefaultMaxRetries,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		JitterFactor:   DefaultJitterFactor,
	}
}

// DefaultDLQConfig is the (slower-starting) schedule used when reconciling
// DLQ entries, where each attempt may itself call an external processor.
func DefaultDLQConfig() Config {
	return Config{
		MaxRetries:     DefaultMaxRetries,
		InitialBackoff: DLQInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		JitterFactor:   DefaultJitterFactor,
	}
}

func (c Config) WithMaxRetries(n int) Config {
	c.MaxRetries = n
	return c
}

func (c Config) WithInitialBackoff(d time.Duration) Config {
	c.InitialBackoff = d
	return c
}

func (c Config) WithMaxBackoff(d time.Duration) Config {
	c.MaxBackoff = d
	return c
}

func (c Config) WithJitterFactor(f float64) Config {
	c.JitterFactor = f
	return c
}

// Validate reports whether the configuration is internally consistent.
func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return errors.New("mretry: MaxRetries must be >= 0")
	}

	if c.InitialBackoff <= 0 {
		return errors.New("mretry: InitialBackoff must be > 0")
	}

	if c.MaxBackoff < c.InitialBackoff {
		return errors.New("mretry: MaxBackoff must be >= InitialBackoff")
	}

	if c.JitterFactor < 0 || c.JitterFactor > 1 {
		return errors.New("mretry: JitterFactor must be within [0,1]")
	}

	return nil
}

// Backoff returns the delay to wait before retry attempt number n (1-indexed),
// applying full exponential growth capped at MaxBackoff and then perturbing
// by +/- JitterFactor.
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := c.InitialBackoff

	for i := 1; i < attempt; i++ {
		d *= 2
		if d > c.MaxBackoff {
			d = c.MaxBackoff
			break
		}
	}

	if c.JitterFactor == 0 {
		return d
	}

	jitter := (rand.Float64()*2 - 1) * c.JitterFactor
	jittered := time.Duration(float64(d) * (1 + jitter))

	if jittered < 0 {
		jittered = 0
	}

	return jittered
}

// Exhausted reports whether attempt has used up the retry budget.
func (c Config) Exhausted(attempt int) bool {
	return attempt > c.MaxRetries
}
