package mretry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultMetadataOutboxConfig(t *testing.T) {
	cfg := DefaultMetadataOutboxConfig()

	assert.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
	assert.Equal(t, DefaultInitialBackoff, cfg.InitialBackoff)
	assert.Equal(t, DefaultMaxBackoff, cfg.MaxBackoff)
	assert.Equal(t, DefaultJitterFactor, cfg.JitterFactor)
}

func TestDefaultDLQConfig(t *testing.T) {
	cfg := DefaultDLQConfig()

	assert.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
	assert.Equal(t, DLQInitialBackoff, cfg.InitialBackoff)
	assert.Equal(t, DefaultMaxBackoff, cfg.MaxBackoff)
	assert.Equal(t, DefaultJitterFactor, cfg.JitterFactor)
}

func TestConfig_Chaining(t *testing.T) {
	cfg := DefaultMetadataOutboxConfig().
		WithMaxRetries(5).
		WithInitialBackoff(2 * time.Second).
		WithMaxBackoff(1 * time.Hour).
		WithJitterFactor(0.5)

	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.InitialBackoff)
	assert.Equal(t, 1*time.Hour, cfg.MaxBackoff)
	assert.Equal(t, 0.5, cfg.JitterFactor)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultMetadataOutboxConfig().Validate())
	assert.NoError(t, DefaultDLQConfig().Validate())

	bad := Config{MaxRetries: -1, InitialBackoff: time.Second, MaxBackoff: time.Minute, JitterFactor: 0.1}
	assert.Error(t, bad.Validate())

	bad = Config{MaxRetries: 1, InitialBackoff: 0, MaxBackoff: time.Minute, JitterFactor: 0.1}
	assert.Error(t, bad.Validate())

	bad = Config{MaxRetries: 1, InitialBackoff: time.Minute, MaxBackoff: time.Second, JitterFactor: 0.1}
	assert.Error(t, bad.Validate())

	bad = Config{MaxRetries: 1, InitialBackoff: time.Second, MaxBackoff: time.Minute, JitterFactor: 1.5}
	assert.Error(t, bad.Validate())
}

func TestConfig_Backoff_GrowsAndCaps(t *testing.T) {
	cfg := Config{MaxRetries: 10, InitialBackoff: time.Second, MaxBackoff: 4 * time.Second, JitterFactor: 0}

	assert.Equal(t, 1*time.Second, cfg.Backoff(1))
	assert.Equal(t, 2*time.Second, cfg.Backoff(2))
	assert.Equal(t, 4*time.Second, cfg.Backoff(3))
	assert.Equal(t, 4*time.Second, cfg.Backoff(4), "must cap at MaxBackoff")
}

func TestConfig_Exhausted(t *testing.T) {
	cfg := Config{MaxRetries: 3}

	assert.False(t, cfg.Exhausted(3))
	assert.True(t, cfg.Exhausted(4))
}
