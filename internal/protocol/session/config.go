package session

import "time"

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines per-connection session timing.
type Config struct {
	KeepAliveInterval      time.Duration
	StartRetriggerInterval time.Duration
	StartRetriggerLimit    int
	FrameMaxDelay          time.Duration
	WriteTimeout           time.Duration
	Backoff                BackoffConfig
}

// DefaultConfig returns the timings observed on deployed timing clients.
func DefaultConfig() Config {
	return Config{
		KeepAliveInterval:      10 * time.Second,
		StartRetriggerInterval: time.Second,
		StartRetriggerLimit:    0,
		FrameMaxDelay:          500 * time.Millisecond,
		WriteTimeout:           5 * time.Second,
		Backoff:                DefaultBackoff(),
	}
}

func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
}

// WithDefaults fills zero durations from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = def.KeepAliveInterval
	}
	if c.StartRetriggerInterval <= 0 {
		c.StartRetriggerInterval = def.StartRetriggerInterval
	}
	if c.StartRetriggerLimit < 0 {
		c.StartRetriggerLimit = 0
	}
	if c.FrameMaxDelay <= 0 {
		c.FrameMaxDelay = def.FrameMaxDelay
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = def.Backoff
	}
	return c
}
