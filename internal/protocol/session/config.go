package session

import (
	"errors"
	"time"
)

var ErrInvalidConfig = errors.New("session: invalid link config")

// BackoffConfig defines reconnect backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config holds the reliable-link settings. A zero ReadTimeout disables the
// idle deadline on inbound links.
type Config struct {
	ConnectTimeout  time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxDialAttempts int // per reliable send, including the first dial
	Backoff         BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:  5 * time.Second,
		ReadTimeout:     0,
		WriteTimeout:    5 * time.Second,
		MaxDialAttempts: 4,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

func (c Config) Validate() error {
	if c.ConnectTimeout <= 0 {
		return errors.Join(ErrInvalidConfig, errors.New("connect_timeout must be positive"))
	}
	if c.WriteTimeout <= 0 {
		return errors.Join(ErrInvalidConfig, errors.New("write_timeout must be positive"))
	}
	if c.ReadTimeout < 0 {
		return errors.Join(ErrInvalidConfig, errors.New("read_timeout must not be negative"))
	}
	if c.MaxDialAttempts < 1 {
		return errors.Join(ErrInvalidConfig, errors.New("max_dial_attempts must be at least 1"))
	}
	if c.Backoff.InitialDelay < 0 || c.Backoff.MaxDelay < 0 {
		return errors.Join(ErrInvalidConfig, errors.New("backoff delays must not be negative"))
	}
	return nil
}
