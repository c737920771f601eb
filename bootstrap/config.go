package bootstrap

import (
	"errors"
	"time"
)

// Config holds bootstrap parameters.
type Config struct {
	// PingTimeout bounds every bootstrap ping.
	PingTimeout time.Duration `yaml:"ping_timeout"`
	// JoinTimeout bounds every join.
	JoinTimeout time.Duration `yaml:"join_timeout"`
	// MaxCandidates caps the candidate set.
	MaxCandidates int `yaml:"max_candidates"`
	// FallbackHosts are well known "host:port" addresses tried when no
	// candidate is left.
	FallbackHosts []string `yaml:"fallback_hosts"`
}

// DefaultConfig returns the standard bootstrap parameters.
func DefaultConfig() Config {
	return Config{
		PingTimeout:   10 * time.Second,
		JoinTimeout:   60 * time.Second,
		MaxCandidates: 50,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.PingTimeout <= 0 {
		return errors.New("bootstrap: ping_timeout must be positive")
	}
	if c.JoinTimeout <= 0 {
		return errors.New("bootstrap: join_timeout must be positive")
	}
	if c.MaxCandidates <= 0 {
		return errors.New("bootstrap: max_candidates must be positive")
	}
	return nil
}
