// Package maintenance contains the low frequency loops that keep a node's
// contacts fresh once it has joined: the ContactPinger for passive nodes,
// the ContactPusher that forwards contacts to passive leaves, and the
// NodeAdder that pings DHT nodes seen on the Gnutella network.
//
// Every loop runs on a caller supplied schedule.Scheduler and cancels its
// own task once its queue is empty; adding work schedules it again.
package maintenance

import (
	"errors"
	"time"
)

// PingerConfig configures a ContactPinger.
type PingerConfig struct {
	Period      time.Duration `yaml:"period"`
	MaxContacts int           `yaml:"max_contacts"`
	PingTimeout time.Duration `yaml:"ping_timeout"`
}

// DefaultPingerConfig returns the standard ContactPinger parameters.
func DefaultPingerConfig() PingerConfig {
	return PingerConfig{
		Period:      30 * time.Second,
		MaxContacts: 30,
		PingTimeout: 10 * time.Second,
	}
}

// Validate checks the configuration.
func (c PingerConfig) Validate() error {
	if c.Period <= 0 || c.PingTimeout <= 0 || c.MaxContacts <= 0 {
		return errors.New("maintenance: pinger period, ping_timeout and max_contacts must be positive")
	}
	return nil
}

// PusherConfig configures a ContactPusher.
type PusherConfig struct {
	// Enabled turns contact forwarding to passive leaves on.
	Enabled     bool          `yaml:"enabled"`
	Period      time.Duration `yaml:"period"`
	MaxContacts int           `yaml:"max_contacts"`
	SendTimeout time.Duration `yaml:"send_timeout"`
	// Parallelism caps concurrent sends per tick.
	Parallelism int `yaml:"parallelism"`
}

// DefaultPusherConfig returns the standard ContactPusher parameters.
func DefaultPusherConfig() PusherConfig {
	return PusherConfig{
		Enabled:     true,
		Period:      10 * time.Second,
		MaxContacts: 10,
		SendTimeout: 5 * time.Second,
		Parallelism: 8,
	}
}

// Validate checks the configuration.
func (c PusherConfig) Validate() error {
	if c.Period <= 0 || c.SendTimeout <= 0 || c.MaxContacts <= 0 || c.Parallelism <= 0 {
		return errors.New("maintenance: pusher period, send_timeout, max_contacts and parallelism must be positive")
	}
	return nil
}

// AdderConfig configures a NodeAdder.
type AdderConfig struct {
	Delay       time.Duration `yaml:"delay"`
	MaxNodes    int           `yaml:"max_nodes"`
	PingTimeout time.Duration `yaml:"ping_timeout"`
}

// DefaultAdderConfig returns the standard NodeAdder parameters.
func DefaultAdderConfig() AdderConfig {
	return AdderConfig{
		Delay:       30 * time.Second,
		MaxNodes:    30,
		PingTimeout: 10 * time.Second,
	}
}

// Validate checks the configuration.
func (c AdderConfig) Validate() error {
	if c.Delay <= 0 || c.PingTimeout <= 0 || c.MaxNodes <= 0 {
		return errors.New("maintenance: adder delay, ping_timeout and max_nodes must be positive")
	}
	return nil
}
