// Package config aggregates the configuration of every DHT component into a
// single YAML document.
//
// Omitted fields keep their defaults:
//
//	enabled: true
//	mode: ACTIVE
//	local_addr: 192.0.2.10:6346
//	bootstrap:
//	  fallback_hosts: ["198.51.100.7:6346"]
//	store:
//	  path: /var/lib/limedht
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/opd-ai/limedht/bootstrap"
	"github.com/opd-ai/limedht/controller"
	"github.com/opd-ai/limedht/dht"
	"github.com/opd-ai/limedht/fetcher"
	"github.com/opd-ai/limedht/maintenance"
	"github.com/opd-ai/limedht/routing"
	"github.com/opd-ai/limedht/store"
)

// Config is the complete DHT configuration.
type Config struct {
	// Enabled allows the DHT to run at all.
	Enabled bool `yaml:"enabled"`
	// Mode is the mode the manager starts in.
	Mode dht.Mode `yaml:"mode"`
	// LocalAddr is the address the engine binds to, "ip:port".
	LocalAddr string `yaml:"local_addr"`
	// Firewalled marks the local node as unreachable from outside.
	Firewalled bool `yaml:"firewalled"`

	RouteTable routing.Config           `yaml:"route_table"`
	Bootstrap  bootstrap.Config         `yaml:"bootstrap"`
	Fetcher    fetcher.Config           `yaml:"fetcher"`
	Pinger     maintenance.PingerConfig `yaml:"pinger"`
	Pusher     maintenance.PusherConfig `yaml:"pusher"`
	Adder      maintenance.AdderConfig  `yaml:"adder"`
	Store      store.Config             `yaml:"store"`

	PersistActive   bool          `yaml:"persist_active"`
	PersistPassive  bool          `yaml:"persist_passive"`
	LeafPingTimeout time.Duration `yaml:"leaf_ping_timeout"`
}

// Default returns the default configuration: enabled, inactive until a mode
// is chosen, listening on the Gnutella port of every interface.
func Default() Config {
	ctrl := controller.DefaultConfig()
	return Config{
		Enabled:         true,
		Mode:            dht.Inactive,
		LocalAddr:       "0.0.0.0:6346",
		RouteTable:      ctrl.RouteTable,
		Bootstrap:       ctrl.Bootstrap,
		Fetcher:         ctrl.Fetcher,
		Pinger:          ctrl.Pinger,
		Pusher:          ctrl.Pusher,
		Adder:           ctrl.Adder,
		Store:           store.DefaultConfig(),
		PersistActive:   ctrl.PersistActive,
		PersistPassive:  ctrl.PersistPassive,
		LeafPingTimeout: ctrl.LeafPingTimeout,
	}
}

// Load reads the YAML file at path on top of the defaults and validates
// the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Marshal encodes the configuration as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate checks every section and reports all problems at once.
func (c Config) Validate() error {
	var err error
	if !c.Mode.IsValid() {
		err = multierr.Append(err, fmt.Errorf("config: unknown mode %s", c.Mode))
	}
	if _, perr := c.Addr(); perr != nil {
		err = multierr.Append(err, perr)
	}
	if c.LeafPingTimeout <= 0 {
		err = multierr.Append(err, errors.New("config: leaf_ping_timeout must be positive"))
	}
	for _, v := range []interface{ Validate() error }{
		c.RouteTable, c.Bootstrap, c.Fetcher, c.Pinger, c.Pusher, c.Adder, c.Store,
	} {
		err = multierr.Append(err, v.Validate())
	}
	return err
}

// Addr parses LocalAddr.
func (c Config) Addr() (netip.AddrPort, error) {
	addr, err := netip.ParseAddrPort(c.LocalAddr)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("config: invalid local_addr %q: %w", c.LocalAddr, err)
	}
	return addr, nil
}

// Controller returns the controller parameters for the node id.
func (c Config) Controller(id routing.KUID) controller.Config {
	addr, _ := c.Addr()
	return controller.Config{
		LocalID:         id,
		Addr:            addr,
		Firewalled:      c.Firewalled,
		RouteTable:      c.RouteTable,
		Bootstrap:       c.Bootstrap,
		Fetcher:         c.Fetcher,
		Pinger:          c.Pinger,
		Pusher:          c.Pusher,
		Adder:           c.Adder,
		PersistActive:   c.PersistActive,
		PersistPassive:  c.PersistPassive,
		LeafPingTimeout: c.LeafPingTimeout,
	}
}
