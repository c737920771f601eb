// Package fetcher discovers DHT bootstrap candidates through the Gnutella
// network while the bootstrap manager has nothing left to try.
package fetcher

import (
	"cmp"
	"context"
	"errors"
	"math/rand/v2"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/opd-ai/limedht/gossip"
	"github.com/opd-ai/limedht/metrics"
	"github.com/opd-ai/limedht/routing"
	"github.com/opd-ai/limedht/schedule"
)

// Sink receives discovered addresses.
type Sink interface {
	// AddActiveNode reports the address of a live DHT node.
	AddActiveNode(addr netip.AddrPort)
	// IsWaitingForNodes reports whether more candidates are useful.
	IsWaitingForNodes() bool
}

// Config holds NodeFetcher parameters.
type Config struct {
	// Period is the mean delay between ticks.
	Period time.Duration `yaml:"period"`
	// Jitter randomizes each delay by up to this fraction of Period.
	Jitter float64 `yaml:"jitter"`
	// MaxProbes caps the hosts probed in one tick.
	MaxProbes int `yaml:"max_probes"`
	// ProbeRate limits probes per second across ticks.
	ProbeRate float64 `yaml:"probe_rate"`
	// ProbeBurst is the probe limiter's bucket size.
	ProbeBurst int `yaml:"probe_burst"`
	// PingTimeout bounds a single-address probe.
	PingTimeout time.Duration `yaml:"ping_timeout"`
	// FilterClassC keeps one reported address per class C network.
	FilterClassC bool `yaml:"filter_class_c"`
}

// DefaultConfig returns the standard fetcher parameters.
func DefaultConfig() Config {
	return Config{
		Period:       30 * time.Second,
		Jitter:       0.2,
		MaxProbes:    10,
		ProbeRate:    1,
		ProbeBurst:   10,
		PingTimeout:  10 * time.Second,
		FilterClassC: true,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.Period <= 0:
		return errors.New("fetcher: period must be positive")
	case c.Jitter < 0 || c.Jitter >= 1:
		return errors.New("fetcher: jitter must be in [0, 1)")
	case c.MaxProbes <= 0:
		return errors.New("fetcher: max_probes must be positive")
	case c.ProbeRate <= 0 || c.ProbeBurst <= 0:
		return errors.New("fetcher: probe_rate and probe_burst must be positive")
	case c.PingTimeout <= 0:
		return errors.New("fetcher: ping_timeout must be positive")
	}
	return nil
}

// NodeFetcher periodically asks the Gnutella network for DHT nodes and
// reports them to a Sink.
type NodeFetcher struct {
	network   gossip.Network
	sink      Sink
	scheduler *schedule.Scheduler
	config    Config
	metrics   *metrics.Metrics
	limiter   *rate.Limiter
	period    *backoff.ExponentialBackOff

	ctx    context.Context
	cancel context.CancelFunc

	pinging  atomic.Bool
	pingGUID atomic.Pointer[uuid.UUID]

	mu          sync.Mutex
	task        *schedule.Task
	outstanding map[uuid.UUID]time.Time
	closed      bool
}

// New creates a stopped NodeFetcher. The scheduler is owned by the caller.
func New(network gossip.Network, sink Sink, sched *schedule.Scheduler, config Config, m *metrics.Metrics) *NodeFetcher {
	def := DefaultConfig()
	if config.Period <= 0 {
		config.Period = def.Period
	}
	if config.MaxProbes <= 0 {
		config.MaxProbes = def.MaxProbes
	}
	if config.ProbeRate <= 0 {
		config.ProbeRate = def.ProbeRate
	}
	if config.ProbeBurst <= 0 {
		config.ProbeBurst = def.ProbeBurst
	}
	if config.PingTimeout <= 0 {
		config.PingTimeout = def.PingTimeout
	}

	period := backoff.NewExponentialBackOff()
	period.InitialInterval = config.Period
	period.MaxInterval = config.Period
	period.Multiplier = 1
	period.RandomizationFactor = config.Jitter
	period.MaxElapsedTime = 0
	period.Clock = sched.Clock()
	period.Reset()

	ctx, cancel := context.WithCancel(context.Background())
	return &NodeFetcher{
		network:     network,
		sink:        sink,
		scheduler:   sched,
		config:      config,
		metrics:     m,
		limiter:     rate.NewLimiter(rate.Limit(config.ProbeRate), config.ProbeBurst),
		period:      period,
		ctx:         ctx,
		cancel:      cancel,
		outstanding: make(map[uuid.UUID]time.Time),
	}
}

// Start schedules the periodic fetch with a random initial delay in
// [0, Period). It is a no-op when already running or closed.
func (f *NodeFetcher) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.task != nil {
		return
	}
	initial := time.Duration(rand.Int64N(int64(f.config.Period)))
	f.task = f.scheduler.ScheduleFunc(initial, f.period.NextBackOff, f.tick)

	logrus.WithFields(logrus.Fields{
		"function":      "Start",
		"initial_delay": initial.String(),
	}).Debug("DHT node fetcher started")
}

// Stop cancels the periodic fetch. It is a no-op when not running.
func (f *NodeFetcher) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopLocked()
}

func (f *NodeFetcher) stopLocked() {
	if f.task == nil {
		return
	}
	f.task.Cancel()
	f.task = nil
	logrus.WithFields(logrus.Fields{
		"function": "Stop",
	}).Debug("DHT node fetcher stopped")
}

// IsRunning reports whether the periodic fetch is scheduled.
func (f *NodeFetcher) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.task != nil
}

// Close stops the fetcher for good and abandons outstanding probes.
func (f *NodeFetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.stopLocked()
	f.closed = true
	f.outstanding = make(map[uuid.UUID]time.Time)
	f.cancel()
	return nil
}

// Ping probes a single address. Only one such probe is outstanding at a
// time; Ping returns false when the probe was not sent.
func (f *NodeFetcher) Ping(addr netip.AddrPort) bool {
	if !addr.IsValid() || !f.pinging.CompareAndSwap(false, true) {
		return false
	}

	guid := uuid.New()
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		f.pinging.Store(false)
		return false
	}
	f.outstanding[guid] = f.scheduler.Clock().Now().Add(f.config.PingTimeout)
	f.mu.Unlock()
	f.pingGUID.Store(&guid)

	req := gossip.ProbeRequest{GUID: guid, Addrs: []netip.AddrPort{addr}}
	if err := f.network.SendProbe(f.ctx, req, f.handleReply); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Ping",
			"addr":     addr.String(),
			"error":    err.Error(),
		}).Debug("Failed to send DHT probe")
		f.forget(guid)
		f.clearPing(guid)
		return false
	}
	f.metrics.Probe(1)

	f.scheduler.Schedule(f.config.PingTimeout, func() {
		f.forget(guid)
		f.clearPing(guid)
	})
	return true
}

// IsPinging reports whether a single-address probe is outstanding.
func (f *NodeFetcher) IsPinging() bool {
	return f.pinging.Load()
}

func (f *NodeFetcher) clearPing(guid uuid.UUID) {
	if cur := f.pingGUID.Load(); cur != nil && *cur == guid {
		f.pingGUID.Store(nil)
		f.pinging.Store(false)
	}
}

func (f *NodeFetcher) forget(guid uuid.UUID) {
	f.mu.Lock()
	delete(f.outstanding, guid)
	f.mu.Unlock()
}

func (f *NodeFetcher) tick() {
	if !f.network.IsConnected() || !f.sink.IsWaitingForNodes() {
		return
	}
	f.pruneExpired()

	if active := f.activeDHTPeers(); len(active) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "tick",
			"count":    len(active),
		}).Debug("Reporting connected active DHT nodes")
		f.report(active)
		return
	}

	targets := f.probeTargets()
	if len(targets) == 0 {
		return
	}
	f.sendProbe(targets)
}

func (f *NodeFetcher) activeDHTPeers() []netip.AddrPort {
	var addrs []netip.AddrPort
	for _, c := range f.network.Connections() {
		if c.Capabilities().IsActiveDHT() && c.Addr().IsValid() {
			addrs = append(addrs, c.Addr())
		}
	}
	return addrs
}

// probeTargets ranks known DHT capable hosts by responsiveness, or falls
// back to every known host, and applies the rate limit.
func (f *NodeFetcher) probeTargets() []netip.AddrPort {
	hosts := f.network.KnownHosts()
	capable := make([]gossip.Host, 0, len(hosts))
	for _, h := range hosts {
		if h.DHTCapable {
			capable = append(capable, h)
		}
	}

	candidates := hosts
	limit := len(hosts)
	if len(capable) > 0 {
		slices.SortStableFunc(capable, func(a, b gossip.Host) int {
			return cmp.Compare(b.Responsiveness, a.Responsiveness)
		})
		candidates = capable
		limit = f.config.MaxProbes
	}

	now := f.scheduler.Clock().Now()
	targets := make([]netip.AddrPort, 0, min(limit, len(candidates)))
	for _, h := range candidates {
		if len(targets) >= limit {
			break
		}
		if !h.Addr.IsValid() {
			continue
		}
		if !f.limiter.AllowN(now, 1) {
			logrus.WithFields(logrus.Fields{
				"function": "probeTargets",
				"sent":     len(targets),
			}).Debug("Probe rate limit reached")
			break
		}
		targets = append(targets, h.Addr)
	}
	return targets
}

func (f *NodeFetcher) sendProbe(targets []netip.AddrPort) {
	guid := uuid.New()
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.outstanding[guid] = f.scheduler.Clock().Now().Add(2 * f.config.Period)
	f.mu.Unlock()

	req := gossip.ProbeRequest{GUID: guid, Addrs: targets}
	if err := f.network.SendProbe(f.ctx, req, f.handleReply); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendProbe",
			"targets":  len(targets),
			"error":    err.Error(),
		}).Warn("Failed to send DHT probes")
		f.forget(guid)
		return
	}
	f.metrics.Probe(len(targets))
	logrus.WithFields(logrus.Fields{
		"function": "sendProbe",
		"targets":  len(targets),
		"guid":     guid.String(),
	}).Debug("Sent DHT capability probes")
}

func (f *NodeFetcher) pruneExpired() {
	now := f.scheduler.Clock().Now()
	f.mu.Lock()
	defer f.mu.Unlock()
	for guid, expiry := range f.outstanding {
		if now.After(expiry) {
			delete(f.outstanding, guid)
		}
	}
}

// handleReply matches a probe reply to an outstanding probe and reports
// the addresses it carries.
func (f *NodeFetcher) handleReply(reply gossip.ProbeReply) {
	f.mu.Lock()
	expiry, ok := f.outstanding[reply.GUID]
	closed := f.closed
	f.mu.Unlock()

	if closed || !ok || f.scheduler.Clock().Now().After(expiry) {
		logrus.WithFields(logrus.Fields{
			"function": "handleReply",
			"guid":     reply.GUID.String(),
		}).Debug("Ignoring unsolicited probe reply")
		return
	}
	f.clearPing(reply.GUID)

	addrs := f.filter(reply.DHTHosts)
	if len(addrs) == 0 {
		return
	}
	f.report(addrs)
}

func (f *NodeFetcher) filter(hosts []netip.AddrPort) []netip.AddrPort {
	seen := make(map[netip.Prefix]struct{}, len(hosts))
	out := make([]netip.AddrPort, 0, len(hosts))
	for _, addr := range hosts {
		if !addr.IsValid() || addr.Port() == 0 {
			continue
		}
		if f.config.FilterClassC {
			class := routing.NetworkClass(addr.Addr())
			if _, dup := seen[class]; dup {
				continue
			}
			seen[class] = struct{}{}
		}
		out = append(out, addr)
	}
	return out
}

// report hands addrs to the sink. It must not be called with f.mu held.
func (f *NodeFetcher) report(addrs []netip.AddrPort) {
	for _, addr := range addrs {
		f.sink.AddActiveNode(addr)
	}
	f.metrics.Discover(len(addrs))
}
