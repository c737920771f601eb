// Package mock provides in-memory implementations of the DHT engine and
// the gossip network for tests.
package mock

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/opd-ai/limedht/dht"
	"github.com/opd-ai/limedht/routing"
)

// PingFunc customizes Engine.Ping.
type PingFunc func(ctx context.Context, addr netip.AddrPort) (*routing.Contact, error)

// BootstrapFunc customizes Engine.Bootstrap.
type BootstrapFunc func(ctx context.Context, c *routing.Contact) error

// Engine implements dht.Engine in memory. By default every ping answers
// with a fresh contact and every bootstrap succeeds.
type Engine struct {
	config dht.EngineConfig
	local  *routing.Contact

	mu            sync.Mutex
	pingFunc      PingFunc
	bootstrapFunc BootstrapFunc
	startErr      error
	started       bool
	closed        bool
	ready         bool
	booting       bool
	pings         []netip.AddrPort
	joins         []*routing.Contact
	values        map[routing.KUID][]dht.Value
}

// NewEngine creates an engine for cfg.
func NewEngine(cfg dht.EngineConfig) *Engine {
	local := routing.NewContact(cfg.LocalID, cfg.Addr, time.Now())
	local.Firewalled = cfg.Firewalled
	return &Engine{
		config: cfg,
		local:  local,
		values: make(map[routing.KUID][]dht.Value),
	}
}

// ContactFor returns a live contact with a random ID at addr.
func ContactFor(addr netip.AddrPort) *routing.Contact {
	return routing.NewContact(routing.RandomKUID(), addr, time.Now())
}

// SetPingFunc replaces the ping behavior.
func (e *Engine) SetPingFunc(f PingFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pingFunc = f
}

// SetBootstrapFunc replaces the bootstrap behavior.
func (e *Engine) SetBootstrapFunc(f BootstrapFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bootstrapFunc = f
}

// SetStartError makes Start fail with err.
func (e *Engine) SetStartError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startErr = err
}

// SetReady forces the ready flag.
func (e *Engine) SetReady(ready bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ready = ready
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() dht.EngineConfig {
	return e.config
}

// Start implements dht.Engine.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.startErr != nil {
		return e.startErr
	}
	e.started = true
	return nil
}

// IsStarted reports whether Start succeeded.
func (e *Engine) IsStarted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

// Ping implements dht.Engine.
func (e *Engine) Ping(ctx context.Context, addr netip.AddrPort) (*routing.Contact, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, dht.ErrClosed
	}
	e.pings = append(e.pings, addr)
	f := e.pingFunc
	e.mu.Unlock()

	if f == nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c := ContactFor(addr)
		e.learn(c)
		return c, nil
	}
	c, err := f(ctx, addr)
	if err == nil && c != nil {
		e.learn(c)
	}
	return c, err
}

// PingContacts implements dht.Engine by pinging each contact in turn.
func (e *Engine) PingContacts(ctx context.Context, contacts []*routing.Contact) (*routing.Contact, error) {
	var lastErr error = context.DeadlineExceeded
	for _, c := range contacts {
		got, err := e.Ping(ctx, c.Addr)
		if err == nil {
			return got, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// Bootstrap implements dht.Engine.
func (e *Engine) Bootstrap(ctx context.Context, c *routing.Contact) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return dht.ErrClosed
	}
	e.joins = append(e.joins, c)
	e.booting = true
	f := e.bootstrapFunc
	e.mu.Unlock()

	var err error
	if f != nil {
		err = f(ctx, c)
	} else {
		err = ctx.Err()
	}

	e.mu.Lock()
	e.booting = false
	if err == nil {
		e.ready = true
	}
	e.mu.Unlock()
	if err == nil {
		e.learn(c)
	}
	return err
}

func (e *Engine) learn(c *routing.Contact) {
	if e.config.RouteTable != nil && c.ID != e.local.ID {
		e.config.RouteTable.Add(c)
	}
}

// Pings returns the pinged addresses in order.
func (e *Engine) Pings() []netip.AddrPort {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]netip.AddrPort(nil), e.pings...)
}

// Joins returns the contacts bootstrapped from, in order.
func (e *Engine) Joins() []*routing.Contact {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*routing.Contact(nil), e.joins...)
}

// IsReady implements dht.Engine.
func (e *Engine) IsReady() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready
}

// IsBooting implements dht.Engine.
func (e *Engine) IsBooting() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.booting
}

// LocalNode implements dht.Engine.
func (e *Engine) LocalNode() *routing.Contact {
	return e.local
}

// RouteTable implements dht.Engine.
func (e *Engine) RouteTable() routing.RouteTable {
	return e.config.RouteTable
}

// Put implements dht.Engine.
func (e *Engine) Put(ctx context.Context, key routing.KUID, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ready {
		return dht.ErrNotReady
	}
	e.values[key] = append(e.values[key], dht.Value{Key: key, Creator: e.local.ID, Data: data})
	return nil
}

// Get implements dht.Engine.
func (e *Engine) Get(ctx context.Context, key routing.KUID) ([]dht.Value, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ready {
		return nil, dht.ErrNotReady
	}
	return append([]dht.Value(nil), e.values[key]...), nil
}

// Close implements dht.Engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.ready = false
	return nil
}

// IsClosed reports whether Close was called.
func (e *Engine) IsClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Factory builds mock engines and remembers them.
type Factory struct {
	// Configure, when set, runs on every engine before it is returned.
	Configure func(*Engine)
	// Err, when set, makes New fail.
	Err error

	mu      sync.Mutex
	engines []*Engine
}

// New implements dht.EngineFactory.
func (f *Factory) New(cfg dht.EngineConfig) (dht.Engine, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	e := NewEngine(cfg)
	if f.Configure != nil {
		f.Configure(e)
	}
	f.mu.Lock()
	f.engines = append(f.engines, e)
	f.mu.Unlock()
	return e, nil
}

// Engines returns every engine built so far.
func (f *Factory) Engines() []*Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Engine(nil), f.engines...)
}

// Last returns the most recently built engine, or nil.
func (f *Factory) Last() *Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.engines) == 0 {
		return nil
	}
	return f.engines[len(f.engines)-1]
}
