package maintenance

import (
	"context"
	"net/netip"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/limedht/routing"
	"github.com/opd-ai/limedht/schedule"
)

// NodeAdder periodically pings the most recent DHT nodes seen on the
// Gnutella network so that they enter the route table. This works against
// the DHT splitting into clusters that only know each other.
type NodeAdder struct {
	pinger    routing.Pinger
	scheduler *schedule.Scheduler
	config    AdderConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	nodes   *simplelru.LRU[netip.AddrPort, struct{}]
	task    *schedule.Task
	running bool
	closed  bool
}

// NewNodeAdder creates a stopped NodeAdder.
func NewNodeAdder(pinger routing.Pinger, sched *schedule.Scheduler, config AdderConfig) *NodeAdder {
	def := DefaultAdderConfig()
	if config.Delay <= 0 {
		config.Delay = def.Delay
	}
	if config.MaxNodes <= 0 {
		config.MaxNodes = def.MaxNodes
	}
	if config.PingTimeout <= 0 {
		config.PingTimeout = def.PingTimeout
	}
	nodes, _ := simplelru.NewLRU[netip.AddrPort, struct{}](config.MaxNodes, nil)
	ctx, cancel := context.WithCancel(context.Background())
	return &NodeAdder{
		pinger:    pinger,
		scheduler: sched,
		config:    config,
		ctx:       ctx,
		cancel:    cancel,
		nodes:     nodes,
	}
}

// Start arms the periodic task. It is a no-op while running.
func (a *NodeAdder) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running || a.closed {
		return
	}
	a.running = true
	a.armLocked()
}

func (a *NodeAdder) armLocked() {
	if a.task == nil && a.nodes.Len() > 0 {
		a.task = a.scheduler.Every(a.config.Delay, a.config.Delay, a.tick)
	}
}

// Add queues addr. Only the most recent MaxNodes addresses are kept.
func (a *NodeAdder) Add(addr netip.AddrPort) {
	if !addr.IsValid() {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.nodes.Add(addr, struct{}{})
	if a.running {
		a.armLocked()
	}
}

// IsRunning reports whether Start was called without a later Stop.
func (a *NodeAdder) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Len returns the number of queued addresses.
func (a *NodeAdder) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nodes.Len()
}

func (a *NodeAdder) tick() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	addrs := a.nodes.Keys()
	a.nodes.Purge()
	if len(addrs) == 0 && a.task != nil {
		a.task.Cancel()
		a.task = nil
	}
	a.wg.Add(len(addrs))
	a.mu.Unlock()

	for _, addr := range addrs {
		go func() {
			defer a.wg.Done()
			ctx, cancel := a.scheduler.Clock().WithTimeout(a.ctx, a.config.PingTimeout)
			defer cancel()
			if _, err := a.pinger.Ping(ctx, addr); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "NodeAdder.tick",
					"addr":     addr.String(),
					"error":    err.Error(),
				}).Debug("Node adder ping failed")
			}
		}()
	}
}

// Stop cancels the task and drops queued addresses.
func (a *NodeAdder) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopLocked()
}

func (a *NodeAdder) stopLocked() {
	if a.task != nil {
		a.task.Cancel()
		a.task = nil
	}
	a.nodes.Purge()
	a.running = false
}

// Close stops the adder, cancels outstanding pings and waits for them.
func (a *NodeAdder) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.stopLocked()
	a.mu.Unlock()

	a.cancel()
	a.wg.Wait()
	return nil
}
