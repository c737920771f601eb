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

// ContactPinger keeps a passive node's contacts alive by pinging one
// queued address per tick, oldest first.
type ContactPinger struct {
	pinger    routing.Pinger
	scheduler *schedule.Scheduler
	config    PingerConfig

	mu     sync.Mutex
	queue  *simplelru.LRU[netip.AddrPort, struct{}]
	task   *schedule.Task
	cancel context.CancelFunc
	seq    uint64
	closed bool
	wg     sync.WaitGroup
}

// NewContactPinger creates an idle pinger.
func NewContactPinger(pinger routing.Pinger, sched *schedule.Scheduler, config PingerConfig) *ContactPinger {
	def := DefaultPingerConfig()
	if config.Period <= 0 {
		config.Period = def.Period
	}
	if config.MaxContacts <= 0 {
		config.MaxContacts = def.MaxContacts
	}
	if config.PingTimeout <= 0 {
		config.PingTimeout = def.PingTimeout
	}
	queue, _ := simplelru.NewLRU[netip.AddrPort, struct{}](config.MaxContacts, nil)
	return &ContactPinger{
		pinger:    pinger,
		scheduler: sched,
		config:    config,
		queue:     queue,
	}
}

// Add queues addr. When the queue is full the oldest address is dropped.
func (p *ContactPinger) Add(addr netip.AddrPort) {
	if !addr.IsValid() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.queue.Add(addr, struct{}{})
	if p.task == nil {
		p.task = p.scheduler.Every(p.config.Period, p.config.Period, p.tick)
	}
}

// Len returns the number of queued addresses.
func (p *ContactPinger) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

// IsScheduled reports whether the ping task is armed.
func (p *ContactPinger) IsScheduled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.task != nil
}

func (p *ContactPinger) tick() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	addr, _, ok := p.queue.RemoveOldest()
	if !ok {
		if p.task != nil {
			p.task.Cancel()
			p.task = nil
		}
		return
	}

	if p.cancel != nil {
		p.cancel()
	}
	ctx, cancel := p.scheduler.Clock().WithTimeout(context.Background(), p.config.PingTimeout)
	p.cancel = cancel
	p.seq++
	seq := p.seq

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer cancel()
		c, err := p.pinger.Ping(ctx, addr)
		fields := logrus.Fields{
			"function": "ContactPinger.tick",
			"addr":     addr.String(),
		}
		if err != nil {
			fields["error"] = err.Error()
			logrus.WithFields(fields).Debug("Contact ping failed")
		} else if c != nil {
			fields["contact"] = c.ID.ShortString()
			logrus.WithFields(fields).Debug("Contact answered ping")
		}

		p.mu.Lock()
		if p.seq == seq {
			p.cancel = nil
		}
		p.mu.Unlock()
	}()
}

// Close cancels the task and any outstanding ping and waits for it.
func (p *ContactPinger) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.task != nil {
		p.task.Cancel()
		p.task = nil
	}
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.queue.Purge()
	p.mu.Unlock()

	p.wg.Wait()
	return nil
}
