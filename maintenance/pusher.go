package maintenance

import (
	"context"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/limedht/gossip"
	"github.com/opd-ai/limedht/metrics"
	"github.com/opd-ai/limedht/routing"
	"github.com/opd-ai/limedht/schedule"
)

// ContactPusher buffers recently seen contacts and periodically forwards
// them to the passive leaves we act as push proxy for.
type ContactPusher struct {
	network   gossip.Network
	scheduler *schedule.Scheduler
	config    PusherConfig
	metrics   *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	buffer *simplelru.LRU[routing.KUID, *routing.Contact]
	task   *schedule.Task
	closed bool
}

// NewContactPusher creates an idle pusher.
func NewContactPusher(network gossip.Network, sched *schedule.Scheduler, config PusherConfig, m *metrics.Metrics) *ContactPusher {
	def := DefaultPusherConfig()
	if config.Period <= 0 {
		config.Period = def.Period
	}
	if config.MaxContacts <= 0 {
		config.MaxContacts = def.MaxContacts
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = def.SendTimeout
	}
	if config.Parallelism <= 0 {
		config.Parallelism = def.Parallelism
	}
	buffer, _ := simplelru.NewLRU[routing.KUID, *routing.Contact](config.MaxContacts, nil)
	ctx, cancel := context.WithCancel(context.Background())
	return &ContactPusher{
		network:   network,
		scheduler: sched,
		config:    config,
		metrics:   m,
		ctx:       ctx,
		cancel:    cancel,
		buffer:    buffer,
	}
}

// Add buffers c for the next push. It does nothing when forwarding is
// disabled.
func (p *ContactPusher) Add(c *routing.Contact) {
	if c == nil || !p.config.Enabled {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.buffer.Add(c.ID, c)
	if p.task == nil {
		p.task = p.scheduler.Every(p.config.Period, p.config.Period, p.tick)
	}
}

// HandleRouteTableEvent buffers contacts added to or updated in a route
// table. It is meant to be registered with RouteTable.AddListener.
func (p *ContactPusher) HandleRouteTableEvent(ev routing.Event) {
	switch ev.Type {
	case routing.EventAddActive, routing.EventAddCached, routing.EventUpdate:
		p.Add(ev.Contact)
	}
}

// Len returns the number of buffered contacts.
func (p *ContactPusher) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffer.Len()
}

// IsScheduled reports whether the push task is armed.
func (p *ContactPusher) IsScheduled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.task != nil
}

func (p *ContactPusher) tick() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if p.buffer.Len() == 0 {
		if p.task != nil {
			p.task.Cancel()
			p.task = nil
		}
		p.mu.Unlock()
		return
	}
	// Values is oldest first; leaves get the newest contacts first.
	contacts := p.buffer.Values()
	for i, j := 0, len(contacts)-1; i < j; i, j = i+1, j-1 {
		contacts[i], contacts[j] = contacts[j], contacts[i]
	}
	p.buffer.Purge()
	p.mu.Unlock()

	p.push(contacts)
}

func (p *ContactPusher) push(contacts []*routing.Contact) {
	var targets []gossip.Connection
	for _, conn := range p.network.Connections() {
		if conn.IsPushProxyFor() && conn.Capabilities().IsPassiveLeaf() {
			targets = append(targets, conn)
		}
	}
	if len(targets) == 0 {
		return
	}

	ctx, cancel := p.scheduler.Clock().WithTimeout(p.ctx, p.config.SendTimeout)
	defer cancel()

	var g errgroup.Group
	g.SetLimit(p.config.Parallelism)
	for _, conn := range targets {
		g.Go(func() error {
			if err := conn.SendContacts(ctx, contacts); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "ContactPusher.push",
					"peer":     conn.Addr().String(),
					"error":    err.Error(),
				}).Debug("Failed to forward contacts")
				return err
			}
			p.metrics.Push(len(contacts))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ContactPusher.push",
			"targets":  len(targets),
			"contacts": len(contacts),
			"error":    err.Error(),
		}).Warn("Contact forwarding incomplete")
	}
}

// Close cancels the task and any send in progress.
func (p *ContactPusher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.task != nil {
		p.task.Cancel()
		p.task = nil
	}
	p.buffer.Purge()
	p.cancel()
	return nil
}
