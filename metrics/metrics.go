// Package metrics holds the Prometheus collectors shared by the bootstrap,
// discovery and maintenance components. A nil *Metrics is valid and records
// nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

const namespace = "limedht"

// Result label values.
const (
	ResultSuccess   = "success"
	ResultFailure   = "failure"
	ResultCancelled = "cancelled"
	ResultCollision = "collision"
)

// Metrics groups the collectors.
type Metrics struct {
	Pings       *prometheus.CounterVec
	Joins       *prometheus.CounterVec
	Collisions  prometheus.Counter
	Ready       prometheus.Counter
	Probes      prometheus.Counter
	Discovered  prometheus.Counter
	Pushed      prometheus.Counter
	ModeChanges *prometheus.CounterVec
	Contacts    *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg when it is not nil.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Pings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bootstrap",
			Name:      "pings_total",
			Help:      "Bootstrap pings by result.",
		}, []string{"result"}),
		Joins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bootstrap",
			Name:      "joins_total",
			Help:      "Bootstrap join attempts by result.",
		}, []string{"result"}),
		Collisions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bootstrap",
			Name:      "collisions_total",
			Help:      "Node ID collisions reported while joining.",
		}),
		Ready: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bootstrap",
			Name:      "ready_total",
			Help:      "Completed bootstraps.",
		}),
		Probes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetcher",
			Name:      "probes_total",
			Help:      "Capability probes sent to gossip hosts.",
		}),
		Discovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetcher",
			Name:      "discovered_total",
			Help:      "DHT addresses reported to the bootstrap manager.",
		}),
		Pushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "maintenance",
			Name:      "pushed_contacts_total",
			Help:      "Contacts forwarded to passive leaves.",
		}),
		ModeChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mode_changes_total",
			Help:      "Controller starts by mode.",
		}, []string{"mode"}),
		Contacts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "contacts",
			Help:      "Route table contacts by kind.",
		}, []string{"kind"}),
	}

	if reg == nil {
		return m, nil
	}
	var err error
	for _, c := range m.collectors() {
		err = multierr.Append(err, reg.Register(c))
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Pings, m.Joins, m.Collisions, m.Ready, m.Probes,
		m.Discovered, m.Pushed, m.ModeChanges, m.Contacts,
	}
}

// Ping records a bootstrap ping outcome. Collisions also bump the collision
// counter.
func (m *Metrics) Ping(result string) {
	if m == nil {
		return
	}
	m.Pings.WithLabelValues(result).Inc()
	if result == ResultCollision {
		m.Collisions.Inc()
	}
}

// Join records a join outcome. Collisions also bump the collision counter.
func (m *Metrics) Join(result string) {
	if m == nil {
		return
	}
	m.Joins.WithLabelValues(result).Inc()
	switch result {
	case ResultCollision:
		m.Collisions.Inc()
	case ResultSuccess:
		m.Ready.Inc()
	}
}

// Probe records n capability probes.
func (m *Metrics) Probe(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Probes.Add(float64(n))
}

// Discover records n addresses handed to the bootstrap manager.
func (m *Metrics) Discover(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Discovered.Add(float64(n))
}

// Push records n forwarded contacts.
func (m *Metrics) Push(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Pushed.Add(float64(n))
}

// ModeChange records a controller start.
func (m *Metrics) ModeChange(mode string) {
	if m == nil {
		return
	}
	m.ModeChanges.WithLabelValues(mode).Inc()
}

// SetContacts sets the route table gauges.
func (m *Metrics) SetContacts(active, cached int) {
	if m == nil {
		return
	}
	m.Contacts.WithLabelValues("active").Set(float64(active))
	m.Contacts.WithLabelValues("cached").Set(float64(cached))
}
