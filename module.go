package limedht

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/multierr"

	"github.com/opd-ai/limedht/config"
	"github.com/opd-ai/limedht/dht"
	"github.com/opd-ai/limedht/gossip"
	"github.com/opd-ai/limedht/metrics"
	"github.com/opd-ai/limedht/store"
)

// Module provides the Manager to an fx application. The application
// supplies config.Config, dht.EngineFactory and gossip.Network, and may
// supply a clock.Clock and a prometheus.Registerer.
func Module() fx.Option {
	return fx.Module("limedht",
		fx.Provide(
			newMetrics,
			newStore,
			newManager,
		),
		fx.Invoke(registerLifecycle),
	)
}

// MetricsParams are the dependencies of the metrics collectors.
type MetricsParams struct {
	fx.In

	Registerer prometheus.Registerer `optional:"true"`
}

func newMetrics(p MetricsParams) (*metrics.Metrics, error) {
	return metrics.New(p.Registerer)
}

// newStore opens the contact store when any mode persists its contacts.
func newStore(cfg config.Config) (*store.ContactStore, error) {
	if !cfg.PersistActive && !cfg.PersistPassive {
		return nil, nil
	}
	return store.Open(cfg.Store)
}

// ManagerParams are the dependencies of the Manager.
type ManagerParams struct {
	fx.In

	Config  config.Config
	Engines dht.EngineFactory
	Network gossip.Network
	Metrics *metrics.Metrics
	Store   *store.ContactStore
	Clock   clock.Clock `optional:"true"`
}

func newManager(p ManagerParams) *Manager {
	opts := []Option{WithMetrics(p.Metrics)}
	if p.Store != nil {
		opts = append(opts, WithStore(p.Store))
	}
	if p.Clock != nil {
		opts = append(opts, WithClock(p.Clock))
	}
	return NewManager(p.Config, p.Engines, p.Network, opts...)
}

// registerLifecycle starts the configured mode with the application and
// closes the manager, then the store, on shutdown.
func registerLifecycle(lc fx.Lifecycle, cfg config.Config, m *Manager, s *store.ContactStore) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if !cfg.Enabled || cfg.Mode == dht.Inactive {
				return nil
			}
			return m.Start(ctx, cfg.Mode)
		},
		OnStop: func(context.Context) error {
			err := m.Close()
			if s != nil {
				err = multierr.Append(err, s.Close())
			}
			return err
		},
	})
}
