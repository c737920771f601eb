// Package limedht manages a Gnutella node's participation in a Kademlia
// DHT.
//
// A node takes part in one of four modes. Active nodes are full DHT
// participants. Passive nodes are firewalled ultrapeers that use the DHT and
// give priority to their leaves running DHT nodes. Passive leaves receive
// contacts from their ultrapeer. Inactive nodes stay out of the DHT. The
// [Manager] switches between modes, builds the controller for each and
// routes gossip network events to it.
//
// # Getting Started
//
// The Kademlia engine and the gossip network are supplied by the caller:
//
//	cfg, err := config.Load("dht.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	mgr := limedht.NewManager(cfg, engineFactory, network,
//	    limedht.WithStore(contactStore))
//	defer mgr.Close()
//
//	mgr.AddEventListener(func(ev limedht.Event) {
//	    log.Printf("DHT %s in %s mode", ev.Type, ev.Mode)
//	})
//
//	if err := mgr.Start(ctx, dht.Active); err != nil {
//	    log.Fatal(err)
//	}
//
// Connection events from the gossip network feed bootstrap candidates:
//
//	mgr.HandleConnectionLifecycleEvent(gossip.ConnectionEvent{
//	    Type:       gossip.ConnectionCapabilities,
//	    Connection: conn,
//	})
//
// # Bootstrapping
//
// A controller first pings persisted contacts, then candidates reported by
// the gossip network, then one configured fallback host, and finally asks
// the network for DHT nodes until one answers. A node ID collision makes the
// manager pick a new ID and restart in the same mode.
//
// # Dependency Injection
//
// [Module] provides the Manager to go.uber.org/fx applications. The
// application supplies a config.Config, a dht.EngineFactory and a
// gossip.Network; the module starts the configured mode and closes the
// manager on shutdown.
//
// # Packages
//
//   - routing: KUIDs, contacts and the route table variants
//   - bootstrap: the join sequence
//   - fetcher: discovery of DHT nodes through the gossip network
//   - maintenance: pinger, pusher and node adder loops
//   - controller: the per-mode controllers
//   - config: YAML configuration
package limedht
