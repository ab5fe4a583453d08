/*
Package manager implements the Burrow main process runtime.

The manager owns every long-lived component of the main process and wires
them together on one event loop. There are no package-level singletons
apart from the Prometheus registry and the health table; two managers can
run in one test binary.

# Architecture

	┌──────────────────────── MANAGER ─────────────────────────────┐
	│                                                                │
	│  ┌─────────────────────────────────────────────┐             │
	│  │              reactor.Loop                    │             │
	│  │  - single goroutine, owns all state below    │             │
	│  └──────────────────┬──────────────────────────┘             │
	│                     │                                          │
	│  ┌──────────────────▼──────────────────────────┐             │
	│  │              gateway.Gateway                 │             │
	│  │  - accept, lookups, ban check, handoff       │             │
	│  └───────┬───────────────────────┬─────────────┘             │
	│          │                       │                             │
	│  ┌───────▼───────────┐   ┌───────▼──────────────┐            │
	│  │ reqworker.Worker   │   │ pool.Pool             │            │
	│  │ resolve / ident /  │   │ stream workers        │            │
	│  │ banstore           │   │ (TLS, compression)    │            │
	│  └───────┬───────────┘   └───────┬──────────────┘            │
	│          └──────────┬────────────┘                             │
	│  ┌──────────────────▼──────────────────────────┐             │
	│  │  supervisor.Registry  +  events.Broker       │             │
	│  │  - pids for shutdown  - operator warnings    │             │
	│  └─────────────────────────────────────────────┘             │
	│                                                                │
	│  metrics.Collector ── Snapshot() ──► Prometheus gauges        │
	│  health.Monitor    ── checks     ──► /health, /ready          │
	└────────────────────────────────────────────────────────────────┘

# Lifecycle

Start loads TLS material (files or a generated self-signed certificate),
spawns the request workers and the pool, pushes the material to the pool
as Rekey, opens the listeners and the metrics endpoint. Rekey reloads the
material later, typically on SIGHUP.

Shutdown closes the listeners, drains the pool (members finish their
bridged connections and exit), and once the context expires kills
whatever is left:

	Shutdown(ctx)
	  ├─ gateway.Close
	  ├─ pool.Drain ── poll Drained until ctx done
	  ├─ pool.Stop, workers Stop, registry.KillAll
	  └─ monitor, collector, metrics server, broker, loop

# Usage

	mgr, err := manager.NewManager(&manager.Config{Server: cfg})
	if err != nil {
		return err
	}
	if err := mgr.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	return mgr.Shutdown(sctx)
*/
package manager
