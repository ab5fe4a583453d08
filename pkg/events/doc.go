/*
Package events provides an in-memory pub/sub broker for operator-visible
conditions in the helper-process framework.

Components on the reactor loop publish events when something happens that
an operator should know about but that must not stop the server: a worker
died, a respawn was suppressed because the worker is spinning, the pool ran
out of live members, a connection's handoff failed. The broker fans events
out to any number of subscribers (the serve command logs warnings, tests
assert on them).

# Architecture

	┌──────────────────── EVENT SYSTEM ──────────────────────┐
	│                                                          │
	│  Publishers (reactor loop)                               │
	│    supervisor ─┐                                         │
	│    pool ───────┼──► Broker.Publish (non-blocking)        │
	│    gateway ────┘          │                              │
	│                           ▼                              │
	│                  ┌─────────────────┐                     │
	│                  │ eventCh (100)   │                     │
	│                  └────────┬────────┘                     │
	│                           │ broadcast goroutine          │
	│              ┌────────────┼────────────┐                 │
	│              ▼            ▼            ▼                 │
	│         Subscriber   Subscriber   Subscriber (50 each)   │
	└──────────────────────────────────────────────────────────┘

Publish never blocks. The loop must not stall on a slow consumer, so an
event is dropped when the broker queue or a subscriber buffer is full.

# Event Types

  - worker.spawned, worker.died, worker.spawn_failed
  - worker.spin_suppressed, worker.respawn_resumed
  - pool.member_drained, pool.empty
  - connection.failed
  - request.table_full, protocol.violation

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			if event.Warning() {
				logger.Warn().Str("event", string(event.Type)).Msg(event.Message)
			}
		}
	}()

	broker.Publish(&events.Event{
		Type:     events.EventWorkerSpinSuppress,
		Message:  "resolve worker respawn suppressed",
		Metadata: map[string]string{"kind": "resolve"},
	})

Components that do not care take a Publisher and default to Discard.
*/
package events
