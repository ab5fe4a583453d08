/*
Package log provides structured logging for Burrow using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers and configurable levels. The main process and
every helper process share this package; helpers inherit the parent's stderr,
so their records interleave with the main process output and are told apart
by the worker_kind and worker_id fields.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Writes to stderr by default              │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Context Loggers                     │          │
	│  │  - WithComponent("pool")                    │          │
	│  │  - WithWorker("stream", "3f2a...")          │          │
	│  │  - WithConn(42)                             │          │
	│  └────────────────────────────────────────────┘          │
	└────────────────────────────────────────────────────────┘

# Log Levels

Debug: per-connection flow (handoff sent, bridge established, stats sent).

Info: process lifecycle (worker spawned, pool started, rekey pushed).

Warn: conditions an operator should see: spin detection suppressing a
respawn, a full correlation table, a control message for an unknown
connection id.

Error: protocol violations and failed spawns.

# Usage

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stderr,
	})

	poolLog := log.WithComponent("pool")
	poolLog.Info().Int("members", 4).Msg("worker pool started")

	connLog := log.WithConn(42)
	connLog.Debug().Str("state", "bridging").Msg("bridge established")

# Helper Processes

Helpers call Init with the level passed down by the supervisor through the
environment and tag every record with their kind and instance id:

	logger := log.WithWorker("stream", os.Getenv("BURROW_WORKER_ID"))

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
*/
package log
