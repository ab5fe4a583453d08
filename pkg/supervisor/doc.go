/*
Package supervisor starts helper processes, hands their channels to the
component that speaks to them, notices when they die, and respawns them
without letting a crashing helper spin.

# Launch contract

Spawn creates every channel before the child exists, then starts the
executable with the child ends as inherited descriptors (fd 3 onward) and
their numbers in the environment:

	BURROW_DATA_FD      stream socket for the line protocol (request workers)
	BURROW_CONTROL_FD   SOCK_SEQPACKET control socket (stream workers)
	BURROW_LIVENESS_FD  write end of the liveness pipe (stream workers)
	BURROW_MAX_FDS      most handles the worker may receive per message
	BURROW_WORKER_ID    instance id, for log correlation
	BURROW_LOG_LEVEL    parent's log level

The child runs in "/" and inherits stderr. Inherit is the child side: it
parses the environment and wraps the named descriptors.

# Liveness

Death is an EOF or error on a channel, never a polled flag. For stream
workers the supervisor reads the liveness pipe itself. For request workers
the data socket is the liveness channel; its owner reports EOF with
ProcessDied. Exec's Wait only reaps.

# Respawn

	death ──► kill pid ──► SpinDetector.RecordDeath
	                           │
	           fewer than Threshold deaths in Window?
	              │ yes                         │ no
	              ▼                             ▼
	    respawn after backoff           warn + worker.spin_suppressed,
	    (MinDelay doubling to           respawn after Cooldown,
	     MaxDelay)                      then worker.respawn_resumed

A process that stays up for StableAfter resets the death history and the
backoff. Supervisors of the same kind share one SpinDetector.
*/
package supervisor
