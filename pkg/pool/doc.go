/*
Package pool balances handed-off network connections across a fixed number
of stream workers.

Each slot is a supervisor.Supervisor running one stream worker; all slots
share one spin detector, so a crash loop in the stream binary trips
suppression for the whole pool rather than per slot. Every member owns a
control.Link and the set of connection ids it is bridging.

# Member lifecycle

	spawned ──► live ──Retire──► draining ──(idle)──► Shutdown sent, released
	              │                   │
	              └──────MarkDead─────┴──► dead: in-flight reported failed, released

A member is released exactly when it is out of service and owns no
connection. Marking a member dead reports each of its connections through
OnConnectionFailed before the release, then lets its slot's supervisor kill
the process and schedule the replacement.

# Selection

Pick returns the live member with the fewest in-flight connections, the
first one found on ties. With no live member Handoff fails with
ErrNoLiveWorker immediately; the caller decides the fallback.

# TLS material

Rekey pushes material to every member still in service and keeps a copy:
a replacement worker receives it as its first control message.
*/
package pool
