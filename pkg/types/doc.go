/*
Package types defines the data structures shared across Burrow packages.

These are the plain values that cross package boundaries: which kind of
helper a process is, the status of a pool member, the byte counters a
stream worker reports for each bridged connection, the facts gathered about
a client before it is handed to the IRC core, and the persisted ban record.

# Core Types

Workers:
  - WorkerKind: stream, resolve, ident, banstore
  - MemberStatus: live, draining, dead

Connections:
  - Counters: plaintext and wire byte counts for one bridge
  - ClientInfo: remote address, hostname, ident user, TLS/compression flags

Persistence:
  - Ban: mask, reason, creation and optional expiry

# Usage

	delta := current.Sub(previous)
	if !delta.IsZero() {
		metrics.BridgeBytes.WithLabelValues("in").Add(float64(delta.In))
	}

	ban := &types.Ban{Mask: "*!*@203.0.113.*", Reason: "spam"}
	if ban.Expired(time.Now()) {
		// skip
	}
*/
package types
