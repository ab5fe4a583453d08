package types

import (
	"net"
	"time"
)

// WorkerKind identifies the kind of helper process
type WorkerKind string

const (
	WorkerKindStream   WorkerKind = "stream"
	WorkerKindResolver WorkerKind = "resolve"
	WorkerKindIdent    WorkerKind = "ident"
	WorkerKindBanStore WorkerKind = "banstore"
)

// RequestKinds lists the helper kinds that speak the line protocol
var RequestKinds = []WorkerKind{WorkerKindResolver, WorkerKindIdent, WorkerKindBanStore}

// MemberStatus represents the current state of a pool member
type MemberStatus string

const (
	MemberStatusLive     MemberStatus = "live"
	MemberStatusDraining MemberStatus = "draining"
	MemberStatusDead     MemberStatus = "dead"
)

// Counters tracks bytes moved by one bridged connection. In and Out are
// plaintext bytes (after TLS and decompression) towards and from the
// application; WireIn and WireOut are raw socket bytes.
type Counters struct {
	In      uint64
	Out     uint64
	WireIn  uint64
	WireOut uint64
}

// Sub returns the per-field difference c - prev, clamped at zero
func (c Counters) Sub(prev Counters) Counters {
	return Counters{
		In:      sub(c.In, prev.In),
		Out:     sub(c.Out, prev.Out),
		WireIn:  sub(c.WireIn, prev.WireIn),
		WireOut: sub(c.WireOut, prev.WireOut),
	}
}

// IsZero reports whether no bytes were counted
func (c Counters) IsZero() bool {
	return c == Counters{}
}

func sub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}

// ClientInfo describes an accepted client after the connect-time lookups
type ClientInfo struct {
	ConnID     uint64
	RemoteAddr net.Addr
	LocalAddr  net.Addr
	Hostname   string // reverse DNS result, or the IP literal
	Username   string // ident reply, empty if unavailable
	Secure     bool   // TLS terminated by a stream worker
	Compressed bool
	AcceptedAt time.Time
}

// Ban is one persisted ban entry
type Ban struct {
	Mask      string    `json:"mask"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"` // zero = permanent
}

// Expired reports whether the ban has lapsed at now
func (b *Ban) Expired(now time.Time) bool {
	return !b.ExpiresAt.IsZero() && !now.Before(b.ExpiresAt)
}
