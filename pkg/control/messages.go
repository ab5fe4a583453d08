package control

import (
	"fmt"
	"os"

	"github.com/cuemby/burrow/pkg/types"
)

// MaxHandles is the most handles one message may carry.
const MaxHandles = 4

// Tag identifies a message type. It is the first byte of every datagram.
type Tag uint8

const (
	TagHandoffAccept    Tag = 1
	TagHandoffConnect   Tag = 2
	TagRekey            Tag = 3
	TagStartCompression Tag = 4
	TagReportStats      Tag = 5
	TagConnectionFailed Tag = 6
	TagConnectionClosed Tag = 7
	TagShutdown         Tag = 8
)

func (t Tag) String() string {
	switch t {
	case TagHandoffAccept:
		return "handoff_accept"
	case TagHandoffConnect:
		return "handoff_connect"
	case TagRekey:
		return "rekey"
	case TagStartCompression:
		return "start_compression"
	case TagReportStats:
		return "report_stats"
	case TagConnectionFailed:
		return "connection_failed"
	case TagConnectionClosed:
		return "connection_closed"
	case TagShutdown:
		return "shutdown"
	}
	return fmt.Sprintf("tag(%d)", uint8(t))
}

// handles returns how many handles a message with this tag carries, or -1
// for an unknown tag.
func (t Tag) handles() int {
	switch t {
	case TagHandoffAccept, TagHandoffConnect:
		return 2
	case TagRekey, TagStartCompression, TagReportStats, TagConnectionFailed, TagConnectionClosed, TagShutdown:
		return 0
	}
	return -1
}

// Message is one control message. The concrete types are Handoff, Rekey,
// StartCompression, ReportStats, ConnectionFailed, ConnectionClosed and
// Shutdown.
type Message interface {
	Tag() Tag
}

// Flags modify a handoff
type Flags uint8

const (
	// FlagTLS asks the worker to run a TLS handshake on the outer handle.
	FlagTLS Flags = 1 << 0

	// FlagCompress starts compression from the first byte.
	FlagCompress Flags = 1 << 1
)

// Has reports whether all bits of f2 are set in f
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

// Mode says which side initiated the handed-off connection
type Mode uint8

const (
	// Accept: a client connected to us; the worker is the TLS server.
	Accept Mode = iota
	// Connect: we dialed out; the worker is the TLS client.
	Connect
)

// Handoff transfers a connection to a stream worker. Outer is the raw
// network socket, Inner the worker's end of the local plaintext pair.
// After a successful Send both files are closed in the sender.
//
// Wire: conn_id u64, flags u8, name_len u16, name; handles outer, inner.
type Handoff struct {
	Mode       Mode
	ConnID     uint64
	Flags      Flags
	ServerName string
	Outer      *os.File
	Inner      *os.File
}

func (m *Handoff) Tag() Tag {
	if m.Mode == Connect {
		return TagHandoffConnect
	}
	return TagHandoffAccept
}

// Rekey replaces the worker's TLS material.
//
// Wire: cert_len u32, key_len u32, dh_len u32, cert, key, dh.
type Rekey struct {
	Cert     []byte
	Key      []byte
	DHParams []byte
}

func (*Rekey) Tag() Tag { return TagRekey }

// StartCompression upgrades a running bridge to compress in both
// directions. Leftover holds bytes the sender had already read from the
// client after the upgrade point; they are fed to the inflater first.
//
// Wire: conn_id u64, level i8, leftover_len u32, leftover.
type StartCompression struct {
	ConnID   uint64
	Level    int8
	Leftover []byte
}

func (*StartCompression) Tag() Tag { return TagStartCompression }

// ReportStats carries a bridge's cumulative counters. Advisory only.
//
// Wire: conn_id u64, in u64, out u64, wire_in u64, wire_out u64.
type ReportStats struct {
	ConnID   uint64
	Counters types.Counters
}

func (*ReportStats) Tag() Tag { return TagReportStats }

// ConnectionFailed reports a bridge that ended on a handshake or I/O
// error.
//
// Wire: conn_id u64, reason_len u16, reason.
type ConnectionFailed struct {
	ConnID uint64
	Reason string
}

func (*ConnectionFailed) Tag() Tag { return TagConnectionFailed }

// ConnectionClosed reports a bridge that ended normally, with its final
// counters.
//
// Wire: conn_id u64, in u64, out u64, wire_in u64, wire_out u64.
type ConnectionClosed struct {
	ConnID   uint64
	Counters types.Counters
}

func (*ConnectionClosed) Tag() Tag { return TagConnectionClosed }

// Shutdown asks a worker to exit once its bridges have ended.
type Shutdown struct{}

func (*Shutdown) Tag() Tag { return TagShutdown }
