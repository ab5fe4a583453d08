/*
Package control implements the control link between the main process and
its stream workers: small binary messages over a SOCK_SEQPACKET unix
socket, optionally carrying open socket handles via SCM_RIGHTS.

# Wire format

One message per datagram. The first byte is the tag; fields follow in
order, integers big-endian, variable-length fields prefixed by their
length. Handles travel as ancillary data in the same sendmsg call, so a
header and its handles arrive together or not at all.

	tag  message            fields                                   handles
	1    HandoffAccept      conn_id u64, flags u8, name_len u16, name   2
	2    HandoffConnect     conn_id u64, flags u8, name_len u16, name   2
	3    Rekey              cert_len u32, key_len u32, dh_len u32,      0
	                        cert, key, dh
	4    StartCompression   conn_id u64, level i8, leftover_len u32,    0
	                        leftover
	5    ReportStats        conn_id u64, in, out, wire_in, wire_out     0
	6    ConnectionFailed   conn_id u64, reason_len u16, reason         0
	7    ConnectionClosed   conn_id u64, in, out, wire_in, wire_out     0
	8    Shutdown           (none)                                      0

Handoff flags: bit 0 TLS, bit 1 compression from the first byte. The
handles of a handoff are the outer (network) socket followed by the
inner (plaintext) socket.

Tags 1-4 and 8 flow from the main process to a worker, 5-7 back.

# Ownership

Decode checks the number of received handles against the tag before
using any of them; a mismatch closes every received handle and fails
with ErrHandleCount. Link.Send closes the sender's copies only after the
datagram was accepted by the kernel. If Send fails, ownership never
moved and the caller closes the handles.

Link.Queue is the form used on a loop. Once it returns nil the link owns
the handles and closes them after the datagram is written, or when the
write fails or the link closes first. A failed write reaches the
onClose callback like a failed read.

# Usage

	link := control.NewLink(conn)
	link.Start(loop, func(m control.Message) {
		switch m := m.(type) {
		case *control.ReportStats:
			pool.recordStats(m.ConnID, m.Counters)
		case *control.ConnectionFailed:
			pool.connectionEnded(m.ConnID, m.Reason)
		}
	}, func(err error) {
		pool.MarkDead(member, err)
	})

SendRaw and ReceiveRaw expose the datagram layer without the message
types.
*/
package control
