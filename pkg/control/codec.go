package control

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/cuemby/burrow/pkg/types"
)

var (
	// ErrMalformed is returned for datagrams that do not decode. It is a
	// protocol violation; the link should be dropped.
	ErrMalformed = errors.New("control: malformed message")

	// ErrUnknownTag is returned for a tag byte no message uses.
	ErrUnknownTag = fmt.Errorf("%w: unknown tag", ErrMalformed)

	// ErrHandleCount is returned when a datagram carries a different
	// number of handles than its tag requires.
	ErrHandleCount = fmt.Errorf("%w: wrong handle count", ErrMalformed)
)

// Encode serializes m into a payload and the files to send with it.
func Encode(m Message) ([]byte, []*os.File, error) {
	buf := []byte{byte(m.Tag())}

	switch m := m.(type) {
	case *Handoff:
		if m.Outer == nil || m.Inner == nil {
			return nil, nil, errors.New("control: handoff without handles")
		}
		if len(m.ServerName) > math.MaxUint16 {
			return nil, nil, errors.New("control: server name too long")
		}
		buf = binary.BigEndian.AppendUint64(buf, m.ConnID)
		buf = append(buf, byte(m.Flags))
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(m.ServerName)))
		buf = append(buf, m.ServerName...)
		return buf, []*os.File{m.Outer, m.Inner}, nil

	case *Rekey:
		for _, b := range [][]byte{m.Cert, m.Key, m.DHParams} {
			if uint64(len(b)) > math.MaxUint32 {
				return nil, nil, errors.New("control: rekey payload too large")
			}
			buf = binary.BigEndian.AppendUint32(buf, uint32(len(b)))
		}
		buf = append(buf, m.Cert...)
		buf = append(buf, m.Key...)
		buf = append(buf, m.DHParams...)

	case *StartCompression:
		buf = binary.BigEndian.AppendUint64(buf, m.ConnID)
		buf = append(buf, byte(m.Level))
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(m.Leftover)))
		buf = append(buf, m.Leftover...)

	case *ReportStats:
		buf = binary.BigEndian.AppendUint64(buf, m.ConnID)
		buf = appendCounters(buf, m.Counters)

	case *ConnectionFailed:
		reason := m.Reason
		if len(reason) > math.MaxUint16 {
			reason = reason[:math.MaxUint16]
		}
		buf = binary.BigEndian.AppendUint64(buf, m.ConnID)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(reason)))
		buf = append(buf, reason...)

	case *ConnectionClosed:
		buf = binary.BigEndian.AppendUint64(buf, m.ConnID)
		buf = appendCounters(buf, m.Counters)

	case *Shutdown:

	default:
		return nil, nil, fmt.Errorf("control: cannot encode %T", m)
	}
	return buf, nil, nil
}

// Decode parses a payload and its received files. The handle count is
// checked against the tag before any file is used; on any error every
// file is closed.
func Decode(payload []byte, files []*os.File) (Message, error) {
	m, err := decode(payload, files)
	if err != nil {
		closeFiles(files)
		return nil, err
	}
	return m, nil
}

func decode(payload []byte, files []*os.File) (Message, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty datagram", ErrMalformed)
	}
	tag := Tag(payload[0])
	want := tag.handles()
	if want < 0 {
		return nil, fmt.Errorf("%w %d", ErrUnknownTag, payload[0])
	}
	if len(files) != want {
		return nil, fmt.Errorf("%w: %s carries %d, got %d", ErrHandleCount, tag, want, len(files))
	}

	r := reader{buf: payload[1:]}
	var m Message

	switch tag {
	case TagHandoffAccept, TagHandoffConnect:
		h := &Handoff{Mode: Accept}
		if tag == TagHandoffConnect {
			h.Mode = Connect
		}
		h.ConnID = r.u64()
		h.Flags = Flags(r.u8())
		h.ServerName = string(r.bytes(int(r.u16())))
		h.Outer, h.Inner = files[0], files[1]
		m = h

	case TagRekey:
		certLen, keyLen, dhLen := r.u32(), r.u32(), r.u32()
		m = &Rekey{
			Cert:     r.bytes(int(certLen)),
			Key:      r.bytes(int(keyLen)),
			DHParams: r.bytes(int(dhLen)),
		}

	case TagStartCompression:
		sc := &StartCompression{ConnID: r.u64(), Level: int8(r.u8())}
		sc.Leftover = r.bytes(int(r.u32()))
		m = sc

	case TagReportStats:
		m = &ReportStats{ConnID: r.u64(), Counters: r.counters()}

	case TagConnectionFailed:
		cf := &ConnectionFailed{ConnID: r.u64()}
		cf.Reason = string(r.bytes(int(r.u16())))
		m = cf

	case TagConnectionClosed:
		m = &ConnectionClosed{ConnID: r.u64(), Counters: r.counters()}

	case TagShutdown:
		m = &Shutdown{}
	}

	if r.short {
		return nil, fmt.Errorf("%w: %s truncated", ErrMalformed, tag)
	}
	if len(r.buf) != 0 {
		return nil, fmt.Errorf("%w: %s has %d trailing bytes", ErrMalformed, tag, len(r.buf))
	}
	return m, nil
}

// Files returns the handles m carries, if any.
func Files(m Message) []*os.File {
	if h, ok := m.(*Handoff); ok {
		return []*os.File{h.Outer, h.Inner}
	}
	return nil
}

func closeFiles(files []*os.File) {
	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
}

func appendCounters(buf []byte, c types.Counters) []byte {
	buf = binary.BigEndian.AppendUint64(buf, c.In)
	buf = binary.BigEndian.AppendUint64(buf, c.Out)
	buf = binary.BigEndian.AppendUint64(buf, c.WireIn)
	return binary.BigEndian.AppendUint64(buf, c.WireOut)
}

// reader consumes big-endian fields. Once a read runs past the end every
// later read returns zero and short stays set.
type reader struct {
	buf   []byte
	short bool
}

func (r *reader) take(n int) []byte {
	if r.short || n < 0 || n > len(r.buf) {
		r.short = true
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func (r *reader) u8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

// bytes returns a copy so the message does not alias the receive buffer.
func (r *reader) bytes(n int) []byte {
	b := r.take(n)
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (r *reader) counters() types.Counters {
	return types.Counters{In: r.u64(), Out: r.u64(), WireIn: r.u64(), WireOut: r.u64()}
}
