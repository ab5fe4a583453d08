// Package linecodec frames a byte stream into newline-terminated text
// records. It is the framing shared by every request/response helper: one
// record per line, no embedded newlines, records delivered in exactly the
// order their bytes were written.
package linecodec

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// DefaultMaxLine is the largest record accepted by default, excluding the
// newline.
const DefaultMaxLine = 4096

var (
	// ErrLineTooLong reports that one or more oversized records were
	// discarded.
	ErrLineTooLong = errors.New("linecodec: line too long")

	// ErrEmbeddedNewline is returned by Encode for a record containing '\n'.
	ErrEmbeddedNewline = errors.New("linecodec: record contains newline")
)

// Encode returns record followed by a single newline.
func Encode(record string) ([]byte, error) {
	if strings.IndexByte(record, '\n') >= 0 {
		return nil, ErrEmbeddedNewline
	}
	buf := make([]byte, 0, len(record)+1)
	buf = append(buf, record...)
	return append(buf, '\n'), nil
}

// Decoder splits incoming chunks into records. The zero value is not
// usable; call NewDecoder.
type Decoder struct {
	max        int
	partial    []byte
	discarding bool
}

// NewDecoder returns a Decoder rejecting records longer than max bytes.
// max <= 0 selects DefaultMaxLine.
func NewDecoder(max int) *Decoder {
	if max <= 0 {
		max = DefaultMaxLine
	}
	return &Decoder{max: max}
}

// Buffered returns the number of bytes of the current partial record.
func (d *Decoder) Buffered() int {
	return len(d.partial)
}

// Feed consumes chunk and returns every record it completes, in order.
// Bytes after the last newline are kept for the next call. Oversized
// records are dropped up to and including their newline; when that
// happens the returned error wraps ErrLineTooLong, and the records slice
// still holds every valid record of the chunk.
func (d *Decoder) Feed(chunk []byte) ([]string, error) {
	var records []string
	dropped := 0

	for len(chunk) > 0 {
		idx := bytes.IndexByte(chunk, '\n')
		if idx < 0 {
			if d.discarding {
				return records, d.dropErr(dropped)
			}
			d.partial = append(d.partial, chunk...)
			if len(d.partial) > d.max {
				d.partial = d.partial[:0]
				d.discarding = true
				dropped++
			}
			return records, d.dropErr(dropped)
		}

		line := chunk[:idx]
		chunk = chunk[idx+1:]

		if d.discarding {
			d.discarding = false
			continue
		}
		if len(d.partial)+len(line) > d.max {
			d.partial = d.partial[:0]
			dropped++
			continue
		}
		if len(d.partial) > 0 {
			d.partial = append(d.partial, line...)
			records = append(records, string(d.partial))
			d.partial = d.partial[:0]
		} else {
			records = append(records, string(line))
		}
	}
	return records, d.dropErr(dropped)
}

func (d *Decoder) dropErr(dropped int) error {
	if dropped == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d record(s) over %d bytes discarded", ErrLineTooLong, dropped, d.max)
}
