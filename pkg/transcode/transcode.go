// Package transcode provides the push-style byte transforms a bridge can
// apply in each direction. A Transcoder is written to and pushes its output
// into a sink; closing it flushes whatever the format needs to end the
// stream.
package transcode

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/flate"
)

// Transcoder transforms bytes written to it into its sink.
type Transcoder interface {
	io.Writer
	io.Closer
}

// Identity passes bytes through unchanged.
func Identity(sink io.Writer) Transcoder {
	return identity{sink}
}

type identity struct{ io.Writer }

func (identity) Close() error { return nil }

// ValidLevel reports whether level is usable for a Deflater.
func ValidLevel(level int) bool {
	return level >= flate.HuffmanOnly && level <= flate.BestCompression
}

// Deflater compresses into its sink. Every Write ends with a sync flush,
// so the peer can decode everything written so far without waiting for
// more input.
type Deflater struct {
	mu sync.Mutex
	zw *flate.Writer
}

// NewDeflater creates a Deflater at the given flate level (-2 to 9).
func NewDeflater(sink io.Writer, level int) (*Deflater, error) {
	if !ValidLevel(level) {
		return nil, fmt.Errorf("transcode: invalid compression level %d", level)
	}
	zw, err := flate.NewWriter(sink, level)
	if err != nil {
		return nil, err
	}
	return &Deflater{zw: zw}, nil
}

func (d *Deflater) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.zw.Write(p)
	if err != nil {
		return n, err
	}
	return n, d.zw.Flush()
}

// Close writes the final block.
func (d *Deflater) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.zw.Close()
}

// Inflater decompresses into its sink. Decoding runs on its own goroutine
// fed through a pipe; a corrupt stream is reported once through onError
// and later Writes fail.
type Inflater struct {
	pw      *io.PipeWriter
	done    chan struct{}
	closing atomic.Bool
	err     error
}

// NewInflater starts an Inflater. onError runs on the decoder goroutine
// and may be nil.
func NewInflater(sink io.Writer, onError func(error)) *Inflater {
	pr, pw := io.Pipe()
	in := &Inflater{pw: pw, done: make(chan struct{})}

	go func() {
		defer close(in.done)
		zr := flate.NewReader(pr)
		_, err := io.Copy(sink, zr)
		zr.Close()
		// A stream cut off by our own Close is not corrupt.
		if in.closing.Load() && errors.Is(err, io.ErrUnexpectedEOF) {
			err = nil
		}
		if err != nil && !errors.Is(err, io.ErrClosedPipe) {
			in.err = err
			if onError != nil {
				onError(err)
			}
		}
		pr.CloseWithError(err)
	}()
	return in
}

func (in *Inflater) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return in.pw.Write(p)
}

// Close ends the input and waits for the decoder goroutine.
func (in *Inflater) Close() error {
	in.closing.Store(true)
	in.pw.Close()
	<-in.done
	return in.err
}
