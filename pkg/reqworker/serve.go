package reqworker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/cuemby/burrow/pkg/linecodec"
)

// DefaultConcurrency bounds the requests a helper works on at once.
const DefaultConcurrency = 64

// Handler answers requests inside a helper process. more sends an
// intermediate response; the returned payload or error is the final one.
type Handler interface {
	ServeRequest(ctx context.Context, request string, more func(payload string)) (string, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, request string, more func(payload string)) (string, error)

func (f HandlerFunc) ServeRequest(ctx context.Context, request string, more func(string)) (string, error) {
	return f(ctx, request, more)
}

// ServeOptions tunes Serve
type ServeOptions struct {
	MaxLine     int
	Concurrency int
}

// Serve reads request lines from conn, runs each through h on its own
// goroutine, and writes responses as they complete. It returns nil when
// conn reaches EOF and all requests have been answered, and an error
// wrapping ErrProtocol on a malformed or oversized request line.
func Serve(ctx context.Context, conn io.ReadWriter, h Handler, opts ServeOptions) error {
	if opts.MaxLine <= 0 {
		opts.MaxLine = linecodec.DefaultMaxLine
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)

	var writeMu sync.Mutex
	reply := func(id, status, payload string) error {
		line := id + " " + status
		if payload != "" {
			line += " " + sanitize(payload)
		}
		buf, err := linecodec.Encode(line)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_, err = conn.Write(buf)
		return err
	}

	readErr := func() error {
		dec := linecodec.NewDecoder(opts.MaxLine)
		buf := make([]byte, 16*1024)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				records, ferr := dec.Feed(buf[:n])
				for _, record := range records {
					id, request, perr := parseRequest(record)
					if perr != nil {
						return perr
					}
					g.Go(func() error {
						payload, herr := h.ServeRequest(gctx, request, func(p string) {
							_ = reply(id, string(StatusMore), p)
						})
						if herr != nil {
							return reply(id, string(StatusErr), herr.Error())
						}
						return reply(id, string(StatusOK), payload)
					})
				}
				if ferr != nil {
					return fmt.Errorf("%w: %v", ErrProtocol, ferr)
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
			if gctx.Err() != nil {
				return gctx.Err()
			}
		}
	}()

	if readErr != nil {
		cancel()
		_ = g.Wait()
		return readErr
	}
	return g.Wait()
}

// parseRequest splits "<id> <request>".
func parseRequest(line string) (string, string, error) {
	id, request, ok := strings.Cut(line, " ")
	if !ok || request == "" {
		return "", "", fmt.Errorf("%w: request %q has no body", ErrProtocol, line)
	}
	if _, err := strconv.ParseUint(id, 10, 16); err != nil {
		return "", "", fmt.Errorf("%w: bad correlation id %q", ErrProtocol, id)
	}
	return id, request, nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return ' '
		}
		return r
	}, s)
}
