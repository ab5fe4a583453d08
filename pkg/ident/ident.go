// Package ident queries a client's identd (RFC 1413) for the user owning a
// connection.
package ident

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/cuemby/burrow/pkg/reqworker"
)

const (
	DefaultPort    = 113
	DefaultTimeout = 5 * time.Second

	// maxReply bounds the reply line; RFC 1413 allows 1000 octets.
	maxReply = 1000

	// maxUserID is the longest user id passed on
	maxUserID = 64
)

// ErrMalformedReply is returned for replies that do not follow RFC 1413.
var ErrMalformedReply = errors.New("ident: malformed reply")

// ReplyError is an ERROR reply from the remote identd, e.g. NO-USER.
type ReplyError struct {
	Reason string
}

func (e *ReplyError) Error() string {
	return "ident: " + e.Reason
}

// Client performs ident queries
type Client struct {
	Port    int
	Timeout time.Duration
}

// NewClient returns a client with default port and timeout
func NewClient() *Client {
	return &Client{Port: DefaultPort, Timeout: DefaultTimeout}
}

// Query asks remoteIP's identd who owns the connection from remotePort to
// our localPort. localIP, when set, is the address the client connected to;
// the query is made from it so the remote side can match the pair.
func (c *Client) Query(ctx context.Context, remoteIP string, remotePort, localPort int, localIP string) (string, error) {
	if !validPort(remotePort) || !validPort(localPort) {
		return "", fmt.Errorf("ident: invalid port pair %d, %d", remotePort, localPort)
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := net.Dialer{}
	if localIP != "" {
		ip := net.ParseIP(localIP)
		if ip == nil {
			return "", fmt.Errorf("ident: invalid local address %q", localIP)
		}
		dialer.LocalAddr = &net.TCPAddr{IP: ip}
	}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(remoteIP, strconv.Itoa(port)))
	if err != nil {
		return "", fmt.Errorf("ident: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if _, err := fmt.Fprintf(conn, "%d , %d\r\n", remotePort, localPort); err != nil {
		return "", fmt.Errorf("ident: %w", err)
	}

	line, err := bufio.NewReaderSize(conn, maxReply).ReadSlice('\n')
	if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
		return "", fmt.Errorf("ident: reading reply: %w", err)
	}
	return ParseReply(string(line), remotePort, localPort)
}

// ParseReply extracts the user id from an identd reply line for the given
// port pair.
//
//	6193, 23 : USERID : UNIX : stjohns
//	6195, 23 : ERROR : NO-USER
func ParseReply(line string, remotePort, localPort int) (string, error) {
	line = strings.TrimRight(line, "\r\n")
	fields := strings.SplitN(line, ":", 4)
	if len(fields) < 3 {
		return "", fmt.Errorf("%w: %q", ErrMalformedReply, line)
	}

	ports := strings.Split(fields[0], ",")
	if len(ports) != 2 {
		return "", fmt.Errorf("%w: bad port pair %q", ErrMalformedReply, fields[0])
	}
	rp, err1 := strconv.Atoi(strings.TrimSpace(ports[0]))
	lp, err2 := strconv.Atoi(strings.TrimSpace(ports[1]))
	if err1 != nil || err2 != nil || rp != remotePort || lp != localPort {
		return "", fmt.Errorf("%w: reply for ports %q", ErrMalformedReply, fields[0])
	}

	switch strings.ToUpper(strings.TrimSpace(fields[1])) {
	case "USERID":
		if len(fields) != 4 {
			return "", fmt.Errorf("%w: %q", ErrMalformedReply, line)
		}
		user := sanitize(fields[3])
		if user == "" {
			return "", fmt.Errorf("%w: empty user id", ErrMalformedReply)
		}
		return user, nil
	case "ERROR":
		return "", &ReplyError{Reason: strings.TrimSpace(fields[2])}
	default:
		return "", fmt.Errorf("%w: reply type %q", ErrMalformedReply, strings.TrimSpace(fields[1]))
	}
}

// sanitize keeps the printable, non-space part of a user id and bounds it.
func sanitize(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	for _, r := range s {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) || unicode.IsSpace(r) || r == '@' {
			continue
		}
		b.WriteRune(r)
		if b.Len() >= maxUserID {
			break
		}
	}
	return b.String()
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}

// Handler serves the ident worker's requests:
//
//	<ip> <remote_port> <local_port> [local_ip]
//
// and answers with the user id.
type Handler struct {
	Client *Client
}

var _ reqworker.Handler = (*Handler)(nil)

func (h *Handler) ServeRequest(ctx context.Context, request string, _ func(string)) (string, error) {
	f := strings.Fields(request)
	if len(f) != 3 && len(f) != 4 {
		return "", fmt.Errorf("expected <ip> <remote_port> <local_port> [local_ip], got %q", request)
	}
	if net.ParseIP(f[0]) == nil {
		return "", fmt.Errorf("invalid address %q", f[0])
	}
	rp, err := strconv.Atoi(f[1])
	if err != nil {
		return "", fmt.Errorf("invalid remote port %q", f[1])
	}
	lp, err := strconv.Atoi(f[2])
	if err != nil {
		return "", fmt.Errorf("invalid local port %q", f[2])
	}
	var local string
	if len(f) == 4 {
		local = f[3]
	}
	return h.Client.Query(ctx, f[0], rp, lp, local)
}
