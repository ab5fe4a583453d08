package security

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"time"
)

// DefaultHandshakeTimeout bounds a TLS handshake
const DefaultHandshakeTimeout = 30 * time.Second

// TLSHandshaker runs TLS handshakes on raw connections handed to a stream
// worker. Server handshakes present the Holder's certificate; client
// handshakes verify the peer against RootCAs (nil = system roots).
type TLSHandshaker struct {
	Holder  *Holder
	RootCAs *x509.CertPool
	Timeout time.Duration

	// InsecureSkipVerify disables peer verification on outgoing links.
	// Only for tests and closed networks.
	InsecureSkipVerify bool
}

// NewTLSHandshaker creates a handshaker serving h's certificate
func NewTLSHandshaker(h *Holder) *TLSHandshaker {
	return &TLSHandshaker{Holder: h, Timeout: DefaultHandshakeTimeout}
}

// Server performs the server side of a handshake on raw
func (t *TLSHandshaker) Server(ctx context.Context, raw net.Conn) (net.Conn, error) {
	conn := tls.Server(raw, &tls.Config{
		GetCertificate: t.Holder.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	})
	return t.run(ctx, conn)
}

// Client performs the client side of a handshake on raw
func (t *TLSHandshaker) Client(ctx context.Context, raw net.Conn, serverName string) (net.Conn, error) {
	cfg := &tls.Config{
		ServerName:         serverName,
		RootCAs:            t.RootCAs,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: t.InsecureSkipVerify,
	}
	if t.Holder != nil {
		// Present our certificate if the peer asks for one.
		cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
			cert, err := t.Holder.GetCertificate(nil)
			if err != nil {
				return &tls.Certificate{}, nil
			}
			return cert, nil
		}
	}
	return t.run(ctx, tls.Client(raw, cfg))
}

func (t *TLSHandshaker) run(ctx context.Context, conn *tls.Conn) (net.Conn, error) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := conn.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}
