package security

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"sync"
)

// ErrNoCertificate is returned by a handshake before any material arrived
var ErrNoCertificate = errors.New("security: no certificate loaded")

// Holder keeps the current TLS material of a process. A Rekey replaces it
// atomically; handshakes already running keep the certificate they
// started with.
type Holder struct {
	mu       sync.RWMutex
	material Material
	cert     *tls.Certificate
}

// NewHolder creates an empty holder
func NewHolder() *Holder {
	return &Holder{}
}

// Update parses m and makes it current. On error the previous material
// stays in place.
func (h *Holder) Update(m Material) error {
	cert, err := m.Certificate()
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.material = m
	h.cert = cert
	return nil
}

// Material returns the current material
func (h *Holder) Material() (Material, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.material, h.cert != nil
}

// Leaf returns the current leaf certificate, or nil
func (h *Holder) Leaf() *x509.Certificate {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.cert == nil {
		return nil
	}
	return h.cert.Leaf
}

// GetCertificate implements tls.Config.GetCertificate
func (h *Holder) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.cert == nil {
		return nil, ErrNoCertificate
	}
	return h.cert, nil
}
