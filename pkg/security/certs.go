package security

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"
)

// Certificate rotation threshold: warn when less than 30 days remaining
const certRotationThreshold = 30 * 24 * time.Hour

// Material is the TLS material pushed to stream workers: PEM certificate
// chain, PEM private key, and optional PEM DH parameters.
type Material struct {
	Cert     []byte
	Key      []byte
	DHParams []byte
}

// Empty reports whether no certificate is present
func (m Material) Empty() bool {
	return len(m.Cert) == 0 && len(m.Key) == 0
}

// LoadMaterial reads certificate, key and (if dhFile is not empty) DH
// parameter files and checks that the pair is usable.
func LoadMaterial(certFile, keyFile, dhFile string) (Material, error) {
	var m Material
	var err error

	if m.Cert, err = os.ReadFile(certFile); err != nil {
		return Material{}, fmt.Errorf("failed to read certificate: %w", err)
	}
	if m.Key, err = os.ReadFile(keyFile); err != nil {
		return Material{}, fmt.Errorf("failed to read private key: %w", err)
	}
	if dhFile != "" {
		if m.DHParams, err = os.ReadFile(dhFile); err != nil {
			return Material{}, fmt.Errorf("failed to read DH parameters: %w", err)
		}
	}

	if _, err := m.Certificate(); err != nil {
		return Material{}, err
	}
	return m, nil
}

// Certificate parses the material into a tls.Certificate with Leaf set
func (m Material) Certificate() (*tls.Certificate, error) {
	if m.Empty() {
		return nil, errors.New("no certificate material")
	}
	cert, err := tls.X509KeyPair(m.Cert, m.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse key pair: %w", err)
	}
	if cert.Leaf == nil {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		cert.Leaf = leaf
	}
	return &cert, nil
}

// CertNeedsRotation returns true if the certificate should be replaced
// This happens when less than 30 days remain until expiry
func CertNeedsRotation(cert *x509.Certificate) bool {
	if cert == nil {
		return true
	}

	timeUntilExpiry := time.Until(cert.NotAfter)
	return timeUntilExpiry < certRotationThreshold
}

// GetCertTimeRemaining returns the time remaining until certificate expiry
func GetCertTimeRemaining(cert *x509.Certificate) time.Duration {
	if cert == nil {
		return 0
	}
	return time.Until(cert.NotAfter)
}

// GetCertInfo returns human-readable information about a certificate
func GetCertInfo(cert *x509.Certificate) map[string]interface{} {
	if cert == nil {
		return map[string]interface{}{"error": "certificate is nil"}
	}

	return map[string]interface{}{
		"subject":       cert.Subject.CommonName,
		"issuer":        cert.Issuer.CommonName,
		"serial_number": cert.SerialNumber.String(),
		"not_before":    cert.NotBefore.Format(time.RFC3339),
		"not_after":     cert.NotAfter.Format(time.RFC3339),
		"dns_names":     cert.DNSNames,
	}
}
