package security

import (
	"context"
	"crypto/x509"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testMaterialOnce sync.Once
	testMaterial     Material
	testMaterialErr  error
)

func selfSigned(t *testing.T) Material {
	t.Helper()
	testMaterialOnce.Do(func() {
		testMaterial, testMaterialErr = GenerateSelfSigned([]string{"irc.example.net", "127.0.0.1"}, 24*time.Hour)
	})
	require.NoError(t, testMaterialErr)
	return testMaterial
}

func TestLoadMaterial(t *testing.T) {
	m := selfSigned(t)
	dir := t.TempDir()

	certPath := filepath.Join(dir, "server.crt")
	keyPath := filepath.Join(dir, "server.key")
	dhPath := filepath.Join(dir, "dh.pem")
	require.NoError(t, os.WriteFile(certPath, m.Cert, 0600))
	require.NoError(t, os.WriteFile(keyPath, m.Key, 0600))
	require.NoError(t, os.WriteFile(dhPath, []byte("-----BEGIN DH PARAMETERS-----\n"), 0600))

	loaded, err := LoadMaterial(certPath, keyPath, dhPath)
	require.NoError(t, err)
	assert.Equal(t, m.Cert, loaded.Cert)
	assert.NotEmpty(t, loaded.DHParams)

	_, err = LoadMaterial(certPath, filepath.Join(dir, "missing.key"), "")
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(keyPath, []byte("garbage"), 0600))
	_, err = LoadMaterial(certPath, keyPath, "")
	assert.Error(t, err)
}

func TestHolderUpdate(t *testing.T) {
	h := NewHolder()
	_, err := h.GetCertificate(nil)
	assert.ErrorIs(t, err, ErrNoCertificate)
	assert.Nil(t, h.Leaf())

	require.Error(t, h.Update(Material{Cert: []byte("x"), Key: []byte("y")}))
	_, ok := h.Material()
	assert.False(t, ok)

	m := selfSigned(t)
	require.NoError(t, h.Update(m))
	cert, err := h.GetCertificate(nil)
	require.NoError(t, err)
	require.NotNil(t, cert.Leaf)
	assert.Equal(t, "irc.example.net", h.Leaf().Subject.CommonName)
	assert.False(t, CertNeedsRotation(h.Leaf()))
	assert.Greater(t, GetCertTimeRemaining(h.Leaf()), 23*time.Hour)
	assert.Equal(t, "irc.example.net", GetCertInfo(h.Leaf())["subject"])
}

// tcpPair returns both ends of a loopback TCP connection. Kernel buffers
// keep the two handshake flights from blocking each other.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, _ := ln.Accept()
		accepted <- conn
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server := <-accepted
	require.NotNil(t, server)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return server, client
}

func TestTLSHandshake(t *testing.T) {
	m := selfSigned(t)
	holder := NewHolder()
	require.NoError(t, holder.Update(m))

	leaf, err := m.Certificate()
	require.NoError(t, err)
	roots := x509.NewCertPool()
	roots.AddCert(leaf.Leaf)

	server := NewTLSHandshaker(holder)
	client := &TLSHandshaker{RootCAs: roots, Timeout: 5 * time.Second}

	a, b := tcpPair(t)

	ctx := context.Background()
	type result struct {
		conn net.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := server.Server(ctx, a)
		done <- result{conn, err}
	}()

	clientConn, err := client.Client(ctx, b, "irc.example.net")
	require.NoError(t, err)
	res := <-done
	require.NoError(t, res.err)

	go func() {
		_, _ = clientConn.Write([]byte("NICK burrow\r\n"))
	}()
	buf := make([]byte, len("NICK burrow\r\n"))
	_, err = io.ReadFull(res.conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "NICK burrow\r\n", string(buf))
}

func TestTLSHandshakeWithoutCertificateFails(t *testing.T) {
	server := NewTLSHandshaker(NewHolder())
	client := &TLSHandshaker{InsecureSkipVerify: true, Timeout: 5 * time.Second}

	a, b := tcpPair(t)

	errs := make(chan error, 1)
	go func() {
		_, err := server.Server(context.Background(), a)
		errs <- err
		a.Close()
	}()

	_, err := client.Client(context.Background(), b, "irc.example.net")
	assert.Error(t, err)
	assert.Error(t, <-errs)
}
