/*
Package security holds the TLS side of Burrow: loading certificate
material, keeping the current certificate in each stream worker, and
running TLS handshakes on connections handed to a worker.

# Material flow

	 main process                         stream worker
	┌──────────────────┐   Rekey msg    ┌──────────────────────┐
	│ LoadMaterial()   │ ─────────────► │ Holder.Update()      │
	│ (cert, key, dh)  │  cert/key/dh   │   parse + swap       │
	└──────────────────┘                └──────────┬───────────┘
	                                               │ GetCertificate
	                                               ▼
	                                    ┌──────────────────────┐
	                                    │ TLSHandshaker.Server │
	                                    │ TLSHandshaker.Client │
	                                    └──────────────────────┘

The main process reads PEM files at startup and on SIGHUP, and pushes
them to every pool member in a Rekey message. A worker that receives
invalid material keeps the previous certificate. Handshakes already in
progress finish with the certificate they started with.

DH parameters are carried for compatibility with deployments that
configure them, but crypto/tls negotiates ECDHE only and ignores them.

# Certificates

GenerateSelfSigned creates an RSA 2048 self-signed certificate for
development listeners and tests. CertNeedsRotation flags certificates
with less than 30 days left; the serve command logs a warning for them.

# Handshakes

TLSHandshaker.Server presents the Holder's certificate (TLS 1.2 minimum).
TLSHandshaker.Client verifies the peer against RootCAs and the server
name carried in the handoff. Both are bounded by Timeout and by the
caller's context.
*/
package security
