/*
Package gateway accepts client connections for Burrow.

Each accepted client goes through a short admission phase on the event
loop before it reaches the Handler:

	accept ──► host, ident, ban(ip)   (concurrent, bounded by LookupTimeout)
	              │
	              ▼
	         ban(user@host, user@ip)  (only if a name was learned)
	              │
	     banned ──┴── admitted
	       │            │
	  ERROR :Banned     ├── plain listener: Handler gets the TCP conn
	  and close         └── TLS/compressed listener: socket handed to the
	                        stream worker pool, Handler gets the plaintext
	                        end of a socketpair

Lookups fail open: a worker that is down, errors, or does not answer in
time leaves the numeric address as hostname and no username.
*/
package gateway
