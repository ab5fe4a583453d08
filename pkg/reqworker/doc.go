/*
Package reqworker implements the request/response pattern used by the
simple helpers (resolver, ident, ban store): one supervised process, one
stream socket, one text line per request and per response.

# Line protocol

	main → helper   <id> <request>
	helper → main   <id> ok <payload>      final, success
	                <id> err <message>     final, failure
	                <id> more <payload>    intermediate, more to come

The id is a decimal correlation id in [0, 65535] chosen by the main
process. Responses may arrive in any order. The request vocabulary
belongs to each helper.

# Correlation table

Submit claims the next free slot of a fixed table, wrapping around and
skipping slots whose request has not completed. A full table fails with
ErrBusy. Cancel only clears the callback: the slot stays reserved until
the helper's final response arrives, so a late answer can never be
matched to a newer request that reused the id.

Every slot remembers which process incarnation it was sent to. When the
process dies or is replaced, all outstanding requests complete at once
with ErrWorkerRestarted and nothing from the old process is honoured.

A malformed or oversized response line is a protocol violation: it is
logged and the helper is killed and respawned like after any other death,
so a helper that keeps writing garbage is subject to spin suppression.

# Helper side

Serve runs inside the helper. It reads requests, answers each on its own
goroutine (bounded by ServeOptions.Concurrency), and returns an error
wrapping ErrProtocol on a malformed request line so the process can exit
non-zero.

	err := reqworker.Serve(ctx, conn, reqworker.HandlerFunc(
		func(ctx context.Context, req string, more func(string)) (string, error) {
			return resolve(ctx, req)
		}), reqworker.ServeOptions{})
*/
package reqworker
