/*
Package auth verifies HMAC-signed inbound requests.

Every task submission and administrative mutation carries three headers:

	x-dispatch-timestamp   Unix epoch seconds, decimal string
	x-dispatch-nonce       single-use opaque string
	x-dispatch-signature   lowercase hex HMAC-SHA256

The signature input is timestamp + "." + nonce + "." + rawBody under the
shared admission secret. Verification is strictly ordered and short-circuits
on the first failure: header presence, timestamp format, clock skew (±5
minutes), nonce replay, then the signature itself with a constant-time
compare. The internal failure reason is logged and counted; callers see an
opaque invalid_signature in every case.

# Nonce Cache

Replay protection is a process-local map with a soft size cap of 10,000
entries. When the cap is exceeded, entries older than the validity window
are reclaimed in bulk on insert. Operators deploying multiple instances
behind a load balancer without sticky routing should know that replays
routed to a different instance are not detected; this is an acknowledged
limitation of the process-local design.
*/
package auth
