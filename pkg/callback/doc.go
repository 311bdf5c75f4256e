// Package callback delivers signed task status events to submitters.
//
// Each task gets an ordered outbox with a dedicated delivery goroutine,
// so events for one task arrive in sequence order while tasks never block
// each other. Deliveries are HMAC-signed over the timestamp and body, and
// retried with jittered exponential backoff. Terminal events are retried
// until accepted or permanently rejected; progress events are dropped
// after a bounded number of attempts.
package callback
