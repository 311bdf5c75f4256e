// Package api exposes Foreman over HTTP: signed task admission, task
// inspection and cancellation, health, Prometheus metrics, and the signed
// admin endpoints. Admission verifies the HMAC signature over the exact
// raw request body before any decoding.
package api
