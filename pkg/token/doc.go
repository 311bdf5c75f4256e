// Package token caches the downstream code-host credential and refreshes
// it ahead of expiry. Concurrent refreshes collapse into one attempt.
package token
