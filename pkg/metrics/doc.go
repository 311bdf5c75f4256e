// Package metrics exposes Prometheus collectors for task, auth, worker,
// callback and token activity, plus component health reporting.
package metrics
