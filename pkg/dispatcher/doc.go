// Package dispatcher admits tasks and runs each one through its pipeline:
// workspace provisioning, credential fetch, worker execution, sensitive-file
// inspection, and the terminal callback. Parallelism is bounded by a
// capacity semaphore taken at admission. Cancellation is a latch observed
// at every stage boundary and by the running worker.
package dispatcher
