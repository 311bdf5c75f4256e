/*
Package runner spawns the external worker subprocess for a task.

The worker is a black box with a documented contract: it runs with the
task's workspace as its working directory, reads the prompt on stdin,
receives the downstream credential through FOREMAN_CODEHOST_TOKEN, and
reports through a line-oriented stdout stream (see pkg/stream for the
marker grammar). Stderr is not classified; its tail is preserved verbatim
for the task log.

Termination is graceful-first: on timeout or cancellation the worker gets
SIGTERM, then SIGKILL once the grace window (default 30s) elapses. The
wall-clock limit runs from spawn to exit.
*/
package runner
