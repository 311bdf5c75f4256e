/*
Package types defines the core data structures shared across Foreman packages.

Types include:

  - Task: the in-memory task record (status, timestamps, error code)
  - TaskSnapshot: immutable copy handed to API consumers
  - Submission: a validated task-submission request
  - Event: an outbound callback envelope with its per-task sequence number
  - TaskStatus / EventStatus: lifecycle and callback state enumerations
  - Error codes: machine-readable domain error constants

# Status Graph

Task status transitions are acyclic:

	queued -> running -> completed
	                  -> failed
	                  -> cancelled

A task leaves running exactly once. Terminal states are final.
*/
package types
