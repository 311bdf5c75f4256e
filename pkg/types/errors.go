package types

// Machine-readable error codes. These are domain errors, not transport
// errors: admission codes surface as HTTP responses, pipeline codes
// materialise on the terminal callback, callback codes only reach logs
// and metrics.
const (
	// Admission
	CodeMissingAuth      = "missing_auth"
	CodeInvalidTimestamp = "invalid_timestamp_format"
	CodeStaleTimestamp   = "stale_or_future_timestamp"
	CodeReplayedNonce    = "replayed_nonce"
	CodeInvalidSignature = "invalid_signature"
	CodeDuplicateTask    = "duplicate_task"
	CodeAtCapacity       = "at_capacity"
	CodeInvalidRequest   = "invalid_request"
	CodeServiceError     = "service_error"

	// Pipeline
	CodeWorkspaceAllocationFailed = "workspace_allocation_failed"
	CodeTokenUnavailable          = "token_unavailable"
	CodeWorkerSpawnFailed         = "worker_spawn_failed"
	CodeWorkerTimeout             = "worker_timeout"
	CodeWorkerSilentExit          = "worker_silent_exit"
	CodeSensitiveRevertPartial    = "sensitive_revert_partial"
	CodeAllChangesSensitive       = "all_changes_sensitive"

	// Callback
	CodeCallbackPermanentReject = "callback_permanent_reject"
	CodeCallbackExhausted       = "callback_exhausted"
	CodeCallbackSigningError    = "callback_signing_error"

	// Fatal
	CodeInternalError = "internal_error"
)
