package types

import "errors"

// Error kinds surfaced across component boundaries. Callers branch
// with errors.Is; the protocol layer maps them to streamed error
// events.
var (
	// ErrRateLimitExceeded aborts the current operation and returns
	// the state machine to IDLE.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrSandboxUnavailable means the sandbox service could not be
	// reached or refused the session.
	ErrSandboxUnavailable = errors.New("sandbox unavailable")

	// ErrPreviewExpired means the cached preview URL no longer serves;
	// one redeploy is attempted before surfacing.
	ErrPreviewExpired = errors.New("preview expired")

	// ErrInvalidArgument rejects malformed tool or API inputs without
	// any state change.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrLoopDetected is raised by the deep-debug repetition guard.
	ErrLoopDetected = errors.New("loop detected")

	// ErrCallLimitExceeded is raised by the deep-debug once-per-turn
	// guard.
	ErrCallLimitExceeded = errors.New("call limit exceeded")

	// ErrGenerationInProgress rejects operations that cannot overlap a
	// state-machine run.
	ErrGenerationInProgress = errors.New("GENERATION_IN_PROGRESS")

	// ErrDebugInProgress rejects generation while a deep-debug session
	// is active.
	ErrDebugInProgress = errors.New("DEBUG_IN_PROGRESS")

	// ErrNotFound is returned for missing files or registry rows;
	// callers treat it as an empty result.
	ErrNotFound = errors.New("not found")
)
