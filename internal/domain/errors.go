package domain

import "errors"

// Error taxonomy for engine operations. Callers classify failures with
// errors.Is and decide whether a retry is safe; invariant violations are
// never silently corrected.
var (
	// ErrValidation indicates bad input shape or length.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidState indicates an operation that is not legal in the
	// session's current status.
	ErrInvalidState = errors.New("invalid session state")
	// ErrConflict indicates a duplicate active session for a topic.
	ErrConflict = errors.New("active session already exists")
	// ErrNotFound indicates an unknown session, turn, or insight.
	ErrNotFound = errors.New("not found")
	// ErrGeneration indicates the question generator failed.
	ErrGeneration = errors.New("question generation failed")
	// ErrSynthesis indicates the insight generator returned malformed output.
	ErrSynthesis = errors.New("insight synthesis failed")
	// ErrUpstreamTimeout indicates the external generation capability did
	// not answer within its deadline. Persisted state is unchanged, so the
	// caller may retry.
	ErrUpstreamTimeout = errors.New("upstream generation timed out")
)
