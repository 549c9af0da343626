package call

import "errors"

// Sentinel errors for call package operations.
// These errors enable reliable error classification using errors.Is().

// Session lifecycle errors.
var (
	// ErrAlreadyInitiated indicates Initiate was called on a session
	// that already left the null state.
	ErrAlreadyInitiated = errors.New("session already initiated")

	// ErrAlreadyHasRemote indicates a second remote description for a
	// session; renegotiation is not supported.
	ErrAlreadyHasRemote = errors.New("session already has a remote description")

	// ErrSessionTerminated indicates an operation on a session in a
	// terminal state.
	ErrSessionTerminated = errors.New("session is terminated")

	// ErrWrongRole indicates an initiator-only operation on a responder
	// session or vice versa.
	ErrWrongRole = errors.New("operation not valid for this session role")

	// ErrNoMacKey indicates the peer's fingerprint-MAC key is missing
	// when attaching a MAC. This is a programming error, not a
	// transient fault; the call must terminate.
	ErrNoMacKey = errors.New("no fingerprint-MAC key for peer")

	// ErrUnknownMediaID indicates a candidate referenced a media id
	// with no matching media block. Fatal to that candidate only.
	ErrUnknownMediaID = errors.New("no media block matches media id")
)

// Routing errors.
var (
	// ErrUnknownSession indicates a message correlated to no live or
	// pending session.
	ErrUnknownSession = errors.New("unknown session id")

	// ErrDuplicateSession indicates a session-initiate for an id that
	// already has a live negotiated session.
	ErrDuplicateSession = errors.New("duplicate session id")

	// ErrSecurityVerification indicates a fingerprint MAC mismatch.
	ErrSecurityVerification = errors.New("fingerprint MAC verification failed")
)

// Manager errors.
var (
	// ErrRequestNoLongerValid indicates an answer callback fired after
	// the pending request was resolved (timed out, cancelled, or
	// already answered).
	ErrRequestNoLongerValid = errors.New("call request is no longer valid")

	// ErrLocalMediaUnavailable indicates local stream acquisition
	// failed and the caller chose not to proceed without media.
	ErrLocalMediaUnavailable = errors.New("local media unavailable")

	// ErrManagerClosed indicates the manager has been shut down.
	ErrManagerClosed = errors.New("manager is closed")
)
