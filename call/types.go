// Package call implements the call-signaling core: the per-call
// session state machine and the manager that owns the session table,
// routes inbound signaling messages, and drives call setup and
// teardown over an asynchronous message transport.
package call

import "strings"

// SessionState is the lifecycle state of a call session.
type SessionState int

const (
	// StateNull is the state before Initiate.
	StateNull SessionState = iota
	// StatePending covers the whole negotiation window: offer sent and
	// awaiting accept (initiator), or answer in flight (responder).
	StatePending
	// StateActive means both descriptions are committed and media
	// establishment is under way.
	StateActive
	// StateEnded is terminal: normal termination.
	StateEnded
	// StateError is terminal: the session ended because of a security,
	// protocol, or internal failure.
	StateError
)

// String returns a human-readable state name.
func (s SessionState) String() string {
	switch s {
	case StateNull:
		return "null"
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state admits no further transitions.
func (s SessionState) Terminal() bool {
	return s == StateEnded || s == StateError
}

// Role fixes which side of a session sends the initial offer.
type Role int

const (
	// RoleInitiator sends session-initiate and awaits session-accept.
	RoleInitiator Role = iota
	// RoleResponder answers a received session-initiate.
	RoleResponder
)

// String returns the wire-level creator name for the role.
func (r Role) String() string {
	if r == RoleResponder {
		return "responder"
	}
	return "initiator"
}

// AvFlags carries the audio/video enabled state of one side of a call.
// The flags are mutable via mute/unmute signaling without an SDP
// renegotiation.
type AvFlags struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

// Any reports whether at least one media kind is enabled.
func (f AvFlags) Any() bool {
	return f.Audio || f.Video
}

// Machine-readable termination reason tokens carried by
// session-terminate messages and termination events.
const (
	// ReasonHangup is a local user hangup. Reported to the remote peer,
	// who rewrites it to ReasonPeerHangup locally.
	ReasonHangup = "hangup"
	// ReasonPeerHangup is how an inbound hangup is reported locally.
	ReasonPeerHangup = "peer-hangup"
	// ReasonSecurity means fingerprint MAC verification failed. Always
	// fatal, never retried.
	ReasonSecurity = "security"
	// ReasonAnswerTimeout means the callee never answered the call
	// request within the configured window.
	ReasonAnswerTimeout = "answer-timeout"
	// ReasonInitiateTimeout means the caller's session-initiate never
	// arrived after we accepted the call.
	ReasonInitiateTimeout = "initiate-timeout"
	// ReasonDisconnected means the signaling or media transport was
	// lost mid-call.
	ReasonDisconnected = "disconnected"
	// ReasonPeerDisconnected means the remote peer's presence was lost.
	ReasonPeerDisconnected = "peer-disconnected"
	// ReasonProtocolError covers malformed or out-of-order signaling.
	ReasonProtocolError = "protocol-error"
	// ReasonInternalError covers unexpected collaborator failures.
	ReasonInternalError = "internal-error"
	// ReasonCallRejected is a user decline of an incoming request.
	ReasonCallRejected = "call-rejected"
	// ReasonCallCanceled is a caller-side cancel before answer.
	ReasonCallCanceled = "call-canceled"
	// ReasonAnsweredElsewhere means another device of the same user
	// answered the request first.
	ReasonAnsweredElsewhere = "answered-elsewhere"
	// ReasonRejectedElsewhere means another device declined first.
	ReasonRejectedElsewhere = "rejected-elsewhere"
)

// Mute names used on the wire for the audio/video media kinds.
const (
	MuteNameVoice = "voice"
	MuteNameVideo = "video"
)

// BareIdentity strips the resource suffix from a resource-qualified
// identity ("user@host/resource" -> "user@host"). A bare identity
// addresses every connected endpoint of that user.
func BareIdentity(identity string) string {
	if slash := strings.IndexByte(identity, '/'); slash >= 0 {
		return identity[:slash]
	}
	return identity
}

// CodecConstraint rewrites the encoding parameters of one codec in
// every locally generated description: extra fmtp parameters and an
// optional bandwidth cap.
type CodecConstraint struct {
	Codec          string
	Params         string
	MaxBitrateKbps int
}
