package call

import "github.com/opd-ai/callsig/jingle"

// Packet types for call signaling frames. Each frame is a JSON
// envelope carried under one of these type bytes.
const (
	// PacketCallRequest carries a caller's initial call request.
	PacketCallRequest byte = 0x40
	// PacketCallAnswer carries the callee's acceptance, preceding the
	// jingle session-initiate.
	PacketCallAnswer byte = 0x41
	// PacketCallDecline carries the callee's rejection.
	PacketCallDecline byte = 0x42
	// PacketCallCancel carries a caller-side cancel before answer.
	PacketCallCancel byte = 0x43
	// PacketCallHandled tells the local user's other devices the
	// request was answered or declined here.
	PacketCallHandled byte = 0x44
	// PacketJingle carries a session-negotiation stanza.
	PacketJingle byte = 0x45
	// PacketJingleError carries a protocol-level error response.
	PacketJingleError byte = 0x46
)

// CallRequestMessage is sent caller to callee(s). A bare "to" identity
// is an implicit broadcast to all of that identity's endpoints.
type CallRequestMessage struct {
	Sid string `json:"sid"`
	// From is the caller's resource-qualified identity.
	From string `json:"from"`
	To   string `json:"to"`
	// FprMacKey is the caller's fingerprint-MAC key, sealed under the
	// callee's identity key.
	FprMacKey []byte  `json:"fprmackey"`
	AnonID    string  `json:"anonid,omitempty"`
	Media     AvFlags `json:"media"`
}

// CallAnswerMessage is sent callee to caller on accept.
type CallAnswerMessage struct {
	Sid  string `json:"sid"`
	From string `json:"from"`
	To   string `json:"to"`
	// FprMacKey is the callee's fingerprint-MAC key, sealed under the
	// caller's identity key.
	FprMacKey []byte  `json:"fprmackey"`
	AnonID    string  `json:"anonid,omitempty"`
	Media     AvFlags `json:"media"`
}

// CallDeclineMessage is sent callee to caller on reject.
type CallDeclineMessage struct {
	Sid    string `json:"sid"`
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason"`
	Text   string `json:"text,omitempty"`
}

// CallCancelMessage is sent caller to callee(s) before answer.
type CallCancelMessage struct {
	Sid    string `json:"sid"`
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason"`
}

// CallHandledMessage is broadcast to the callee's own bare identity so
// sibling devices stop presenting the request.
type CallHandledMessage struct {
	Sid string `json:"sid"`
	To  string `json:"to"`
	// By is the identity of the device that resolved the request.
	By       string `json:"by"`
	Accepted bool   `json:"accepted"`
}

// JingleMessage carries one session-negotiation stanza between the two
// session endpoints.
type JingleMessage struct {
	From   string        `json:"from"`
	To     string        `json:"to"`
	Jingle jingle.Jingle `json:"jingle"`
}

// JingleErrorMessage is the protocol-level error response to a stanza
// that could not be routed or accepted.
type JingleErrorMessage struct {
	Sid  string `json:"sid"`
	From string `json:"from"`
	To   string `json:"to"`
	// Condition is a machine-readable error token
	// ("unknown-session", "service-unavailable").
	Condition string `json:"condition"`
	Text      string `json:"text,omitempty"`
}

// Jingle error conditions.
const (
	ConditionUnknownSession     = "unknown-session"
	ConditionServiceUnavailable = "service-unavailable"
)
