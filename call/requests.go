package call

import (
	"time"

	"github.com/sirupsen/logrus"
)

// OutgoingCall is the caller-side handle on a call request that has no
// session yet. While in this state the call can always be cancelled
// synchronously; once the callee answers, the handle is consumed and
// the call continues as a Session.
type OutgoingCall struct {
	sid       string
	target    string
	flags     AvFlags
	ownMacKey string

	localStream LocalStream
	timer       *time.Timer

	// done latches the first resolution (answer, decline, timeout, or
	// cancel); later events are no-ops.
	done bool

	m *Manager
}

// Sid returns the session id assigned to the request.
func (c *OutgoingCall) Sid() string { return c.sid }

// Target returns the callee identity the request was sent to.
func (c *OutgoingCall) Target() string { return c.target }

// Cancel withdraws the call request. Always succeeds from the caller's
// perspective: the timer is disarmed and local state is released
// synchronously; the call-cancel message to the callee is best-effort.
// A no-op once the request has resolved.
func (c *OutgoingCall) Cancel() error {
	m := c.m
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.done {
		return nil
	}
	c.done = true
	c.timer.Stop()
	delete(m.requests, c.sid)

	if err := m.sendMessage(PacketCallCancel, CallCancelMessage{
		Sid:    c.sid,
		From:   m.opts.OwnIdentity,
		To:     c.target,
		Reason: ReasonCallCanceled,
	}); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Cancel",
			"sid":      c.sid,
			"error":    err,
		}).Warn("Failed to send call-cancel")
	}
	if c.localStream != nil {
		c.localStream.Release()
		c.localStream = nil
	}
	m.emitTerminated(c.sid, ReasonCallCanceled, "")
	return nil
}

// PendingIncoming is a call request received but not yet resolved by
// the local user. It bridges the messaging-layer "user said yes" step
// and the start of the jingle session.
type PendingIncoming struct {
	sid        string
	caller     string
	receivedAt time.Time

	// encKey is the caller's fingerprint-MAC key, still sealed under
	// our identity key. Decrypted only on accept.
	encKey []byte
	anonID string
	flags  AvFlags

	// userAnswered latches the first resolution: user answer, caller
	// cancel, handled-elsewhere, or timeout. At-most-once.
	userAnswered bool
	timer        *time.Timer

	m *Manager
}

// Sid returns the session id of the request.
func (p *PendingIncoming) Sid() string { return p.sid }

// Caller returns the caller's resource-qualified identity.
func (p *PendingIncoming) Caller() string { return p.caller }

// Flags returns the media kinds the caller proposed.
func (p *PendingIncoming) Flags() AvFlags { return p.flags }

// ReceivedAt returns when the request arrived.
func (p *PendingIncoming) ReceivedAt() time.Time { return p.receivedAt }

// Answer resolves the request. Accepting builds the responder session
// and sends the call-answer message; rejecting sends a call-decline.
// Idempotent in the at-most-once sense: any call after the first fails
// with ErrRequestNoLongerValid and has no effect.
func (p *PendingIncoming) Answer(accept bool, flags AvFlags) error {
	return p.m.answerPending(p, accept, flags, "")
}

// Decline rejects the request with a human-readable text forwarded to
// the caller alongside the reason token.
func (p *PendingIncoming) Decline(text string) error {
	return p.m.answerPending(p, false, AvFlags{}, text)
}
