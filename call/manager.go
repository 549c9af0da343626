package call

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/callsig/crypto"
	"github.com/opd-ai/callsig/jingle"
)

// Default negotiation timeouts.
const (
	// DefaultAnswerTimeout bounds the wait for the callee to answer an
	// outgoing call request.
	DefaultAnswerTimeout = 50 * time.Second

	// DefaultInitiateTimeout bounds the wait for the caller's
	// session-initiate after we accepted an incoming call.
	DefaultInitiateTimeout = 15 * time.Second

	// DefaultIncomingGrace is added on top of the answer timeout before
	// an unanswered incoming request is purged, so the callee side
	// always outlives the caller side.
	DefaultIncomingGrace = 10 * time.Second
)

// Options configures one Manager instance. All state is per instance;
// there are no process-wide tables.
type Options struct {
	// OwnIdentity is the local resource-qualified identity used in
	// every outbound envelope.
	OwnIdentity string

	// AnonID is an anonymized caller id attached to call requests and
	// answers, opaque to this layer.
	AnonID string

	AnswerTimeout   time.Duration
	InitiateTimeout time.Duration
	IncomingGrace   time.Duration

	// Constraint optionally rewrites the encoding parameters of one
	// codec in every locally generated description.
	Constraint *CodecConstraint
}

func (o *Options) withDefaults() {
	if o.AnswerTimeout <= 0 {
		o.AnswerTimeout = DefaultAnswerTimeout
	}
	if o.InitiateTimeout <= 0 {
		o.InitiateTimeout = DefaultInitiateTimeout
	}
	if o.IncomingGrace <= 0 {
		o.IncomingGrace = DefaultIncomingGrace
	}
}

// Manager is the per-connection signaling dispatcher: the exclusive
// owner of the session table, the pending-incoming table, and the
// outgoing-request table. It parses every inbound signaling envelope
// and routes it by session id.
//
// One mutex serializes all state transitions; media-transport and
// timer callbacks re-enter through manager methods that take it.
// Application event sinks are invoked on a dedicated notification
// goroutine, so they may call back into the manager.
type Manager struct {
	mu   sync.Mutex
	opts Options

	transport MessageTransport
	media     MediaEngine
	crypto    IdentityCrypto
	events    CallEvents
	incoming  IncomingCallSink

	sessions map[string]*Session
	pending  map[string]*PendingIncoming
	requests map[string]*OutgoingCall

	notifyCh chan func()
	quit     chan struct{}
	closed   bool
}

// NewManager creates a signaling dispatcher and registers its packet
// handlers on the transport.
func NewManager(transport MessageTransport, media MediaEngine, identity IdentityCrypto,
	events CallEvents, incoming IncomingCallSink, opts Options,
) (*Manager, error) {
	logrus.WithFields(logrus.Fields{
		"function": "NewManager",
		"identity": opts.OwnIdentity,
	}).Info("Creating call manager")

	if transport == nil {
		return nil, errors.New("message transport cannot be nil")
	}
	if media == nil {
		return nil, errors.New("media engine cannot be nil")
	}
	if identity == nil {
		return nil, errors.New("identity crypto cannot be nil")
	}
	if events == nil {
		return nil, errors.New("call events sink cannot be nil")
	}
	if incoming == nil {
		return nil, errors.New("incoming call sink cannot be nil")
	}
	if opts.OwnIdentity == "" {
		return nil, errors.New("own identity cannot be empty")
	}
	opts.withDefaults()

	m := &Manager{
		opts:      opts,
		transport: transport,
		media:     media,
		crypto:    identity,
		events:    events,
		incoming:  incoming,
		sessions:  make(map[string]*Session),
		pending:   make(map[string]*PendingIncoming),
		requests:  make(map[string]*OutgoingCall),
		notifyCh:  make(chan func(), 256),
		quit:      make(chan struct{}),
	}
	go m.notifyLoop()
	m.registerPacketHandlers()
	return m, nil
}

func (m *Manager) registerPacketHandlers() {
	m.transport.RegisterHandler(PacketCallRequest, m.handleCallRequest)
	m.transport.RegisterHandler(PacketCallAnswer, m.handleCallAnswer)
	m.transport.RegisterHandler(PacketCallDecline, m.handleCallDecline)
	m.transport.RegisterHandler(PacketCallCancel, m.handleCallCancel)
	m.transport.RegisterHandler(PacketCallHandled, m.handleCallHandled)
	m.transport.RegisterHandler(PacketJingle, m.handleJingle)
	m.transport.RegisterHandler(PacketJingleError, m.handleJingleError)
}

// notifyLoop drains application notifications in order on a single
// goroutine.
func (m *Manager) notifyLoop() {
	for {
		select {
		case f := <-m.notifyCh:
			f()
		case <-m.quit:
			return
		}
	}
}

// emit queues an application notification. Never blocks the dispatch
// path: if the queue is full the notification runs on its own
// goroutine.
func (m *Manager) emit(f func()) {
	select {
	case m.notifyCh <- f:
	default:
		go f()
	}
}

func (m *Manager) emitTerminated(sid, reason, text string) {
	events := m.events
	m.emit(func() { events.OnTerminated(sid, reason, text) })
}

// sendMessage marshals an envelope and sends it under the packet type.
func (m *Manager) sendMessage(packetType byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling signaling message: %w", err)
	}
	return m.transport.Send(packetType, data)
}

func (m *Manager) envFor(peer string) sessionEnv {
	return sessionEnv{
		sendJingle: func(j *jingle.Jingle) error {
			return m.sendMessage(PacketJingle, JingleMessage{
				From:   m.opts.OwnIdentity,
				To:     peer,
				Jingle: *j,
			})
		},
		emit:       m.emit,
		events:     m.events,
		constraint: m.opts.Constraint,
	}
}

// sessionEvents marshals media-transport callbacks back into the
// manager, keyed by session id.
type sessionEvents struct {
	m   *Manager
	sid string
}

func (e *sessionEvents) OnIceCandidate(candidate, mediaID string, mediaIndex int) {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	s, ok := e.m.sessions[e.sid]
	if !ok {
		return
	}
	if err := s.SendLocalCandidate(candidate, mediaID, mediaIndex); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "OnIceCandidate",
			"sid":      e.sid,
			"error":    err,
		}).Warn("Failed to send local candidate")
	}
}

func (e *sessionEvents) OnStreamAdded()   { e.m.remoteStream(e.sid, true) }
func (e *sessionEvents) OnStreamRemoved() { e.m.remoteStream(e.sid, false) }

func (e *sessionEvents) OnIceStateChange(state string) {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	s, ok := e.m.sessions[e.sid]
	if !ok {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "OnIceStateChange",
		"sid":      e.sid,
		"state":    state,
	}).Debug("ICE connection state changed")
	if state == "failed" {
		e.m.terminateSessionLocked(s, ReasonDisconnected, "ice failed", false)
	}
}

func (m *Manager) remoteStream(sid string, added bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sid]; !ok {
		return
	}
	events := m.events
	m.emit(func() { events.OnRemoteStream(sid, added) })
}

// StartOutgoingCall sends a call request to target and returns a
// cancelable handle. A bare target identity implicitly broadcasts to
// all of that identity's endpoints. If local stream acquisition fails,
// onMediaFailed decides whether to proceed media-less (nil hook means
// abort).
func (m *Manager) StartOutgoingCall(target string, flags AvFlags, onMediaFailed MediaFailureHook) (*OutgoingCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}

	sid := uuid.NewString()
	ownKey, err := crypto.GenerateMacKey()
	if err != nil {
		return nil, fmt.Errorf("generating fingerprint-MAC key: %w", err)
	}
	encKey, err := m.crypto.EncryptFor(BareIdentity(target), []byte(ownKey))
	if err != nil {
		return nil, fmt.Errorf("encrypting fingerprint-MAC key: %w", err)
	}

	stream, err := m.media.GetLocalStream(flags)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "StartOutgoingCall",
			"sid":      sid,
			"error":    err,
		}).Warn("Local stream acquisition failed")
		if onMediaFailed == nil || !onMediaFailed(err) {
			return nil, fmt.Errorf("%w: %v", ErrLocalMediaUnavailable, err)
		}
		stream = nil
		flags = AvFlags{}
	}

	c := &OutgoingCall{
		sid:         sid,
		target:      target,
		flags:       flags,
		ownMacKey:   ownKey,
		localStream: stream,
		m:           m,
	}
	c.timer = time.AfterFunc(m.opts.AnswerTimeout, func() { m.answerTimeout(sid) })
	m.requests[sid] = c

	if err := m.sendMessage(PacketCallRequest, CallRequestMessage{
		Sid:       sid,
		From:      m.opts.OwnIdentity,
		To:        target,
		FprMacKey: encKey,
		AnonID:    m.opts.AnonID,
		Media:     flags,
	}); err != nil {
		c.done = true
		c.timer.Stop()
		delete(m.requests, sid)
		if stream != nil {
			stream.Release()
		}
		return nil, fmt.Errorf("sending call request: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "StartOutgoingCall",
		"sid":      sid,
		"target":   target,
	}).Info("Outgoing call request sent")
	return c, nil
}

// answerTimeout fires when the callee never answered. The latch makes
// a late fire after resolution a safe no-op.
func (m *Manager) answerTimeout(sid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.requests[sid]
	if !ok || c.done {
		return
	}
	c.done = true
	delete(m.requests, sid)

	logrus.WithFields(logrus.Fields{
		"function": "answerTimeout",
		"sid":      sid,
		"target":   c.target,
	}).Info("Outgoing call timed out unanswered")

	if err := m.sendMessage(PacketCallCancel, CallCancelMessage{
		Sid:    sid,
		From:   m.opts.OwnIdentity,
		To:     c.target,
		Reason: ReasonAnswerTimeout,
	}); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "answerTimeout",
			"sid":      sid,
			"error":    err,
		}).Warn("Failed to send call-cancel")
	}
	if c.localStream != nil {
		c.localStream.Release()
		c.localStream = nil
	}
	m.emitTerminated(sid, ReasonAnswerTimeout, "")
}

// handleCallRequest registers a pending incoming request. Duplicate
// delivery for a known sid is logged and ignored.
func (m *Manager) handleCallRequest(data []byte) error {
	var msg CallRequestMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decoding call request: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	// A sid is taken while it lives in any of the three tables: a
	// retransmission after the user answered (sid now a session) or a
	// reflection of our own request must not re-present the call.
	_, pendingDup := m.pending[msg.Sid]
	_, sessionDup := m.sessions[msg.Sid]
	_, requestDup := m.requests[msg.Sid]
	if pendingDup || sessionDup || requestDup {
		logrus.WithFields(logrus.Fields{
			"function": "handleCallRequest",
			"sid":      msg.Sid,
			"caller":   msg.From,
		}).Warn("Duplicate call request ignored")
		return nil
	}

	p := &PendingIncoming{
		sid:        msg.Sid,
		caller:     msg.From,
		receivedAt: time.Now(),
		encKey:     msg.FprMacKey,
		anonID:     msg.AnonID,
		flags:      msg.Media,
		m:          m,
	}
	p.timer = time.AfterFunc(m.opts.AnswerTimeout+m.opts.IncomingGrace, func() {
		m.incomingTimeout(msg.Sid)
	})
	m.pending[msg.Sid] = p

	logrus.WithFields(logrus.Fields{
		"function": "handleCallRequest",
		"sid":      msg.Sid,
		"caller":   msg.From,
	}).Info("Incoming call request")

	incoming := m.incoming
	m.emit(func() { incoming.OnIncomingCall(p) })
	return nil
}

// incomingTimeout purges an unanswered incoming request.
func (m *Manager) incomingTimeout(sid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[sid]
	if !ok || p.userAnswered {
		return
	}
	p.userAnswered = true
	delete(m.pending, sid)
	logrus.WithFields(logrus.Fields{
		"function": "incomingTimeout",
		"sid":      sid,
	}).Info("Incoming call request timed out")
	m.emitTerminated(sid, ReasonAnswerTimeout, "")
}

// answerPending resolves a pending incoming request. Guarded by the
// userAnswered latch so resolution is at-most-once.
func (m *Manager) answerPending(p *PendingIncoming, accept bool, flags AvFlags, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.userAnswered || m.pending[p.sid] != p {
		return ErrRequestNoLongerValid
	}
	p.userAnswered = true
	p.timer.Stop()
	delete(m.pending, p.sid)

	// Tell our own other devices the request is handled here, on
	// accept and on decline alike.
	if err := m.sendMessage(PacketCallHandled, CallHandledMessage{
		Sid:      p.sid,
		To:       BareIdentity(m.opts.OwnIdentity),
		By:       m.opts.OwnIdentity,
		Accepted: accept,
	}); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "answerPending",
			"sid":      p.sid,
			"error":    err,
		}).Warn("Failed to broadcast call-handled")
	}

	if !accept {
		logrus.WithFields(logrus.Fields{
			"function": "answerPending",
			"sid":      p.sid,
		}).Info("Incoming call declined")
		return m.sendMessage(PacketCallDecline, CallDeclineMessage{
			Sid:    p.sid,
			From:   m.opts.OwnIdentity,
			To:     p.caller,
			Reason: ReasonCallRejected,
			Text:   text,
		})
	}
	return m.acceptPendingLocked(p, flags)
}

// acceptPendingLocked performs the key exchange, builds the responder
// session, and sends the call-answer. Any key-exchange failure beyond
// the peer key decrypt is an internal error fatal to the call.
func (m *Manager) acceptPendingLocked(p *PendingIncoming, flags AvFlags) error {
	peerKey, err := m.crypto.DecryptFrom(BareIdentity(p.caller), p.encKey)
	if err != nil {
		// Proceed with a random key so the flow stays uniform; MAC
		// verification will fail later and end the call with the
		// security reason.
		logrus.WithFields(logrus.Fields{
			"function": "acceptPendingLocked",
			"sid":      p.sid,
			"error":    err,
		}).Warn("Failed to decrypt peer fingerprint-MAC key")
		random, rerr := crypto.GenerateMacKey()
		if rerr != nil {
			m.emitTerminated(p.sid, ReasonInternalError, rerr.Error())
			return fmt.Errorf("generating fallback key: %w", rerr)
		}
		peerKey = []byte(random)
	}
	ownKey, err := crypto.GenerateMacKey()
	if err != nil {
		m.emitTerminated(p.sid, ReasonInternalError, err.Error())
		return fmt.Errorf("generating fingerprint-MAC key: %w", err)
	}
	encOwn, err := m.crypto.EncryptFor(BareIdentity(p.caller), []byte(ownKey))
	if err != nil {
		m.emitTerminated(p.sid, ReasonInternalError, err.Error())
		return fmt.Errorf("encrypting fingerprint-MAC key: %w", err)
	}

	stream, err := m.media.GetLocalStream(flags)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "acceptPendingLocked",
			"sid":      p.sid,
			"error":    err,
		}).Warn("Answering without local media")
		stream = nil
		flags = AvFlags{}
	}
	media, err := m.media.NewTransport(&sessionEvents{m: m, sid: p.sid})
	if err != nil {
		if stream != nil {
			stream.Release()
		}
		m.emitTerminated(p.sid, ReasonInternalError, err.Error())
		return fmt.Errorf("creating media transport: %w", err)
	}

	s := newSession(p.sid, m.opts.OwnIdentity, p.caller, m.envFor(p.caller))
	s.ownMacKey = ownKey
	s.peerMacKey = string(peerKey)
	s.media = media
	s.localStream = stream
	s.localAv = flags
	s.remoteAv = p.flags
	if err := s.Initiate(false); err != nil {
		return err
	}
	m.sessions[p.sid] = s
	s.timer = time.AfterFunc(m.opts.InitiateTimeout, func() { m.initiateTimeout(p.sid) })

	if err := m.sendMessage(PacketCallAnswer, CallAnswerMessage{
		Sid:       p.sid,
		From:      m.opts.OwnIdentity,
		To:        p.caller,
		FprMacKey: encOwn,
		AnonID:    m.opts.AnonID,
		Media:     flags,
	}); err != nil {
		m.terminateSessionLocked(s, ReasonInternalError, err.Error(), true)
		return fmt.Errorf("sending call answer: %w", err)
	}
	return nil
}

// initiateTimeout fires when the caller's session-initiate never
// arrived after we answered.
func (m *Manager) initiateTimeout(sid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sid]
	if !ok || s.remoteDescSet || s.state.Terminal() {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "initiateTimeout",
		"sid":      sid,
	}).Warn("Caller never sent session-initiate")
	m.terminateSessionLocked(s, ReasonInitiateTimeout, "", false)
}

// handleCallAnswer converts an outgoing request into an initiator
// session and sends the offer.
func (m *Manager) handleCallAnswer(data []byte) error {
	var msg CallAnswerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decoding call answer: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.requests[msg.Sid]
	if !ok || c.done {
		logrus.WithFields(logrus.Fields{
			"function": "handleCallAnswer",
			"sid":      msg.Sid,
		}).Warn("Call answer for unknown or resolved request")
		return nil
	}
	c.done = true
	c.timer.Stop()
	delete(m.requests, msg.Sid)

	peerKey, err := m.crypto.DecryptFrom(BareIdentity(msg.From), msg.FprMacKey)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleCallAnswer",
			"sid":      msg.Sid,
			"error":    err,
		}).Warn("Failed to decrypt peer fingerprint-MAC key")
		random, rerr := crypto.GenerateMacKey()
		if rerr != nil {
			m.emitTerminated(msg.Sid, ReasonInternalError, rerr.Error())
			return fmt.Errorf("generating fallback key: %w", rerr)
		}
		peerKey = []byte(random)
	}

	media, err := m.media.NewTransport(&sessionEvents{m: m, sid: msg.Sid})
	if err != nil {
		if c.localStream != nil {
			c.localStream.Release()
		}
		m.emitTerminated(msg.Sid, ReasonInternalError, err.Error())
		return fmt.Errorf("creating media transport: %w", err)
	}

	s := newSession(msg.Sid, m.opts.OwnIdentity, msg.From, m.envFor(msg.From))
	s.ownMacKey = c.ownMacKey
	s.peerMacKey = string(peerKey)
	s.media = media
	s.localStream = c.localStream
	s.localAv = c.flags
	s.remoteAv = msg.Media
	if err := s.Initiate(true); err != nil {
		return err
	}
	m.sessions[msg.Sid] = s

	if err := s.SendOffer(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleCallAnswer",
			"sid":      msg.Sid,
			"error":    err,
		}).Error("Failed to send offer")
		m.terminateSessionLocked(s, ReasonInternalError, err.Error(), false)
	}
	return nil
}

func (m *Manager) handleCallDecline(data []byte) error {
	var msg CallDeclineMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decoding call decline: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.requests[msg.Sid]
	if !ok || c.done {
		return nil
	}
	c.done = true
	c.timer.Stop()
	delete(m.requests, msg.Sid)
	if c.localStream != nil {
		c.localStream.Release()
		c.localStream = nil
	}
	reason := msg.Reason
	if reason == "" {
		reason = ReasonCallRejected
	}
	logrus.WithFields(logrus.Fields{
		"function": "handleCallDecline",
		"sid":      msg.Sid,
		"reason":   reason,
	}).Info("Outgoing call declined")
	m.emitTerminated(msg.Sid, reason, msg.Text)
	return nil
}

func (m *Manager) handleCallCancel(data []byte) error {
	var msg CallCancelMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decoding call cancel: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[msg.Sid]
	if !ok || p.userAnswered {
		return nil
	}
	p.userAnswered = true
	p.timer.Stop()
	delete(m.pending, msg.Sid)
	reason := msg.Reason
	if reason == "" {
		reason = ReasonCallCanceled
	}
	logrus.WithFields(logrus.Fields{
		"function": "handleCallCancel",
		"sid":      msg.Sid,
		"reason":   reason,
	}).Info("Incoming call cancelled by caller")
	m.emitTerminated(msg.Sid, reason, "")
	return nil
}

// handleCallHandled invalidates local pending state when another of
// the user's devices resolved the request first.
func (m *Manager) handleCallHandled(data []byte) error {
	var msg CallHandledMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decoding call handled: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.By == m.opts.OwnIdentity {
		// Our own broadcast looped back.
		return nil
	}
	p, ok := m.pending[msg.Sid]
	if !ok || p.userAnswered {
		return nil
	}
	p.userAnswered = true
	p.timer.Stop()
	delete(m.pending, msg.Sid)
	logrus.WithFields(logrus.Fields{
		"function": "handleCallHandled",
		"sid":      msg.Sid,
		"by":       msg.By,
		"accepted": msg.Accepted,
	}).Info("Call request handled by another device")
	reason := ReasonRejectedElsewhere
	if msg.Accepted {
		reason = ReasonAnsweredElsewhere
	}
	incoming := m.incoming
	m.emit(func() { incoming.OnCallHandledElsewhere(msg.Sid, msg.By, msg.Accepted) })
	m.emitTerminated(msg.Sid, reason, "")
	return nil
}

// handleJingle routes a session-negotiation stanza purely by session
// id. Unknown-session stanzas are answered with a protocol error and
// affect no other session.
func (m *Manager) handleJingle(data []byte) error {
	var msg JingleMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decoding jingle message: %w", err)
	}
	j := &msg.Jingle
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}

	s, ok := m.sessions[j.SID]
	switch j.Action {
	case jingle.ActionSessionInitiate:
		if !ok {
			m.sendJingleError(msg.From, j.SID, ConditionUnknownSession)
			return nil
		}
		m.handleSessionInitiateLocked(s, j)
	case jingle.ActionSessionAccept:
		if !ok {
			m.sendJingleError(msg.From, j.SID, ConditionUnknownSession)
			return nil
		}
		m.handleSessionAcceptLocked(s, j)
	case jingle.ActionSessionTerminate:
		if !ok {
			// Late terminate for an already-removed session is normal.
			logrus.WithFields(logrus.Fields{
				"function": "handleJingle",
				"sid":      j.SID,
			}).Debug("Terminate for unknown session ignored")
			return nil
		}
		reason, text := ReasonPeerHangup, ""
		if j.Reason != nil {
			reason = j.Reason.Condition
			text = j.Reason.Text
			if reason == ReasonHangup || reason == "" {
				reason = ReasonPeerHangup
			}
		}
		m.terminateSessionLocked(s, reason, text, true)
	case jingle.ActionTransportInfo:
		if !ok {
			m.sendJingleError(msg.From, j.SID, ConditionUnknownSession)
			return nil
		}
		if err := s.AddRemoteCandidates(j); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleJingle",
				"sid":      j.SID,
				"error":    err,
			}).Warn("Failed to apply transport-info")
		}
	case jingle.ActionSessionInfo:
		if !ok {
			m.sendJingleError(msg.From, j.SID, ConditionUnknownSession)
			return nil
		}
		s.HandleSessionInfo(j)
	default:
		logrus.WithFields(logrus.Fields{
			"function": "handleJingle",
			"sid":      j.SID,
			"action":   j.Action,
		}).Warn("Unknown jingle action")
	}
	return nil
}

// handleSessionInitiateLocked processes the caller's offer on the
// responder session created at answer time. An initiate for a session
// that already negotiated is rejected; the existing session wins.
func (m *Manager) handleSessionInitiateLocked(s *Session, j *jingle.Jingle) {
	if s.role != RoleResponder || s.remoteSdp != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleSessionInitiateLocked",
			"sid":      j.SID,
			"error":    ErrDuplicateSession,
		}).Warn("Session-initiate for live session rejected")
		m.sendJingleError(s.peerIdentity, j.SID, ConditionServiceUnavailable)
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	if err := s.SendRinging(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleSessionInitiateLocked",
			"sid":      j.SID,
			"error":    err,
		}).Debug("Failed to send ringing")
	}
	if !s.VerifyRemoteMac(j) {
		m.terminateSessionLocked(s, ReasonSecurity, "fingerprint verification failed", false)
		return
	}
	if err := s.SetRemoteDescription(j); err != nil {
		m.terminateSessionLocked(s, ReasonProtocolError, err.Error(), false)
		return
	}
	if err := s.SendAnswer(); err != nil {
		m.terminateSessionLocked(s, ReasonInternalError, err.Error(), false)
		return
	}
	s.setState(StateActive)
}

// handleSessionAcceptLocked processes the responder's answer on the
// initiator session. A failed MAC terminates the call without setting
// the remote description.
func (m *Manager) handleSessionAcceptLocked(s *Session, j *jingle.Jingle) {
	if s.role != RoleInitiator || s.remoteSdp != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleSessionAcceptLocked",
			"sid":      j.SID,
		}).Warn("Unexpected session-accept rejected")
		m.sendJingleError(s.peerIdentity, j.SID, ConditionServiceUnavailable)
		return
	}
	if !s.VerifyRemoteMac(j) {
		m.terminateSessionLocked(s, ReasonSecurity, "fingerprint verification failed", false)
		return
	}
	if err := s.SetRemoteDescription(j); err != nil {
		m.terminateSessionLocked(s, ReasonProtocolError, err.Error(), false)
		return
	}
	s.setState(StateActive)
}

func (m *Manager) handleJingleError(data []byte) error {
	var msg JingleErrorMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decoding jingle error: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	logrus.WithFields(logrus.Fields{
		"function":  "handleJingleError",
		"sid":       msg.Sid,
		"condition": msg.Condition,
	}).Warn("Received protocol error from peer")
	// Only unknown-session is fatal: the peer has no session to talk
	// to, so ours cannot progress. Other conditions (a rejected
	// duplicate stanza, say) must not kill a healthy call.
	if msg.Condition != ConditionUnknownSession {
		return nil
	}
	if s, ok := m.sessions[msg.Sid]; ok {
		m.terminateSessionLocked(s, ReasonProtocolError, msg.Condition, true)
	}
	return nil
}

func (m *Manager) sendJingleError(to, sid, condition string) {
	if err := m.sendMessage(PacketJingleError, JingleErrorMessage{
		Sid:       sid,
		From:      m.opts.OwnIdentity,
		To:        to,
		Condition: condition,
	}); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendJingleError",
			"sid":      sid,
			"error":    err,
		}).Warn("Failed to send protocol error")
	}
}

// terminateSessionLocked ends a session and removes it from the table.
// Once removed, no further routed message can reach it; late messages
// become unknown-session.
func (m *Manager) terminateSessionLocked(s *Session, reason, text string, suppressSend bool) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.Terminate(reason, text, suppressSend)
	delete(m.sessions, s.sid)
}

// SendMuteDelta applies new local media flags to one session, sending
// one mute/unmute message per changed kind.
func (m *Manager) SendMuteDelta(sid string, flags AvFlags) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sid]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sid)
	}
	return s.SendMuteDelta(s.localAv, flags)
}

// MuteUnmute applies new local media flags to every session matching
// the target identity by bare-identity comparison, or to every session
// when target is empty. Returns the number of sessions affected.
func (m *Manager) MuteUnmute(flags AvFlags, target string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	bare := BareIdentity(target)
	count := 0
	for _, s := range m.sessions {
		if target != "" && BareIdentity(s.peerIdentity) != bare {
			continue
		}
		if err := s.SendMuteDelta(s.localAv, flags); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "MuteUnmute",
				"sid":      s.sid,
				"error":    err,
			}).Warn("Failed to send mute delta")
			continue
		}
		count++
	}
	return count
}

// HangupBySid ends the call with the given session id, whichever table
// it lives in. Returns false if no call matches.
func (m *Manager) HangupBySid(sid, reason, text string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hangupLocked(func(_ string, id string) bool { return id == sid }, reason, text) > 0
}

// HangupByPeer ends every call with the given peer, matched by bare
// identity. Returns the number of calls ended.
func (m *Manager) HangupByPeer(peer, reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	bare := BareIdentity(peer)
	return m.hangupLocked(func(p string, _ string) bool {
		return BareIdentity(p) == bare
	}, reason, "")
}

// HangupAll ends every call request, pending incoming request, and
// session. Returns the number of calls ended.
func (m *Manager) HangupAll(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hangupLocked(func(string, string) bool { return true }, reason, "")
}

// OnDisconnected terminates everything after a signaling transport
// loss; calls do not survive a reconnect.
func (m *Manager) OnDisconnected() int {
	return m.HangupAll(ReasonDisconnected)
}

// OnPeerUnavailable terminates every call with a peer whose presence
// was lost.
func (m *Manager) OnPeerUnavailable(peer string) int {
	return m.HangupByPeer(peer, ReasonPeerDisconnected)
}

// hangupLocked enumerates the three call tables and ends every entry
// whose (peer, sid) matches.
func (m *Manager) hangupLocked(match func(peer, sid string) bool, reason, text string) int {
	count := 0
	for sid, c := range m.requests {
		if c.done || !match(c.target, sid) {
			continue
		}
		c.done = true
		c.timer.Stop()
		delete(m.requests, sid)
		if err := m.sendMessage(PacketCallCancel, CallCancelMessage{
			Sid:    sid,
			From:   m.opts.OwnIdentity,
			To:     c.target,
			Reason: reason,
		}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "hangupLocked",
				"sid":      sid,
				"error":    err,
			}).Warn("Failed to send call-cancel")
		}
		if c.localStream != nil {
			c.localStream.Release()
			c.localStream = nil
		}
		m.emitTerminated(sid, reason, text)
		count++
	}
	for sid, p := range m.pending {
		if p.userAnswered || !match(p.caller, sid) {
			continue
		}
		p.userAnswered = true
		p.timer.Stop()
		delete(m.pending, sid)
		if err := m.sendMessage(PacketCallDecline, CallDeclineMessage{
			Sid:    sid,
			From:   m.opts.OwnIdentity,
			To:     p.caller,
			Reason: reason,
		}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "hangupLocked",
				"sid":      sid,
				"error":    err,
			}).Warn("Failed to send call-decline")
		}
		m.emitTerminated(sid, reason, text)
		count++
	}
	for _, s := range m.sessions {
		if !match(s.peerIdentity, s.sid) {
			continue
		}
		m.terminateSessionLocked(s, reason, text, false)
		count++
	}
	return count
}

// SessionCount returns the number of live negotiated sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// StateOf returns the state of the session with the given id.
func (m *Manager) StateOf(sid string) (SessionState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sid]
	if !ok {
		return StateNull, false
	}
	return s.state, true
}

// Close shuts the manager down, ending every call with the
// disconnected reason.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.hangupLocked(func(string, string) bool { return true }, ReasonDisconnected, "")
	m.mu.Unlock()
	close(m.quit)
	return nil
}
