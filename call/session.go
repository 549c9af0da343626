package call

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/callsig/crypto"
	"github.com/opd-ai/callsig/jingle"
	"github.com/opd-ai/callsig/sdp"
)

// sessionEnv is the slice of manager capability a session needs:
// sending stanzas to its peer and emitting application events. The
// session holds no reference to the manager itself.
type sessionEnv struct {
	sendJingle func(j *jingle.Jingle) error
	emit       func(f func())
	events     CallEvents
	constraint *CodecConstraint
}

// queuedCandidate is a remote candidate held back until the remote
// description is committed.
type queuedCandidate struct {
	line    string
	mediaID string
}

// Session is the per-call negotiation state machine. All methods must
// be called with the owning manager's lock held; the manager is the
// single writer of session state.
type Session struct {
	sid          string
	peerIdentity string
	ownIdentity  string
	role         Role
	state        SessionState

	initiator string
	responder string

	localSdp  *sdp.ParsedSdp
	remoteSdp *sdp.ParsedSdp

	// ownMacKey verifies inbound stanzas; peerMacKey keys outbound
	// MACs. Each side generates its own key and sends it to the peer
	// sealed under the peer's identity key.
	ownMacKey  string
	peerMacKey string

	localAv  AvFlags
	remoteAv AvFlags

	media       MediaTransport
	localStream LocalStream

	remoteDescSet bool
	pendingCands  []queuedCandidate

	// timer guards the current negotiation wait (session-initiate
	// arrival on the responder side). Owned by the manager.
	timer *time.Timer

	env sessionEnv
}

func newSession(sid, ownIdentity, peerIdentity string, env sessionEnv) *Session {
	return &Session{
		sid:          sid,
		ownIdentity:  ownIdentity,
		peerIdentity: peerIdentity,
		state:        StateNull,
		env:          env,
	}
}

// Sid returns the session id.
func (s *Session) Sid() string { return s.sid }

// Peer returns the peer's resource-qualified identity.
func (s *Session) Peer() string { return s.peerIdentity }

// State returns the current lifecycle state.
func (s *Session) State() SessionState { return s.state }

// Initiate fixes the session's role and moves it to the pending state.
// Fails with ErrAlreadyInitiated once the session has left null.
func (s *Session) Initiate(isInitiator bool) error {
	if s.state != StateNull {
		return fmt.Errorf("%w: state %s", ErrAlreadyInitiated, s.state)
	}
	if isInitiator {
		s.role = RoleInitiator
		s.initiator = s.ownIdentity
		s.responder = s.peerIdentity
	} else {
		s.role = RoleResponder
		s.initiator = s.peerIdentity
		s.responder = s.ownIdentity
	}
	s.setState(StatePending)
	logrus.WithFields(logrus.Fields{
		"function": "Initiate",
		"sid":      s.sid,
		"role":     s.role.String(),
	}).Info("Session initiated")
	return nil
}

func (s *Session) setState(state SessionState) {
	s.state = state
	if !state.Terminal() {
		sid := s.sid
		events := s.env.events
		s.env.emit(func() { events.OnStateChange(sid, state) })
	}
}

// SendOffer creates the local offer, commits it as the local
// description, and sends the session-initiate stanza with the
// fingerprint MAC attached. Initiator only.
func (s *Session) SendOffer() error {
	if s.role != RoleInitiator {
		return fmt.Errorf("%w: SendOffer on responder", ErrWrongRole)
	}
	if s.state != StatePending {
		return fmt.Errorf("%w: state %s", ErrSessionTerminated, s.state)
	}
	local, err := s.createLocalDescription(s.media.CreateOffer)
	if err != nil {
		return err
	}
	s.localSdp = local
	if err := s.media.SetLocalDescription(local.Raw()); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}
	return s.sendDescription(jingle.ActionSessionInitiate)
}

// SendAnswer creates the local answer and sends the session-accept
// stanza. The local description is fully committed before SendAnswer
// returns, so callers can safely start feeding queued candidates
// afterwards. Responder only.
func (s *Session) SendAnswer() error {
	if s.role != RoleResponder {
		return fmt.Errorf("%w: SendAnswer on initiator", ErrWrongRole)
	}
	if s.state.Terminal() {
		return fmt.Errorf("%w: state %s", ErrSessionTerminated, s.state)
	}
	local, err := s.createLocalDescription(s.media.CreateAnswer)
	if err != nil {
		return err
	}
	s.localSdp = local
	if err := s.sendDescription(jingle.ActionSessionAccept); err != nil {
		return err
	}
	if err := s.media.SetLocalDescription(local.Raw()); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}
	return nil
}

func (s *Session) createLocalDescription(create func() (string, error)) (*sdp.ParsedSdp, error) {
	raw, err := create()
	if err != nil {
		return nil, fmt.Errorf("creating local description: %w", err)
	}
	parsed, err := sdp.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing local description: %w", err)
	}
	if c := s.env.constraint; c != nil {
		parsed.ConstrainCodec(c.Codec, c.Params, c.MaxBitrateKbps)
	}
	return parsed, nil
}

// sendDescription builds the stanza for the local description, attaches
// the fingerprint MAC keyed by the peer's key, and sends it.
func (s *Session) sendDescription(action jingle.Action) error {
	j := &jingle.Jingle{
		SID:       s.sid,
		Action:    action,
		Initiator: s.initiator,
	}
	if err := s.localSdp.ToJingle(j, s.role.String()); err != nil {
		return fmt.Errorf("translating local description: %w", err)
	}
	if err := s.attachFingerprintMac(j); err != nil {
		return err
	}
	return s.env.sendJingle(j)
}

// attachFingerprintMac computes the MAC over the stanza's canonical
// fingerprint string, keyed by the PEER's fingerprint-MAC key. A
// missing peer key is a programming error and fatal to the call.
func (s *Session) attachFingerprintMac(j *jingle.Jingle) error {
	if s.peerMacKey == "" {
		return ErrNoMacKey
	}
	fps, err := j.Fingerprints()
	if err != nil {
		return fmt.Errorf("extracting fingerprints: %w", err)
	}
	j.FprMac = crypto.ComputeMac(fps, s.peerMacKey)
	return nil
}

// VerifyRemoteMac checks an inbound stanza's fingerprint MAC against
// our own key. Failure gates acceptance of every session-initiate and
// session-accept: the call terminates with the security reason.
func (s *Session) VerifyRemoteMac(j *jingle.Jingle) bool {
	fps, err := j.Fingerprints()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "VerifyRemoteMac",
			"sid":      s.sid,
			"error":    err,
		}).Warn("Stanza carries no verifiable fingerprint")
		return false
	}
	if !crypto.VerifyMac(fps, s.ownMacKey, j.FprMac) {
		logrus.WithFields(logrus.Fields{
			"function": "VerifyRemoteMac",
			"sid":      s.sid,
			"peer":     s.peerIdentity,
		}).Error("Fingerprint MAC verification failed, possible forgery")
		return false
	}
	return true
}

// SetRemoteDescription commits the stanza's description as the remote
// description. Single-shot: a second call fails with
// ErrAlreadyHasRemote. Queued candidates are replayed in arrival order
// once the description is committed.
func (s *Session) SetRemoteDescription(j *jingle.Jingle) error {
	if s.remoteSdp != nil {
		return ErrAlreadyHasRemote
	}
	parsed, err := sdp.FromJingle(j)
	if err != nil {
		return fmt.Errorf("translating remote description: %w", err)
	}
	if err := s.media.SetRemoteDescription(parsed.Raw()); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}
	s.remoteSdp = parsed
	s.remoteDescSet = true
	s.flushPendingCandidates()
	return nil
}

func (s *Session) flushPendingCandidates() {
	for _, qc := range s.pendingCands {
		s.feedCandidate(qc.line, qc.mediaID)
	}
	if n := len(s.pendingCands); n > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "flushPendingCandidates",
			"sid":      s.sid,
			"count":    n,
		}).Debug("Replayed queued remote candidates")
	}
	s.pendingCands = nil
}

func (s *Session) feedCandidate(line, mediaID string) {
	idx := s.remoteSdp.MLineIndex(mediaID)
	if idx < 0 {
		logrus.WithFields(logrus.Fields{
			"function": "feedCandidate",
			"sid":      s.sid,
			"mediaID":  mediaID,
			"error":    ErrUnknownMediaID,
		}).Warn("Dropping candidate for unknown media id")
		return
	}
	if err := s.media.AddIceCandidate(line, mediaID, idx); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "feedCandidate",
			"sid":      s.sid,
			"mediaID":  mediaID,
			"error":    err,
		}).Warn("Media transport rejected candidate")
	}
}

// AddRemoteCandidates feeds the candidates of a transport-info stanza
// to the media transport, queueing them FIFO while the remote
// description is not yet committed.
func (s *Session) AddRemoteCandidates(j *jingle.Jingle) error {
	for _, content := range j.Contents {
		if content.Transport == nil {
			continue
		}
		for _, cand := range content.Transport.Candidates {
			line := sdp.CandidateFromJingle(cand, false)
			if !s.remoteDescSet {
				s.pendingCands = append(s.pendingCands, queuedCandidate{
					line:    line,
					mediaID: content.Name,
				})
				continue
			}
			s.feedCandidate(line, content.Name)
		}
	}
	return nil
}

// SendLocalCandidate sends one locally discovered candidate as a
// transport-info stanza carrying the media id, the ICE credentials
// resolved with the session fallback, and the local fingerprint for
// that media block.
func (s *Session) SendLocalCandidate(candidate, mediaID string, mediaIndex int) error {
	if s.state.Terminal() || s.localSdp == nil {
		return nil
	}
	cand, err := sdp.CandidateToJingle(candidate)
	if err != nil {
		return fmt.Errorf("translating local candidate: %w", err)
	}
	idx := s.localSdp.MLineIndex(mediaID)
	if idx < 0 {
		idx = mediaIndex
	}
	transport := &jingle.Transport{Candidates: []jingle.Candidate{cand}}
	if idx >= 0 && idx < len(s.localSdp.Media) {
		transport.Ufrag, transport.Pwd = s.localSdp.IceParams(idx)
		for _, fp := range s.localSdp.MediaFingerprints(idx) {
			fp.Required = true
			transport.Fingerprints = append(transport.Fingerprints, fp)
		}
	}
	j := &jingle.Jingle{
		SID:       s.sid,
		Action:    jingle.ActionTransportInfo,
		Initiator: s.initiator,
		Contents: []jingle.Content{{
			Creator:   s.role.String(),
			Name:      mediaID,
			Transport: transport,
		}},
	}
	return s.env.sendJingle(j)
}

// SendRinging notifies the initiator that this responder is presenting
// the call.
func (s *Session) SendRinging() error {
	j := &jingle.Jingle{
		SID:       s.sid,
		Action:    jingle.ActionSessionInfo,
		Initiator: s.initiator,
		Info:      &jingle.Info{Ringing: true},
	}
	return s.env.sendJingle(j)
}

// SendMuteDelta compares old and new local flags and sends one
// mute/unmute session-info per changed media kind. No renegotiation
// occurs. The local flags are updated to newFlags.
func (s *Session) SendMuteDelta(oldFlags, newFlags AvFlags) error {
	if s.state.Terminal() {
		return fmt.Errorf("%w: state %s", ErrSessionTerminated, s.state)
	}
	if oldFlags.Audio != newFlags.Audio {
		if err := s.sendMute(!newFlags.Audio, MuteNameVoice); err != nil {
			return err
		}
	}
	if oldFlags.Video != newFlags.Video {
		if err := s.sendMute(!newFlags.Video, MuteNameVideo); err != nil {
			return err
		}
	}
	s.localAv = newFlags
	return nil
}

func (s *Session) sendMute(muted bool, name string) error {
	j := &jingle.Jingle{
		SID:       s.sid,
		Action:    jingle.ActionSessionInfo,
		Initiator: s.initiator,
		Info:      &jingle.Info{Mute: &jingle.MuteInfo{Muted: muted, Name: name}},
	}
	return s.env.sendJingle(j)
}

// HandleSessionInfo applies an inbound session-info stanza: ringing is
// surfaced to the event sink, a mute clears the corresponding remote
// flag and an unmute sets it back.
func (s *Session) HandleSessionInfo(j *jingle.Jingle) {
	if j.Info == nil {
		return
	}
	sid := s.sid
	events := s.env.events
	if j.Info.Ringing {
		s.env.emit(func() { events.OnRinging(sid) })
	}
	if mute := j.Info.Mute; mute != nil {
		switch mute.Name {
		case MuteNameVoice:
			s.remoteAv.Audio = !mute.Muted
		case MuteNameVideo:
			s.remoteAv.Video = !mute.Muted
		default:
			logrus.WithFields(logrus.Fields{
				"function": "HandleSessionInfo",
				"sid":      s.sid,
				"name":     mute.Name,
			}).Warn("Ignoring mute for unknown media name")
			return
		}
		remote := s.remoteAv
		s.env.emit(func() { events.OnRemoteMuteChange(sid, remote) })
	}
}

// Terminate ends the session. Idempotent: a second call is a no-op.
// Unless suppressSend is set, a session-terminate stanza with the
// reason is sent best-effort before the media transport is released.
func (s *Session) Terminate(reason, text string, suppressSend bool) {
	if s.state.Terminal() {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "Terminate",
		"sid":      s.sid,
		"reason":   reason,
	}).Info("Terminating session")

	if !suppressSend {
		j := &jingle.Jingle{
			SID:       s.sid,
			Action:    jingle.ActionSessionTerminate,
			Initiator: s.initiator,
			Reason:    &jingle.Reason{Condition: reason, Text: text},
		}
		if err := s.env.sendJingle(j); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Terminate",
				"sid":      s.sid,
				"error":    err,
			}).Warn("Failed to send session-terminate")
		}
	}
	if s.media != nil {
		if err := s.media.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Terminate",
				"sid":      s.sid,
				"error":    err,
			}).Warn("Failed to close media transport")
		}
		s.media = nil
	}
	if s.localStream != nil {
		s.localStream.Release()
		s.localStream = nil
	}
	switch reason {
	case ReasonSecurity, ReasonProtocolError, ReasonInternalError:
		s.state = StateError
	default:
		s.state = StateEnded
	}
	sid := s.sid
	events := s.env.events
	s.env.emit(func() { events.OnTerminated(sid, reason, text) })
}
