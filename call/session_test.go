package call

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/callsig/crypto"
	"github.com/opd-ai/callsig/jingle"
	"github.com/opd-ai/callsig/sdp"
)

// stanzaSink captures outbound stanzas from a session under test.
type stanzaSink struct {
	mu      sync.Mutex
	stanzas []*jingle.Jingle
}

func (s *stanzaSink) send(j *jingle.Jingle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stanzas = append(s.stanzas, j)
	return nil
}

func (s *stanzaSink) byAction(action jingle.Action) []*jingle.Jingle {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*jingle.Jingle
	for _, j := range s.stanzas {
		if j.Action == action {
			out = append(out, j)
		}
	}
	return out
}

func newTestSession(t *testing.T, isInitiator bool) (*Session, *fakeMediaTransport, *stanzaSink, *recorder) {
	t.Helper()
	sink := &stanzaSink{}
	rec := newRecorder()
	s := newSession("sid-1", aliceID, bobID, sessionEnv{
		sendJingle: sink.send,
		emit:       func(f func()) { f() },
		events:     rec,
	})
	ft := &fakeMediaTransport{offer: cannedSDP, answer: cannedSDP}
	s.media = ft
	s.ownMacKey = "own-key"
	s.peerMacKey = "peer-key"
	require.NoError(t, s.Initiate(isInitiator))
	return s, ft, sink, rec
}

// remoteStanza builds a verified remote description stanza keyed for
// the receiving session's own MAC key.
func remoteStanza(t *testing.T, action jingle.Action, macKey string) *jingle.Jingle {
	t.Helper()
	parsed, err := sdp.Parse(cannedSDP)
	require.NoError(t, err)
	j := &jingle.Jingle{SID: "sid-1", Action: action}
	require.NoError(t, parsed.ToJingle(j, "responder"))
	fps, err := j.Fingerprints()
	require.NoError(t, err)
	j.FprMac = crypto.ComputeMac(fps, macKey)
	return j
}

func TestInitiateOnlyOnce(t *testing.T) {
	s, _, _, _ := newTestSession(t, true)
	assert.ErrorIs(t, s.Initiate(true), ErrAlreadyInitiated)
	assert.ErrorIs(t, s.Initiate(false), ErrAlreadyInitiated)
	assert.Equal(t, RoleInitiator, s.role)
	assert.Equal(t, aliceID, s.initiator)
	assert.Equal(t, bobID, s.responder)
}

func TestResponderIdentityMapping(t *testing.T) {
	s, _, _, _ := newTestSession(t, false)
	assert.Equal(t, RoleResponder, s.role)
	assert.Equal(t, bobID, s.initiator)
	assert.Equal(t, aliceID, s.responder)
}

func TestSendOfferAttachesMac(t *testing.T) {
	s, ft, sink, _ := newTestSession(t, true)
	require.NoError(t, s.SendOffer())

	require.Len(t, ft.locals, 1)
	initiates := sink.byAction(jingle.ActionSessionInitiate)
	require.Len(t, initiates, 1)
	j := initiates[0]
	assert.Equal(t, "sid-1", j.SID)
	assert.Equal(t, aliceID, j.Initiator)
	require.NotEmpty(t, j.FprMac)

	// The MAC is keyed by the peer's key and verifies under it.
	fps, err := j.Fingerprints()
	require.NoError(t, err)
	assert.True(t, crypto.VerifyMac(fps, "peer-key", j.FprMac))
	assert.False(t, crypto.VerifyMac(fps, "own-key", j.FprMac))
}

func TestSendOfferWrongRole(t *testing.T) {
	s, _, _, _ := newTestSession(t, false)
	assert.ErrorIs(t, s.SendOffer(), ErrWrongRole)
}

func TestSendAnswerWrongRole(t *testing.T) {
	s, _, _, _ := newTestSession(t, true)
	assert.ErrorIs(t, s.SendAnswer(), ErrWrongRole)
}

func TestSendOfferNoMacKey(t *testing.T) {
	s, _, _, _ := newTestSession(t, true)
	s.peerMacKey = ""
	assert.ErrorIs(t, s.SendOffer(), ErrNoMacKey)
}

func TestSendAnswerCommitsLocalBeforeReturn(t *testing.T) {
	s, ft, sink, _ := newTestSession(t, false)
	require.NoError(t, s.SetRemoteDescription(remoteStanza(t, jingle.ActionSessionInitiate, "own-key")))
	require.NoError(t, s.SendAnswer())

	assert.Len(t, sink.byAction(jingle.ActionSessionAccept), 1)
	assert.Len(t, ft.locals, 1)
}

func TestSetRemoteDescriptionSingleShot(t *testing.T) {
	s, ft, _, _ := newTestSession(t, false)
	j := remoteStanza(t, jingle.ActionSessionInitiate, "own-key")
	require.NoError(t, s.SetRemoteDescription(j))
	assert.Equal(t, 1, ft.remoteCount())
	assert.ErrorIs(t, s.SetRemoteDescription(j), ErrAlreadyHasRemote)
	assert.Equal(t, 1, ft.remoteCount())
}

func TestVerifyRemoteMac(t *testing.T) {
	s, _, _, _ := newTestSession(t, false)
	assert.True(t, s.VerifyRemoteMac(remoteStanza(t, jingle.ActionSessionInitiate, "own-key")))
	assert.False(t, s.VerifyRemoteMac(remoteStanza(t, jingle.ActionSessionInitiate, "wrong-key")))

	// A stanza without fingerprints never verifies.
	assert.False(t, s.VerifyRemoteMac(&jingle.Jingle{SID: "sid-1"}))
}

func candidateStanza(mid string, foundations ...string) *jingle.Jingle {
	transport := &jingle.Transport{}
	for _, f := range foundations {
		transport.Candidates = append(transport.Candidates, jingle.Candidate{
			Foundation: f,
			Component:  "1",
			Protocol:   "udp",
			Priority:   "100",
			IP:         "10.0.0.1",
			Port:       "4000",
			Type:       "host",
		})
	}
	return &jingle.Jingle{
		SID:    "sid-1",
		Action: jingle.ActionTransportInfo,
		Contents: []jingle.Content{
			{Name: mid, Transport: transport},
		},
	}
}

func TestIceCandidateQueueing(t *testing.T) {
	s, ft, _, _ := newTestSession(t, true)
	require.NoError(t, s.SendOffer())

	// Candidates arriving before the remote description are queued,
	// not delivered.
	require.NoError(t, s.AddRemoteCandidates(candidateStanza("audio", "f1", "f2")))
	require.NoError(t, s.AddRemoteCandidates(candidateStanza("video", "f3")))
	assert.Empty(t, ft.candidateLines())

	// Setting the remote description replays the queue in arrival
	// order, then new candidates flow straight through.
	require.NoError(t, s.SetRemoteDescription(remoteStanza(t, jingle.ActionSessionAccept, "own-key")))
	lines := ft.candidateLines()
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "audio|candidate:f1 ")
	assert.Contains(t, lines[1], "audio|candidate:f2 ")
	assert.Contains(t, lines[2], "video|candidate:f3 ")

	require.NoError(t, s.AddRemoteCandidates(candidateStanza("audio", "f4")))
	lines = ft.candidateLines()
	require.Len(t, lines, 4)
	assert.Contains(t, lines[3], "audio|candidate:f4 ")
}

func TestIceCandidateUnknownMediaID(t *testing.T) {
	s, ft, _, _ := newTestSession(t, true)
	require.NoError(t, s.SendOffer())
	require.NoError(t, s.SetRemoteDescription(remoteStanza(t, jingle.ActionSessionAccept, "own-key")))

	// A candidate for an unknown media id is dropped without killing
	// the session.
	require.NoError(t, s.AddRemoteCandidates(candidateStanza("data", "f9")))
	assert.Empty(t, ft.candidateLines())
	assert.False(t, s.state.Terminal())
}

func TestSendLocalCandidate(t *testing.T) {
	s, _, sink, _ := newTestSession(t, true)
	require.NoError(t, s.SendOffer())

	line := "candidate:1 1 udp 2122 192.168.0.5 4242 typ host generation 0"
	require.NoError(t, s.SendLocalCandidate(line, "audio", 0))

	infos := sink.byAction(jingle.ActionTransportInfo)
	require.Len(t, infos, 1)
	require.Len(t, infos[0].Contents, 1)
	content := infos[0].Contents[0]
	assert.Equal(t, "audio", content.Name)
	require.NotNil(t, content.Transport)
	assert.Equal(t, "uFrAg", content.Transport.Ufrag)
	require.Len(t, content.Transport.Candidates, 1)
	assert.Equal(t, "192.168.0.5", content.Transport.Candidates[0].IP)
	require.NotEmpty(t, content.Transport.Fingerprints)
	assert.True(t, content.Transport.Fingerprints[0].Required)
}

func TestSendMuteDeltaOnlyChanges(t *testing.T) {
	s, _, sink, _ := newTestSession(t, true)
	s.localAv = AvFlags{Audio: true, Video: true}

	require.NoError(t, s.SendMuteDelta(s.localAv, AvFlags{Audio: false, Video: true}))
	infos := sink.byAction(jingle.ActionSessionInfo)
	require.Len(t, infos, 1)
	require.NotNil(t, infos[0].Info.Mute)
	assert.True(t, infos[0].Info.Mute.Muted)
	assert.Equal(t, MuteNameVoice, infos[0].Info.Mute.Name)
	assert.Equal(t, AvFlags{Audio: false, Video: true}, s.localAv)

	// No change, no message.
	require.NoError(t, s.SendMuteDelta(s.localAv, AvFlags{Audio: false, Video: true}))
	assert.Len(t, sink.byAction(jingle.ActionSessionInfo), 1)

	// Both kinds changing produce two messages.
	require.NoError(t, s.SendMuteDelta(s.localAv, AvFlags{Audio: true, Video: false}))
	assert.Len(t, sink.byAction(jingle.ActionSessionInfo), 3)
}

func TestHandleSessionInfoMute(t *testing.T) {
	s, _, _, rec := newTestSession(t, true)
	s.remoteAv = AvFlags{Audio: true, Video: true}

	s.HandleSessionInfo(&jingle.Jingle{
		SID:    "sid-1",
		Action: jingle.ActionSessionInfo,
		Info:   &jingle.Info{Mute: &jingle.MuteInfo{Muted: true, Name: MuteNameVoice}},
	})
	assert.Equal(t, AvFlags{Audio: false, Video: true}, s.remoteAv)

	s.HandleSessionInfo(&jingle.Jingle{
		SID:    "sid-1",
		Action: jingle.ActionSessionInfo,
		Info:   &jingle.Info{Mute: &jingle.MuteInfo{Muted: false, Name: MuteNameVoice}},
	})
	assert.Equal(t, AvFlags{Audio: true, Video: true}, s.remoteAv)

	events := rec.muteEvents()
	require.Len(t, events, 2)
	assert.Equal(t, AvFlags{Audio: false, Video: true}, events[0])
	assert.Equal(t, AvFlags{Audio: true, Video: true}, events[1])
}

func TestHandleSessionInfoRinging(t *testing.T) {
	s, _, _, rec := newTestSession(t, true)
	s.HandleSessionInfo(&jingle.Jingle{
		SID:    "sid-1",
		Action: jingle.ActionSessionInfo,
		Info:   &jingle.Info{Ringing: true},
	})
	assert.Equal(t, 1, rec.ringingCount())
}

func TestTerminateIdempotent(t *testing.T) {
	s, ft, sink, rec := newTestSession(t, true)
	stream := &fakeStream{flags: AvFlags{Audio: true}}
	s.localStream = stream

	s.Terminate(ReasonHangup, "", false)
	assert.Equal(t, StateEnded, s.state)
	assert.True(t, ft.closed)
	assert.Equal(t, 1, stream.releaseCount())
	assert.Len(t, sink.byAction(jingle.ActionSessionTerminate), 1)
	assert.Equal(t, 1, rec.terminatedCount())

	// A second terminate is a no-op.
	s.Terminate(ReasonHangup, "", false)
	assert.Len(t, sink.byAction(jingle.ActionSessionTerminate), 1)
	assert.Equal(t, 1, rec.terminatedCount())
	assert.Equal(t, 1, stream.releaseCount())
}

func TestTerminateSuppressSend(t *testing.T) {
	s, _, sink, _ := newTestSession(t, true)
	s.Terminate(ReasonPeerHangup, "", true)
	assert.Empty(t, sink.byAction(jingle.ActionSessionTerminate))
	assert.Equal(t, StateEnded, s.state)
}

func TestTerminateErrorStates(t *testing.T) {
	tests := []struct {
		reason string
		want   SessionState
	}{
		{ReasonSecurity, StateError},
		{ReasonProtocolError, StateError},
		{ReasonInternalError, StateError},
		{ReasonHangup, StateEnded},
		{ReasonAnswerTimeout, StateEnded},
	}
	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			s, _, _, _ := newTestSession(t, true)
			s.Terminate(tt.reason, "", true)
			assert.Equal(t, tt.want, s.state)
		})
	}
}

func TestBareIdentity(t *testing.T) {
	assert.Equal(t, "alice@example.org", BareIdentity("alice@example.org/desktop"))
	assert.Equal(t, "alice@example.org", BareIdentity("alice@example.org"))
	assert.Equal(t, "", BareIdentity(""))
}
