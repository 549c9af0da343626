package call

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/callsig/crypto"
	"github.com/opd-ai/callsig/transport"
)

const cannedSDP = "v=0\r\n" +
	"o=- 20518 0 IN IP4 0.0.0.0\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"a=group:BUNDLE audio video\r\n" +
	"m=audio 9 RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:audio\r\n" +
	"a=ice-ufrag:uFrAg\r\n" +
	"a=ice-pwd:pwd0123456789abcdef01234\r\n" +
	"a=fingerprint:sha-256 D2:FA:0E:C3:22:59:5E:14:95:69:92:3D:13:22:10:4A\r\n" +
	"a=setup:actpass\r\n" +
	"a=sendrecv\r\n" +
	"a=rtcp-mux\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=fmtp:111 minptime=10;useinbandfec=1\r\n" +
	"a=ssrc:1001 cname:test\r\n" +
	"m=video 9 RTP/SAVPF 100\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:video\r\n" +
	"a=ice-ufrag:uFrAg\r\n" +
	"a=ice-pwd:pwd0123456789abcdef01234\r\n" +
	"a=fingerprint:sha-256 D2:FA:0E:C3:22:59:5E:14:95:69:92:3D:13:22:10:4A\r\n" +
	"a=setup:actpass\r\n" +
	"a=sendrecv\r\n" +
	"a=rtcp-mux\r\n" +
	"a=rtpmap:100 VP8/90000\r\n" +
	"a=rtcp-fb:100 nack pli\r\n" +
	"a=ssrc:2002 cname:test\r\n"

// fakeStream counts releases of the simulated capture device.
type fakeStream struct {
	mu       sync.Mutex
	flags    AvFlags
	released int
}

func (s *fakeStream) Flags() AvFlags { return s.flags }

func (s *fakeStream) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released++
}

func (s *fakeStream) releaseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// fakeMediaTransport records the offer/answer choreography.
type fakeMediaTransport struct {
	mu         sync.Mutex
	offer      string
	answer     string
	locals     []string
	remotes    []string
	candidates []string
	closed     bool
	failOffer  error
}

func (f *fakeMediaTransport) CreateOffer() (string, error) {
	if f.failOffer != nil {
		return "", f.failOffer
	}
	return f.offer, nil
}

func (f *fakeMediaTransport) CreateAnswer() (string, error) {
	return f.answer, nil
}

func (f *fakeMediaTransport) SetLocalDescription(sdpText string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locals = append(f.locals, sdpText)
	return nil
}

func (f *fakeMediaTransport) SetRemoteDescription(sdpText string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remotes = append(f.remotes, sdpText)
	return nil
}

func (f *fakeMediaTransport) AddIceCandidate(candidate, mediaID string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, mediaID+"|"+candidate)
	return nil
}

func (f *fakeMediaTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeMediaTransport) remoteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.remotes)
}

func (f *fakeMediaTransport) candidateLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.candidates))
	copy(out, f.candidates)
	return out
}

// fakeEngine hands out fake transports and streams.
type fakeEngine struct {
	mu         sync.Mutex
	transports []*fakeMediaTransport
	events     []TransportEvents
	streams    []*fakeStream
	streamErr  error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{}
}

func (e *fakeEngine) NewTransport(events TransportEvents) (MediaTransport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ft := &fakeMediaTransport{offer: cannedSDP, answer: cannedSDP}
	e.transports = append(e.transports, ft)
	e.events = append(e.events, events)
	return ft, nil
}

func (e *fakeEngine) GetLocalStream(flags AvFlags) (LocalStream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.streamErr != nil {
		return nil, e.streamErr
	}
	s := &fakeStream{flags: flags}
	e.streams = append(e.streams, s)
	return s, nil
}

func (e *fakeEngine) transport(i int) *fakeMediaTransport {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i >= len(e.transports) {
		return nil
	}
	return e.transports[i]
}

type termEvent struct {
	sid    string
	reason string
	text   string
}

// recorder collects every application-facing event.
type recorder struct {
	mu         sync.Mutex
	states     []SessionState
	ringing    []string
	mutes      []AvFlags
	terminated []termEvent
	handled    []string
	incoming   chan *PendingIncoming
}

func newRecorder() *recorder {
	return &recorder{incoming: make(chan *PendingIncoming, 4)}
}

func (r *recorder) OnStateChange(_ string, state SessionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *recorder) OnRinging(sid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ringing = append(r.ringing, sid)
}

func (r *recorder) OnRemoteMuteChange(_ string, remote AvFlags) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mutes = append(r.mutes, remote)
}

func (r *recorder) OnRemoteStream(string, bool) {}

func (r *recorder) OnTerminated(sid, reason, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminated = append(r.terminated, termEvent{sid: sid, reason: reason, text: text})
}

func (r *recorder) OnIncomingCall(req *PendingIncoming) {
	r.incoming <- req
}

func (r *recorder) OnCallHandledElsewhere(sid, _ string, _ bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handled = append(r.handled, sid)
}

func (r *recorder) lastTerminated() (termEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.terminated) == 0 {
		return termEvent{}, false
	}
	return r.terminated[len(r.terminated)-1], true
}

func (r *recorder) terminatedEvents() []termEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]termEvent, len(r.terminated))
	copy(out, r.terminated)
	return out
}

func (r *recorder) terminatedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.terminated)
}

func (r *recorder) ringingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ringing)
}

func (r *recorder) muteEvents() []AvFlags {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]AvFlags, len(r.mutes))
	copy(out, r.mutes)
	return out
}

func (r *recorder) waitIncoming(t *testing.T) *PendingIncoming {
	t.Helper()
	select {
	case req := <-r.incoming:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("no incoming call request received")
		return nil
	}
}

// endpoint bundles one manager with its collaborators.
type endpoint struct {
	identity string
	mgr      *Manager
	engine   *fakeEngine
	rec      *recorder
	box      *crypto.BoxCrypto
}

// newEndpointPair wires two managers over an in-memory transport pair
// with real identity crypto, peered both ways.
func newEndpointPair(t *testing.T, optsA, optsB Options) (*endpoint, *endpoint) {
	t.Helper()
	ta, tb := transport.NewMemoryPair()
	t.Cleanup(func() {
		ta.Close()
		tb.Close()
	})

	keysA, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	keysB, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	boxA := crypto.NewBoxCrypto(keysA)
	boxB := crypto.NewBoxCrypto(keysB)
	boxA.RegisterPeer(BareIdentity(optsB.OwnIdentity), boxB.PublicKey())
	boxB.RegisterPeer(BareIdentity(optsA.OwnIdentity), boxA.PublicKey())

	a := &endpoint{identity: optsA.OwnIdentity, engine: newFakeEngine(), rec: newRecorder(), box: boxA}
	b := &endpoint{identity: optsB.OwnIdentity, engine: newFakeEngine(), rec: newRecorder(), box: boxB}

	a.mgr, err = NewManager(ta, a.engine, boxA, a.rec, a.rec, optsA)
	require.NoError(t, err)
	b.mgr, err = NewManager(tb, b.engine, boxB, b.rec, b.rec, optsB)
	require.NoError(t, err)
	t.Cleanup(func() {
		a.mgr.Close()
		b.mgr.Close()
	})
	return a, b
}

// errFailStream is used by tests that simulate camera/mic failure.
var errFailStream = errors.New("no capture device")
