// Package webrtc adapts a pion peer connection to the media-transport
// interfaces consumed by the call signaling core.
package webrtc

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/callsig/call"
	"github.com/opd-ai/callsig/config"
)

// Engine creates peer connections and owns the reference-counted local
// capture tracks shared across concurrent calls.
type Engine struct {
	cfg webrtc.Configuration

	mu         sync.Mutex
	refs       int
	audioTrack *webrtc.TrackLocalStaticSample
	videoTrack *webrtc.TrackLocalStaticSample
}

// NewEngine creates a media engine using the given ICE servers.
func NewEngine(servers []config.IceServer) *Engine {
	cfg := webrtc.Configuration{}
	for _, srv := range servers {
		cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{
			URLs:       srv.URLs,
			Username:   srv.Username,
			Credential: srv.Credential,
		})
	}
	return &Engine{cfg: cfg}
}

// NewTransport creates a peer connection wired to the given event
// sink. Any already-acquired local tracks are attached.
func (e *Engine) NewTransport(events call.TransportEvents) (call.MediaTransport, error) {
	pc, err := webrtc.NewPeerConnection(e.cfg)
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	t := &Transport{pc: pc}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		mid := ""
		if init.SDPMid != nil {
			mid = *init.SDPMid
		}
		idx := 0
		if init.SDPMLineIndex != nil {
			idx = int(*init.SDPMLineIndex)
		}
		events.OnIceCandidate(init.Candidate, mid, idx)
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		logrus.WithFields(logrus.Fields{
			"function": "OnTrack",
			"kind":     track.Kind().String(),
		}).Debug("Remote track arrived")
		t.streamOnce.Do(events.OnStreamAdded)
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		events.OnIceStateChange(state.String())
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, track := range []*webrtc.TrackLocalStaticSample{e.audioTrack, e.videoTrack} {
		if track == nil {
			continue
		}
		if _, err := pc.AddTrack(track); err != nil {
			pc.Close()
			return nil, fmt.Errorf("attaching local track: %w", err)
		}
	}
	return t, nil
}

// GetLocalStream acquires the shared capture tracks for the given
// media kinds, creating them on first use. Each acquisition holds one
// reference; the tracks are dropped when the last reference is
// released.
func (e *Engine) GetLocalStream(flags call.AvFlags) (call.LocalStream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if flags.Audio && e.audioTrack == nil {
		track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		}, "audio", "callsig")
		if err != nil {
			return nil, fmt.Errorf("creating audio track: %w", err)
		}
		e.audioTrack = track
	}
	if flags.Video && e.videoTrack == nil {
		track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		}, "video", "callsig")
		if err != nil {
			return nil, fmt.Errorf("creating video track: %w", err)
		}
		e.videoTrack = track
	}
	e.refs++
	return &localStream{engine: e, flags: flags}, nil
}

// AudioTrack returns the shared local audio track, nil before first
// acquisition. The application writes capture samples to it.
func (e *Engine) AudioTrack() *webrtc.TrackLocalStaticSample {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.audioTrack
}

// VideoTrack returns the shared local video track, nil before first
// acquisition.
func (e *Engine) VideoTrack() *webrtc.TrackLocalStaticSample {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.videoTrack
}

// localStream is one reference on the engine's shared capture tracks.
type localStream struct {
	engine *Engine
	flags  call.AvFlags
	once   sync.Once
}

func (s *localStream) Flags() call.AvFlags { return s.flags }

// Release drops this reference. The shared tracks are released when
// the last call holding them ends.
func (s *localStream) Release() {
	s.once.Do(func() {
		e := s.engine
		e.mu.Lock()
		defer e.mu.Unlock()
		e.refs--
		if e.refs <= 0 {
			e.refs = 0
			e.audioTrack = nil
			e.videoTrack = nil
		}
	})
}

// Transport wraps one pion peer connection behind the signaling core's
// media-transport interface.
type Transport struct {
	pc *webrtc.PeerConnection

	// createdOffer distinguishes which description type this side
	// produces, so the text forms can be rebuilt into typed
	// descriptions.
	createdOffer bool
	streamOnce   sync.Once
}

// CreateOffer produces the local offer text.
func (t *Transport) CreateOffer() (string, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("creating offer: %w", err)
	}
	t.createdOffer = true
	return offer.SDP, nil
}

// CreateAnswer produces the local answer text. The remote offer must
// already be set.
func (t *Transport) CreateAnswer() (string, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("creating answer: %w", err)
	}
	return answer.SDP, nil
}

// SetLocalDescription commits the (possibly rewritten) local
// description text.
func (t *Transport) SetLocalDescription(sdpText string) error {
	sdpType := webrtc.SDPTypeAnswer
	if t.createdOffer {
		sdpType = webrtc.SDPTypeOffer
	}
	if err := t.pc.SetLocalDescription(webrtc.SessionDescription{
		Type: sdpType,
		SDP:  sdpText,
	}); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}
	return nil
}

// SetRemoteDescription commits the peer's description text.
func (t *Transport) SetRemoteDescription(sdpText string) error {
	sdpType := webrtc.SDPTypeOffer
	if t.createdOffer {
		sdpType = webrtc.SDPTypeAnswer
	}
	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: sdpType,
		SDP:  sdpText,
	}); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}
	return nil
}

// AddIceCandidate feeds one remote candidate.
func (t *Transport) AddIceCandidate(candidate, mediaID string, mediaIndex int) error {
	idx := uint16(mediaIndex)
	if err := t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     candidate,
		SDPMid:        &mediaID,
		SDPMLineIndex: &idx,
	}); err != nil {
		return fmt.Errorf("adding candidate: %w", err)
	}
	return nil
}

// Close releases the peer connection.
func (t *Transport) Close() error {
	return t.pc.Close()
}
