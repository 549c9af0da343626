package call

// MessageTransport delivers signaling messages to the peer fabric.
// Messages are JSON envelopes tagged with a packet type byte; routing
// to the right endpoint is the fabric's job, keyed by the envelope's
// "to" field. Implementations must be safe for concurrent use.
type MessageTransport interface {
	// Send delivers a signaling frame. Best-effort: delivery is not
	// acknowledged at this layer.
	Send(packetType byte, data []byte) error

	// RegisterHandler registers a handler for one packet type,
	// replacing any previous handler for that type. Handlers may be
	// invoked from any goroutine.
	RegisterHandler(packetType byte, handler func(data []byte) error)
}

// MediaTransport is the opaque peer-connection handle of the media
// engine. The signaling core drives it through the offer/answer
// choreography and never touches media frames.
type MediaTransport interface {
	CreateOffer() (string, error)
	CreateAnswer() (string, error)
	SetLocalDescription(sdpText string) error
	SetRemoteDescription(sdpText string) error

	// AddIceCandidate feeds one remote candidate, in the bare
	// "candidate:" text form, correlated by media id and m-line index.
	AddIceCandidate(candidate, mediaID string, mediaIndex int) error

	Close() error
}

// TransportEvents receives media-transport callbacks for one session.
// Implementations are provided by the signaling core when a transport
// is created; the media engine may invoke them from its own worker
// goroutines.
type TransportEvents interface {
	OnIceCandidate(candidate, mediaID string, mediaIndex int)
	OnStreamAdded()
	OnStreamRemoved()
	OnIceStateChange(state string)
}

// MediaEngine creates media transports and local capture streams.
type MediaEngine interface {
	NewTransport(events TransportEvents) (MediaTransport, error)

	// GetLocalStream acquires the local capture stream for the given
	// media kinds. The device is reference-counted across calls;
	// Release on the returned stream drops one reference.
	GetLocalStream(flags AvFlags) (LocalStream, error)
}

// LocalStream is a reference-counted handle on the local capture
// devices.
type LocalStream interface {
	Flags() AvFlags
	Release()
}

// IdentityCrypto seals and opens small blobs (fingerprint-MAC keys)
// for peer identities.
type IdentityCrypto interface {
	EncryptFor(identity string, plaintext []byte) ([]byte, error)
	DecryptFrom(identity string, ciphertext []byte) ([]byte, error)
}

// CallEvents is the call-lifecycle sink implemented by the
// application. The manager invokes it from a dedicated notification
// goroutine, so implementations may call back into the manager.
type CallEvents interface {
	// OnStateChange fires on every non-terminal state transition.
	OnStateChange(sid string, state SessionState)

	// OnRinging fires on the initiator when the responder signals
	// ringing before answering.
	OnRinging(sid string)

	// OnRemoteMuteChange fires when the peer mutes or unmutes a media
	// kind; remote is the peer's full post-change flag set.
	OnRemoteMuteChange(sid string, remote AvFlags)

	// OnRemoteStream fires when the media transport reports a remote
	// stream added (true) or removed (false).
	OnRemoteStream(sid string, added bool)

	// OnTerminated fires exactly once per call with the machine reason
	// token and optional human-readable text.
	OnTerminated(sid, reason, text string)
}

// IncomingCallSink receives new-call notifications. Invoked from the
// manager's notification goroutine.
type IncomingCallSink interface {
	// OnIncomingCall delivers a pending request. The application
	// resolves it by calling Answer exactly once; late or repeated
	// calls fail with ErrRequestNoLongerValid.
	OnIncomingCall(req *PendingIncoming)

	// OnCallHandledElsewhere fires when another device of the local
	// user answered or declined the request first.
	OnCallHandledElsewhere(sid, byIdentity string, accepted bool)
}

// MediaFailureHook decides whether an outgoing call proceeds after
// local stream acquisition failed. Return true to continue without
// local media, false to abort the call.
type MediaFailureHook func(err error) bool
