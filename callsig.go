// Package callsig is a call-signaling and session-negotiation library:
// it negotiates real-time media sessions between peers over an
// asynchronous signaling transport, covering call setup and teardown,
// SDP offer/answer translation, fingerprint-MAC verification, and ICE
// candidate exchange. Media itself is handled by a pluggable media
// engine; a pion-based engine ships in the webrtc package.
//
// Example:
//
//	client, err := callsig.New(callsig.Options{
//	    Identity:  "alice@example.org/desktop",
//	    Transport: transport,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	handle, err := client.Call("bob@example.org", call.AvFlags{Audio: true}, nil)
package callsig

import (
	"errors"
	"fmt"

	"github.com/opd-ai/callsig/call"
	"github.com/opd-ai/callsig/config"
	"github.com/opd-ai/callsig/crypto"
	"github.com/opd-ai/callsig/webrtc"
)

// Options configures a Client. Transport, Events, and Incoming are
// required; everything else has a working default.
type Options struct {
	// Identity is the local resource-qualified identity.
	Identity string

	// AnonID is an opaque anonymized caller id attached to requests.
	AnonID string

	// Transport delivers signaling frames to the peer fabric.
	Transport call.MessageTransport

	// Events receives call-lifecycle notifications.
	Events call.CallEvents

	// Incoming receives new-call notifications.
	Incoming call.IncomingCallSink

	// Config supplies timeouts and ICE servers. Defaults to
	// config.Default().
	Config *config.Config

	// Media overrides the default pion-based media engine.
	Media call.MediaEngine

	// Keys is the local identity key pair. Generated when nil.
	Keys *crypto.KeyPair

	// Constraint optionally rewrites one codec's encoding parameters
	// in every locally generated description.
	Constraint *call.CodecConstraint
}

// Client is the user-facing facade over the call manager and its
// collaborators.
type Client struct {
	manager  *call.Manager
	identity *crypto.BoxCrypto
	keys     *crypto.KeyPair
}

// New creates a client and registers its signaling handlers on the
// transport.
func New(opts Options) (*Client, error) {
	if opts.Transport == nil {
		return nil, errors.New("transport cannot be nil")
	}
	if opts.Events == nil {
		return nil, errors.New("events sink cannot be nil")
	}
	if opts.Incoming == nil {
		return nil, errors.New("incoming sink cannot be nil")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	keys := opts.Keys
	if keys == nil {
		generated, err := crypto.GenerateKeyPair()
		if err != nil {
			return nil, fmt.Errorf("generating identity keys: %w", err)
		}
		keys = generated
	}
	media := opts.Media
	if media == nil {
		media = webrtc.NewEngine(cfg.IceServers)
	}

	identity := crypto.NewBoxCrypto(keys)
	managerOpts := cfg.CallOptions(opts.Identity, opts.AnonID)
	managerOpts.Constraint = opts.Constraint
	manager, err := call.NewManager(opts.Transport, media, identity,
		opts.Events, opts.Incoming, managerOpts)
	if err != nil {
		return nil, err
	}
	return &Client{manager: manager, identity: identity, keys: keys}, nil
}

// PublicKey returns the local identity public key, to be shared with
// peers out of band.
func (c *Client) PublicKey() [32]byte {
	return c.identity.PublicKey()
}

// RegisterPeer records a peer's identity public key. Required before
// calling or answering that peer.
func (c *Client) RegisterPeer(identity string, publicKey [32]byte) {
	c.identity.RegisterPeer(call.BareIdentity(identity), publicKey)
}

// Call starts an outgoing call. See Manager.StartOutgoingCall.
func (c *Client) Call(target string, flags call.AvFlags, onMediaFailed call.MediaFailureHook) (*call.OutgoingCall, error) {
	return c.manager.StartOutgoingCall(target, flags, onMediaFailed)
}

// Mute applies new local media flags to calls with target (empty for
// all), returning the number of calls affected.
func (c *Client) Mute(flags call.AvFlags, target string) int {
	return c.manager.MuteUnmute(flags, target)
}

// Hangup ends the call with the given session id.
func (c *Client) Hangup(sid string) bool {
	return c.manager.HangupBySid(sid, call.ReasonHangup, "")
}

// HangupAll ends every call.
func (c *Client) HangupAll() int {
	return c.manager.HangupAll(call.ReasonHangup)
}

// Manager exposes the underlying call manager for advanced use.
func (c *Client) Manager() *call.Manager {
	return c.manager
}

// Close shuts the client down, terminating every call.
func (c *Client) Close() error {
	return c.manager.Close()
}
