// Package jingle defines the structured session-negotiation messages
// exchanged during call setup: the stanza tree carried by
// session-initiate, session-accept, session-terminate, transport-info
// and session-info actions.
//
// The tree is a typed model, not raw XML. It is produced and consumed
// by the sdp translator and by the call state machine, and is
// marshalled as JSON when sent over a message transport. The XMPP
// stanza vocabulary of the historical protocol is not reproduced; its
// semantics are.
package jingle

import (
	"errors"
	"sort"
	"strings"
)

// Action identifies a session-negotiation message.
type Action string

const (
	// ActionSessionInitiate carries the initiator's offer.
	ActionSessionInitiate Action = "session-initiate"
	// ActionSessionAccept carries the responder's answer.
	ActionSessionAccept Action = "session-accept"
	// ActionSessionTerminate ends a session, with a reason.
	ActionSessionTerminate Action = "session-terminate"
	// ActionTransportInfo carries ICE candidates.
	ActionTransportInfo Action = "transport-info"
	// ActionSessionInfo carries in-session notifications (ringing, mute).
	ActionSessionInfo Action = "session-info"
)

// ErrNoFingerprint indicates a stanza carried no media fingerprint at all.
var ErrNoFingerprint = errors.New("no media fingerprint in stanza")

// Jingle is the root of a session-negotiation stanza.
type Jingle struct {
	SID       string    `json:"sid"`
	Action    Action    `json:"action"`
	Initiator string    `json:"initiator,omitempty"`
	FprMac    string    `json:"fprmac,omitempty"`
	Groups    []Group   `json:"groups,omitempty"`
	Contents  []Content `json:"contents,omitempty"`
	Reason    *Reason   `json:"reason,omitempty"`
	Info      *Info     `json:"info,omitempty"`
}

// Group maps an SDP a=group: line (bundle grouping).
type Group struct {
	Semantics string   `json:"semantics"`
	Contents  []string `json:"contents"`
}

// Content describes one negotiated media block.
type Content struct {
	Creator     string       `json:"creator"`
	Name        string       `json:"name"`
	Senders     string       `json:"senders,omitempty"`
	Description *Description `json:"description,omitempty"`
	Transport   *Transport   `json:"transport,omitempty"`
}

// Description holds the RTP description of a media block.
type Description struct {
	Media        string        `json:"media"`
	SSRC         string        `json:"ssrc,omitempty"`
	PayloadTypes []PayloadType `json:"payloadTypes,omitempty"`
	Encryption   *Encryption   `json:"encryption,omitempty"`
	Sources      []Source      `json:"sources,omitempty"`
	RtcpMux      bool          `json:"rtcpMux,omitempty"`
	RtcpFb       []RtcpFb      `json:"rtcpFb,omitempty"`
	RtcpFbTrrInt []string      `json:"rtcpFbTrrInt,omitempty"`
	HdrExts      []HdrExt      `json:"hdrExts,omitempty"`
}

// PayloadType maps an a=rtpmap: entry plus its fmtp parameters and
// per-payload rtcp feedback.
type PayloadType struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	ClockRate    string      `json:"clockrate"`
	Channels     string      `json:"channels,omitempty"`
	Parameters   []Parameter `json:"parameters,omitempty"`
	RtcpFb       []RtcpFb    `json:"rtcpFb,omitempty"`
	RtcpFbTrrInt []string    `json:"rtcpFbTrrInt,omitempty"`
}

// Parameter is a name/value pair. Name may be empty for bare values
// (rfc 4733 style fmtp entries).
type Parameter struct {
	Name  string `json:"name,omitempty"`
	Value string `json:"value"`
}

// Source maps an a=ssrc: attribute group for one synchronization source.
type Source struct {
	SSRC       string      `json:"ssrc"`
	Parameters []Parameter `json:"parameters,omitempty"`
}

// RtcpFb maps an a=rtcp-fb: entry.
type RtcpFb struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`
}

// HdrExt maps an a=extmap: RTP header extension entry.
type HdrExt struct {
	ID        string `json:"id"`
	URI       string `json:"uri"`
	Direction string `json:"direction,omitempty"`
}

// Encryption maps the a=crypto: lines of a media block.
type Encryption struct {
	Required bool          `json:"required,omitempty"`
	Cryptos  []CryptoEntry `json:"cryptos"`
}

// CryptoEntry is a single a=crypto: line.
type CryptoEntry struct {
	Tag           string `json:"tag"`
	CryptoSuite   string `json:"cryptoSuite"`
	KeyParams     string `json:"keyParams"`
	SessionParams string `json:"sessionParams,omitempty"`
}

// Transport holds the ICE transport parameters of a media block.
type Transport struct {
	Ufrag        string        `json:"ufrag,omitempty"`
	Pwd          string        `json:"pwd,omitempty"`
	Fingerprints []Fingerprint `json:"fingerprints,omitempty"`
	Candidates   []Candidate   `json:"candidates,omitempty"`
}

// Fingerprint is a DTLS certificate fingerprint (a=fingerprint:).
type Fingerprint struct {
	Hash     string `json:"hash"`
	Value    string `json:"value"`
	Setup    string `json:"setup,omitempty"`
	Required bool   `json:"required,omitempty"`
}

// Candidate is a single ICE candidate in structured form.
type Candidate struct {
	Foundation string `json:"foundation"`
	Component  string `json:"component"`
	Protocol   string `json:"protocol"`
	Priority   string `json:"priority"`
	IP         string `json:"ip"`
	Port       string `json:"port"`
	Type       string `json:"type"`
	RelAddr    string `json:"relAddr,omitempty"`
	RelPort    string `json:"relPort,omitempty"`
	Generation string `json:"generation,omitempty"`
	Network    string `json:"network,omitempty"`
	ID         string `json:"id,omitempty"`
}

// Reason carries the termination reason of a session-terminate action.
type Reason struct {
	Condition string `json:"condition"`
	Text      string `json:"text,omitempty"`
}

// Info carries the payload of a session-info action.
type Info struct {
	Ringing bool      `json:"ringing,omitempty"`
	Mute    *MuteInfo `json:"mute,omitempty"`
}

// MuteInfo notifies a change of the peer's sending state for one media
// kind without renegotiating. Name is "voice" or "video".
type MuteInfo struct {
	Muted bool   `json:"muted"`
	Name  string `json:"name"`
}

// Fingerprints collects every fingerprint found under every content's
// transport, formats each as "<hash> <value>", deduplicates and sorts
// the set lexicographically, and joins it with ';'. The result is the
// canonical string over which the fingerprint MAC is computed and
// verified. Both the sending and the verifying side derive the string
// through this one function, so the two always agree.
//
// Returns ErrNoFingerprint if the stanza carries none; a stanza without
// a verifiable fingerprint must never be trusted.
func (j *Jingle) Fingerprints() (string, error) {
	seen := make(map[string]struct{})
	var fps []string
	for _, content := range j.Contents {
		if content.Transport == nil {
			continue
		}
		for _, fp := range content.Transport.Fingerprints {
			entry := fp.Hash + " " + fp.Value
			if _, dup := seen[entry]; dup {
				continue
			}
			seen[entry] = struct{}{}
			fps = append(fps, entry)
		}
	}
	if len(fps) == 0 {
		return "", ErrNoFingerprint
	}
	sort.Strings(fps)
	return strings.Join(fps, ";"), nil
}

// ContentByName returns the content element with the given name, or nil.
func (j *Jingle) ContentByName(name string) *Content {
	for i := range j.Contents {
		if j.Contents[i].Name == name {
			return &j.Contents[i]
		}
	}
	return nil
}
