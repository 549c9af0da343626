package sdp

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/callsig/jingle"
)

// Session boilerplate synthesized when building SDP text from a stanza.
// These lines are structurally required by the text form but carry no
// negotiation semantics.
var sessionBoilerplate = LineGroup{
	"v=0",
	"o=- 1923518516 2 IN IP4 0.0.0.0",
	"s=-",
	"t=0 0",
}

// ToJingle translates the structured description into content elements
// on the given stanza. One content element is emitted per audio/video
// media block, named by its a=mid: identifier when present and by the
// media kind otherwise. Attribute lookups fall back to the session part
// throughout.
func (p *ParsedSdp) ToJingle(j *jingle.Jingle, creator string) error {
	for _, groupLine := range findLines(p.Session, "a=group:") {
		parts := strings.Fields(groupLine)
		if len(parts) < 2 {
			return fmt.Errorf("%w: a=group %q", ErrMalformedLine, groupLine)
		}
		j.Groups = append(j.Groups, jingle.Group{
			Semantics: parts[0],
			Contents:  parts[1:],
		})
	}

	for _, m := range p.Media {
		mline, err := ParseMLine(m[0])
		if err != nil {
			return err
		}
		if mline.Media != "audio" && mline.Media != "video" {
			continue
		}
		content := jingle.Content{Creator: creator, Name: mline.Media}
		if mid := findLine(m, "a=mid:"); mid != "" {
			content.Name = mid
		}

		if hasLine(m, "a=rtpmap:") {
			desc, err := p.mediaToDescription(m, mline)
			if err != nil {
				return err
			}
			content.Description = desc
		}

		transport, err := p.mediaToTransport(m)
		if err != nil {
			return err
		}
		content.Transport = transport
		content.Senders = sendersFromMedia(m, p.Session, mline)
		j.Contents = append(j.Contents, content)
	}
	return nil
}

func (p *ParsedSdp) mediaToDescription(m LineGroup, mline *MLine) (*jingle.Description, error) {
	desc := &jingle.Description{Media: mline.Media}
	if ssrcLine := findLine(m, "a=ssrc:"); ssrcLine != "" {
		desc.SSRC = strings.Fields(ssrcLine)[0]
	}

	for _, format := range mline.Formats {
		rtpmap := findLine(m, "a=rtpmap:"+format+" ")
		if rtpmap == "" {
			logrus.WithFields(logrus.Fields{
				"function": "mediaToDescription",
				"format":   format,
			}).Warn("No rtpmap line found for format")
			continue
		}
		payload, err := parseRtpmap(rtpmap, format)
		if err != nil {
			return nil, err
		}
		if fmtp := findLine(m, "a=fmtp:"+format+" "); fmtp != "" {
			payload.Parameters = parseFmtp(fmtp)
		}
		payload.RtcpFb, payload.RtcpFbTrrInt = parseRtcpFb(m, format)
		desc.PayloadTypes = append(desc.PayloadTypes, payload)
	}

	if cryptoLines := findLinesFallback(m, p.Session, "a=crypto:"); len(cryptoLines) > 0 {
		enc := &jingle.Encryption{Required: true}
		for _, line := range cryptoLines {
			entry, err := parseCrypto(line)
			if err != nil {
				return nil, err
			}
			enc.Cryptos = append(enc.Cryptos, entry)
		}
		desc.Encryption = enc
	}

	if desc.SSRC != "" {
		sources, err := parseSources(findLines(m, "a=ssrc:"))
		if err != nil {
			return nil, err
		}
		desc.Sources = sources
	}

	desc.RtcpMux = hasLine(m, "a=rtcp-mux")
	desc.RtcpFb, desc.RtcpFbTrrInt = parseRtcpFb(m, "*")

	for _, em := range findLines(m, "a=extmap:") {
		ext, err := parseExtmap(em)
		if err != nil {
			return nil, err
		}
		desc.HdrExts = append(desc.HdrExts, ext)
	}
	return desc, nil
}

func (p *ParsedSdp) mediaToTransport(m LineGroup) (*jingle.Transport, error) {
	transport := &jingle.Transport{}
	setup := findLineFallback(m, p.Session, "a=setup:")
	for _, line := range findLinesFallback(m, p.Session, "a=fingerprint:") {
		fp, err := parseFingerprint(line)
		if err != nil {
			return nil, err
		}
		fp.Setup = setup
		transport.Fingerprints = append(transport.Fingerprints, fp)
	}
	transport.Ufrag, transport.Pwd = iceParams(m, p.Session)
	if transport.Ufrag != "" {
		for _, line := range findLinesFallback(m, p.Session, "a=candidate:") {
			cand, err := CandidateToJingle(line)
			if err != nil {
				return nil, err
			}
			transport.Candidates = append(transport.Candidates, cand)
		}
	}
	return transport, nil
}

// sendersFromMedia derives the content's senders attribute from the
// media direction lines, with the port-zero m-line meaning "rejected".
func sendersFromMedia(m, session LineGroup, mline *MLine) string {
	switch {
	case mline.Port == "0":
		return "rejected"
	case hasLineFallback(m, session, "a=sendonly"):
		return "initiator"
	case hasLineFallback(m, session, "a=recvonly"):
		return "responder"
	case hasLineFallback(m, session, "a=inactive"):
		return "none"
	default:
		// a=sendrecv, or no direction line at all (sendrecv is the
		// SDP default)
		return "both"
	}
}

// parseRtcpFb collects the a=rtcp-fb: entries for one payload type (or
// "*" for the description level), splitting out trr-int values.
func parseRtcpFb(m LineGroup, payloadType string) ([]jingle.RtcpFb, []string) {
	var fbs []jingle.RtcpFb
	var trrInts []string
	for _, line := range findLines(m, "a=rtcp-fb:"+payloadType+" ") {
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		if parts[0] == "trr-int" {
			val := "0"
			if len(parts) > 1 {
				val = parts[1]
			}
			trrInts = append(trrInts, val)
			continue
		}
		fb := jingle.RtcpFb{Type: parts[0]}
		if len(parts) > 1 {
			fb.Subtype = parts[1]
		}
		fbs = append(fbs, fb)
	}
	return fbs, trrInts
}

// parseSources groups consecutive a=ssrc: lines by their source id.
func parseSources(lines []string) ([]jingle.Source, error) {
	var sources []jingle.Source
	var cur *jingle.Source
	for _, line := range lines {
		sp := strings.IndexByte(line, ' ')
		if sp < 0 {
			return nil, fmt.Errorf("%w: a=ssrc %q", ErrMalformedLine, line)
		}
		ssrc := line[:sp]
		if cur == nil || cur.SSRC != ssrc {
			sources = append(sources, jingle.Source{SSRC: ssrc})
			cur = &sources[len(sources)-1]
		}
		kv := line[sp+1:]
		if colon := strings.IndexByte(kv, ':'); colon >= 0 {
			cur.Parameters = append(cur.Parameters, jingle.Parameter{
				Name:  strings.TrimSpace(kv[:colon]),
				Value: strings.TrimSpace(kv[colon+1:]),
			})
		} else {
			cur.Parameters = append(cur.Parameters, jingle.Parameter{
				Name: strings.TrimSpace(kv),
			})
		}
	}
	return sources, nil
}

// FromJingle builds a structured session description from a stanza,
// synthesizing the canonical session boilerplate and translating each
// content element into one media block.
func FromJingle(j *jingle.Jingle) (*ParsedSdp, error) {
	p := &ParsedSdp{Session: append(LineGroup{}, sessionBoilerplate...)}
	for _, group := range j.Groups {
		if len(group.Contents) == 0 {
			continue
		}
		p.Session = append(p.Session,
			"a=group:"+group.Semantics+" "+strings.Join(group.Contents, " "))
	}
	for i := range j.Contents {
		m, err := contentToMedia(&j.Contents[i])
		if err != nil {
			return nil, err
		}
		p.Media = append(p.Media, m)
	}
	if len(p.Media) == 0 {
		return nil, ErrNoMediaBlocks
	}
	return p, nil
}

// contentToMedia translates a jingle content element into an SDP media
// block, the inverse of ToJingle for a single block.
func contentToMedia(content *jingle.Content) (LineGroup, error) {
	desc := content.Description
	if desc == nil {
		return nil, fmt.Errorf("%w: content %q has no description", ErrMalformedLine, content.Name)
	}
	mline := MLine{Media: desc.Media, Port: "1", Proto: "RTP/AVPF"}
	if content.Senders == "rejected" {
		mline.Port = "0"
	}
	if desc.Encryption != nil ||
		(content.Transport != nil && len(content.Transport.Fingerprints) > 0) {
		mline.Proto = "RTP/SAVPF"
	}
	for _, pt := range desc.PayloadTypes {
		mline.Formats = append(mline.Formats, pt.ID)
	}

	m := LineGroup{
		mline.String(),
		"c=IN IP4 0.0.0.0",
		"a=rtcp:1 IN IP4 0.0.0.0",
	}

	if t := content.Transport; t != nil {
		if t.Ufrag != "" {
			m = append(m, "a=ice-ufrag:"+t.Ufrag)
		}
		if t.Pwd != "" {
			m = append(m, "a=ice-pwd:"+t.Pwd)
		}
		for _, fp := range t.Fingerprints {
			m = append(m, "a=fingerprint:"+fp.Hash+" "+fp.Value)
			if fp.Setup != "" {
				m = append(m, "a=setup:"+fp.Setup)
			}
		}
	}

	switch content.Senders {
	case "initiator":
		m = append(m, "a=sendonly")
	case "responder":
		m = append(m, "a=recvonly")
	case "none":
		m = append(m, "a=inactive")
	case "both":
		m = append(m, "a=sendrecv")
	}
	m = append(m, "a=mid:"+content.Name)

	if desc.RtcpMux {
		m = append(m, "a=rtcp-mux")
	}
	if desc.Encryption != nil {
		for _, c := range desc.Encryption.Cryptos {
			line := "a=crypto:" + c.Tag + " " + c.CryptoSuite + " " + c.KeyParams
			if c.SessionParams != "" {
				line += " " + c.SessionParams
			}
			m = append(m, line)
		}
	}

	for _, pt := range desc.PayloadTypes {
		m = append(m, buildRtpmap(pt))
		if len(pt.Parameters) > 0 {
			m = append(m, buildFmtp(pt.ID, pt.Parameters))
		}
		m = appendRtcpFb(m, pt.ID, pt.RtcpFb, pt.RtcpFbTrrInt)
	}
	m = appendRtcpFb(m, "*", desc.RtcpFb, desc.RtcpFbTrrInt)

	for _, ext := range desc.HdrExts {
		m = append(m, "a=extmap:"+ext.ID+" "+ext.URI)
	}

	if content.Transport != nil {
		for _, cand := range content.Transport.Candidates {
			m = append(m, CandidateFromJingle(cand, true))
		}
	}

	for _, src := range desc.Sources {
		for _, par := range src.Parameters {
			line := "a=ssrc:" + src.SSRC + " " + par.Name
			if par.Value != "" {
				line += ":" + par.Value
			}
			m = append(m, line)
		}
	}
	return m, nil
}

// IceParams returns the ICE ufrag/pwd pair for the media block at
// index, with the session-level fallback. Both empty if either is
// missing.
func (p *ParsedSdp) IceParams(index int) (ufrag, pwd string) {
	if index < 0 || index >= len(p.Media) {
		return "", ""
	}
	return iceParams(p.Media[index], p.Session)
}

// MediaFingerprints returns the fingerprints of the media block at
// index, with the session-level fallback. Malformed lines are skipped.
func (p *ParsedSdp) MediaFingerprints(index int) []jingle.Fingerprint {
	if index < 0 || index >= len(p.Media) {
		return nil
	}
	var fps []jingle.Fingerprint
	for _, line := range findLinesFallback(p.Media[index], p.Session, "a=fingerprint:") {
		fp, err := parseFingerprint(line)
		if err != nil {
			continue
		}
		fps = append(fps, fp)
	}
	return fps
}

func appendRtcpFb(m LineGroup, payloadType string, fbs []jingle.RtcpFb, trrInts []string) LineGroup {
	for _, trr := range trrInts {
		m = append(m, "a=rtcp-fb:"+payloadType+" trr-int "+trr)
	}
	for _, fb := range fbs {
		line := "a=rtcp-fb:" + payloadType + " " + fb.Type
		if fb.Subtype != "" {
			line += " " + fb.Subtype
		}
		m = append(m, line)
	}
	return m
}
