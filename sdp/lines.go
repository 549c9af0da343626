package sdp

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/callsig/jingle"
)

// parseRtpmap parses the value of an "a=rtpmap:<id> " line
// ("<name>/<clockrate>[/<channels>]") into a payload type.
func parseRtpmap(value, id string) (jingle.PayloadType, error) {
	parts := strings.Split(value, "/")
	if len(parts) < 2 {
		return jingle.PayloadType{}, fmt.Errorf("%w: rtpmap %q", ErrMalformedLine, value)
	}
	pt := jingle.PayloadType{
		ID:        id,
		Name:      parts[0],
		ClockRate: parts[1],
		Channels:  "1",
	}
	if len(parts) >= 3 {
		pt.Channels = parts[2]
	}
	return pt, nil
}

// buildRtpmap renders a payload type back to its a=rtpmap: line. The
// channel count is omitted when it is the default of 1.
func buildRtpmap(pt jingle.PayloadType) string {
	line := "a=rtpmap:" + pt.ID + " " + pt.Name + "/" + pt.ClockRate
	if pt.Channels != "" && pt.Channels != "1" {
		line += "/" + pt.Channels
	}
	return line
}

// parseFmtp parses the parameter list of an "a=fmtp:<id> " line into
// name/value pairs. Bare values (DTMF-style entries) keep an empty name.
func parseFmtp(value string) []jingle.Parameter {
	var params []jingle.Parameter
	for _, part := range strings.Split(value, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if eq := strings.IndexByte(part, '='); eq >= 0 {
			name := strings.TrimSpace(part[:eq])
			val := strings.TrimSpace(part[eq+1:])
			if name == "" {
				logrus.WithFields(logrus.Fields{
					"function": "parseFmtp",
					"entry":    part,
				}).Warn("Empty parameter name in fmtp entry")
				continue
			}
			params = append(params, jingle.Parameter{Name: name, Value: val})
		} else {
			params = append(params, jingle.Parameter{Value: part})
		}
	}
	return params
}

func buildFmtp(id string, params []jingle.Parameter) string {
	var entries []string
	for _, p := range params {
		if p.Name != "" {
			entries = append(entries, p.Name+"="+p.Value)
		} else {
			entries = append(entries, p.Value)
		}
	}
	return "a=fmtp:" + id + " " + strings.Join(entries, ";")
}

// parseCrypto parses the value of an "a=crypto:" line.
func parseCrypto(value string) (jingle.CryptoEntry, error) {
	parts := strings.Fields(value)
	if len(parts) < 3 {
		return jingle.CryptoEntry{}, fmt.Errorf("%w: crypto %q", ErrMalformedLine, value)
	}
	entry := jingle.CryptoEntry{
		Tag:         parts[0],
		CryptoSuite: parts[1],
		KeyParams:   parts[2],
	}
	if len(parts) > 3 {
		entry.SessionParams = strings.Join(parts[3:], " ")
	}
	return entry, nil
}

// parseFingerprint parses the value of an "a=fingerprint:" line
// ("<hash> <hex-digest>", RFC 4572).
func parseFingerprint(value string) (jingle.Fingerprint, error) {
	parts := strings.Fields(value)
	if len(parts) < 2 {
		return jingle.Fingerprint{}, fmt.Errorf("%w: fingerprint %q", ErrMalformedLine, value)
	}
	return jingle.Fingerprint{Hash: parts[0], Value: parts[1]}, nil
}

// parseExtmap parses the value of an "a=extmap:" line
// ("<id>[/<direction>] <uri>").
func parseExtmap(value string) (jingle.HdrExt, error) {
	parts := strings.Fields(value)
	if len(parts) < 2 {
		return jingle.HdrExt{}, fmt.Errorf("%w: extmap %q", ErrMalformedLine, value)
	}
	ext := jingle.HdrExt{ID: parts[0], URI: parts[1], Direction: "both"}
	if slash := strings.IndexByte(ext.ID, '/'); slash >= 0 {
		ext.Direction = ext.ID[slash+1:]
		ext.ID = ext.ID[:slash]
	}
	return ext, nil
}

// iceParams extracts the ICE ufrag/pwd pair for a media block, with the
// session-level fallback. Both must be present for the pair to count.
func iceParams(media, session LineGroup) (ufrag, pwd string) {
	ufrag = findLineFallback(media, session, "a=ice-ufrag:")
	pwd = findLineFallback(media, session, "a=ice-pwd:")
	if ufrag == "" || pwd == "" {
		return "", ""
	}
	return ufrag, pwd
}

// CandidateToJingle parses a raw candidate string into the structured
// candidate form. The input may carry a leading "candidate:" or
// "a=candidate:" prefix; both are accepted because candidates reach
// this path both from parsed SDP lines and from media-transport
// discovery callbacks.
func CandidateToJingle(line string) (jingle.Candidate, error) {
	line = strings.TrimPrefix(line, "a=")
	line = strings.TrimPrefix(line, "candidate:")
	parts := strings.Fields(line)
	if len(parts) < 8 || parts[6] != "typ" {
		return jingle.Candidate{}, fmt.Errorf("%w: candidate %q", ErrMalformedLine, line)
	}
	cand := jingle.Candidate{
		Foundation: parts[0],
		Component:  parts[1],
		Protocol:   strings.ToLower(parts[2]),
		Priority:   parts[3],
		IP:         parts[4],
		Port:       parts[5],
		Type:       parts[7],
		Network:    "1",
		Generation: "0",
		ID:         uuid.NewString(),
	}
	for i := 8; i+1 < len(parts); i += 2 {
		switch parts[i] {
		case "raddr":
			cand.RelAddr = parts[i+1]
		case "rport":
			cand.RelPort = parts[i+1]
		case "generation":
			cand.Generation = parts[i+1]
		default:
			logrus.WithFields(logrus.Fields{
				"function": "CandidateToJingle",
				"key":      parts[i],
				"value":    parts[i+1],
			}).Debug("Ignoring unrecognized candidate extension")
		}
	}
	return cand, nil
}

// CandidateFromJingle renders a structured candidate back to its text
// form. With inSdp set the line carries the "a=candidate:" SDP prefix,
// otherwise the bare "candidate:" form used by media transports.
func CandidateFromJingle(cand jingle.Candidate, inSdp bool) string {
	var b strings.Builder
	if inSdp {
		b.WriteString("a=")
	}
	b.WriteString("candidate:")
	b.WriteString(cand.Foundation + " " + cand.Component + " " + cand.Protocol + " " +
		cand.Priority + " " + cand.IP + " " + cand.Port + " typ " + cand.Type)
	switch cand.Type {
	case "srflx", "prflx", "relay":
		if cand.RelAddr != "" && cand.RelPort != "" {
			b.WriteString(" raddr " + cand.RelAddr + " rport " + cand.RelPort)
		}
	}
	gen := cand.Generation
	if gen == "" {
		gen = "0"
	}
	b.WriteString(" generation " + gen)
	return b.String()
}
