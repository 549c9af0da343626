// Package sdp implements the structured session-description model and
// its translation to and from the raw SDP text form and the jingle
// stanza tree.
//
// A ParsedSdp keeps the session-level attribute lines and one ordered
// line group per media block, preserving attribute order. Attribute
// lookups fall back from the media block to the session part, because
// the protocol allows attributes (ICE credentials, fingerprints,
// crypto lines) to be declared once at session level for all media
// blocks that do not override them.
package sdp

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// Errors returned by the parser.
var (
	// ErrNoMediaBlocks indicates the input had no m= lines at all.
	ErrNoMediaBlocks = errors.New("sdp: no media blocks found")

	// ErrMalformedLine indicates a structurally required line could not
	// be parsed.
	ErrMalformedLine = errors.New("sdp: malformed line")
)

// LineGroup is an ordered sequence of SDP attribute lines.
type LineGroup []string

// ParsedSdp is the canonical structured form of a session description.
// Session holds the lines before the first m= line; Media holds one
// line group per media block, each starting with its m= line.
type ParsedSdp struct {
	Session LineGroup
	Media   []LineGroup
}

// Parse splits a raw SDP text blob into the structured form. Lines
// before the first m= line become the session part; each m= line opens
// a new media block that collects all following lines until the next
// m= line. Fails with ErrNoMediaBlocks if no media block results.
func Parse(raw string) (*ParsedSdp, error) {
	p := &ParsedSdp{}
	var cur LineGroup
	inMedia := false
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "m=") {
			if inMedia {
				p.Media = append(p.Media, cur)
			}
			cur = LineGroup{line}
			inMedia = true
			continue
		}
		if inMedia {
			cur = append(cur, line)
		} else {
			p.Session = append(p.Session, line)
		}
	}
	if inMedia {
		p.Media = append(p.Media, cur)
	}
	if len(p.Media) == 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Parse",
			"lines":    len(p.Session),
		}).Warn("SDP input contains no media blocks")
		return nil, ErrNoMediaBlocks
	}
	return p, nil
}

// Raw renders the structured form back to SDP text, session part first,
// then each media block, lines joined with CRLF.
func (p *ParsedSdp) Raw() string {
	var b strings.Builder
	for _, line := range p.Session {
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	for _, m := range p.Media {
		for _, line := range m {
			b.WriteString(line)
			b.WriteString("\r\n")
		}
	}
	return b.String()
}

// MLineIndex returns the index of the media block identified by mid,
// preferring an exact a=mid: match and falling back to the media kind
// of the m= line itself. Returns -1 if no block matches.
func (p *ParsedSdp) MLineIndex(mid string) int {
	for i, m := range p.Media {
		if findLine(m, "a=mid:") == mid {
			return i
		}
	}
	for i, m := range p.Media {
		if strings.HasPrefix(m[0], "m="+mid) {
			return i
		}
	}
	return -1
}

// findLine returns the remainder of the first line in group starting
// with prefix, or "" if none.
func findLine(group LineGroup, prefix string) string {
	for _, line := range group {
		if strings.HasPrefix(line, prefix) {
			return line[len(prefix):]
		}
	}
	return ""
}

// findLineFallback searches the media block first, then the session
// part. This two-level lookup is load-bearing: attributes declared once
// at session level apply to every media block that does not override
// them.
func findLineFallback(media, session LineGroup, prefix string) string {
	if v := findLine(media, prefix); v != "" {
		return v
	}
	return findLine(session, prefix)
}

// findLines returns the remainders of all lines in group starting with
// prefix, preserving order.
func findLines(group LineGroup, prefix string) []string {
	var out []string
	for _, line := range group {
		if strings.HasPrefix(line, prefix) {
			out = append(out, line[len(prefix):])
		}
	}
	return out
}

// findLinesFallback is findLines with the media-then-session fallback:
// session lines are consulted only when the media block has none.
func findLinesFallback(media, session LineGroup, prefix string) []string {
	if out := findLines(media, prefix); len(out) > 0 {
		return out
	}
	return findLines(session, prefix)
}

func hasLine(group LineGroup, prefix string) bool {
	for _, line := range group {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

func hasLineFallback(media, session LineGroup, prefix string) bool {
	return hasLine(media, prefix) || hasLine(session, prefix)
}

// MLine is the parsed form of an m= media descriptor line.
type MLine struct {
	Media   string
	Port    string
	Proto   string
	Formats []string
}

// ParseMLine parses an "m=<media> <port> <proto> <fmt>..." line.
func ParseMLine(line string) (*MLine, error) {
	if !strings.HasPrefix(line, "m=") {
		return nil, fmt.Errorf("%w: not an m-line: %q", ErrMalformedLine, line)
	}
	parts := strings.Fields(line[2:])
	if len(parts) < 3 {
		return nil, fmt.Errorf("%w: m-line has %d fields", ErrMalformedLine, len(parts))
	}
	return &MLine{
		Media:   parts[0],
		Port:    parts[1],
		Proto:   parts[2],
		Formats: parts[3:],
	}, nil
}

// String renders the m-line back to its SDP form.
func (m *MLine) String() string {
	parts := append([]string{m.Media, m.Port, m.Proto}, m.Formats...)
	return "m=" + strings.Join(parts, " ")
}

// ConstrainCodec rewrites the encoding parameters of the codec with the
// given name (matched case-insensitively against a=rtpmap: entries) in
// every media block that carries it: params are merged into the codec's
// a=fmtp: line, and a positive maxBitrateKbps inserts a b=AS: bandwidth
// line into the block. Used to apply caller-side quality constraints
// without touching the negotiation logic.
func (p *ParsedSdp) ConstrainCodec(codec string, params string, maxBitrateKbps int) {
	lowered := strings.ToLower(codec)
	for mi, m := range p.Media {
		payloadID := ""
		for _, rm := range findLines(m, "a=rtpmap:") {
			// "<id> <name>/<clockrate>..."
			sp := strings.IndexByte(rm, ' ')
			if sp < 0 {
				continue
			}
			name := rm[sp+1:]
			if slash := strings.IndexByte(name, '/'); slash >= 0 {
				name = name[:slash]
			}
			if strings.ToLower(name) == lowered {
				payloadID = rm[:sp]
				break
			}
		}
		if payloadID == "" {
			continue
		}
		p.Media[mi] = constrainBlock(m, payloadID, params, maxBitrateKbps)
	}
}

func constrainBlock(m LineGroup, payloadID, params string, maxBitrateKbps int) LineGroup {
	out := make(LineGroup, 0, len(m)+2)
	fmtpPrefix := "a=fmtp:" + payloadID + " "
	fmtpDone := params == ""
	for _, line := range m {
		if !fmtpDone && strings.HasPrefix(line, fmtpPrefix) {
			line = line + ";" + params
			fmtpDone = true
		}
		out = append(out, line)
		if maxBitrateKbps > 0 && strings.HasPrefix(line, "c=") {
			out = append(out, fmt.Sprintf("b=AS:%d", maxBitrateKbps))
			maxBitrateKbps = 0
		}
	}
	if !fmtpDone {
		out = append(out, fmtpPrefix+params)
	}
	if maxBitrateKbps > 0 {
		// no c= line to anchor on, append after the m-line
		out = append(out[:1], append(LineGroup{fmt.Sprintf("b=AS:%d", maxBitrateKbps)}, out[1:]...)...)
	}
	return out
}
