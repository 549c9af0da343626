package sdp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testOffer = "v=0\r\n" +
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
	"a=ssrc:1001 cname:alice\r\n" +
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
	"a=ssrc:2002 cname:alice\r\n"

func TestParse(t *testing.T) {
	parsed, err := Parse(testOffer)
	require.NoError(t, err)

	assert.Len(t, parsed.Media, 2)
	assert.True(t, strings.HasPrefix(parsed.Media[0][0], "m=audio"))
	assert.True(t, strings.HasPrefix(parsed.Media[1][0], "m=video"))
	assert.Contains(t, parsed.Session, "a=group:BUNDLE audio video")
	assert.Equal(t, "v=0", parsed.Session[0])
}

func TestParseNoMediaBlocks(t *testing.T) {
	_, err := Parse("v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\ns=-\r\n")
	assert.ErrorIs(t, err, ErrNoMediaBlocks)
}

func TestRawRoundTripPreservesMediaBlocks(t *testing.T) {
	parsed, err := Parse(testOffer)
	require.NoError(t, err)

	again, err := Parse(parsed.Raw())
	require.NoError(t, err)

	require.Len(t, again.Media, len(parsed.Media))
	for i := range parsed.Media {
		assert.Equal(t, parsed.Media[i][0], again.Media[i][0])
	}
}

func TestMLineIndex(t *testing.T) {
	parsed, err := Parse(testOffer)
	require.NoError(t, err)

	tests := []struct {
		name string
		mid  string
		want int
	}{
		{"exact mid audio", "audio", 0},
		{"exact mid video", "video", 1},
		{"unknown mid", "data", -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parsed.MLineIndex(tt.mid))
		})
	}
}

func TestMLineIndexKindFallback(t *testing.T) {
	// No a=mid: lines; lookup falls back to the m-line media kind.
	raw := "v=0\r\nm=audio 9 RTP/AVPF 0\r\na=rtpmap:0 PCMU/8000\r\n" +
		"m=video 9 RTP/AVPF 100\r\na=rtpmap:100 VP8/90000\r\n"
	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, 0, parsed.MLineIndex("audio"))
	assert.Equal(t, 1, parsed.MLineIndex("video"))
}

func TestSessionFallbackSearch(t *testing.T) {
	// ICE credentials and fingerprint declared once at session level
	// apply to every media block.
	raw := "v=0\r\n" +
		"a=ice-ufrag:sessUfrag\r\n" +
		"a=ice-pwd:sessPwd\r\n" +
		"a=fingerprint:sha-256 AA:BB:CC\r\n" +
		"m=audio 9 RTP/SAVPF 111\r\n" +
		"a=mid:audio\r\n" +
		"a=rtpmap:111 opus/48000/2\r\n"
	parsed, err := Parse(raw)
	require.NoError(t, err)

	ufrag, pwd := parsed.IceParams(0)
	assert.Equal(t, "sessUfrag", ufrag)
	assert.Equal(t, "sessPwd", pwd)

	fps := parsed.MediaFingerprints(0)
	require.Len(t, fps, 1)
	assert.Equal(t, "sha-256", fps[0].Hash)
	assert.Equal(t, "AA:BB:CC", fps[0].Value)
}

func TestMediaOverridesSessionFallback(t *testing.T) {
	raw := "v=0\r\n" +
		"a=ice-ufrag:sessUfrag\r\n" +
		"a=ice-pwd:sessPwd\r\n" +
		"m=audio 9 RTP/SAVPF 111\r\n" +
		"a=ice-ufrag:mediaUfrag\r\n" +
		"a=ice-pwd:mediaPwd\r\n" +
		"a=rtpmap:111 opus/48000/2\r\n"
	parsed, err := Parse(raw)
	require.NoError(t, err)

	ufrag, pwd := parsed.IceParams(0)
	assert.Equal(t, "mediaUfrag", ufrag)
	assert.Equal(t, "mediaPwd", pwd)
}

func TestParseMLine(t *testing.T) {
	mline, err := ParseMLine("m=audio 9 RTP/SAVPF 111 103")
	require.NoError(t, err)
	assert.Equal(t, "audio", mline.Media)
	assert.Equal(t, "9", mline.Port)
	assert.Equal(t, "RTP/SAVPF", mline.Proto)
	assert.Equal(t, []string{"111", "103"}, mline.Formats)
	assert.Equal(t, "m=audio 9 RTP/SAVPF 111 103", mline.String())

	_, err = ParseMLine("a=mid:audio")
	assert.ErrorIs(t, err, ErrMalformedLine)
}

func TestConstrainCodec(t *testing.T) {
	parsed, err := Parse(testOffer)
	require.NoError(t, err)

	parsed.ConstrainCodec("vp8", "max-fr=30", 512)

	video := parsed.Media[1]
	raw := strings.Join(video, "\n")
	assert.Contains(t, raw, "a=fmtp:100 max-fr=30")
	assert.Contains(t, raw, "b=AS:512")

	// Audio block untouched.
	audio := strings.Join(parsed.Media[0], "\n")
	assert.NotContains(t, audio, "b=AS:")
	assert.NotContains(t, audio, "max-fr")

	// The bandwidth line sits right after the c= line.
	for i, line := range video {
		if strings.HasPrefix(line, "c=") {
			require.Less(t, i+1, len(video))
			assert.Equal(t, "b=AS:512", video[i+1])
		}
	}
}

func TestConstrainCodecMergesExistingFmtp(t *testing.T) {
	parsed, err := Parse(testOffer)
	require.NoError(t, err)

	parsed.ConstrainCodec("OPUS", "maxaveragebitrate=64000", 0)

	audio := strings.Join(parsed.Media[0], "\n")
	assert.Contains(t, audio, "a=fmtp:111 minptime=10;useinbandfec=1;maxaveragebitrate=64000")
}

func TestConstrainCodecUnknownCodec(t *testing.T) {
	parsed, err := Parse(testOffer)
	require.NoError(t, err)
	before := parsed.Raw()
	parsed.ConstrainCodec("h264", "profile=1", 100)
	assert.Equal(t, before, parsed.Raw())
}
