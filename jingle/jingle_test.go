package jingle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stanzaWithFingerprints(fps ...Fingerprint) *Jingle {
	j := &Jingle{SID: "s1"}
	for i, fp := range fps {
		name := "audio"
		if i%2 == 1 {
			name = "video"
		}
		j.Contents = append(j.Contents, Content{
			Name:      name,
			Transport: &Transport{Fingerprints: []Fingerprint{fp}},
		})
	}
	return j
}

func TestFingerprintsSortedAndJoined(t *testing.T) {
	j := stanzaWithFingerprints(
		Fingerprint{Hash: "sha-256", Value: "BB:CC"},
		Fingerprint{Hash: "sha-1", Value: "AA:FF"},
	)
	got, err := j.Fingerprints()
	require.NoError(t, err)
	assert.Equal(t, "sha-1 AA:FF;sha-256 BB:CC", got)
}

func TestFingerprintsDeduplicated(t *testing.T) {
	// The same fingerprint repeated per media block counts once, so
	// the canonical string is stable regardless of block count.
	j := stanzaWithFingerprints(
		Fingerprint{Hash: "sha-256", Value: "AA:BB"},
		Fingerprint{Hash: "sha-256", Value: "AA:BB"},
	)
	got, err := j.Fingerprints()
	require.NoError(t, err)
	assert.Equal(t, "sha-256 AA:BB", got)
}

func TestFingerprintsNone(t *testing.T) {
	tests := []struct {
		name string
		j    *Jingle
	}{
		{"empty stanza", &Jingle{}},
		{"content without transport", &Jingle{Contents: []Content{{Name: "audio"}}}},
		{"transport without fingerprints", &Jingle{Contents: []Content{
			{Name: "audio", Transport: &Transport{Ufrag: "u", Pwd: "p"}},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.j.Fingerprints()
			assert.ErrorIs(t, err, ErrNoFingerprint)
		})
	}
}

func TestContentByName(t *testing.T) {
	j := &Jingle{Contents: []Content{
		{Name: "audio"},
		{Name: "video"},
	}}
	require.NotNil(t, j.ContentByName("video"))
	assert.Equal(t, "video", j.ContentByName("video").Name)
	assert.Nil(t, j.ContentByName("data"))
}
