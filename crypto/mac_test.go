package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyMacSymmetric(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		key     string
	}{
		{"simple", "sha-256 AA:BB", "key1"},
		{"multiple fingerprints", "sha-1 AA:FF;sha-256 BB:CC", "another key"},
		{"binary-ish key", "payload", "\x00\x01\x02\x03"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mac := ComputeMac(tt.payload, tt.key)
			assert.True(t, VerifyMac(tt.payload, tt.key, mac))
		})
	}
}

func TestVerifyMacRejectsEmptyClaimed(t *testing.T) {
	assert.False(t, VerifyMac("payload", "key", ""))
}

func TestVerifyMacRejectsWrongKey(t *testing.T) {
	mac := ComputeMac("payload", "key1")
	assert.False(t, VerifyMac("payload", "key2", mac))
}

func TestVerifyMacRejectsMutations(t *testing.T) {
	payload := "sha-256 AA:BB:CC"
	mac := ComputeMac(payload, "key")
	require.NotEmpty(t, mac)

	// Any single-character mutation of the digest must fail.
	for i := 0; i < len(mac); i++ {
		mutated := []byte(mac)
		if mutated[i] == '0' {
			mutated[i] = '1'
		} else {
			mutated[i] = '0'
		}
		assert.False(t, VerifyMac(payload, "key", string(mutated)),
			"mutation at index %d accepted", i)
	}

	// Truncation must fail too.
	assert.False(t, VerifyMac(payload, "key", mac[:len(mac)-1]))
}

func TestComputeMacDeterministic(t *testing.T) {
	assert.Equal(t, ComputeMac("m", "k"), ComputeMac("m", "k"))
	assert.NotEqual(t, ComputeMac("m", "k"), ComputeMac("m2", "k"))
}
