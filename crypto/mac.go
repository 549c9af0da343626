// Package crypto implements the cryptographic primitives of call
// signaling: the fingerprint MAC that binds a session's media
// fingerprints to the symmetric keys exchanged at call setup, and the
// NaCl box identity encryption used to exchange those keys.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/sirupsen/logrus"
)

// ComputeMac computes the hex-encoded HMAC-SHA256 of payload under key.
// The payload is the canonical fingerprint string of a stanza; the key
// is the symmetric fingerprint-MAC key exchanged during call setup.
func ComputeMac(payload, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyMac recomputes the MAC of payload under key and compares it to
// the claimed value in constant time. An empty claimed MAC always
// fails: a stanza that omits the MAC entirely must never verify.
func VerifyMac(payload, key, claimed string) bool {
	if claimed == "" {
		logrus.WithFields(logrus.Fields{
			"function": "VerifyMac",
		}).Warn("Empty fingerprint MAC rejected")
		return false
	}
	expected := ComputeMac(payload, key)
	return hmac.Equal([]byte(expected), []byte(claimed))
}
