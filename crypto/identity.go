package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/nacl/box"
)

// Errors returned by the identity encryption layer.
var (
	// ErrUnknownPeer indicates no public key is registered for the peer.
	ErrUnknownPeer = errors.New("crypto: no public key registered for peer")

	// ErrCiphertextTooShort indicates the sealed blob is shorter than a
	// nonce plus the box overhead.
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")

	// ErrDecryptFailed indicates the box could not be opened.
	ErrDecryptFailed = errors.New("crypto: decryption failed")
)

const nonceSize = 24

// KeyPair is a NaCl crypto_box key pair identifying one endpoint.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random NaCl key pair.
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key pair: %w", err)
	}
	return &KeyPair{Public: *publicKey, Private: *privateKey}, nil
}

// GenerateMacKey creates a fresh random symmetric fingerprint-MAC key,
// base64 encoded so it can travel inside JSON envelopes.
func GenerateMacKey() (string, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("generating mac key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw[:]), nil
}

// BoxCrypto seals and opens small blobs (fingerprint-MAC keys) for
// known peers using NaCl box with a random nonce prepended to the
// ciphertext. Peers are registered by identity string before use.
// Safe for concurrent use.
type BoxCrypto struct {
	mu    sync.RWMutex
	keys  *KeyPair
	peers map[string][32]byte
}

// NewBoxCrypto creates an identity crypto instance around the given
// local key pair.
func NewBoxCrypto(keys *KeyPair) *BoxCrypto {
	return &BoxCrypto{
		keys:  keys,
		peers: make(map[string][32]byte),
	}
}

// PublicKey returns the local public key.
func (b *BoxCrypto) PublicKey() [32]byte {
	return b.keys.Public
}

// RegisterPeer records the public key for a peer identity, replacing
// any previous registration.
func (b *BoxCrypto) RegisterPeer(identity string, publicKey [32]byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.peers[identity] = publicKey
}

// EncryptFor seals plaintext for the registered peer. The returned blob
// is the random nonce followed by the box ciphertext.
func (b *BoxCrypto) EncryptFor(identity string, plaintext []byte) ([]byte, error) {
	b.mu.RLock()
	peerPK, ok := b.peers[identity]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, identity)
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	out := make([]byte, nonceSize, nonceSize+len(plaintext)+box.Overhead)
	copy(out, nonce[:])
	return box.Seal(out, plaintext, &nonce, &peerPK, &b.keys.Private), nil
}

// DecryptFrom opens a blob sealed by the registered peer with
// EncryptFor.
func (b *BoxCrypto) DecryptFrom(identity string, data []byte) ([]byte, error) {
	b.mu.RLock()
	peerPK, ok := b.peers[identity]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, identity)
	}
	if len(data) < nonceSize+box.Overhead {
		return nil, ErrCiphertextTooShort
	}

	var nonce [nonceSize]byte
	copy(nonce[:], data[:nonceSize])
	plain, ok := box.Open(nil, data[nonceSize:], &nonce, &peerPK, &b.keys.Private)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return plain, nil
}
