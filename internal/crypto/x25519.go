package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
)

// DHKey is an ephemeral X25519 key pair used during pairing. One pair is
// generated per handshake and discarded with the session.
type DHKey struct {
	Priv *ecdh.PrivateKey
	Pub  *ecdh.PublicKey
}

// NewX25519 generates an ephemeral X25519 key pair.
func NewX25519() (*DHKey, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &DHKey{Priv: priv, Pub: priv.PublicKey()}, nil
}

// SharedSecret computes the raw ECDH secret with a peer public key.
func SharedSecret(priv *ecdh.PrivateKey, peer *ecdh.PublicKey) ([]byte, error) {
	return priv.ECDH(peer)
}

// ParseX25519Public decodes a peer's public key bytes off the wire.
func ParseX25519Public(b []byte) (*ecdh.PublicKey, error) {
	return ecdh.X25519().NewPublicKey(b)
}
