// Package transfer pairs two vault engines over a local network and moves
// items between them. Content is re-encrypted end to end under a per-session
// transport key that is independent of either vault's master key; the
// receiver re-encrypts at rest through its own store, so transport ciphertext
// is never persisted.
package transfer

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrPairing covers every handshake failure: bad code, replayed
	// session, malformed proof. Deliberately indistinct to an attacker.
	ErrPairing = errors.New("transfer: pairing failed")

	// ErrSessionClosed means the session expired or was closed explicitly.
	ErrSessionClosed = errors.New("transfer: session closed")
)

// PairingPayload is exchanged out of band, e.g. rendered as a QR code by the
// UI. The code itself never crosses the transfer connection.
type PairingPayload struct {
	Addr      string `json:"addr"`
	SessionID string `json:"sid"`
	Salt      []byte `json:"salt"`
	Code      string `json:"code"`
}

// Encode renders the payload as a compact base64 string for QR display.
func (p PairingPayload) Encode() string {
	b, _ := json.Marshal(p)
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodePairingPayload parses a scanned payload.
func DecodePairingPayload(s string) (PairingPayload, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return PairingPayload{}, fmt.Errorf("transfer: decode payload: %w", err)
	}
	var p PairingPayload
	if err := json.Unmarshal(b, &p); err != nil {
		return PairingPayload{}, fmt.Errorf("transfer: parse payload: %w", err)
	}
	if p.Addr == "" || p.SessionID == "" || len(p.Salt) == 0 || p.Code == "" {
		return PairingPayload{}, ErrPairing
	}
	return p, nil
}

// handshakeRequest carries the joiner's ephemeral key material and its proof
// of knowledge of the pairing code.
type handshakeRequest struct {
	PublicKey []byte `json:"pub"`
	Nonce     []byte `json:"nonce"`
	Proof     []byte `json:"proof"`
}

// handshakeResponse mirrors the request for the responder and carries the
// bearer token for the item endpoints.
type handshakeResponse struct {
	PublicKey []byte `json:"pub"`
	Nonce     []byte `json:"nonce"`
	Proof     []byte `json:"proof"`
	Token     string `json:"token"`
}

// Item headers travel as HTTP headers ahead of the chunk stream so the
// receiver can pre-allocate and verify end-to-end integrity.
const (
	headerCategory = "X-Vault-Category"
	headerName     = "X-Vault-Name"
	headerSize     = "X-Vault-Size"
	headerHash     = "X-Vault-Content-Hash"
)

// ackResponse is the receiver's per-item acknowledgment, sent only after the
// item has been authenticated, hash-verified and committed at rest.
type ackResponse struct {
	ItemID    string `json:"item_id"`
	StoredAs  string `json:"stored_as"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// ItemState tracks one item through a transfer session.
type ItemState string

const (
	StatePending  ItemState = "pending"
	StateInFlight ItemState = "in-flight"
	StateAcked    ItemState = "acked"
	StateFailed   ItemState = "failed"
)
