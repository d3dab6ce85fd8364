package transfer

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/akhilkashyap777/Ace-in-the-Hole/internal/crypto"
)

const (
	codeLen  = 8
	saltLen  = 16
	nonceLen = 16
)

// newCode generates the one-time pairing code shown to the user.
func newCode() string {
	b := make([]byte, 5)
	if _, err := rand.Read(b); err != nil {
		panic("transfer: rand failed: " + err.Error())
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(b)[:codeLen]
}

func newSalt() []byte {
	b := make([]byte, saltLen)
	if _, err := rand.Read(b); err != nil {
		panic("transfer: rand failed: " + err.Error())
	}
	return b
}

func newNonce() []byte {
	b := make([]byte, nonceLen)
	if _, err := rand.Read(b); err != nil {
		panic("transfer: rand failed: " + err.Error())
	}
	return b
}

// pairingKey stretches the short code into the handshake MAC key. The salt
// from the payload keeps rainbow precomputation off the 40-bit code space.
func pairingKey(code string, salt []byte) []byte {
	out := make([]byte, crypto.KeySize)
	r := hkdf.New(sha256.New, []byte(code), salt, []byte("vault/pairing/v1"))
	if _, err := io.ReadFull(r, out); err != nil {
		panic("transfer: hkdf failed: " + err.Error())
	}
	return out
}

// joinerProof authenticates the joiner's half of the handshake transcript.
func joinerProof(pk []byte, sid string, pub, nonce []byte) []byte {
	mac := hmac.New(sha256.New, pk)
	mac.Write([]byte("join:" + sid))
	mac.Write(pub)
	mac.Write(nonce)
	return mac.Sum(nil)
}

// responderProof authenticates the full transcript back to the joiner.
func responderProof(pk []byte, sid string, joinPub, joinNonce, respPub, respNonce []byte) []byte {
	mac := hmac.New(sha256.New, pk)
	mac.Write([]byte("resp:" + sid))
	mac.Write(joinPub)
	mac.Write(joinNonce)
	mac.Write(respPub)
	mac.Write(respNonce)
	return mac.Sum(nil)
}

// transportKey derives the session's end-to-end key from the ECDH secret and
// both nonces. Knowing the pairing code alone is not enough to decrypt a
// recorded transfer; the ephemeral exchange must be broken too.
func transportKey(ecdhSecret []byte, sid string, joinNonce, respNonce []byte) []byte {
	out := make([]byte, crypto.KeySize)
	r := hkdf.New(sha256.New, ecdhSecret, append(append([]byte(nil), joinNonce...), respNonce...),
		[]byte("vault/transport/v1:"+sid))
	if _, err := io.ReadFull(r, out); err != nil {
		panic("transfer: hkdf failed: " + err.Error())
	}
	return out
}

// itemAAD binds a transport stream to its session and source item.
func itemAAD(sid, itemID string) []byte {
	return []byte("transfer/" + sid + "/" + itemID)
}
