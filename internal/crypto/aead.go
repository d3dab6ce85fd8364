package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"

	xchacha "golang.org/x/crypto/chacha20poly1305"
)

// ErrIntegrity is returned whenever an authentication tag fails to verify:
// tampered ciphertext, corrupted storage, or a wrong key. No plaintext is
// ever released alongside it.
var ErrIntegrity = errors.New("crypto: message authentication failed")

// NewXChaCha returns an XChaCha20-Poly1305 AEAD for the given 32-byte key.
func NewXChaCha(key []byte) (cipher.AEAD, error) {
	return xchacha.NewX(key)
}

// SealX encrypts plaintext under key with XChaCha20-Poly1305 using a random
// nonce. Output layout: [nonce||ciphertext||tag].
func SealX(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := xchacha.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, xchacha.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	out = aead.Seal(out[:len(nonce)], nonce, plaintext, aad)
	return out, nil
}

// OpenX decrypts data sealed by SealX. Any tag mismatch maps to ErrIntegrity.
func OpenX(key, ciphertext, aad []byte) ([]byte, error) {
	aead, err := xchacha.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < xchacha.NonceSizeX {
		return nil, ErrIntegrity
	}
	nonce := ciphertext[:xchacha.NonceSizeX]
	ct := ciphertext[xchacha.NonceSizeX:]
	pt, err := aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, ErrIntegrity
	}
	return pt, nil
}

// NewDEK generates a fresh random per-item data encryption key.
func NewDEK() []byte {
	dek := make([]byte, KeySize)
	if _, err := rand.Read(dek); err != nil {
		panic("crypto: rand failed: " + err.Error())
	}
	return dek
}

// WrapDEK encrypts a data encryption key under the master key. The item id is
// mixed into the AAD so a wrapped key cannot be replayed onto another item.
func WrapDEK(master, dek []byte, itemID string) ([]byte, error) {
	return SealX(master, dek, []byte("dek-wrap:"+itemID))
}

// UnwrapDEK reverses WrapDEK. The caller owns zeroing the returned key.
func UnwrapDEK(master, wrapped []byte, itemID string) ([]byte, error) {
	return OpenX(master, wrapped, []byte("dek-wrap:"+itemID))
}
