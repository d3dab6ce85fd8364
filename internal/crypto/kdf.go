package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"time"

	"golang.org/x/crypto/argon2"
)

// KeySize is the size of every symmetric key used by the engine:
// master keys, data encryption keys and transport keys.
const KeySize = 32

const saltSize = 32

// KDFParams carries the argon2id cost parameters and salt for one vault.
// They are fixed at vault creation and persisted in the vault config.
type KDFParams struct {
	Memory      uint32 `json:"m"`
	Time        uint32 `json:"t"`
	Parallelism uint8  `json:"p"`
	Salt        []byte `json:"salt"`
}

// DefaultKDF returns argon2id parameters with a fresh random salt.
// The cost is tuned for desktop-class hardware (roughly 250-500ms).
func DefaultKDF() KDFParams {
	return KDFParams{Memory: 256 * 1024, Time: 3, Parallelism: 4, Salt: NewSalt()}
}

// NewSalt returns a fresh random KDF salt.
func NewSalt() []byte {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		panic("crypto: rand failed: " + err.Error())
	}
	return salt
}

// WithFreshSalt returns a copy of p with a newly generated salt.
// Used on password change so the new key never shares a salt with the old one.
func (p KDFParams) WithFreshSalt() KDFParams {
	p.Salt = NewSalt()
	return p
}

// DeriveKey stretches a password into a master key using argon2id.
// The returned slice is exactly KeySize bytes; callers own zeroing it.
func DeriveKey(password []byte, p KDFParams) []byte {
	return argon2.IDKey(password, p.Salt, p.Time, p.Memory, p.Parallelism, KeySize)
}

// Calibrate probes argon2id iteration counts until a single derivation takes
// at least target on this machine, starting from the default memory cost.
// Memory is held fixed so the resulting parameters stay mobile-friendly.
func Calibrate(target time.Duration) KDFParams {
	p := DefaultKDF()
	probe := []byte("calibration-probe")
	for p.Time < 16 {
		start := time.Now()
		Zero(DeriveKey(probe, p))
		if time.Since(start) >= target {
			break
		}
		p.Time++
	}
	return p
}

// EncodeSalt renders a salt for inclusion in textual config.
func EncodeSalt(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
