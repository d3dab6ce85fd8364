// Package keymanager turns the user's password into a verifiable, wipeable
// master key. The plaintext password is never persisted; the vault config
// stores only the KDF parameters and a derived check value.
package keymanager

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/akhilkashyap777/Ace-in-the-Hole/internal/crypto"
	"github.com/akhilkashyap777/Ace-in-the-Hole/internal/fsx"
)

const (
	// ConfigFile is the vault config file name inside the vault root.
	ConfigFile = "config"

	// FormatVersion is the on-disk vault format version.
	FormatVersion = 1
)

var (
	ErrAlreadyInitialized = errors.New("keymanager: vault already initialized")
	ErrNotInitialized     = errors.New("keymanager: vault not initialized")
	ErrWrongPassword      = errors.New("keymanager: wrong password")
	ErrLocked             = errors.New("keymanager: vault locked")
	ErrLockedOut          = errors.New("keymanager: too many failed attempts")
)

// LockoutPolicy bounds wrong-password attempts. Enforcement is caller-visible:
// Attempts and LockedOutUntil expose the counter and the lockout deadline.
type LockoutPolicy struct {
	MaxAttempts int
	Lockout     time.Duration
}

// VaultConfig is persisted once per vault. Immutable after creation except on
// explicit password change, which rewrites it atomically.
type VaultConfig struct {
	Version   int              `json:"version"`
	KDF       crypto.KDFParams `json:"kdf"`
	Verifier  string           `json:"verifier"`
	CreatedAt int64            `json:"created_at"`
}

// Manager owns the master key for the lifetime of an unlocked session.
type Manager struct {
	dir    string
	policy LockoutPolicy
	log    *zap.Logger

	mu           sync.RWMutex
	cfg          *VaultConfig
	key          []byte // nil while locked; mlock'd while held
	attempts     int
	lockoutUntil time.Time

	newKDF func() crypto.KDFParams
}

// New returns a manager rooted at the vault directory.
func New(dir string, policy LockoutPolicy, log *zap.Logger) *Manager {
	return &Manager{dir: dir, policy: policy, log: log, newKDF: crypto.DefaultKDF}
}

// SetKDF overrides the parameters used when creating a vault, e.g. with
// values from Calibrate. Existing vaults keep their persisted parameters.
func (m *Manager) SetKDF(f func() crypto.KDFParams) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f != nil {
		m.newKDF = f
	}
}

func (m *Manager) configPath() string { return filepath.Join(m.dir, ConfigFile) }

// verifier derives the stored check value from a master key. The domain
// separation string keeps it unusable as an encryption key.
func verifier(master []byte) string {
	h := sha256.New()
	h.Write([]byte("vault/verifier/v1"))
	h.Write(master)
	return base64.RawStdEncoding.EncodeToString(h.Sum(nil))
}

func readConfig(path string) (*VaultConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg VaultConfig
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("keymanager: parse config: %w", err)
	}
	return &cfg, nil
}

func writeConfig(path string, cfg *VaultConfig) error {
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return fsx.WriteFileSync(path, b, 0o600)
}

// Initialize creates a fresh vault config with a new salt and holds the
// derived master key. Fails if a config already exists.
func (m *Manager) Initialize(password []byte) (*VaultConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(m.configPath()); err == nil {
		return nil, ErrAlreadyInitialized
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return nil, err
	}

	kdf := m.newKDF()
	master := crypto.DeriveKey(password, kdf)
	cfg := &VaultConfig{
		Version:   FormatVersion,
		KDF:       kdf,
		Verifier:  verifier(master),
		CreatedAt: time.Now().Unix(),
	}
	if err := writeConfig(m.configPath(), cfg); err != nil {
		crypto.Zero(master)
		return nil, err
	}
	m.adoptKey(master)
	m.cfg = cfg
	m.log.Info("vault initialized", zap.String("dir", m.dir))
	return cfg, nil
}

// Unlock re-derives the master key and compares the stored verifier in
// constant time. Attempt counting and lockout apply only to wrong passwords;
// I/O failures while reading the config surface unchanged.
func (m *Manager) Unlock(password []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if until := m.lockoutUntil; time.Now().Before(until) {
		return ErrLockedOut
	}

	cfg, err := readConfig(m.configPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotInitialized
		}
		return err
	}

	master := crypto.DeriveKey(password, cfg.KDF)
	want := cfg.Verifier
	got := verifier(master)
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		crypto.Zero(master)
		m.attempts++
		if m.policy.MaxAttempts > 0 && m.attempts >= m.policy.MaxAttempts {
			m.lockoutUntil = time.Now().Add(m.policy.Lockout)
			m.attempts = 0
			m.log.Warn("unlock lockout engaged", zap.Time("until", m.lockoutUntil))
		}
		return ErrWrongPassword
	}

	m.attempts = 0
	m.lockoutUntil = time.Time{}
	m.adoptKey(master)
	m.cfg = cfg
	return nil
}

// adoptKey installs a derived key, replacing and wiping any previous one.
// Caller holds m.mu.
func (m *Manager) adoptKey(master []byte) {
	m.wipeLocked()
	if err := crypto.LockBuffer(master); err != nil {
		m.log.Debug("mlock unavailable", zap.Error(err))
	}
	m.key = master
}

// Key returns a snapshot copy of the master key. In-flight operations hold
// the snapshot, so Lock cannot corrupt them mid-way; the next call fails
// with ErrLocked.
func (m *Manager) Key() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.key == nil {
		return nil, ErrLocked
	}
	return append([]byte(nil), m.key...), nil
}

// Unlocked reports whether a master key is currently held.
func (m *Manager) Unlocked() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.key != nil
}

// Lock zeroes the master key. Subsequent Key calls fail with ErrLocked.
func (m *Manager) Lock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wipeLocked()
}

func (m *Manager) wipeLocked() {
	if m.key != nil {
		crypto.Zero(m.key)
		_ = crypto.UnlockBuffer(m.key)
		m.key = nil
	}
}

// Attempts returns the current wrong-password counter.
func (m *Manager) Attempts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.attempts
}

// LockedOutUntil returns the lockout deadline, zero when not locked out.
func (m *Manager) LockedOutUntil() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lockoutUntil
}

// Rewrapper stages per-item key material for a password change. Stage writes
// everything re-wrapped under newKey to shadow storage; the config swap is the
// commit point; Commit then promotes the shadow. A crash between the config
// swap and Commit is resolved at next unlock, where the shadow either opens
// under the active key (resume) or does not (discard).
type Rewrapper interface {
	Stage(oldKey, newKey []byte) error
	Commit() error
	Abort()
}

// ChangePassword re-derives under a fresh salt, stages the rewrap of every
// item key, atomically swaps the vault config, then promotes the staged
// state. No crash point leaves a mix of old- and new-keyed items committed.
func (m *Manager) ChangePassword(oldPassword, newPassword []byte, rewrap Rewrapper) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, err := readConfig(m.configPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotInitialized
		}
		return err
	}
	oldKey := crypto.DeriveKey(oldPassword, cfg.KDF)
	defer crypto.Zero(oldKey)
	if subtle.ConstantTimeCompare([]byte(verifier(oldKey)), []byte(cfg.Verifier)) != 1 {
		return ErrWrongPassword
	}

	newKDF := cfg.KDF.WithFreshSalt()
	newKey := crypto.DeriveKey(newPassword, newKDF)

	if rewrap != nil {
		if err := rewrap.Stage(oldKey, newKey); err != nil {
			crypto.Zero(newKey)
			return fmt.Errorf("keymanager: rewrap items: %w", err)
		}
	}

	newCfg := &VaultConfig{
		Version:   cfg.Version,
		KDF:       newKDF,
		Verifier:  verifier(newKey),
		CreatedAt: cfg.CreatedAt,
	}
	if err := writeConfig(m.configPath(), newCfg); err != nil {
		if rewrap != nil {
			rewrap.Abort()
		}
		crypto.Zero(newKey)
		return err
	}
	m.adoptKey(newKey)
	m.cfg = newCfg
	if rewrap != nil {
		if err := rewrap.Commit(); err != nil {
			// The config swap already committed the change. Lock the vault so
			// the next unlock's recovery promotes the shadow index cleanly.
			m.wipeLocked()
			m.log.Warn("shadow index promotion deferred to unlock recovery", zap.Error(err))
			return nil
		}
	}
	m.log.Info("vault password changed")
	return nil
}
