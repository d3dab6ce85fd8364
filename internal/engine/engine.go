// Package engine assembles the vault subsystems behind one facade: key
// management, the encrypted store, the recycle bin, transfer and the audit
// trail. Callers such as the daemon and the CLI talk to the engine only.
package engine

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/akhilkashyap777/Ace-in-the-Hole/internal/audit"
	"github.com/akhilkashyap777/Ace-in-the-Hole/internal/config"
	"github.com/akhilkashyap777/Ace-in-the-Hole/internal/crypto"
	"github.com/akhilkashyap777/Ace-in-the-Hole/internal/keymanager"
	"github.com/akhilkashyap777/Ace-in-the-Hole/internal/recycle"
	"github.com/akhilkashyap777/Ace-in-the-Hole/internal/transfer"
	"github.com/akhilkashyap777/Ace-in-the-Hole/internal/vaultstore"
)

// Engine owns the lifecycle of one vault.
type Engine struct {
	opts  *config.Options
	log   *zap.Logger
	keys  *keymanager.Manager
	store *vaultstore.Store
	bin   *recycle.Bin
	trail *audit.Log

	receiver *transfer.Receiver
	sender   *transfer.Sender

	mu          sync.Mutex
	sweepCancel context.CancelFunc
}

// New builds an engine over the configured vault directory. The vault may
// not exist yet; Initialize creates it.
func New(opts *config.Options, log *zap.Logger) (*Engine, error) {
	if err := os.MkdirAll(opts.VaultDir, 0o700); err != nil {
		return nil, err
	}

	keys := keymanager.New(opts.VaultDir, keymanager.LockoutPolicy{
		MaxAttempts: opts.LockoutMaxAttempts,
		Lockout:     opts.Lockout(),
	}, log.Named("keys"))
	if target := opts.KDFTarget(); target > 0 {
		keys.SetKDF(func() crypto.KDFParams { return crypto.Calibrate(target) })
	}

	store, err := vaultstore.New(opts.VaultDir, keys, log.Named("store"))
	if err != nil {
		return nil, err
	}

	trail, err := audit.Open(opts.VaultDir)
	if err != nil {
		return nil, err
	}

	policy := recycle.Policy{
		Default:     opts.Retention(""),
		PerCategory: make(map[vaultstore.Category]time.Duration, len(opts.RetentionDays)),
	}
	for name := range opts.RetentionDays {
		policy.PerCategory[vaultstore.Category(name)] = opts.Retention(name)
	}

	e := &Engine{
		opts:  opts,
		log:   log,
		keys:  keys,
		store: store,
		trail: trail,
		bin:   recycle.New(store, policy, log.Named("recycle")),
	}
	e.receiver = transfer.NewReceiver(store, transfer.ReceiverConfig{
		Addr:        opts.TransferAddr,
		IdleTimeout: opts.TransferIdle(),
	}, log.Named("transfer"))
	e.sender = transfer.NewSender(store, log.Named("transfer"))
	return e, nil
}

// Close locks the vault and releases the audit log.
func (e *Engine) Close() error {
	e.Lock()
	return e.trail.Close()
}

func (e *Engine) record(event, detail string) {
	if err := e.trail.Append(event, detail); err != nil {
		e.log.Warn("audit append failed", zap.String("event", event), zap.Error(err))
	}
}

// Initialize creates a new vault protected by password and unlocks it.
func (e *Engine) Initialize(ctx context.Context, password []byte) error {
	if _, err := e.keys.Initialize(password); err != nil {
		return err
	}
	if err := e.store.Load(ctx); err != nil {
		e.keys.Lock()
		return err
	}
	e.startSweeper()
	e.record(audit.EventUnlock, "initialized")
	return nil
}

// Unlock derives the master key from password and loads the index. Shadow
// index recovery from an interrupted password change happens inside Load.
func (e *Engine) Unlock(ctx context.Context, password []byte) error {
	if err := e.keys.Unlock(password); err != nil {
		if errors.Is(err, keymanager.ErrWrongPassword) || errors.Is(err, keymanager.ErrLockedOut) {
			e.record(audit.EventUnlockFailed, "")
		}
		return err
	}
	if err := e.store.Load(ctx); err != nil {
		e.keys.Lock()
		return err
	}
	e.startSweeper()
	e.record(audit.EventUnlock, "")
	return nil
}

// Lock drops the index and wipes the master key. Safe to call when locked.
func (e *Engine) Lock() {
	e.stopSweeper()
	wasUnlocked := e.keys.Unlocked()
	e.store.Unload()
	e.keys.Lock()
	if wasUnlocked {
		e.record(audit.EventLock, "")
	}
}

// Unlocked reports whether the master key is held.
func (e *Engine) Unlocked() bool { return e.keys.Unlocked() }

// Attempts returns the current failed unlock count.
func (e *Engine) Attempts() int { return e.keys.Attempts() }

// LockedOutUntil returns the lockout deadline, zero when not locked out.
func (e *Engine) LockedOutUntil() time.Time { return e.keys.LockedOutUntil() }

// ChangePassword rekeys the vault. Every item key is rewrapped under the new
// master key and committed atomically with the new verifier; an interruption
// at any point leaves a vault that opens under exactly one of the two
// passwords. If the final index promotion is deferred by a crash, the next
// unlock completes it.
func (e *Engine) ChangePassword(oldPassword, newPassword []byte) error {
	job := e.store.RewrapJob()
	if err := e.keys.ChangePassword(oldPassword, newPassword, job); err != nil {
		return err
	}
	if !e.keys.Unlocked() {
		// promotion deferred; drop the stale in-memory index
		e.stopSweeper()
		e.store.Unload()
	}
	e.record(audit.EventRekey, "")
	return nil
}

// Add encrypts and stores a new item.
func (e *Engine) Add(ctx context.Context, category vaultstore.Category, name string, r io.Reader) (vaultstore.Meta, error) {
	meta, err := e.store.Add(ctx, category, name, r)
	if err != nil {
		return vaultstore.Meta{}, err
	}
	e.record(audit.EventAdd, meta.ID)
	return meta, nil
}

// Get streams the decrypted content of an active item.
func (e *Engine) Get(ctx context.Context, id string) (io.ReadCloser, error) {
	rc, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	e.record(audit.EventGet, id)
	return rc, nil
}

// GetMeta returns an item's metadata without touching its content.
func (e *Engine) GetMeta(id string) (vaultstore.Meta, error) {
	return e.store.GetMeta(id)
}

// List returns active items, all categories when category is empty.
func (e *Engine) List(category vaultstore.Category) ([]vaultstore.Meta, error) {
	return e.store.List(category)
}

// Rename changes an item's display name.
func (e *Engine) Rename(id, newName string) error {
	if err := e.store.Rename(id, newName); err != nil {
		return err
	}
	e.record(audit.EventRename, id)
	return nil
}

// Recycle moves an item to the recycle bin under its category's window.
func (e *Engine) Recycle(id string) error {
	if err := e.bin.Recycle(id); err != nil {
		return err
	}
	e.record(audit.EventRecycle, id)
	return nil
}

// Restore returns a recycled item to its category.
func (e *Engine) Restore(id string) error {
	if err := e.bin.Restore(id); err != nil {
		return err
	}
	e.record(audit.EventRestore, id)
	return nil
}

// ListRecycled returns recycled items with their time to expiry.
func (e *Engine) ListRecycled() ([]recycle.Entry, error) {
	return e.bin.List()
}

// Purge permanently destroys a recycled item.
func (e *Engine) Purge(id string) error {
	if err := e.bin.Purge(id); err != nil {
		return err
	}
	e.record(audit.EventPurge, id)
	return nil
}

// PurgeExpired destroys every recycled item past its retention window.
func (e *Engine) PurgeExpired(ctx context.Context) ([]string, error) {
	purged, err := e.bin.PurgeExpired(ctx)
	if len(purged) > 0 {
		e.record(audit.EventSweep, "")
	}
	return purged, err
}

// CreatePairing opens a receive session and returns its payload for display.
func (e *Engine) CreatePairing() (transfer.PairingPayload, error) {
	if !e.keys.Unlocked() {
		return transfer.PairingPayload{}, keymanager.ErrLocked
	}
	p, err := e.receiver.CreatePairing()
	if err != nil {
		return transfer.PairingPayload{}, err
	}
	e.record(audit.EventPairing, p.SessionID)
	return p, nil
}

// JoinPairing joins a peer's session as the sending side.
func (e *Engine) JoinPairing(ctx context.Context, payload transfer.PairingPayload) (*transfer.Session, error) {
	if !e.keys.Unlocked() {
		return nil, keymanager.ErrLocked
	}
	return e.sender.JoinPairing(ctx, payload)
}

// Send transfers items to a joined session, resuming past acked items.
func (e *Engine) Send(ctx context.Context, sess *transfer.Session, ids []string) error {
	already := make(map[string]bool, len(ids))
	for _, id := range ids {
		already[id] = sess.State(id) == transfer.StateAcked
	}
	err := e.sender.Send(ctx, sess, ids)
	for _, id := range ids {
		if !already[id] && sess.State(id) == transfer.StateAcked {
			e.record(audit.EventSent, id)
		}
	}
	return err
}

// TransferHandler exposes the inbound transfer HTTP surface.
func (e *Engine) TransferHandler() http.Handler { return e.receiver.Router() }

// Stats summarizes the vault per category.
func (e *Engine) Stats() (map[vaultstore.Category]vaultstore.CategoryStats, error) {
	return e.store.Stats()
}

// Check verifies index-to-blob consistency, decrypting content when deep.
func (e *Engine) Check(ctx context.Context, deep bool) (vaultstore.CheckReport, error) {
	return e.store.Check(ctx, deep)
}

// AuditEntries returns the verified audit trail.
func (e *Engine) AuditEntries() ([]audit.Entry, error) {
	return e.trail.Entries()
}

func (e *Engine) startSweeper() {
	if e.opts.SweepInterval() <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sweepCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.sweepCancel = cancel
	e.bin.StartSweeper(ctx, e.opts.SweepInterval())
}

func (e *Engine) stopSweeper() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sweepCancel != nil {
		e.sweepCancel()
		e.sweepCancel = nil
	}
}
