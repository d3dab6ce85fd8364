// Package recycle is the soft-delete layer over the vault store. It owns no
// items; it only annotates index entries with deletion and expiry stamps and
// drives the background purge of expired ones.
package recycle

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/akhilkashyap777/Ace-in-the-Hole/internal/vaultstore"
)

// Policy maps item categories to retention windows. Large media defaults to a
// shorter window than small documents.
type Policy struct {
	Default     time.Duration
	PerCategory map[vaultstore.Category]time.Duration
}

// DefaultPolicy returns the stock retention windows.
func DefaultPolicy() Policy {
	const day = 24 * time.Hour
	return Policy{
		Default: 30 * day,
		PerCategory: map[vaultstore.Category]time.Duration{
			vaultstore.CategoryPhoto:    30 * day,
			vaultstore.CategoryVideo:    7 * day,
			vaultstore.CategoryDocument: 60 * day,
			vaultstore.CategoryAudio:    14 * day,
			vaultstore.CategoryContact:  45 * day,
		},
	}
}

// Retention returns the window for a category.
func (p Policy) Retention(c vaultstore.Category) time.Duration {
	if d, ok := p.PerCategory[c]; ok && d > 0 {
		return d
	}
	return p.Default
}

// Entry is a recycled item plus its remaining time before permanent purge.
type Entry struct {
	vaultstore.Meta
	TimeToExpiry time.Duration `json:"time_to_expiry"`
}

// Bin is the recycle bin for one vault.
type Bin struct {
	store  *vaultstore.Store
	policy Policy
	log    *zap.Logger

	sweepMu sync.Mutex // successive sweeps never overlap
}

// New returns a bin over the given store.
func New(store *vaultstore.Store, policy Policy, log *zap.Logger) *Bin {
	if policy.Default <= 0 {
		policy.Default = DefaultPolicy().Default
	}
	return &Bin{store: store, policy: policy, log: log}
}

// Recycle soft-deletes an item with its category's retention window.
func (b *Bin) Recycle(id string) error {
	meta, err := b.store.GetMeta(id)
	if err != nil {
		return err
	}
	return b.store.Recycle(id, b.policy.Retention(meta.Category))
}

// Restore brings a recycled item back to active.
func (b *Bin) Restore(id string) error {
	return b.store.Restore(id)
}

// Purge permanently deletes a recycled item ahead of its expiry.
func (b *Bin) Purge(id string) error {
	return b.store.Purge(id)
}

// List returns recycled items with their remaining time-to-expiry.
func (b *Bin) List() ([]Entry, error) {
	metas, err := b.store.ListRecycled()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]Entry, len(metas))
	for i, m := range metas {
		it := vaultstore.Item{State: m.State, ExpiresAt: m.ExpiresAt}
		out[i] = Entry{Meta: m, TimeToExpiry: it.TimeToExpiry(now)}
	}
	return out, nil
}

// PurgeExpired purges every item past its expiry. Idempotent and safe to
// interrupt; each item's purge is independently atomic.
func (b *Bin) PurgeExpired(ctx context.Context) ([]string, error) {
	b.sweepMu.Lock()
	defer b.sweepMu.Unlock()
	purged, err := b.store.PurgeExpired(ctx, time.Now())
	if len(purged) > 0 {
		b.log.Info("purged expired items", zap.Int("count", len(purged)))
	}
	return purged, err
}

// StartSweeper runs PurgeExpired on a timer until ctx is cancelled. A sweep
// still running when the next tick fires is not doubled up.
func (b *Bin) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !b.sweepMu.TryLock() {
					continue
				}
				purged, err := b.store.PurgeExpired(ctx, time.Now())
				b.sweepMu.Unlock()
				if err != nil && ctx.Err() == nil {
					b.log.Error("purge sweep failed", zap.Error(err))
					continue
				}
				if len(purged) > 0 {
					b.log.Info("purged expired items", zap.Int("count", len(purged)))
				}
			}
		}
	}()
}
