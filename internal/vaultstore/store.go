// Package vaultstore is the content-addressed, crash-consistent storage core
// of the vault. A sealed index file is the single source of truth for what
// exists; encrypted blobs become durable before the index references them, so
// no crash point can leave a committed entry pointing at a missing blob.
package vaultstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/akhilkashyap777/Ace-in-the-Hole/internal/crypto"
	"github.com/akhilkashyap777/Ace-in-the-Hole/internal/fsx"
)

const (
	// IndexFile is the committed index inside the vault root.
	IndexFile = "index"
	// ShadowIndexFile exists only transiently during a password change.
	ShadowIndexFile = ".index.tmp"
	// BlobDirName holds the encrypted blobs.
	BlobDirName = "blobs"
)

var indexAAD = []byte("vault/index/v1")

// ErrNotLoaded is returned when the store is used before Load (i.e. while
// the vault is locked).
var ErrNotLoaded = errors.New("vaultstore: index not loaded")

// KeyProvider hands out snapshots of the active master key. Implemented by
// the key manager; returns an error while the vault is locked.
type KeyProvider interface {
	Key() ([]byte, error)
}

// Store owns the index and all encrypted blobs of one vault.
//
// Index mutations serialize behind mu's write lock; reads proceed
// concurrently. Blob writes for distinct items run in parallel outside the
// lock, and only the index commit is the serialized atomic point.
type Store struct {
	dir   string
	keys  KeyProvider
	blobs *BlobStore
	log   *zap.Logger

	mu     sync.RWMutex
	ix     *index
	staged *index
}

// New opens a store rooted at the vault directory. Load must be called after
// the vault is unlocked before any item operation.
func New(dir string, keys KeyProvider, log *zap.Logger) (*Store, error) {
	blobs, err := NewBlobStore(filepath.Join(dir, BlobDirName))
	if err != nil {
		return nil, err
	}
	return &Store{dir: dir, keys: keys, blobs: blobs, log: log}, nil
}

func (s *Store) indexPath() string  { return filepath.Join(s.dir, IndexFile) }
func (s *Store) shadowPath() string { return filepath.Join(s.dir, ShadowIndexFile) }

func sealIndex(key []byte, ix *index) ([]byte, error) {
	b, err := json.Marshal(ix)
	if err != nil {
		return nil, err
	}
	return crypto.SealX(key, b, indexAAD)
}

func openIndex(key, sealed []byte) (*index, error) {
	b, err := crypto.OpenX(key, sealed, indexAAD)
	if err != nil {
		return nil, err
	}
	ix := newIndex()
	if err := json.Unmarshal(b, ix); err != nil {
		return nil, fmt.Errorf("vaultstore: parse index: %w", err)
	}
	if ix.Items == nil {
		ix.Items = make(map[string]*Item)
	}
	return ix, nil
}

// saveLocked seals and atomically replaces the committed index. Caller holds
// the write lock.
func (s *Store) saveLocked(key []byte) error {
	sealed, err := sealIndex(key, s.ix)
	if err != nil {
		return err
	}
	return fsx.WriteFileSync(s.indexPath(), sealed, 0o600)
}

// Load reads the committed index, runs crash recovery, and collects orphaned
// blobs. Called once per unlock.
//
// Recovery rules: a shadow index that opens under the active master key is a
// password change that committed its config but crashed before promotion, so
// it is promoted now (idempotent resume); one that does not open belongs to a
// change that never committed and is discarded.
func (s *Store) Load(ctx context.Context) error {
	key, err := s.keys.Key()
	if err != nil {
		return err
	}
	defer crypto.Zero(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if sealed, err := os.ReadFile(s.shadowPath()); err == nil {
		if ix, err := openIndex(key, sealed); err == nil {
			if err := os.Rename(s.shadowPath(), s.indexPath()); err != nil {
				return err
			}
			if err := fsx.SyncDir(s.dir); err != nil {
				return err
			}
			s.log.Info("promoted shadow index from interrupted password change")
			s.ix = ix
		} else {
			if err := os.Remove(s.shadowPath()); err != nil {
				return err
			}
			s.log.Info("discarded stale shadow index")
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	if s.ix == nil {
		sealed, err := os.ReadFile(s.indexPath())
		switch {
		case errors.Is(err, os.ErrNotExist):
			s.ix = newIndex()
			if err := s.saveLocked(key); err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			ix, err := openIndex(key, sealed)
			if err != nil {
				return fmt.Errorf("vaultstore: open index: %w", err)
			}
			s.ix = ix
		}
	}

	keep := make(map[string]bool, len(s.ix.Items))
	for _, it := range s.ix.Items {
		keep[it.BlobRef] = true
	}
	removed, err := s.blobs.Sweep(keep)
	if err != nil {
		return err
	}
	if len(removed) > 0 {
		s.log.Info("collected orphaned blobs", zap.Int("count", len(removed)))
	}
	return nil
}

// Unload drops the in-memory index at lock time. Disk state is untouched.
func (s *Store) Unload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ix = nil
	s.staged = nil
}

func blobAAD(itemID string) []byte { return []byte("blob/" + itemID) }

// Add imports plaintext as a new active item: the content hash is computed
// while streaming, the ciphertext becomes a durable content-addressed blob,
// and only then does the index commit reference it.
func (s *Store) Add(ctx context.Context, category Category, name string, r io.Reader) (Meta, error) {
	if !category.Valid() {
		return Meta{}, ErrBadCategory
	}
	key, err := s.keys.Key()
	if err != nil {
		return Meta{}, err
	}
	defer crypto.Zero(key)
	if err := ctx.Err(); err != nil {
		return Meta{}, err
	}

	id := uuid.NewString()
	dek := crypto.NewDEK()
	defer crypto.Zero(dek)

	bw, err := s.blobs.Create()
	if err != nil {
		return Meta{}, err
	}
	ptHash := sha256.New()
	size, err := crypto.SealStream(bw, io.TeeReader(r, ptHash), dek, blobAAD(id))
	if err != nil {
		bw.Abort()
		return Meta{}, fmt.Errorf("vaultstore: encrypt item: %w", err)
	}
	ref, err := bw.Commit()
	if err != nil {
		return Meta{}, err
	}

	wrapped, err := crypto.WrapDEK(key, dek, id)
	if err != nil {
		return Meta{}, err
	}

	now := time.Now().UnixNano()
	item := &Item{
		ID:          id,
		Category:    category,
		Name:        name,
		Size:        size,
		CreatedAt:   now,
		ModifiedAt:  now,
		ContentHash: hex.EncodeToString(ptHash.Sum(nil)),
		BlobRef:     ref,
		WrappedDEK:  wrapped,
		State:       StateActive,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ix == nil {
		return Meta{}, ErrNotLoaded
	}
	s.ix.Items[id] = item
	if err := s.saveLocked(key); err != nil {
		// The blob stays behind as collectible garbage; the entry was never
		// committed.
		delete(s.ix.Items, id)
		return Meta{}, err
	}
	return item.meta(), nil
}

// Get streams the decrypted content of an active item. Every chunk is
// authenticated before any of its bytes are handed to the reader.
func (s *Store) Get(ctx context.Context, id string) (io.ReadCloser, error) {
	s.mu.RLock()
	if s.ix == nil {
		s.mu.RUnlock()
		return nil, ErrNotLoaded
	}
	it, ok := s.ix.Items[id]
	if !ok || it.State != StateActive {
		s.mu.RUnlock()
		return nil, ErrNotFound
	}
	item := it.clone()
	s.mu.RUnlock()

	key, err := s.keys.Key()
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(key)
	dek, err := crypto.UnwrapDEK(key, item.WrappedDEK, item.ID)
	if err != nil {
		return nil, err
	}

	blob, err := s.blobs.Open(item.BlobRef)
	if err != nil {
		crypto.Zero(dek)
		if errors.Is(err, ErrBlobMissing) {
			return nil, fmt.Errorf("%w: %s", ErrBlobMissing, id)
		}
		return nil, err
	}

	pr, pw := io.Pipe()
	go func() {
		defer blob.Close()
		defer crypto.Zero(dek)
		_, err := crypto.OpenStream(pw, blob, dek, blobAAD(item.ID))
		pw.CloseWithError(err)
	}()
	return pr, nil
}

// GetMeta returns the metadata of any known item, active or recycled.
func (s *Store) GetMeta(id string) (Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ix == nil {
		return Meta{}, ErrNotLoaded
	}
	it, ok := s.ix.Items[id]
	if !ok {
		return Meta{}, ErrNotFound
	}
	return it.meta(), nil
}

// List returns active items of a category (all categories when empty),
// ordered by creation time.
func (s *Store) List(category Category) ([]Meta, error) {
	return s.list(func(it *Item) bool {
		return it.State == StateActive && (category == "" || it.Category == category)
	})
}

// ListRecycled returns every recycled item, ordered by creation time.
func (s *Store) ListRecycled() ([]Meta, error) {
	return s.list(func(it *Item) bool { return it.State == StateRecycled })
}

func (s *Store) list(match func(*Item) bool) ([]Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ix == nil {
		return nil, ErrNotLoaded
	}
	out := make([]Meta, 0, len(s.ix.Items))
	for _, it := range s.ix.Items {
		if match(it) {
			out = append(out, it.meta())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Rename updates an active item's display name.
func (s *Store) Rename(id, newName string) error {
	return s.mutate(func(key []byte) error {
		it, ok := s.ix.Items[id]
		if !ok || it.State != StateActive {
			return ErrNotFound
		}
		it.Name = newName
		it.ModifiedAt = time.Now().UnixNano()
		return nil
	})
}

// Recycle soft-deletes an active item, stamping deletion and expiry times.
// The blob is untouched.
func (s *Store) Recycle(id string, retention time.Duration) error {
	return s.mutate(func(key []byte) error {
		it, ok := s.ix.Items[id]
		if !ok {
			return ErrNotFound
		}
		if it.State == StateRecycled {
			return ErrAlreadyRecycled
		}
		now := time.Now()
		it.State = StateRecycled
		it.RecycledAt = now.UnixNano()
		it.ExpiresAt = now.Add(retention).UnixNano()
		return nil
	})
}

// Restore returns a recycled item to active, round-tripping all metadata.
func (s *Store) Restore(id string) error {
	return s.mutate(func(key []byte) error {
		it, ok := s.ix.Items[id]
		if !ok {
			return ErrNotFound
		}
		if it.State != StateRecycled {
			return ErrNotRecycled
		}
		it.State = StateActive
		it.RecycledAt = 0
		it.ExpiresAt = 0
		return nil
	})
}

// Purge hard-deletes a recycled item: the index entry is committed away
// first, then the blob is unlinked, so a crash in between leaves only
// collectible garbage, never a dangling reference.
func (s *Store) Purge(id string) error {
	var ref string
	err := s.mutate(func(key []byte) error {
		it, ok := s.ix.Items[id]
		if !ok {
			return ErrNotFound
		}
		if it.State == StateActive {
			return ErrActivePurge
		}
		ref = it.BlobRef
		delete(s.ix.Items, id)
		return nil
	})
	if err != nil {
		return err
	}
	if err := s.blobs.Remove(ref); err != nil {
		s.log.Warn("blob removal deferred to orphan sweep", zap.String("item", id), zap.Error(err))
	}
	return nil
}

// PurgeExpired purges every recycled item whose retention has elapsed. Each
// purge is independently atomic, so interrupting the sweep is safe.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) ([]string, error) {
	s.mu.RLock()
	if s.ix == nil {
		s.mu.RUnlock()
		return nil, ErrNotLoaded
	}
	var expired []string
	for id, it := range s.ix.Items {
		if it.State == StateRecycled && now.UnixNano() >= it.ExpiresAt {
			expired = append(expired, id)
		}
	}
	s.mu.RUnlock()

	sort.Strings(expired)
	purged := make([]string, 0, len(expired))
	for _, id := range expired {
		if err := ctx.Err(); err != nil {
			return purged, err
		}
		switch err := s.Purge(id); {
		case err == nil:
			purged = append(purged, id)
		case errors.Is(err, ErrNotFound):
			// restored or purged concurrently
		default:
			return purged, err
		}
	}
	return purged, nil
}

// mutate runs fn under the write lock and commits the index if it succeeds.
func (s *Store) mutate(fn func(key []byte) error) error {
	key, err := s.keys.Key()
	if err != nil {
		return err
	}
	defer crypto.Zero(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ix == nil {
		return ErrNotLoaded
	}
	before := s.ix.clone()
	if err := fn(key); err != nil {
		return err
	}
	if err := s.saveLocked(key); err != nil {
		s.ix = before
		return err
	}
	return nil
}

// Stats aggregates active item counts and sizes per category.
func (s *Store) Stats() (map[Category]CategoryStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ix == nil {
		return nil, ErrNotLoaded
	}
	out := make(map[Category]CategoryStats)
	for _, it := range s.ix.Items {
		if it.State != StateActive {
			continue
		}
		cs := out[it.Category]
		cs.Count++
		cs.TotalSize += it.Size
		out[it.Category] = cs
	}
	return out, nil
}

// CheckReport lists index entries whose blobs are missing or whose ciphertext
// no longer matches its content address. Nothing is deleted; corrupt items
// are preserved for manual recovery.
type CheckReport struct {
	Missing []string `json:"missing"`
	Corrupt []string `json:"corrupt"`
}

// Check verifies that every index entry resolves to a present blob, and, when
// deep is true, that each blob's bytes still hash to its content address.
func (s *Store) Check(ctx context.Context, deep bool) (CheckReport, error) {
	s.mu.RLock()
	if s.ix == nil {
		s.mu.RUnlock()
		return CheckReport{}, ErrNotLoaded
	}
	type pair struct{ id, ref string }
	pairs := make([]pair, 0, len(s.ix.Items))
	for id, it := range s.ix.Items {
		pairs = append(pairs, pair{id, it.BlobRef})
	}
	s.mu.RUnlock()

	var report CheckReport
	for _, p := range pairs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !s.blobs.Exists(p.ref) {
			report.Missing = append(report.Missing, p.id)
			continue
		}
		if !deep {
			continue
		}
		f, err := s.blobs.Open(p.ref)
		if err != nil {
			report.Missing = append(report.Missing, p.id)
			continue
		}
		h := sha256.New()
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil || hex.EncodeToString(h.Sum(nil)) != p.ref {
			report.Corrupt = append(report.Corrupt, p.id)
		}
	}
	sort.Strings(report.Missing)
	sort.Strings(report.Corrupt)
	return report, nil
}
