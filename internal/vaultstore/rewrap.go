package vaultstore

import (
	"errors"
	"fmt"
	"os"

	"github.com/akhilkashyap777/Ace-in-the-Hole/internal/crypto"
	"github.com/akhilkashyap777/Ace-in-the-Hole/internal/fsx"
)

// RewrapJob re-wraps every item's data encryption key for a password change.
// It is the one operation allowed to take the exclusive full-store lock:
// Stage acquires it and Commit or Abort releases it, so no other index
// mutation can interleave with the staged state.
//
// Stage writes the complete re-keyed index to the shadow file and fsyncs it
// without touching the live index. The caller's config swap is the commit
// point; Commit then promotes the shadow. If the process dies in between,
// Load's recovery promotes or discards the shadow on next unlock.
type RewrapJob struct {
	s      *Store
	locked bool
	used   bool
}

// ErrRewrapUsed means Stage was called on a job that already ran.
var ErrRewrapUsed = errors.New("vaultstore: rewrap job already used")

// RewrapJob returns a single-use job ready for Stage.
func (s *Store) RewrapJob() *RewrapJob { return &RewrapJob{s: s} }

// Stage builds the shadow index with every DEK unwrapped under oldKey and
// re-wrapped under newKey, sealed under newKey. Blob bytes are not re-written;
// envelope encryption makes key rotation a metadata-only operation.
func (j *RewrapJob) Stage(oldKey, newKey []byte) error {
	if j.used {
		return ErrRewrapUsed
	}
	j.used = true
	j.s.mu.Lock()
	j.locked = true
	if j.s.ix == nil {
		j.unlock()
		return ErrNotLoaded
	}

	staged := newIndex()
	staged.Version = j.s.ix.Version
	for id, it := range j.s.ix.Items {
		dek, err := crypto.UnwrapDEK(oldKey, it.WrappedDEK, id)
		if err != nil {
			j.unlock()
			return fmt.Errorf("vaultstore: unwrap dek for %s: %w", id, err)
		}
		rewrapped, err := crypto.WrapDEK(newKey, dek, id)
		crypto.Zero(dek)
		if err != nil {
			j.unlock()
			return err
		}
		cp := it.clone()
		cp.WrappedDEK = rewrapped
		staged.Items[id] = cp
	}

	sealed, err := sealIndex(newKey, staged)
	if err != nil {
		j.unlock()
		return err
	}
	if err := fsx.WriteFileSync(j.s.shadowPath(), sealed, 0o600); err != nil {
		j.unlock()
		return err
	}
	j.s.staged = staged
	return nil
}

// Commit promotes the shadow index to the live index and swaps the in-memory
// view. Called after the vault config has been atomically replaced.
func (j *RewrapJob) Commit() error {
	defer j.unlock()
	if j.s.staged == nil {
		return nil
	}
	if err := os.Rename(j.s.shadowPath(), j.s.indexPath()); err != nil {
		return err
	}
	if err := fsx.SyncDir(j.s.dir); err != nil {
		return err
	}
	j.s.ix = j.s.staged
	j.s.staged = nil
	return nil
}

// Abort discards the shadow index; the live index stays fully old-keyed.
func (j *RewrapJob) Abort() {
	defer j.unlock()
	j.s.staged = nil
	_ = os.Remove(j.s.shadowPath())
}

func (j *RewrapJob) unlock() {
	if j.locked {
		j.locked = false
		j.s.mu.Unlock()
	}
}
