package vaultstore

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash"
	"os"
	"path/filepath"

	"github.com/akhilkashyap777/Ace-in-the-Hole/internal/fsx"
)

// ErrBlobMissing means an index entry's ciphertext file is absent on disk.
var ErrBlobMissing = errors.New("vaultstore: blob missing")

// BlobStore is a content-addressed store of encrypted blobs. Each file is
// named by the hex SHA-256 of its own bytes, so a blob is durable and
// self-verifying before the index ever references it.
type BlobStore struct {
	dir string
}

// NewBlobStore opens (creating if needed) the blob directory.
func NewBlobStore(dir string) (*BlobStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &BlobStore{dir: dir}, nil
}

func (b *BlobStore) path(ref string) string { return filepath.Join(b.dir, ref) }

// BlobWriter accumulates ciphertext into a temporary file while hashing it.
// Commit makes the blob durable under its content address; nothing becomes
// visible until then.
type BlobWriter struct {
	store *BlobStore
	f     *os.File
	h     hash.Hash
	done  bool
}

// Create starts a new blob write.
func (b *BlobStore) Create() (*BlobWriter, error) {
	f, err := os.CreateTemp(b.dir, ".blob-*")
	if err != nil {
		return nil, err
	}
	return &BlobWriter{store: b, f: f, h: sha256.New()}, nil
}

func (w *BlobWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	w.h.Write(p[:n])
	return n, err
}

// Commit fsyncs the blob and renames it to its content address, returning the
// ref. Committing a blob that already exists is a no-op reuse of the existing
// file (same bytes, same name).
func (w *BlobWriter) Commit() (string, error) {
	w.done = true
	if err := w.f.Sync(); err != nil {
		w.abortFile()
		return "", err
	}
	tmp := w.f.Name()
	if err := w.f.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	ref := hex.EncodeToString(w.h.Sum(nil))
	dst := w.store.path(ref)
	if _, err := os.Stat(dst); err == nil {
		os.Remove(tmp)
		return ref, nil
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := fsx.SyncDir(w.store.dir); err != nil {
		return "", err
	}
	return ref, nil
}

// Abort discards the temporary file. Safe after Commit.
func (w *BlobWriter) Abort() {
	if w.done {
		return
	}
	w.done = true
	w.abortFile()
}

func (w *BlobWriter) abortFile() {
	name := w.f.Name()
	w.f.Close()
	os.Remove(name)
}

// Open returns a reader over a committed blob's ciphertext.
func (b *BlobStore) Open(ref string) (*os.File, error) {
	f, err := os.Open(b.path(ref))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrBlobMissing
	}
	return f, err
}

// Exists reports whether a blob is present.
func (b *BlobStore) Exists(ref string) bool {
	_, err := os.Stat(b.path(ref))
	return err == nil
}

// Remove deletes a blob after a best-effort secure overwrite. Overwrite
// failures do not block the unlink; they only weaken forensic erasure on
// filesystems that would have honored it anyway.
func (b *BlobStore) Remove(ref string) error {
	path := b.path(ref)
	if err := shred(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		// fall through to unlink regardless
		_ = err
	}
	err := os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return fsx.SyncDir(b.dir)
}

// Refs lists every committed blob ref on disk. Temporary files from
// interrupted writes are skipped (and reaped by Sweep).
func (b *BlobStore) Refs() ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, err
	}
	refs := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || len(name) != sha256.Size*2 {
			continue
		}
		refs = append(refs, name)
	}
	return refs, nil
}

// Sweep removes leftover temporary files and any blob not referenced by keep.
// Called at unlock time; a blob written but never indexed is orphaned garbage.
func (b *BlobStore) Sweep(keep map[string]bool) (removed []string, err error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			continue
		}
		if len(name) != sha256.Size*2 || !keep[name] {
			if rmErr := os.Remove(filepath.Join(b.dir, name)); rmErr == nil {
				removed = append(removed, name)
			}
		}
	}
	return removed, nil
}

// shred overwrites a file once with random bytes and syncs it.
func shred(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	buf := make([]byte, 64*1024)
	remaining := info.Size()
	for remaining > 0 {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		if _, err := rand.Read(buf[:n]); err != nil {
			return err
		}
		if _, err := f.Write(buf[:n]); err != nil {
			return err
		}
		remaining -= n
	}
	return f.Sync()
}
