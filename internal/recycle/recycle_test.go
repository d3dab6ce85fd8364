package recycle

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/akhilkashyap777/Ace-in-the-Hole/internal/vaultstore"
)

type fixedKeys struct{ key []byte }

func (k fixedKeys) Key() ([]byte, error) { return append([]byte(nil), k.key...), nil }

func newTestBin(t *testing.T, policy Policy) (*Bin, *vaultstore.Store) {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand: %v", err)
	}
	store, err := vaultstore.New(t.TempDir(), fixedKeys{key: key}, zap.NewNop())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := store.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	return New(store, policy, zap.NewNop()), store
}

func add(t *testing.T, store *vaultstore.Store, c vaultstore.Category, name string) vaultstore.Meta {
	t.Helper()
	meta, err := store.Add(context.Background(), c, name, bytes.NewReader([]byte(name)))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	return meta
}

func TestPolicyRetention(t *testing.T) {
	p := DefaultPolicy()
	if p.Retention(vaultstore.CategoryVideo) >= p.Retention(vaultstore.CategoryDocument) {
		t.Fatal("videos should expire before documents")
	}
	if p.Retention(vaultstore.Category("unknown")) != p.Default {
		t.Fatal("unknown category should use the default window")
	}
}

func TestRecycleUsesCategoryWindow(t *testing.T) {
	bin, store := newTestBin(t, Policy{
		Default: time.Hour,
		PerCategory: map[vaultstore.Category]time.Duration{
			vaultstore.CategoryVideo: time.Minute,
		},
	})
	vid := add(t, store, vaultstore.CategoryVideo, "v.mp4")
	doc := add(t, store, vaultstore.CategoryDocument, "d.pdf")
	if err := bin.Recycle(vid.ID); err != nil {
		t.Fatalf("recycle video: %v", err)
	}
	if err := bin.Recycle(doc.ID); err != nil {
		t.Fatalf("recycle doc: %v", err)
	}

	entries, err := bin.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d", len(entries))
	}
	byID := map[string]Entry{}
	for _, e := range entries {
		byID[e.ID] = e
	}
	if byID[vid.ID].TimeToExpiry > time.Minute {
		t.Fatalf("video TTE = %v", byID[vid.ID].TimeToExpiry)
	}
	if byID[doc.ID].TimeToExpiry <= time.Minute {
		t.Fatalf("doc TTE = %v", byID[doc.ID].TimeToExpiry)
	}
}

func TestRestoreAndPurge(t *testing.T) {
	bin, store := newTestBin(t, DefaultPolicy())
	meta := add(t, store, vaultstore.CategoryPhoto, "p.jpg")

	if err := bin.Restore(meta.ID); !errors.Is(err, vaultstore.ErrNotRecycled) {
		t.Fatalf("restore active: %v", err)
	}
	if err := bin.Recycle(meta.ID); err != nil {
		t.Fatalf("recycle: %v", err)
	}
	if err := bin.Restore(meta.ID); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if err := bin.Recycle(meta.ID); err != nil {
		t.Fatalf("recycle again: %v", err)
	}
	if err := bin.Purge(meta.ID); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if _, err := store.GetMeta(meta.ID); !errors.Is(err, vaultstore.ErrNotFound) {
		t.Fatalf("purged item still known: %v", err)
	}
}

func TestPurgeExpiredOneSecondRetention(t *testing.T) {
	bin, store := newTestBin(t, Policy{Default: time.Second})
	meta := add(t, store, vaultstore.CategoryPhoto, "x.jpg")
	if err := bin.Recycle(meta.ID); err != nil {
		t.Fatalf("recycle: %v", err)
	}
	time.Sleep(2 * time.Second)
	purged, err := bin.PurgeExpired(context.Background())
	if err != nil {
		t.Fatalf("purge expired: %v", err)
	}
	if len(purged) != 1 || purged[0] != meta.ID {
		t.Fatalf("purged = %v", purged)
	}
	entries, _ := bin.List()
	if len(entries) != 0 {
		t.Fatalf("bin not empty: %+v", entries)
	}
	if list, _ := store.List(""); len(list) != 0 {
		t.Fatalf("store not empty: %+v", list)
	}
}

func TestSweeperPurgesInBackground(t *testing.T) {
	bin, store := newTestBin(t, Policy{Default: 50 * time.Millisecond})
	meta := add(t, store, vaultstore.CategoryPhoto, "x.jpg")
	if err := bin.Recycle(meta.ID); err != nil {
		t.Fatalf("recycle: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bin.StartSweeper(ctx, 20*time.Millisecond)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if entries, _ := bin.List(); len(entries) == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("sweeper never purged the expired item")
}
