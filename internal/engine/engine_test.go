package engine

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/akhilkashyap777/Ace-in-the-Hole/internal/audit"
	"github.com/akhilkashyap777/Ace-in-the-Hole/internal/config"
	"github.com/akhilkashyap777/Ace-in-the-Hole/internal/crypto"
	"github.com/akhilkashyap777/Ace-in-the-Hole/internal/keymanager"
	"github.com/akhilkashyap777/Ace-in-the-Hole/internal/vaultstore"
)

func fastKDF() crypto.KDFParams {
	p := crypto.KDFParams{Memory: 64, Time: 1, Parallelism: 1}
	return p.WithFreshSalt()
}

func testOptions(t *testing.T) *config.Options {
	t.Helper()
	o := config.Default()
	o.VaultDir = t.TempDir()
	o.SweepIntervalSeconds = 0 // tests drive sweeping explicitly
	return o
}

func newTestEngine(t *testing.T, o *config.Options) *Engine {
	t.Helper()
	e, err := New(o, zap.NewNop())
	require.NoError(t, err)
	e.keys.SetKDF(fastKDF)
	t.Cleanup(func() { e.Close() })
	return e
}

func newUnlockedEngine(t *testing.T) *Engine {
	t.Helper()
	e := newTestEngine(t, testOptions(t))
	require.NoError(t, e.Initialize(context.Background(), []byte("correct horse")))
	return e
}

func TestVideoRoundTrip(t *testing.T) {
	e := newUnlockedEngine(t)

	content := make([]byte, 10<<20)
	_, err := rand.Read(content)
	require.NoError(t, err)

	meta, err := e.Add(context.Background(), vaultstore.CategoryVideo, "holiday.mp4", bytes.NewReader(content))
	require.NoError(t, err)
	sum := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(sum[:]), meta.ContentHash)
	assert.Equal(t, int64(len(content)), meta.Size)

	rc, err := e.Get(context.Background(), meta.ID)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	assert.True(t, bytes.Equal(content, got))
}

func TestLockedEngineRefusesEverything(t *testing.T) {
	e := newUnlockedEngine(t)
	meta, err := e.Add(context.Background(), vaultstore.CategoryDocument, "a.txt", bytes.NewReader([]byte("x")))
	require.NoError(t, err)

	e.Lock()
	require.False(t, e.Unlocked())

	_, err = e.Add(context.Background(), vaultstore.CategoryDocument, "b.txt", bytes.NewReader([]byte("y")))
	require.Error(t, err)
	_, err = e.Get(context.Background(), meta.ID)
	require.Error(t, err)
	_, err = e.List("")
	require.Error(t, err)
	_, err = e.CreatePairing()
	require.ErrorIs(t, err, keymanager.ErrLocked)
}

func TestWrongPasswordAndRelock(t *testing.T) {
	e := newUnlockedEngine(t)
	meta, err := e.Add(context.Background(), vaultstore.CategoryPhoto, "p.jpg", bytes.NewReader([]byte("pix")))
	require.NoError(t, err)
	e.Lock()

	require.ErrorIs(t, e.Unlock(context.Background(), []byte("wrong")), keymanager.ErrWrongPassword)
	assert.Equal(t, 1, e.Attempts())

	require.NoError(t, e.Unlock(context.Background(), []byte("correct horse")))
	rc, err := e.Get(context.Background(), meta.ID)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, []byte("pix"), got)
}

func TestLockout(t *testing.T) {
	o := testOptions(t)
	o.LockoutMaxAttempts = 2
	o.LockoutSeconds = 3600
	e := newTestEngine(t, o)
	require.NoError(t, e.Initialize(context.Background(), []byte("pw")))
	e.Lock()

	for i := 0; i < 2; i++ {
		require.ErrorIs(t, e.Unlock(context.Background(), []byte("bad")), keymanager.ErrWrongPassword)
	}
	assert.False(t, e.LockedOutUntil().IsZero())

	// even the right password is refused during the lockout window
	require.ErrorIs(t, e.Unlock(context.Background(), []byte("pw")), keymanager.ErrLockedOut)
}

func TestChangePasswordRekeysItems(t *testing.T) {
	e := newUnlockedEngine(t)
	meta, err := e.Add(context.Background(), vaultstore.CategoryDocument, "will.pdf", bytes.NewReader([]byte("estate")))
	require.NoError(t, err)

	require.NoError(t, e.ChangePassword([]byte("correct horse"), []byte("battery staple")))
	require.True(t, e.Unlocked(), "vault stays unlocked across a clean rekey")

	// content remains readable without re-adding
	rc, err := e.Get(context.Background(), meta.ID)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, []byte("estate"), got)

	// old password no longer opens the vault, new one does
	e.Lock()
	require.ErrorIs(t, e.Unlock(context.Background(), []byte("correct horse")), keymanager.ErrWrongPassword)
	require.NoError(t, e.Unlock(context.Background(), []byte("battery staple")))
	rc, err = e.Get(context.Background(), meta.ID)
	require.NoError(t, err)
	rc.Close()
}

func TestRecycleLifecycle(t *testing.T) {
	e := newUnlockedEngine(t)
	meta, err := e.Add(context.Background(), vaultstore.CategoryAudio, "voicemail.ogg", bytes.NewReader([]byte("audio")))
	require.NoError(t, err)

	require.NoError(t, e.Recycle(meta.ID))
	_, err = e.Get(context.Background(), meta.ID)
	require.ErrorIs(t, err, vaultstore.ErrNotFound)

	entries, err := e.ListRecycled()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, meta.ID, entries[0].ID)
	assert.Greater(t, entries[0].TimeToExpiry, time.Duration(0))

	require.NoError(t, e.Restore(meta.ID))
	rc, err := e.Get(context.Background(), meta.ID)
	require.NoError(t, err)
	rc.Close()

	require.NoError(t, e.Recycle(meta.ID))
	require.NoError(t, e.Purge(meta.ID))
	_, err = e.GetMeta(meta.ID)
	require.ErrorIs(t, err, vaultstore.ErrNotFound)
}

func TestPurgeExpiredSweep(t *testing.T) {
	o := testOptions(t)
	o.DefaultRetentionDays = 1
	o.RetentionDays = map[string]int{}
	e := newTestEngine(t, o)
	require.NoError(t, e.Initialize(context.Background(), []byte("pw")))

	meta, err := e.Add(context.Background(), vaultstore.CategoryContact, "mom.vcf", bytes.NewReader([]byte("vcard")))
	require.NoError(t, err)
	require.NoError(t, e.Recycle(meta.ID))

	// nothing has expired yet
	purged, err := e.PurgeExpired(context.Background())
	require.NoError(t, err)
	assert.Empty(t, purged)
}

func TestTransferBetweenEngines(t *testing.T) {
	src := newUnlockedEngine(t)
	dst := newUnlockedEngine(t)

	srv := httptest.NewServer(dst.TransferHandler())
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	dst.receiver.SetAdvertiseAddr(u.Host)

	meta, err := src.Add(context.Background(), vaultstore.CategoryPhoto, "cat.jpg", bytes.NewReader([]byte("meow")))
	require.NoError(t, err)

	p, err := dst.CreatePairing()
	require.NoError(t, err)
	sess, err := src.JoinPairing(context.Background(), p)
	require.NoError(t, err)
	defer sess.Close()

	require.NoError(t, src.Send(context.Background(), sess, []string{meta.ID}))

	photos, err := dst.List(vaultstore.CategoryPhoto)
	require.NoError(t, err)
	require.Len(t, photos, 1)
	assert.Equal(t, meta.ContentHash, photos[0].ContentHash)
}

func TestStatsAndCheck(t *testing.T) {
	e := newUnlockedEngine(t)
	for _, name := range []string{"a.jpg", "b.jpg"} {
		_, err := e.Add(context.Background(), vaultstore.CategoryPhoto, name, bytes.NewReader([]byte(name)))
		require.NoError(t, err)
	}

	stats, err := e.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats[vaultstore.CategoryPhoto].Count)

	report, err := e.Check(context.Background(), true)
	require.NoError(t, err)
	assert.Empty(t, report.Missing)
	assert.Empty(t, report.Corrupt)
}

func TestAuditTrailRecordsOperations(t *testing.T) {
	e := newUnlockedEngine(t)
	meta, err := e.Add(context.Background(), vaultstore.CategoryDocument, "d.txt", bytes.NewReader([]byte("x")))
	require.NoError(t, err)
	require.NoError(t, e.Recycle(meta.ID))
	e.Lock()

	entries, err := e.AuditEntries()
	require.NoError(t, err)

	events := make([]string, 0, len(entries))
	for _, en := range entries {
		events = append(events, en.Event)
	}
	assert.Contains(t, events, audit.EventUnlock)
	assert.Contains(t, events, audit.EventAdd)
	assert.Contains(t, events, audit.EventRecycle)
	assert.Contains(t, events, audit.EventLock)
}
