package transfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/akhilkashyap777/Ace-in-the-Hole/internal/vaultstore"
)

type fixedKeys struct{ key []byte }

func (k fixedKeys) Key() ([]byte, error) { return append([]byte(nil), k.key...), nil }

func newTestStore(t *testing.T) *vaultstore.Store {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	store, err := vaultstore.New(t.TempDir(), fixedKeys{key: key}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, store.Load(context.Background()))
	return store
}

// testPair wires a receiver behind an httptest server and a sender over a
// second independent store.
func testPair(t *testing.T) (*Receiver, *Sender, *vaultstore.Store, *vaultstore.Store) {
	t.Helper()
	src := newTestStore(t)
	dst := newTestStore(t)

	rcv := NewReceiver(dst, ReceiverConfig{HandshakeRate: 1000}, zap.NewNop())
	srv := httptest.NewServer(rcv.Router())
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	rcv.SetAdvertiseAddr(u.Host)

	return rcv, NewSender(src, zap.NewNop()), src, dst
}

func addItem(t *testing.T, store *vaultstore.Store, c vaultstore.Category, name string, size int) vaultstore.Meta {
	t.Helper()
	content := make([]byte, size)
	_, err := rand.Read(content)
	require.NoError(t, err)
	meta, err := store.Add(context.Background(), c, name, bytes.NewReader(content))
	require.NoError(t, err)
	return meta
}

func readItem(t *testing.T, store *vaultstore.Store, id string) []byte {
	t.Helper()
	rc, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return b
}

func TestPairingPayloadRoundTrip(t *testing.T) {
	rcv, _, _, _ := testPair(t)
	p, err := rcv.CreatePairing()
	require.NoError(t, err)

	got, err := DecodePairingPayload(p.Encode())
	require.NoError(t, err)
	assert.Equal(t, p.SessionID, got.SessionID)
	assert.Equal(t, p.Code, got.Code)
	assert.Equal(t, p.Salt, got.Salt)
	assert.Len(t, p.Code, codeLen)
}

func TestTransferEndToEnd(t *testing.T) {
	rcv, snd, src, dst := testPair(t)

	// spans multiple chunks to exercise the stream framing
	big := addItem(t, src, vaultstore.CategoryVideo, "clip.mp4", 3<<20+17)
	small := addItem(t, src, vaultstore.CategoryDocument, "notes.txt", 240)

	p, err := rcv.CreatePairing()
	require.NoError(t, err)
	sess, err := snd.JoinPairing(context.Background(), p)
	require.NoError(t, err)
	defer sess.Close()

	require.NoError(t, snd.Send(context.Background(), sess, []string{big.ID, small.ID}))
	assert.Equal(t, StateAcked, sess.State(big.ID))
	assert.Equal(t, StateAcked, sess.State(small.ID))

	videos, err := dst.List(vaultstore.CategoryVideo)
	require.NoError(t, err)
	require.Len(t, videos, 1)
	assert.Equal(t, "clip.mp4", videos[0].Name)
	assert.Equal(t, big.ContentHash, videos[0].ContentHash)

	// contents match byte for byte after transport and at-rest re-encryption
	got := readItem(t, dst, videos[0].ID)
	sum := sha256.Sum256(got)
	assert.Equal(t, big.ContentHash, hex.EncodeToString(sum[:]))
}

func TestWrongCodeRejected(t *testing.T) {
	rcv, snd, _, _ := testPair(t)

	p, err := rcv.CreatePairing()
	require.NoError(t, err)
	realCode := p.Code
	p.Code = "WRONGCOD"

	_, err = snd.JoinPairing(context.Background(), p)
	require.ErrorIs(t, err, ErrPairing)

	// the failed attempt burns the session; the real code no longer works
	p.Code = realCode
	_, err = snd.JoinPairing(context.Background(), p)
	require.ErrorIs(t, err, ErrPairing)
}

func TestUnknownSessionRejected(t *testing.T) {
	rcv, snd, _, _ := testPair(t)
	p, err := rcv.CreatePairing()
	require.NoError(t, err)
	p.SessionID = "00000000-0000-0000-0000-000000000000"

	_, err = snd.JoinPairing(context.Background(), p)
	require.ErrorIs(t, err, ErrPairing)
}

func TestUploadWithoutTokenRejected(t *testing.T) {
	rcv, snd, src, _ := testPair(t)
	item := addItem(t, src, vaultstore.CategoryPhoto, "a.jpg", 64)

	p, err := rcv.CreatePairing()
	require.NoError(t, err)
	sess, err := snd.JoinPairing(context.Background(), p)
	require.NoError(t, err)
	defer sess.Close()

	req, err := http.NewRequest(http.MethodPost,
		sess.base+"/transfer/"+sess.id+"/items/"+item.ID, bytes.NewReader(nil))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestResumeSkipsAckedItems(t *testing.T) {
	rcv, snd, src, dst := testPair(t)

	ids := make([]string, 3)
	for i, name := range []string{"one", "two", "three"} {
		ids[i] = addItem(t, src, vaultstore.CategoryDocument, name, 512).ID
	}

	p, err := rcv.CreatePairing()
	require.NoError(t, err)
	sess, err := snd.JoinPairing(context.Background(), p)
	require.NoError(t, err)
	defer sess.Close()

	// first run is interrupted after two items
	require.NoError(t, snd.Send(context.Background(), sess, ids[:2]))
	assert.Equal(t, StateAcked, sess.State(ids[0]))
	assert.Equal(t, StateAcked, sess.State(ids[1]))
	assert.Equal(t, StatePending, sess.State(ids[2]))

	// resume with the full list: exactly one more item crosses
	require.NoError(t, snd.Send(context.Background(), sess, ids))
	assert.Equal(t, StateAcked, sess.State(ids[2]))

	docs, err := dst.List(vaultstore.CategoryDocument)
	require.NoError(t, err)
	assert.Len(t, docs, 3)
}

func TestReceiverDedupAcrossSenderRetry(t *testing.T) {
	rcv, snd, src, dst := testPair(t)
	item := addItem(t, src, vaultstore.CategoryAudio, "song.ogg", 1024)

	p, err := rcv.CreatePairing()
	require.NoError(t, err)
	sess, err := snd.JoinPairing(context.Background(), p)
	require.NoError(t, err)
	defer sess.Close()

	require.NoError(t, snd.Send(context.Background(), sess, []string{item.ID}))

	// simulate a lost ack: the sender retries an item the receiver committed
	sess.setState(item.ID, StateFailed)
	require.NoError(t, snd.Send(context.Background(), sess, []string{item.ID}))
	assert.Equal(t, StateAcked, sess.State(item.ID))

	audio, err := dst.List(vaultstore.CategoryAudio)
	require.NoError(t, err)
	assert.Len(t, audio, 1, "retry after lost ack must not duplicate the item")
}

func TestClosedSessionRefusesUploads(t *testing.T) {
	rcv, snd, src, _ := testPair(t)
	item := addItem(t, src, vaultstore.CategoryPhoto, "b.jpg", 64)

	p, err := rcv.CreatePairing()
	require.NoError(t, err)
	sess, err := snd.JoinPairing(context.Background(), p)
	require.NoError(t, err)
	defer sess.Close()

	rcv.CloseSession(sess.ID())
	err = snd.Send(context.Background(), sess, []string{item.ID})
	require.ErrorIs(t, err, ErrSessionClosed)
	assert.Equal(t, StateFailed, sess.State(item.ID))
}

func TestTamperedStreamNotCommitted(t *testing.T) {
	rcv, snd, src, dst := testPair(t)
	item := addItem(t, src, vaultstore.CategoryDocument, "c.txt", 2048)

	p, err := rcv.CreatePairing()
	require.NoError(t, err)
	sess, err := snd.JoinPairing(context.Background(), p)
	require.NoError(t, err)
	defer sess.Close()

	// hand-roll the upload with garbage in place of the sealed stream
	body := make([]byte, 4096)
	_, err = rand.Read(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost,
		sess.base+"/transfer/"+sess.id+"/items/"+item.ID, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+sess.token)
	req.Header.Set(headerCategory, string(item.Category))
	req.Header.Set(headerName, item.Name)
	req.Header.Set(headerSize, "2048")
	req.Header.Set(headerHash, item.ContentHash)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	docs, err := dst.List(vaultstore.CategoryDocument)
	require.NoError(t, err)
	assert.Empty(t, docs, "tampered stream must not be committed")
}

func TestIdleSessionExpires(t *testing.T) {
	src := newTestStore(t)
	dst := newTestStore(t)
	rcv := NewReceiver(dst, ReceiverConfig{IdleTimeout: 50 * time.Millisecond, HandshakeRate: 1000}, zap.NewNop())
	srv := httptest.NewServer(rcv.Router())
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	rcv.SetAdvertiseAddr(u.Host)
	snd := NewSender(src, zap.NewNop())

	p, err := rcv.CreatePairing()
	require.NoError(t, err)
	time.Sleep(120 * time.Millisecond)

	_, err = snd.JoinPairing(context.Background(), p)
	require.ErrorIs(t, err, ErrPairing)
}

func TestSendCancelledContext(t *testing.T) {
	rcv, snd, src, _ := testPair(t)
	item := addItem(t, src, vaultstore.CategoryPhoto, "d.jpg", 64)

	p, err := rcv.CreatePairing()
	require.NoError(t, err)
	sess, err := snd.JoinPairing(context.Background(), p)
	require.NoError(t, err)
	defer sess.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = snd.Send(ctx, sess, []string{item.ID})
	require.True(t, errors.Is(err, context.Canceled))
	assert.NotEqual(t, StateAcked, sess.State(item.ID))
}
