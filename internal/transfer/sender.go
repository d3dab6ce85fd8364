package transfer

import (
	"bytes"
	"context"
	"crypto/hmac"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/akhilkashyap777/Ace-in-the-Hole/internal/crypto"
	"github.com/akhilkashyap777/Ace-in-the-Hole/internal/vaultstore"
)

// Session is the sender's handle to a paired transfer. It tracks per-item
// state so an interrupted run can resume without re-sending acked items.
type Session struct {
	id    string
	base  string
	token string
	key   []byte

	mu    sync.Mutex
	items map[string]ItemState
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State reports the session's view of one item, StatePending if unknown.
func (s *Session) State(itemID string) ItemState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.items[itemID]; ok {
		return st
	}
	return StatePending
}

func (s *Session) setState(itemID string, st ItemState) {
	s.mu.Lock()
	s.items[itemID] = st
	s.mu.Unlock()
}

// Close wipes the session's transport key. The session is unusable after.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key != nil {
		crypto.Zero(s.key)
		s.key = nil
	}
	s.token = ""
}

func (s *Session) snapshot() (token string, key []byte, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == nil {
		return "", nil, ErrSessionClosed
	}
	return s.token, append([]byte(nil), s.key...), nil
}

// Sender pushes vault items to a paired receiver.
type Sender struct {
	store  *vaultstore.Store
	log    *zap.Logger
	client *http.Client
}

// NewSender returns a sender over the given store.
func NewSender(store *vaultstore.Store, log *zap.Logger) *Sender {
	return &Sender{
		store:  store,
		log:    log,
		client: &http.Client{Timeout: 5 * time.Minute},
	}
}

// JoinPairing runs the joiner half of the handshake against the address in
// the payload. Both directions of the transcript are verified before any key
// is trusted, so a responder that does not know the code is rejected even
// though it answered.
func (s *Sender) JoinPairing(ctx context.Context, p PairingPayload) (*Session, error) {
	dh, err := crypto.NewX25519()
	if err != nil {
		return nil, fmt.Errorf("transfer: keygen: %w", err)
	}
	joinNonce := newNonce()
	joinPub := dh.Pub.Bytes()

	pk := pairingKey(p.Code, p.Salt)
	defer crypto.Zero(pk)

	body, _ := json.Marshal(handshakeRequest{
		PublicKey: joinPub,
		Nonce:     joinNonce,
		Proof:     joinerProof(pk, p.SessionID, joinPub, joinNonce),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"http://"+p.Addr+"/pair/"+p.SessionID, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("transfer: handshake request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transfer: handshake: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, ErrPairing
	}

	var hr handshakeResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&hr); err != nil {
		return nil, ErrPairing
	}
	want := responderProof(pk, p.SessionID, joinPub, joinNonce, hr.PublicKey, hr.Nonce)
	if !hmac.Equal(want, hr.Proof) || hr.Token == "" {
		return nil, ErrPairing
	}
	respPub, err := crypto.ParseX25519Public(hr.PublicKey)
	if err != nil {
		return nil, ErrPairing
	}
	secret, err := crypto.SharedSecret(dh.Priv, respPub)
	if err != nil {
		return nil, ErrPairing
	}
	defer crypto.Zero(secret)

	s.log.Info("joined transfer session", zap.String("session", p.SessionID))
	return &Session{
		id:    p.SessionID,
		base:  "http://" + p.Addr,
		token: hr.Token,
		key:   transportKey(secret, p.SessionID, joinNonce, hr.Nonce),
		items: make(map[string]ItemState),
	}, nil
}

// Send transfers the given items one at a time, marking each acked or failed
// in the session. Items already acked in this session are skipped, so calling
// Send again with the same ids resumes an interrupted transfer. The first
// context cancellation or transport error stops the run; per-item failures
// such as a receiver-side rejection do not.
func (s *Sender) Send(ctx context.Context, sess *Session, ids []string) error {
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if sess.State(id) == StateAcked {
			continue
		}
		if err := s.sendItem(ctx, sess, id); err != nil {
			sess.setState(id, StateFailed)
			if ctx.Err() != nil || isTransport(err) || errors.Is(err, ErrSessionClosed) {
				return err
			}
			s.log.Warn("item transfer failed", zap.String("item", id), zap.Error(err))
		}
	}
	return nil
}

func (s *Sender) sendItem(ctx context.Context, sess *Session, id string) error {
	token, key, err := sess.snapshot()
	if err != nil {
		return err
	}
	defer crypto.Zero(key)

	meta, err := s.store.GetMeta(id)
	if err != nil {
		return err
	}
	plain, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}

	sess.setState(id, StateInFlight)

	pr, pw := io.Pipe()
	go func() {
		defer plain.Close()
		_, err := crypto.SealStream(pw, plain, key, itemAAD(sess.id, id))
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		sess.base+"/transfer/"+sess.id+"/items/"+id, pr)
	if err != nil {
		pr.CloseWithError(err)
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(headerCategory, string(meta.Category))
	req.Header.Set(headerName, meta.Name)
	req.Header.Set(headerSize, strconv.FormatInt(meta.Size, 10))
	req.Header.Set(headerHash, meta.ContentHash)

	resp, err := s.client.Do(req)
	if err != nil {
		return &transportError{err}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusGone {
		return ErrSessionClosed
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("transfer: item %s rejected: status %d", id, resp.StatusCode)
	}

	var ack ackResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&ack); err != nil {
		return fmt.Errorf("transfer: item %s: bad ack: %w", id, err)
	}
	if ack.ItemID != id {
		return fmt.Errorf("transfer: item %s: ack for %s", id, ack.ItemID)
	}

	sess.setState(id, StateAcked)
	s.log.Info("item transferred",
		zap.String("item", id),
		zap.String("stored_as", ack.StoredAs),
		zap.Bool("duplicate", ack.Duplicate))
	return nil
}

// transportError marks connection-level failures that should abort the whole
// run rather than be skipped as a single bad item.
type transportError struct{ err error }

func (e *transportError) Error() string { return "transfer: " + e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func isTransport(err error) bool {
	var te *transportError
	return errors.As(err, &te)
}
