package transfer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"hash"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/akhilkashyap777/Ace-in-the-Hole/internal/crypto"
	"github.com/akhilkashyap777/Ace-in-the-Hole/internal/vaultstore"
)

// ReceiverConfig tunes the inbound side of a transfer.
type ReceiverConfig struct {
	// Addr is the advertised address placed into pairing payloads.
	Addr string
	// IdleTimeout closes a session with no activity.
	IdleTimeout time.Duration
	// HandshakeRate bounds pairing attempts per remote IP per second.
	HandshakeRate float64
}

func (c *ReceiverConfig) setDefaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 2 * time.Minute
	}
	if c.HandshakeRate <= 0 {
		c.HandshakeRate = 1
	}
}

type sessionState int

const (
	statePairing sessionState = iota
	statePaired
	stateClosed
)

// recvSession is the receiver's view of one pairing session.
type recvSession struct {
	id   string
	code string
	salt []byte

	mu           sync.Mutex
	state        sessionState
	transportKey []byte
	tokens       *tokenIssuer
	received     map[string]string // source item id -> stored item id
	lastActive   time.Time
}

func (s *recvSession) touch() { s.lastActive = time.Now() }

func (s *recvSession) expired(idle time.Duration, now time.Time) bool {
	return now.Sub(s.lastActive) > idle
}

func (s *recvSession) close() {
	if s.state == stateClosed {
		return
	}
	s.state = stateClosed
	if s.transportKey != nil {
		crypto.Zero(s.transportKey)
		s.transportKey = nil
	}
	s.code = ""
}

// Receiver accepts paired inbound transfers and writes each fully verified
// item through the vault store, re-encrypting it at rest.
type Receiver struct {
	store   *vaultstore.Store
	log     *zap.Logger
	cfg     ReceiverConfig
	limiter *multiLimiter

	mu       sync.Mutex
	sessions map[string]*recvSession
}

// NewReceiver returns a receiver over the given store.
func NewReceiver(store *vaultstore.Store, cfg ReceiverConfig, log *zap.Logger) *Receiver {
	cfg.setDefaults()
	return &Receiver{
		store:    store,
		log:      log,
		cfg:      cfg,
		limiter:  newMultiLimiter(rate.Limit(cfg.HandshakeRate), 3, 10*time.Minute),
		sessions: make(map[string]*recvSession),
	}
}

// SetAdvertiseAddr overrides the address placed in new pairing payloads,
// typically once the listener's real port is known.
func (r *Receiver) SetAdvertiseAddr(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg.Addr = addr
}

// CreatePairing opens a session in the pairing state and returns the payload
// to show out of band. The code never crosses the network.
func (r *Receiver) CreatePairing() (PairingPayload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()

	s := &recvSession{
		id:         uuid.NewString(),
		code:       newCode(),
		salt:       newSalt(),
		received:   make(map[string]string),
		lastActive: time.Now(),
	}
	r.sessions[s.id] = s
	r.log.Info("pairing session created", zap.String("session", s.id))
	return PairingPayload{
		Addr:      r.cfg.Addr,
		SessionID: s.id,
		Salt:      append([]byte(nil), s.salt...),
		Code:      s.code,
	}, nil
}

// CloseSession closes a session explicitly.
func (r *Receiver) CloseSession(sid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sid]; ok {
		s.mu.Lock()
		s.close()
		s.mu.Unlock()
		delete(r.sessions, sid)
		r.log.Info("transfer session closed", zap.String("session", sid))
	}
}

func (r *Receiver) session(sid string) *recvSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[sid]
	if s == nil {
		return nil
	}
	s.mu.Lock()
	dead := s.state == stateClosed || s.expired(r.cfg.IdleTimeout, time.Now())
	if dead {
		s.close()
	}
	s.mu.Unlock()
	if dead {
		delete(r.sessions, sid)
		return nil
	}
	return s
}

func (r *Receiver) sweepLocked() {
	now := time.Now()
	for sid, s := range r.sessions {
		s.mu.Lock()
		if s.state == stateClosed || s.expired(r.cfg.IdleTimeout, now) {
			s.close()
			delete(r.sessions, sid)
		}
		s.mu.Unlock()
	}
}

// Router returns the transfer HTTP surface.
func (r *Receiver) Router() http.Handler {
	mux := chi.NewRouter()
	mux.Use(withRequestLogging(r.log))
	mux.Post("/pair/{sid}", r.handleHandshake)
	mux.Post("/transfer/{sid}/items/{itemID}", r.handleUpload)
	return mux
}

// handleHandshake runs the responder half of the challenge-response exchange.
// The joiner proves knowledge of the pairing code over the transcript; no
// code material is ever sent in the clear.
func (r *Receiver) handleHandshake(w http.ResponseWriter, req *http.Request) {
	if !r.limiter.allow(clientIP(req)) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	sid := chi.URLParam(req, "sid")
	s := r.session(sid)
	if s == nil {
		http.Error(w, "pairing failed", http.StatusForbidden)
		return
	}

	var hr handshakeRequest
	if err := json.NewDecoder(io.LimitReader(req.Body, 4096)).Decode(&hr); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	joinPub, err := crypto.ParseX25519Public(hr.PublicKey)
	if err != nil || len(hr.Nonce) != nonceLen {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != statePairing {
		// one handshake per session; a second attempt burns it
		s.close()
		http.Error(w, "pairing failed", http.StatusForbidden)
		return
	}

	pk := pairingKey(s.code, s.salt)
	defer crypto.Zero(pk)
	want := joinerProof(pk, s.id, hr.PublicKey, hr.Nonce)
	if !hmac.Equal(want, hr.Proof) {
		s.close()
		r.log.Warn("handshake proof rejected", zap.String("session", s.id))
		http.Error(w, "pairing failed", http.StatusForbidden)
		return
	}

	dh, err := crypto.NewX25519()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	secret, err := crypto.SharedSecret(dh.Priv, joinPub)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	defer crypto.Zero(secret)

	respNonce := newNonce()
	respPub := dh.Pub.Bytes()
	s.transportKey = transportKey(secret, s.id, hr.Nonce, respNonce)
	s.tokens = newTokenIssuer(s.transportKey, r.cfg.IdleTimeout)
	s.state = statePaired
	s.touch()

	token, err := s.tokens.Issue(s.id)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	r.log.Info("session paired", zap.String("session", s.id))
	writeJSON(w, http.StatusOK, handshakeResponse{
		PublicKey: respPub,
		Nonce:     respNonce,
		Proof:     responderProof(pk, s.id, hr.PublicKey, hr.Nonce, respPub, respNonce),
		Token:     token,
	})
}

// handleUpload receives one item: authenticated transport chunks are
// decrypted, the plaintext is verified against the declared content hash,
// and only a fully verified item is committed through the store. The ack is
// the commit receipt.
func (r *Receiver) handleUpload(w http.ResponseWriter, req *http.Request) {
	sid := chi.URLParam(req, "sid")
	itemID := chi.URLParam(req, "itemID")
	s := r.session(sid)
	if s == nil {
		http.Error(w, "session closed", http.StatusGone)
		return
	}

	s.mu.Lock()
	if s.state != statePaired {
		s.mu.Unlock()
		http.Error(w, "session closed", http.StatusGone)
		return
	}
	tokens := s.tokens
	key := append([]byte(nil), s.transportKey...)
	s.mu.Unlock()
	defer crypto.Zero(key)

	if err := tokens.Validate(bearerToken(req), sid); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	s.mu.Lock()
	if stored, ok := s.received[itemID]; ok {
		// already acked in this session: idempotent re-ack, no duplicate
		s.touch()
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, ackResponse{ItemID: itemID, StoredAs: stored, Duplicate: true})
		return
	}
	s.touch()
	s.mu.Unlock()

	category := vaultstore.Category(req.Header.Get(headerCategory))
	name := req.Header.Get(headerName)
	wantHash := req.Header.Get(headerHash)
	if _, err := strconv.ParseInt(req.Header.Get(headerSize), 10, 64); err != nil || name == "" || wantHash == "" {
		http.Error(w, "bad item header", http.StatusBadRequest)
		return
	}

	pr, pw := io.Pipe()
	go func() {
		_, err := crypto.OpenStream(pw, req.Body, key, itemAAD(sid, itemID))
		pw.CloseWithError(err)
	}()

	meta, err := r.store.Add(req.Context(), category, name, &hashVerifyReader{r: pr, h: sha256.New(), want: wantHash})
	if err != nil {
		pr.CloseWithError(err)
		switch {
		case errors.Is(err, crypto.ErrIntegrity):
			r.log.Warn("transfer item failed verification",
				zap.String("session", sid), zap.String("item", itemID))
			http.Error(w, "integrity failure", http.StatusUnprocessableEntity)
		case errors.Is(err, vaultstore.ErrBadCategory):
			http.Error(w, "bad item header", http.StatusBadRequest)
		default:
			r.log.Error("transfer item store failed", zap.String("item", itemID), zap.Error(err))
			http.Error(w, "store failed", http.StatusInternalServerError)
		}
		return
	}

	s.mu.Lock()
	s.received[itemID] = meta.ID
	s.touch()
	s.mu.Unlock()

	r.log.Info("transfer item stored",
		zap.String("session", sid), zap.String("item", itemID), zap.String("stored_as", meta.ID))
	writeJSON(w, http.StatusOK, ackResponse{ItemID: itemID, StoredAs: meta.ID})
}

// hashVerifyReader gates the end-to-end content hash: it fails the stream at
// EOF if the plaintext does not hash to the declared value, so the store
// never commits a mismatched item.
type hashVerifyReader struct {
	r    io.Reader
	h    hash.Hash
	want string
}

func (v *hashVerifyReader) Read(p []byte) (int, error) {
	n, err := v.r.Read(p)
	v.h.Write(p[:n])
	if err == io.EOF && hex.EncodeToString(v.h.Sum(nil)) != v.want {
		return n, crypto.ErrIntegrity
	}
	return n, err
}

func bearerToken(req *http.Request) string {
	h := req.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return h[len(prefix):]
	}
	return ""
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// withRequestLogging logs each transfer request with its outcome.
func withRequestLogging(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, req)
			log.Debug("transfer request",
				zap.String("method", req.Method),
				zap.String("path", req.URL.Path),
				zap.Duration("elapsed", time.Since(start)))
		})
	}
}
