// Package audit keeps a tamper-evident record of vault operations. Entries
// form a hash chain persisted as JSON lines, so truncating, editing or
// reordering the log breaks verification from that point on.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileName is the log file kept in the vault root. The log records only
// operation names and item ids, never content or key material.
const FileName = "audit.log"

// ErrChainBroken means the persisted log does not verify.
var ErrChainBroken = errors.New("audit: hash chain broken")

// Event names recorded by the engine.
const (
	EventUnlock       = "unlock"
	EventUnlockFailed = "unlock_failed"
	EventLock         = "lock"
	EventAdd          = "item_add"
	EventGet          = "item_get"
	EventRename       = "item_rename"
	EventRecycle      = "item_recycle"
	EventRestore      = "item_restore"
	EventPurge        = "item_purge"
	EventSweep        = "recycle_sweep"
	EventRekey        = "password_change"
	EventPairing      = "transfer_pairing"
	EventSent         = "transfer_sent"
	EventReceived     = "transfer_received"
)

// Entry is one link in the chain. Hash covers the previous hash, the
// timestamp, the event and the detail.
type Entry struct {
	TS     int64  `json:"ts"`
	Event  string `json:"event"`
	Detail string `json:"detail,omitempty"`
	Hash   string `json:"hash"`
}

// Log is an append-only chained log backed by a file.
type Log struct {
	mu       sync.Mutex
	f        *os.File
	lastHash []byte
}

// Open opens or creates the log under dir and verifies the existing chain.
// A log that fails verification refuses to open rather than silently
// extending a tampered history.
func Open(dir string) (*Log, error) {
	path := filepath.Join(dir, FileName)
	last, _, err := verifyFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open log: %w", err)
	}
	return &Log{f: f, lastHash: last}, nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// Append records an event and links it to the chain.
func (l *Log) Append(event, detail string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := Entry{TS: time.Now().UnixNano(), Event: event, Detail: detail}
	sum := chainHash(l.lastHash, &e)
	e.Hash = hex.EncodeToString(sum)

	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := l.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	l.lastHash = sum
	return nil
}

// Verify re-reads the whole file and checks every link.
func (l *Log) Verify() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _, err := verifyFile(l.f.Name())
	return err
}

// Entries returns the persisted entries after verifying them.
func (l *Log) Entries() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, entries, err := verifyFile(l.f.Name())
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return entries, nil
}

func chainHash(prev []byte, e *Entry) []byte {
	h := sha256.New()
	h.Write(prev)
	h.Write(binary.BigEndian.AppendUint64(nil, uint64(e.TS)))
	h.Write([]byte(e.Event))
	h.Write([]byte{0})
	h.Write([]byte(e.Detail))
	return h.Sum(nil)
}

func verifyFile(path string) ([]byte, []Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	var (
		prev    []byte
		entries []Entry
		lineNo  int
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		lineNo++
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, nil, fmt.Errorf("%w: line %d", ErrChainBroken, lineNo)
		}
		sum := chainHash(prev, &e)
		if hex.EncodeToString(sum) != e.Hash {
			return nil, nil, fmt.Errorf("%w: line %d", ErrChainBroken, lineNo)
		}
		prev = sum
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, nil, err
	}
	return prev, entries, nil
}
