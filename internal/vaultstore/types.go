package vaultstore

import (
	"errors"
	"time"
)

// Category classifies what kind of media a vault item holds.
type Category string

const (
	CategoryPhoto    Category = "photo"
	CategoryVideo    Category = "video"
	CategoryDocument Category = "document"
	CategoryAudio    Category = "audio"
	CategoryContact  Category = "contact"
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryPhoto, CategoryVideo, CategoryDocument, CategoryAudio, CategoryContact:
		return true
	}
	return false
}

// State is the lifecycle state of an item. Purge is only reachable from
// recycled; an active item can never be hard-deleted directly.
type State string

const (
	StateActive   State = "active"
	StateRecycled State = "recycled"
)

var (
	ErrNotFound        = errors.New("vaultstore: item not found")
	ErrNotRecycled     = errors.New("vaultstore: item not recycled")
	ErrAlreadyRecycled = errors.New("vaultstore: item already recycled")
	ErrActivePurge     = errors.New("vaultstore: purge of an active item")
	ErrBadCategory     = errors.New("vaultstore: unknown category")
)

// Item is the logical record for one vault entry. ContentHash is the SHA-256
// of the plaintext; BlobRef is the SHA-256 of the ciphertext file and doubles
// as its storage name. The per-item data encryption key travels only wrapped
// under the master key. Timestamps are Unix nanoseconds.
type Item struct {
	ID          string   `json:"id"`
	Category    Category `json:"category"`
	Name        string   `json:"name"`
	Size        int64    `json:"size"`
	CreatedAt   int64    `json:"created_at"`
	ModifiedAt  int64    `json:"modified_at"`
	ContentHash string   `json:"content_hash"`
	BlobRef     string   `json:"blob_ref"`
	WrappedDEK  []byte   `json:"wrapped_dek"`
	State       State    `json:"state"`

	// Recycle bin annotations, set only while State == StateRecycled.
	RecycledAt int64 `json:"recycled_at,omitempty"`
	ExpiresAt  int64 `json:"expires_at,omitempty"`
}

// TimeToExpiry returns the remaining retention for a recycled item.
func (it *Item) TimeToExpiry(now time.Time) time.Duration {
	if it.State != StateRecycled {
		return 0
	}
	d := time.Unix(0, it.ExpiresAt).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

func (it *Item) clone() *Item {
	cp := *it
	cp.WrappedDEK = append([]byte(nil), it.WrappedDEK...)
	return &cp
}

// Meta is the collaborator-visible view of an item, without key material.
type Meta struct {
	ID          string   `json:"id"`
	Category    Category `json:"category"`
	Name        string   `json:"name"`
	Size        int64    `json:"size"`
	CreatedAt   int64    `json:"created_at"`
	ModifiedAt  int64    `json:"modified_at"`
	ContentHash string   `json:"content_hash"`
	State       State    `json:"state"`
	RecycledAt  int64    `json:"recycled_at,omitempty"`
	ExpiresAt   int64    `json:"expires_at,omitempty"`
}

func (it *Item) meta() Meta {
	return Meta{
		ID:          it.ID,
		Category:    it.Category,
		Name:        it.Name,
		Size:        it.Size,
		CreatedAt:   it.CreatedAt,
		ModifiedAt:  it.ModifiedAt,
		ContentHash: it.ContentHash,
		State:       it.State,
		RecycledAt:  it.RecycledAt,
		ExpiresAt:   it.ExpiresAt,
	}
}

// CategoryStats summarizes one category for the vault statistics view.
type CategoryStats struct {
	Count     int   `json:"count"`
	TotalSize int64 `json:"total_size"`
}

// index is the persisted source of truth for what exists. It is sealed under
// the master key before touching disk.
type index struct {
	Version int              `json:"version"`
	Items   map[string]*Item `json:"items"`
}

func newIndex() *index {
	return &index{Version: 1, Items: make(map[string]*Item)}
}

func (ix *index) clone() *index {
	cp := &index{Version: ix.Version, Items: make(map[string]*Item, len(ix.Items))}
	for id, it := range ix.Items {
		cp.Items[id] = it.clone()
	}
	return cp
}
