// Package store provides the persistent cache tier: a key/value facade over a
// size-limited text store that never lets storage failures reach its callers.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/igorao79/soulcycle/pkg/models"
)

var (
	// ErrNotFound is returned by a Backend when the key has no value.
	ErrNotFound = errors.New("store: not found")
	// ErrQuotaExceeded is returned by a Backend when a write would exceed its size limit.
	ErrQuotaExceeded = errors.New("store: quota exceeded")
)

// Backend is the underlying text store. Values are JSON documents.
type Backend interface {
	GetItem(key string) (string, error)
	SetItem(key, value string) error
	RemoveItem(key string) error
}

// Kind classifies a StorageError.
type Kind string

const (
	KindBackend   Kind = "backend"
	KindQuota     Kind = "quota"
	KindCorrupt   Kind = "corrupt"
	KindSerialize Kind = "serialize"
)

// StorageError describes a failed Persistent operation.
type StorageError struct {
	Op   string
	Key  string
	Kind Kind
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store %s %q (%s): %v", e.Op, e.Key, e.Kind, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Persistent wraps a Backend. The Load/Store/Delete methods report failures
// as *StorageError; Get/Set/Remove absorb them and degrade to a cache miss.
type Persistent struct {
	backend Backend
}

// NewPersistent creates a Persistent facade over b.
func NewPersistent(b Backend) *Persistent {
	return &Persistent{backend: b}
}

// Backend returns the wrapped backend.
func (p *Persistent) Backend() Backend {
	return p.backend
}

// Load returns the JSON value stored under key. A missing key yields
// (nil, nil).
func (p *Persistent) Load(key string) (json.RawMessage, error) {
	raw, err := p.backend.GetItem(key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "get", Key: key, Kind: KindBackend, Err: err}
	}
	if !json.Valid([]byte(raw)) {
		return nil, &StorageError{Op: "get", Key: key, Kind: KindCorrupt, Err: errors.New("invalid JSON")}
	}
	return json.RawMessage(raw), nil
}

// Store serializes value and writes it under key.
func (p *Persistent) Store(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return &StorageError{Op: "set", Key: key, Kind: KindSerialize, Err: err}
	}
	if err := p.backend.SetItem(key, string(data)); err != nil {
		kind := KindBackend
		if errors.Is(err, ErrQuotaExceeded) {
			kind = KindQuota
		}
		return &StorageError{Op: "set", Key: key, Kind: kind, Err: err}
	}
	return nil
}

// Delete removes key. Removing a missing key is not an error.
func (p *Persistent) Delete(key string) error {
	if err := p.backend.RemoveItem(key); err != nil && !errors.Is(err, ErrNotFound) {
		return &StorageError{Op: "remove", Key: key, Kind: KindBackend, Err: err}
	}
	return nil
}

// Get returns the value under key, or false on a miss or any failure.
func (p *Persistent) Get(key string) (json.RawMessage, bool) {
	v, err := p.Load(key)
	if err != nil {
		log.Printf("store: %v", err)
		return nil, false
	}
	return v, v != nil
}

// Set writes value under key and reports whether it was stored.
func (p *Persistent) Set(key string, value any) bool {
	if err := p.Store(key, value); err != nil {
		log.Printf("store: %v", err)
		return false
	}
	return true
}

// Remove deletes key and reports whether the backend accepted it.
func (p *Persistent) Remove(key string) bool {
	if err := p.Delete(key); err != nil {
		log.Printf("store: %v", err)
		return false
	}
	return true
}

// Entry returns the cache entry stored under key. Entries that do not decode
// are removed and reported as a miss.
func (p *Persistent) Entry(key string) (models.CacheEntry, bool) {
	raw, ok := p.Get(key)
	if !ok {
		return models.CacheEntry{}, false
	}
	var ent models.CacheEntry
	if err := json.Unmarshal(raw, &ent); err != nil || ent.Data == nil {
		log.Printf("store: discarding corrupt entry %q", key)
		p.Remove(key)
		return models.CacheEntry{}, false
	}
	return ent, true
}

// PutEntry writes ent under its own key.
func (p *Persistent) PutEntry(ent models.CacheEntry) bool {
	return p.Set(ent.Key, ent)
}
