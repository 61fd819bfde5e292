package models

import (
	"encoding/json"
	"time"
)

// CacheEntry is a cached resource payload stamped with the time it was fetched.
// Entries are replaced wholesale on refresh.
type CacheEntry struct {
	Key       string          `json:"key"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"` // epoch milliseconds
}

// NewCacheEntry stamps data with the given time.
func NewCacheEntry(key string, data json.RawMessage, at time.Time) CacheEntry {
	return CacheEntry{Key: key, Data: data, Timestamp: at.UnixMilli()}
}

// FetchedAt returns the entry timestamp as a time.Time.
func (e CacheEntry) FetchedAt() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Fresh reports whether the entry is younger than ttl at now.
func (e CacheEntry) Fresh(now time.Time, ttl time.Duration) bool {
	return now.UnixMilli()-e.Timestamp < ttl.Milliseconds()
}

// Source identifies where a fetch result came from.
type Source string

const (
	SourceNone       Source = "none"
	SourceMemory     Source = "memory"
	SourcePersistent Source = "persistent"
	SourceNetwork    Source = "network"
)

// CacheStats reports orchestrator and persistent tier counters.
type CacheStats struct {
	Entries           int64 `json:"entries"`
	Hits              int64 `json:"hits"`
	Misses            int64 `json:"misses"`
	NetworkCalls      int64 `json:"network_calls"`
	Throttled         int64 `json:"throttled"`
	Fallbacks         int64 `json:"fallbacks"`
	Retries           int64 `json:"retries"`
	PersistentEntries int64 `json:"persistent_entries"`
	PersistentBytes   int64 `json:"persistent_bytes"`
}

// StoreStats describes the contents of a persistent backend.
type StoreStats struct {
	Entries int64     `json:"entries"`
	Bytes   int64     `json:"bytes"`
	Oldest  time.Time `json:"oldest"`
	Newest  time.Time `json:"newest"`
}
