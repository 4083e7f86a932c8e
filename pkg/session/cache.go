package session

import (
	"sync"
	"time"
)

// resultCache is a thread-safe bounded cache of encoded results with oldest-first eviction
type resultCache struct {
	mu         sync.RWMutex
	entries    map[string]*cacheEntry // input fingerprint -> encoded result
	maxEntries int                    // maximum number of entries in the cache
}

type cacheEntry struct {
	payload  []byte
	lastUsed time.Time
}

// newResultCache creates a new resultCache with the specified maximum number of entries
func newResultCache(maxEntries int) *resultCache {
	return &resultCache{
		entries:    make(map[string]*cacheEntry),
		maxEntries: maxEntries,
	}
}

// get returns the payload stored under key and refreshes its usage timestamp
func (rc *resultCache) get(key string) ([]byte, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	entry, exists := rc.entries[key]
	if !exists {
		return nil, false
	}
	entry.lastUsed = time.Now()
	return entry.payload, true
}

// put stores payload under key, evicting the oldest entry when the cache is full
func (rc *resultCache) put(key string, payload []byte) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if entry, exists := rc.entries[key]; exists {
		entry.payload = payload
		entry.lastUsed = time.Now()
		return
	}

	if len(rc.entries) >= rc.maxEntries {
		rc.evictOldest()
	}
	rc.entries[key] = &cacheEntry{payload: payload, lastUsed: time.Now()}
}

// remove drops the entry stored under key
func (rc *resultCache) remove(key string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	delete(rc.entries, key)
}

// evictOldest removes the entry with the earliest usage timestamp
// Returns true if an entry was evicted, false if the cache was empty
func (rc *resultCache) evictOldest() bool {
	var oldestKey *string
	var oldestTime time.Time

	for key, entry := range rc.entries {
		if oldestKey == nil || entry.lastUsed.Before(oldestTime) {
			// first element or earlier timestamp
			oldestKey = &key
			oldestTime = entry.lastUsed
		}
	}

	if oldestKey != nil {
		delete(rc.entries, *oldestKey)
		return true
	}

	return false
}

// size returns the current number of entries (for stats)
func (rc *resultCache) size() int {
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	return len(rc.entries)
}
