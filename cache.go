// tabflow/cache.go
// Suggestion Cache: bounded, strictly recency-ordered store for completion
// text, keyed by location and guarded by a full-context fingerprint.
package tabflow

import (
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// cacheEntry is owned exclusively by the SuggestionCache.
type cacheEntry struct {
	Key            string
	DocumentID     string
	SuggestionText string
	Fingerprint    string
	CreatedAt      time.Time
	HitCount       int
}

// SuggestionCache maps a (location, context-fingerprint) key to a previously
// computed suggestion. Eviction is least-recently-used by access order: every
// Get hit and every Set refreshes recency. A Get whose stored fingerprint
// differs from the supplied one is a miss AND evicts the stale entry.
type SuggestionCache struct {
	mu          sync.Mutex
	entries     *lru.Cache[string, *cacheEntry]
	byDocument  map[string]map[string]struct{} // documentID -> keys, for Invalidate.
	capacity    int
	removing    bool // Set around explicit removals so onEvict can tell them apart.
	hits        uint64
	misses      uint64
	evictions   uint64
	staleEvicts uint64
	logger      *slog.Logger
}

// NewSuggestionCache creates a cache with the given capacity.
func NewSuggestionCache(capacity int, logger *slog.Logger) (*SuggestionCache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if capacity <= 0 {
		capacity = defaultCacheSize
	}
	c := &SuggestionCache{
		byDocument: make(map[string]map[string]struct{}),
		capacity:   capacity,
		logger:     logger.With("component", "SuggestionCache"),
	}
	entries, err := lru.NewWithEvict[string, *cacheEntry](capacity, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.entries = entries
	return c, nil
}

// onEvict runs under c.mu (all lru mutations happen inside locked methods).
// The evictions counter only tracks capacity pressure; stale removals and
// invalidation go through removeLocked and are counted separately.
func (c *SuggestionCache) onEvict(key string, entry *cacheEntry) {
	if !c.removing {
		c.evictions++
	}
	if docKeys, ok := c.byDocument[entry.DocumentID]; ok {
		delete(docKeys, key)
		if len(docKeys) == 0 {
			delete(c.byDocument, entry.DocumentID)
		}
	}
}

// removeLocked drops an entry without counting it as a capacity eviction.
// Caller holds c.mu.
func (c *SuggestionCache) removeLocked(key string) bool {
	c.removing = true
	removed := c.entries.Remove(key)
	c.removing = false
	return removed
}

// SuggestionCacheKey derives the lookup key from the stable parts of a
// request: document, language, line prefix and a digest of the nearby text.
func SuggestionCacheKey(ec EditorContext, ac *AssembledContext) string {
	return digestParts(ec.DocumentID, ec.Language, ac.LinePrefix, digestString(ac.Window))
}

// ListCacheKey derives the lookup key for list-mode requests. The mode tag
// keeps list and inline entries at the same location from serving each
// other's text.
func ListCacheKey(ec EditorContext, ac *AssembledContext) string {
	return digestParts("list", ec.DocumentID, ec.Language, ac.LinePrefix, digestString(ac.Window))
}

// ContextFingerprint digests the full assembled context. It detects that the
// surrounding code drifted even though the lookup key still matches.
func ContextFingerprint(ac *AssembledContext) string {
	parts := []string{ac.LinePrefix, ac.LineSuffix, ac.Window, ac.Kind.String()}
	parts = append(parts, ac.Imports...)
	parts = append(parts, ac.Functions...)
	parts = append(parts, ac.Classes...)
	parts = append(parts, ac.Types...)
	return digestParts(parts...)
}

// Get looks up a suggestion. A fingerprint mismatch is treated as a miss and
// evicts the stale entry.
func (c *SuggestionCache) Get(key, fingerprint string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries.Get(key) // Get refreshes recency.
	if !ok {
		c.misses++
		return "", false
	}
	if entry.Fingerprint != fingerprint {
		c.logger.Debug("Fingerprint drift, evicting stale entry", "key", key)
		c.staleEvicts++
		c.misses++
		c.removeLocked(key)
		return "", false
	}
	entry.HitCount++
	c.hits++
	return entry.SuggestionText, true
}

// Set stores a suggestion. Concurrent Set on the same key is last-write-wins.
func (c *SuggestionCache) Set(key, documentID, suggestion, fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &cacheEntry{
		Key:            key,
		DocumentID:     documentID,
		SuggestionText: suggestion,
		Fingerprint:    fingerprint,
		CreatedAt:      time.Now(),
	}
	c.entries.Add(key, entry) // Add refreshes recency and may evict the LRU tail.

	docKeys, ok := c.byDocument[documentID]
	if !ok {
		docKeys = make(map[string]struct{})
		c.byDocument[documentID] = docKeys
	}
	docKeys[key] = struct{}{}
}

// Invalidate removes every entry derived from the given document. Called on
// each committed edit to bound staleness. Returns the number removed.
func (c *SuggestionCache) Invalidate(documentID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	docKeys, ok := c.byDocument[documentID]
	if !ok {
		return 0
	}
	removed := 0
	for key := range docKeys {
		if c.removeLocked(key) {
			removed++
		}
	}
	delete(c.byDocument, documentID)
	if removed > 0 {
		c.logger.Debug("Invalidated cached suggestions for document", "doc", documentID, "removed", removed)
	}
	return removed
}

// Resize changes the cache capacity, evicting oldest entries if shrinking.
func (c *SuggestionCache) Resize(capacity int) {
	if capacity <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if capacity == c.capacity {
		return
	}
	evicted := c.entries.Resize(capacity)
	c.capacity = capacity
	if evicted > 0 {
		c.logger.Debug("Cache resized", "capacity", capacity, "evicted", evicted)
	}
}

// Purge drops every entry (e.g. when the cache is disabled at runtime).
func (c *SuggestionCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removing = true
	c.entries.Purge()
	c.removing = false
	c.byDocument = make(map[string]map[string]struct{})
}

// Len returns the current entry count.
func (c *SuggestionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Stats returns an observability snapshot.
func (c *SuggestionCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := CacheStats{
		Size:        c.entries.Len(),
		Capacity:    c.capacity,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		StaleEvicts: c.staleEvicts,
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}
