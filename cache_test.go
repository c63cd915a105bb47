// tabflow/cache_test.go
package tabflow

import (
	"io"
	"log/slog"
	"testing"
)

// newTestLogger returns a logger that discards output.
func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCache(t *testing.T, capacity int) *SuggestionCache {
	t.Helper()
	c, err := NewSuggestionCache(capacity, newTestLogger())
	if err != nil {
		t.Fatalf("NewSuggestionCache(%d) failed: %v", capacity, err)
	}
	return c
}

func TestSuggestionCacheGetSet(t *testing.T) {
	c := newTestCache(t, 10)

	if _, ok := c.Get("k1", "fp1"); ok {
		t.Fatal("Get on empty cache returned ok")
	}
	c.Set("k1", "doc1", "suggestion text", "fp1")

	got, ok := c.Get("k1", "fp1")
	if !ok {
		t.Fatal("Get after Set returned miss")
	}
	if got != "suggestion text" {
		t.Errorf("Get returned %q, want %q", got, "suggestion text")
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("Stats = hits %d misses %d, want 1/1", stats.Hits, stats.Misses)
	}
}

func TestSuggestionCacheFingerprintMismatch(t *testing.T) {
	c := newTestCache(t, 10)
	c.Set("k1", "doc1", "text", "fp-old")

	// A stale fingerprint is a miss AND evicts the entry.
	if _, ok := c.Get("k1", "fp-new"); ok {
		t.Fatal("Get with mismatched fingerprint returned ok")
	}
	if c.Len() != 0 {
		t.Errorf("cache size after stale eviction = %d, want 0", c.Len())
	}
	stats := c.Stats()
	if stats.StaleEvicts != 1 {
		t.Errorf("StaleEvicts = %d, want 1", stats.StaleEvicts)
	}
	if stats.Misses != 1 {
		t.Errorf("Misses = %d, want 1", stats.Misses)
	}

	// The stale entry is gone: even the old fingerprint misses now.
	if _, ok := c.Get("k1", "fp-old"); ok {
		t.Fatal("stale entry still present after eviction")
	}
}

func TestSuggestionCacheLRUOrder(t *testing.T) {
	c := newTestCache(t, 2)
	c.Set("a", "doc1", "A", "fp")
	c.Set("b", "doc1", "B", "fp")

	// Touch "a" so "b" becomes the least recently used entry.
	if _, ok := c.Get("a", "fp"); !ok {
		t.Fatal("expected hit for a")
	}

	c.Set("c", "doc1", "C", "fp")

	if _, ok := c.Get("b", "fp"); ok {
		t.Error("entry b should have been evicted as least recently used")
	}
	if _, ok := c.Get("a", "fp"); !ok {
		t.Error("entry a should have survived eviction")
	}
	if _, ok := c.Get("c", "fp"); !ok {
		t.Error("entry c should be present")
	}
}

func TestSuggestionCacheInvalidate(t *testing.T) {
	c := newTestCache(t, 10)
	c.Set("k1", "doc1", "one", "fp")
	c.Set("k2", "doc1", "two", "fp")
	c.Set("k3", "doc2", "three", "fp")

	removed := c.Invalidate("doc1")
	if removed != 2 {
		t.Errorf("Invalidate removed %d entries, want 2", removed)
	}
	if c.Len() != 1 {
		t.Errorf("cache size after invalidate = %d, want 1", c.Len())
	}
	if _, ok := c.Get("k3", "fp"); !ok {
		t.Error("doc2 entry should survive invalidation of doc1")
	}

	// Invalidating a document with no entries is a no-op.
	if removed := c.Invalidate("doc-unknown"); removed != 0 {
		t.Errorf("Invalidate of unknown doc removed %d, want 0", removed)
	}
}

func TestSuggestionCacheResize(t *testing.T) {
	c := newTestCache(t, 4)
	c.Set("a", "doc1", "A", "fp")
	c.Set("b", "doc1", "B", "fp")
	c.Set("c", "doc1", "C", "fp")

	c.Resize(2)
	if c.Len() != 2 {
		t.Errorf("size after shrink = %d, want 2", c.Len())
	}
	if got := c.Stats().Capacity; got != 2 {
		t.Errorf("capacity after shrink = %d, want 2", got)
	}
	// Oldest entry goes first.
	if _, ok := c.Get("a", "fp"); ok {
		t.Error("oldest entry should be evicted by shrink")
	}
}

func TestSuggestionCacheKeyStability(t *testing.T) {
	ec := EditorContext{
		DocumentID: "file:///tmp/foo.ts",
		Language:   "typescript",
		FullText:   "const x = 1 +",
		Cursor:     Position{Line: 0, Column: 13},
	}
	ac := &AssembledContext{
		DocumentID: ec.DocumentID,
		Language:   ec.Language,
		LinePrefix: "const x = 1 +",
		Window:     "const x = 1 +",
	}

	k1 := SuggestionCacheKey(ec, ac)
	k2 := SuggestionCacheKey(ec, ac)
	if k1 != k2 {
		t.Errorf("cache key not deterministic: %q vs %q", k1, k2)
	}

	changed := *ac
	changed.LinePrefix = "const x = 12 +"
	if SuggestionCacheKey(ec, &changed) == k1 {
		t.Error("cache key should change when the line prefix changes")
	}
}

func TestContextFingerprintSensitivity(t *testing.T) {
	base := &AssembledContext{
		LinePrefix: "foo(",
		LineSuffix: ")",
		Window:     "func foo() {}\nfoo(",
		Kind:       ContextCode,
		Functions:  []string{"foo"},
	}
	fp := ContextFingerprint(base)

	// Same content, same fingerprint.
	same := *base
	same.Functions = []string{"foo"}
	if ContextFingerprint(&same) != fp {
		t.Error("fingerprint changed for identical context")
	}

	// A change anywhere in the full context changes the fingerprint even
	// when the lookup key inputs stay the same.
	edited := *base
	edited.Window = "func foo() {}\nfunc bar() {}\nfoo("
	if ContextFingerprint(&edited) == fp {
		t.Error("fingerprint did not change when nearby code changed")
	}
}

func TestSuggestionCacheEvictionAccounting(t *testing.T) {
	c := newTestCache(t, 2)

	c.Set("k1", "doc1", "one", "fp1")
	c.Set("k2", "doc1", "two", "fp2")
	c.Set("k3", "doc2", "three", "fp3")

	stats := c.Stats()
	if stats.Evictions != 1 {
		t.Fatalf("capacity evictions = %d, want 1", stats.Evictions)
	}

	// A fingerprint mismatch drops the entry but is stale, not capacity
	// pressure.
	if _, ok := c.Get("k3", "other-fp"); ok {
		t.Fatal("stale entry served")
	}
	stats = c.Stats()
	if stats.StaleEvicts != 1 {
		t.Errorf("stale evictions = %d, want 1", stats.StaleEvicts)
	}
	if stats.Evictions != 1 {
		t.Errorf("capacity evictions after stale drop = %d, want 1", stats.Evictions)
	}

	// Explicit invalidation is not a capacity eviction either.
	if removed := c.Invalidate("doc1"); removed != 1 {
		t.Fatalf("Invalidate removed %d entries, want 1", removed)
	}
	if got := c.Stats().Evictions; got != 1 {
		t.Errorf("capacity evictions after invalidation = %d, want 1", got)
	}

	c.Purge()
	if got := c.Stats().Evictions; got != 1 {
		t.Errorf("capacity evictions after purge = %d, want 1", got)
	}
}
