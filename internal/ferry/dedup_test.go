package ferry

import (
	"fmt"
	"testing"
	"time"
)

func TestDedupCacheSuppressesRepeats(t *testing.T) {
	cache := NewDedupCache(time.Minute, 16)

	if cache.Seen("evt_1") {
		t.Fatalf("first sighting should not be a duplicate")
	}
	if !cache.Seen("evt_1") {
		t.Fatalf("second sighting should be a duplicate")
	}
	if cache.Seen("evt_2") {
		t.Fatalf("distinct event should not be a duplicate")
	}
}

func TestDedupCacheIgnoresEmptyIDs(t *testing.T) {
	cache := NewDedupCache(time.Minute, 16)

	if cache.Seen("") || cache.Seen("   ") {
		t.Fatalf("empty event IDs must never deduplicate")
	}
	if cache.Len() != 0 {
		t.Fatalf("expected empty cache, got %d entries", cache.Len())
	}
}

func TestDedupCacheEntriesExpire(t *testing.T) {
	cache := NewDedupCache(20*time.Millisecond, 16)

	if cache.Seen("evt_1") {
		t.Fatalf("first sighting should not be a duplicate")
	}
	time.Sleep(60 * time.Millisecond)
	if cache.Seen("evt_1") {
		t.Fatalf("expected entry to expire after the window")
	}
}

func TestDedupCacheBoundsMemory(t *testing.T) {
	cache := NewDedupCache(time.Hour, 8)

	for i := 0; i < 100; i++ {
		cache.Seen(fmt.Sprintf("evt_%d", i))
	}
	if cache.Len() > 8 {
		t.Fatalf("expected at most 8 entries, got %d", cache.Len())
	}
}
