package ferry

import (
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DedupCache remembers recently seen event IDs so redelivered events are
// dropped before any side effect runs. Entries age out after the window or
// fall off the LRU end when the cache is full, so memory stays bounded no
// matter how fast events arrive. Seeing a duplicate does not refresh its
// entry; the window counts from first sight.
type DedupCache struct {
	entries *expirable.LRU[string, time.Time]
}

func NewDedupCache(window time.Duration, maxEntries int) *DedupCache {
	if window <= 0 {
		window = 5 * time.Minute
	}
	if maxEntries <= 0 {
		maxEntries = 65536
	}
	return &DedupCache{
		entries: expirable.NewLRU[string, time.Time](maxEntries, nil, window),
	}
}

// Seen reports whether the event ID was already observed inside the window,
// recording it on first sight. An empty ID is never deduplicated.
func (c *DedupCache) Seen(eventID string) bool {
	if c == nil || strings.TrimSpace(eventID) == "" {
		return false
	}
	if _, ok := c.entries.Get(eventID); ok {
		return true
	}
	c.entries.Add(eventID, time.Now().UTC())
	return false
}

func (c *DedupCache) Len() int {
	if c == nil {
		return 0
	}
	return c.entries.Len()
}
