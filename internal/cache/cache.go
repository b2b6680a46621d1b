package cache

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sourcepulse/activity-engine/internal/activity"
)

// TTL tiers scale with the requested day window: short windows change often
// and expire quickly, long windows are expensive to rebuild and live longer.
const (
	ttlShortWindow  = 30 * time.Minute
	ttlMediumWindow = 120 * time.Minute
	ttlLongWindow   = 360 * time.Minute
)

// Store is the activity cache port shared by the memory and Redis backends.
type Store interface {
	Get(repos []string, days int, author string) ([]activity.Item, bool)
	Put(repos []string, days int, author string, items []activity.Item)
	Invalidate(pattern string) int
	InvalidateAll()
	GetRepoListing(workspace string) ([]activity.Repository, bool)
	PutRepoListing(workspace string, repos []activity.Repository)
}

// Key builds the composite cache key. The repository list is sorted before
// joining so the key is order-independent.
func Key(repos []string, days int, author string) string {
	sorted := make([]string, len(repos))
	copy(sorted, repos)
	sort.Strings(sorted)
	return fmt.Sprintf("activity:%s:%dd:%s", strings.Join(sorted, ","), days, author)
}

// TTLForWindow returns the window-scaled entry lifetime.
func TTLForWindow(days int) time.Duration {
	switch {
	case days <= 1:
		return ttlShortWindow
	case days <= 7:
		return ttlMediumWindow
	default:
		return ttlLongWindow
	}
}

type memoryEntry struct {
	items    []activity.Item
	storedAt time.Time
	ttl      time.Duration
}

type listingEntry struct {
	repos    []activity.Repository
	storedAt time.Time
}

// MemoryStore is the in-process activity cache. Entries expire lazily:
// an expired entry is deleted on the next Get, there is no sweeper.
type MemoryStore struct {
	mu         sync.Mutex
	entries    map[string]memoryEntry
	listings   map[string]listingEntry
	listingTTL time.Duration

	// Now is injected for deterministic tests.
	Now func() time.Time
}

// NewMemoryStore creates an in-memory cache. listingTTL bounds the
// separately cached workspace repository listings.
func NewMemoryStore(listingTTL time.Duration) *MemoryStore {
	if listingTTL <= 0 {
		listingTTL = ttlLongWindow
	}
	return &MemoryStore{
		entries:    make(map[string]memoryEntry),
		listings:   make(map[string]listingEntry),
		listingTTL: listingTTL,
		Now:        time.Now,
	}
}

// Get returns the cached activity stream for the key, or a miss. An entry
// older than its window-scaled TTL is deleted and reported as a miss.
func (s *MemoryStore) Get(repos []string, days int, author string) ([]activity.Item, bool) {
	key := Key(repos, days, author)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.entries[key]
	if !exists {
		return nil, false
	}
	if s.Now().Sub(entry.storedAt) > entry.ttl {
		delete(s.entries, key)
		return nil, false
	}

	items := make([]activity.Item, len(entry.items))
	copy(items, entry.items)
	return items, true
}

// Put stores the activity stream under the composite key.
func (s *MemoryStore) Put(repos []string, days int, author string, items []activity.Item) {
	key := Key(repos, days, author)
	stored := make([]activity.Item, len(items))
	copy(stored, items)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{
		items:    stored,
		storedAt: s.Now(),
		ttl:      TTLForWindow(days),
	}
}

// Invalidate removes every activity entry whose key contains pattern and
// returns the number of removed entries.
func (s *MemoryStore) Invalidate(pattern string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key := range s.entries {
		if strings.Contains(key, pattern) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// InvalidateAll clears every activity entry and the repository listing cache.
func (s *MemoryStore) InvalidateAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]memoryEntry)
	s.listings = make(map[string]listingEntry)
}

// GetRepoListing returns the cached repository listing for a workspace.
func (s *MemoryStore) GetRepoListing(workspace string) ([]activity.Repository, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.listings[workspace]
	if !exists {
		return nil, false
	}
	if s.Now().Sub(entry.storedAt) > s.listingTTL {
		delete(s.listings, workspace)
		return nil, false
	}

	repos := make([]activity.Repository, len(entry.repos))
	copy(repos, entry.repos)
	return repos, true
}

// PutRepoListing caches the repository listing for a workspace.
func (s *MemoryStore) PutRepoListing(workspace string, repos []activity.Repository) {
	stored := make([]activity.Repository, len(repos))
	copy(stored, repos)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.listings[workspace] = listingEntry{
		repos:    stored,
		storedAt: s.Now(),
	}
}
