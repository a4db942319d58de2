package vault

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vyrodovalexey/leasecache/internal/lease"
)

// Action is the outcome of the per-read lease decision.
type Action int

const (
	// ActionServe returns the cached value with no network activity.
	ActionServe Action = iota
	// ActionRenew serves the cached value and renews the lease in the background.
	ActionRenew
	// ActionRefetch serves the cached value and refetches in the background.
	ActionRefetch
	// ActionFetch blocks on the first fetch of a path.
	ActionFetch
	// ActionRefetchSync blocks on a refetch of an expired entry.
	ActionRefetchSync
)

// String returns the label used in logs and metrics.
func (a Action) String() string {
	switch a {
	case ActionServe:
		return "serve"
	case ActionRenew:
		return "renew"
	case ActionRefetch:
		return "refetch"
	case ActionFetch:
		return "fetch"
	case ActionRefetchSync:
		return "refetch_sync"
	default:
		return "unknown"
	}
}

// Decide maps a lease state to an action. An entry that already has a
// background task in flight is served as-is, whether near expiry or expired.
func Decide(state lease.State, renewable, inFlight bool) Action {
	switch state {
	case lease.Unleased:
		return ActionFetch
	case lease.Fresh:
		return ActionServe
	case lease.NearExpiry:
		switch {
		case inFlight:
			return ActionServe
		case renewable:
			return ActionRenew
		default:
			return ActionRefetch
		}
	default:
		if inFlight {
			return ActionServe
		}
		return ActionRefetchSync
	}
}

// EntryInfo describes a cached entry without its value.
type EntryInfo struct {
	Path          string        `json:"path"`
	Leased        bool          `json:"leased"`
	LeaseID       string        `json:"leaseId,omitempty"`
	IssuedAt      time.Time     `json:"issuedAt"`
	LeaseDuration time.Duration `json:"leaseDuration"`
	Renewable     bool          `json:"renewable"`
	InFlight      bool          `json:"inFlight"`
}

// SecretCache is the keyed store of entries. Slots are created lazily and
// never mutated in place.
type SecretCache struct {
	mu         sync.RWMutex
	slots      map[string]*slot
	maxEntries int
	metrics    *Metrics
	clock      func() time.Time
}

// NewSecretCache creates a cache. maxEntries <= 0 means unbounded.
func NewSecretCache(maxEntries int) *SecretCache {
	return &SecretCache{
		slots:      make(map[string]*slot),
		maxEntries: maxEntries,
		clock:      time.Now,
	}
}

// NormalizePath trims whitespace and surrounding slashes so that equivalent
// addresses share a cache slot.
func NormalizePath(path string) string {
	path = strings.TrimSpace(path)
	query := ""
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path, query = path[:i], path[i:]
	}
	return strings.Trim(path, "/") + query
}

// Get returns the entry for path, creating an empty one if absent.
func (c *SecretCache) Get(path string) *Entry {
	return c.slot(NormalizePath(path)).load()
}

// slot returns the slot for key, creating it if absent. A new slot counts
// as read now for eviction purposes.
func (c *SecretCache) slot(key string) *slot {
	c.mu.RLock()
	s, ok := c.slots[key]
	c.mu.RUnlock()
	if ok {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.slots[key]; ok {
		return s
	}

	if c.maxEntries > 0 && len(c.slots) >= c.maxEntries {
		c.evictLocked()
	}

	s = newSlot(key, c.clock())
	c.slots[key] = s
	c.metrics.setEntries(len(c.slots))
	return s
}

// evictLocked removes the least recently read slot that has no task in
// flight. The cache may briefly exceed its bound when every slot is busy.
func (c *SecretCache) evictLocked() {
	var victim string
	var oldest int64
	found := false
	for key, s := range c.slots {
		if s.inFlight.Load() {
			continue
		}
		if read := s.lastRead.Load(); !found || read < oldest {
			victim, oldest, found = key, read, true
		}
	}
	if !found {
		return
	}
	delete(c.slots, victim)
	c.metrics.evicted()
}

// Invalidate removes path from the cache. It reports whether an entry existed.
func (c *SecretCache) Invalidate(path string) bool {
	key := NormalizePath(path)

	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.slots[key]
	delete(c.slots, key)
	c.metrics.setEntries(len(c.slots))
	return ok
}

// Len returns the number of cached paths.
func (c *SecretCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.slots)
}

// Snapshot returns metadata for every cached entry, sorted by path.
func (c *SecretCache) Snapshot() []EntryInfo {
	c.mu.RLock()
	infos := make([]EntryInfo, 0, len(c.slots))
	for _, s := range c.slots {
		e := s.load()
		infos = append(infos, EntryInfo{
			Path:          s.key,
			Leased:        e.Leased,
			LeaseID:       e.LeaseID,
			IssuedAt:      e.IssuedAt,
			LeaseDuration: e.LeaseDuration,
			Renewable:     e.Renewable,
			InFlight:      s.inFlight.Load(),
		})
	}
	c.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos
}
