package vault

import (
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/leasecache/internal/document"
	"github.com/vyrodovalexey/leasecache/internal/lease"
)

// DefaultLeaseDuration is the retention window for responses that carry no
// lease_duration, which is typical for KV secrets.
const DefaultLeaseDuration = 300 * time.Second

// Entry is an immutable snapshot of one cached secret. Value is non-nil
// exactly when Leased is true.
type Entry struct {
	Path          string
	Value         document.Document
	LeaseID       string
	IssuedAt      time.Time
	LeaseDuration time.Duration
	Renewable     bool
	Leased        bool
}

// renewed returns a copy of e carrying the lease from a renewal response.
func (e *Entry) renewed(doc document.Document, issuedAt time.Time, defaultLease time.Duration) *Entry {
	next := *e
	next.LeaseID, _ = document.String(doc, "lease_id")
	next.Renewable, _ = document.Bool(doc, "renewable")
	next.LeaseDuration = leaseDuration(doc, defaultLease)
	next.IssuedAt = issuedAt
	return &next
}

// newEntry builds an entry from a fetch response. A ttl found at ttlField
// overrides the reported lease duration.
func newEntry(path string, doc document.Document, issuedAt time.Time, defaultLease time.Duration, ttlField string) *Entry {
	if doc == nil {
		doc = document.Document{}
	}
	e := &Entry{
		Path:          path,
		Value:         doc,
		IssuedAt:      issuedAt,
		LeaseDuration: leaseDuration(doc, defaultLease),
		Leased:        true,
	}
	e.LeaseID, _ = document.String(doc, "lease_id")
	e.Renewable, _ = document.Bool(doc, "renewable")

	if ttlField != "" {
		if ttl, ok := document.Int(doc, ttlField); ok && ttl > 0 {
			e.LeaseDuration = lease.Seconds(ttl)
		}
	}
	return e
}

func leaseDuration(doc document.Document, defaultLease time.Duration) time.Duration {
	if d, ok := document.Int(doc, "lease_duration"); ok && d > 0 {
		return lease.Seconds(d)
	}
	return defaultLease
}

// slot is the per-path cell of the cache. The entry pointer is swapped
// wholesale; inFlight is owned by at most one background task at a time.
type slot struct {
	key      string
	path     string
	query    url.Values
	ttlField string

	entry    atomic.Pointer[Entry]
	inFlight atomic.Bool
	lastRead atomic.Int64
}

func newSlot(key string, now time.Time) *slot {
	s := &slot{key: key, path: key}
	if i := strings.IndexByte(key, '?'); i >= 0 {
		s.path = key[:i]
		if q, err := url.ParseQuery(key[i+1:]); err == nil {
			s.query = q
		}
	}
	s.ttlField = ttlFieldFor(s.path)
	s.entry.Store(&Entry{Path: key})
	s.touch(now)
	return s
}

// ttlFieldFor returns the field holding a secret-level ttl for reads of
// path. Only KV v2 data paths (<mount>/data/<name>) carry one.
func ttlFieldFor(path string) string {
	if i := strings.Index(path, "/data/"); i > 0 && len(path) > i+len("/data/") {
		return kvTTLField
	}
	return ""
}

func (s *slot) load() *Entry {
	return s.entry.Load()
}

// install stores next unless the slot already holds a newer lease. It
// reports whether next was stored.
func (s *slot) install(next *Entry) bool {
	for {
		cur := s.entry.Load()
		if cur.Leased && next.IssuedAt.Before(cur.IssuedAt) {
			return false
		}
		if s.entry.CompareAndSwap(cur, next) {
			return true
		}
	}
}

// reset drops the slot back to Unleased.
func (s *slot) reset() {
	s.entry.Store(&Entry{Path: s.key})
}

func (s *slot) tryAcquire() bool {
	return s.inFlight.CompareAndSwap(false, true)
}

func (s *slot) release() {
	s.inFlight.Store(false)
}

func (s *slot) touch(now time.Time) {
	s.lastRead.Store(now.UnixNano())
}
