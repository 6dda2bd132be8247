package session

import (
	"sync"
	"time"
)

// DefaultDedupTTL is how long a message id is remembered. WhatsApp redelivers
// messages after reconnects and during history syncs; ids older than the
// window may be accepted again, which is an accepted limitation.
const DefaultDedupTTL = 60 * time.Second

// Deduplicator suppresses replayed message ids within a fixed TTL window.
type Deduplicator struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time // id -> expiry
	now  func() time.Time
}

// NewDeduplicator creates a deduplicator with the given TTL. A non-positive
// TTL falls back to DefaultDedupTTL.
func NewDeduplicator(ttl time.Duration) *Deduplicator {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &Deduplicator{
		ttl:  ttl,
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

// ShouldIgnore reports whether id was already accepted within the active
// window, and marks it accepted if not. Expiry is measured from insertion,
// independent of later queries.
func (d *Deduplicator) ShouldIgnore(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if expiry, ok := d.seen[id]; ok && now.Before(expiry) {
		return true
	}
	d.seen[id] = now.Add(d.ttl)
	d.sweep(now)
	return false
}

// sweep drops expired entries. Called under d.mu; kept cheap by only running
// once the map has grown past a threshold.
func (d *Deduplicator) sweep(now time.Time) {
	if len(d.seen) < 1024 {
		return
	}
	for id, expiry := range d.seen {
		if !now.Before(expiry) {
			delete(d.seen, id)
		}
	}
}
