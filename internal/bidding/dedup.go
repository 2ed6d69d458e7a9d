package bidding

import (
	"sync"
	"time"

	"github.com/alanyoungcy/flashbid/internal/domain"
)

// Dedup remembers queue messages that were fully processed so that a
// redelivery after a lost acknowledgement is not applied twice. It is safe
// for concurrent use.
type Dedup struct {
	seen  map[string]time.Time // message key -> processed at
	ttl   time.Duration
	clock domain.Clock
	mu    sync.Mutex
}

// NewDedup creates a Dedup that remembers a message for ttl.
func NewDedup(ttl time.Duration, clock domain.Clock) *Dedup {
	return &Dedup{
		seen:  make(map[string]time.Time),
		ttl:   ttl,
		clock: clock,
	}
}

// Seen reports whether key was marked within the TTL window.
func (d *Dedup) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	at, ok := d.seen[key]
	return ok && d.clock.Now().Sub(at) < d.ttl
}

// Mark records key as processed.
func (d *Dedup) Mark(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[key] = d.clock.Now()
}

// Forget drops key.
func (d *Dedup) Forget(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
}

// Cleanup removes expired entries.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	for k, at := range d.seen {
		if now.Sub(at) >= d.ttl {
			delete(d.seen, k)
		}
	}
}
