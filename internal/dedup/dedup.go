// Package dedup is the two-stage duplicate suppression (SPEC_FULL.md §4.2):
// a bounded FIFO of processed event ids, checked by the Dispatcher, and a
// content-fingerprint cache with a short TTL, checked by the Processor, that
// catches retransmits of the same plaintext under a new event id. Grounded on the teacher's
// pkg/protocol/ws subscription-id bookkeeping pattern (fixed-capacity map +
// eviction queue), guarded by a plain sync.Mutex rather than a lock-free map
// since both caches also maintain an ordered eviction list alongside the map.
package dedup

import (
	"container/list"
	"sync"
	"time"

	"github.com/minio/sha256-simd"
)

const (
	// DefaultEventSetCapacity bounds the processed-event-id FIFO.
	DefaultEventSetCapacity = 1000
	// DefaultFingerprintTTL is how long a content fingerprint suppresses a
	// repeat of the same plaintext.
	DefaultFingerprintTTL = 5 * time.Minute
)

// EventSet is a bounded FIFO of seen event ids: the oldest id is evicted
// once capacity is exceeded, per SPEC_FULL.md §4.2 Processed-Event Set.
type EventSet struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

// NewEventSet constructs an EventSet bounded to capacity entries.
func NewEventSet(capacity int) *EventSet {
	if capacity <= 0 {
		capacity = DefaultEventSetCapacity
	}
	return &EventSet{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
}

// Seen reports whether id was already recorded, recording it if not. A
// true return means the caller should drop the event as a duplicate.
func (e *EventSet) Seen(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.index[id]; ok {
		return true
	}
	el := e.order.PushBack(id)
	e.index[id] = el
	for e.order.Len() > e.capacity {
		front := e.order.Front()
		if front == nil {
			break
		}
		e.order.Remove(front)
		delete(e.index, front.Value.(string))
	}
	return false
}

// Len returns the number of ids currently tracked.
func (e *EventSet) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.order.Len()
}

// FingerprintCache suppresses repeats of identical plaintext content from
// the same user within a TTL window, independent of event id, per
// SPEC_FULL.md §4.2.
type FingerprintCache struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[string]time.Time
}

// NewFingerprintCache constructs a cache with the given TTL (DefaultFingerprintTTL
// when ttl <= 0).
func NewFingerprintCache(ttl time.Duration) *FingerprintCache {
	if ttl <= 0 {
		ttl = DefaultFingerprintTTL
	}
	return &FingerprintCache{ttl: ttl, m: make(map[string]time.Time)}
}

// Fingerprint derives the dedup key for a (user, content) pair.
func Fingerprint(userKey, content string) string {
	sum := sha256.Sum256([]byte(userKey + "\x00" + content))
	return string(sum[:])
}

// SeenRecently reports whether fp was recorded within the TTL window at
// now, recording it (or refreshing its timestamp) either way.
func (f *FingerprintCache) SeenRecently(fp string, now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if last, ok := f.m[fp]; ok && now.Sub(last) < f.ttl {
		return true
	}
	f.m[fp] = now
	return false
}

// Sweep removes entries older than the TTL, bounding memory for long-running
// processes. Intended to be called periodically from a background ticker.
func (f *FingerprintCache) Sweep(now time.Time) (removed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, t := range f.m {
		if now.Sub(t) >= f.ttl {
			delete(f.m, k)
			removed++
		}
	}
	return removed
}
