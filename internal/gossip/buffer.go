package gossip

import (
	"sync"
	"time"

	"starmesh/internal/proto"
)

const (
	DefaultMaxItems = 5000
	// seenHighWater triggers the lazy rebuild of the seen-id set from the
	// ring's current contents. Keeping the set in lockstep with evictions
	// would cost a delete per insert; rebuilding amortizes that instead.
	seenHighWater = 20000
)

type record struct {
	id         string
	insertedAt time.Time
	event      proto.Event
}

// Buffer is the dedup ring: a bounded buffer of recently applied events plus
// the set of ids ever seen within it. Add is the single entry point for both
// locally produced and remote events; a false return means the event was
// already applied and must be neither reprocessed nor re-forwarded.
type Buffer struct {
	mu    sync.Mutex
	max   int
	items []record
	start int
	count int
	seen  map[string]struct{}
	now   func() time.Time
}

func NewBuffer(maxItems int) *Buffer {
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	return &Buffer{
		max:  maxItems,
		seen: make(map[string]struct{}),
		now:  time.Now,
	}
}

// Add records an event id. Returns false for duplicates.
func (b *Buffer) Add(ev proto.Event) bool {
	if ev.ID == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, dup := b.seen[ev.ID]; dup {
		return false
	}
	b.seen[ev.ID] = struct{}{}
	rec := record{id: ev.ID, insertedAt: b.now(), event: ev}
	if b.count < b.max {
		b.items = append(b.items, rec)
		b.count++
	} else {
		// Overwrite the oldest slot.
		b.items[b.start] = rec
		b.start = (b.start + 1) % b.max
	}
	if len(b.seen) > seenHighWater {
		b.rebuildSeenLocked()
	}
	return true
}

func (b *Buffer) rebuildSeenLocked() {
	seen := make(map[string]struct{}, b.count)
	for i := 0; i < b.count; i++ {
		seen[b.items[(b.start+i)%b.max].id] = struct{}{}
	}
	b.seen = seen
}

// Seen reports whether an id is currently known without recording it.
func (b *Buffer) Seen(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.seen[id]
	return ok
}

// Recent returns up to limit events inserted within maxAge, oldest first.
func (b *Buffer) Recent(maxAge time.Duration, limit int) []proto.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := b.now().Add(-maxAge)
	out := make([]proto.Event, 0, limit)
	for i := b.count - 1; i >= 0 && len(out) < limit; i-- {
		rec := b.items[(b.start+i)%b.max]
		if rec.insertedAt.Before(cutoff) {
			break
		}
		out = append(out, rec.event)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}
