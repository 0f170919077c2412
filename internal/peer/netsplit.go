package peer

import (
	"sync"
	"time"
)

const DefaultSplitTimeout = 20 * time.Second

// NetsplitTracker derives a coarse isolated-vs-merged signal from the rate of
// peer sightings, independent of per-peer bookkeeping, so a dashboard can show
// "you are isolated" without walking the peer table each tick.
type NetsplitTracker struct {
	mu           sync.Mutex
	lastPeerSeen time.Time
	splitActive  bool
	mergeCount   int
	now          func() time.Time
}

func NewNetsplitTracker() *NetsplitTracker {
	t := &NetsplitTracker{now: time.Now}
	t.lastPeerSeen = t.now()
	return t
}

// OnPeerSeen records contact. If a split was active it is cleared and counts
// as one merge.
func (t *NetsplitTracker) OnPeerSeen() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.splitActive {
		t.splitActive = false
		t.mergeCount++
	}
	t.lastPeerSeen = t.now()
}

// Tick marks the node isolated once it has no healthy peers and has gone
// longer than timeout without any contact.
func (t *NetsplitTracker) Tick(peerCount int, timeout time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if peerCount == 0 && t.now().Sub(t.lastPeerSeen) > timeout {
		t.splitActive = true
	}
}

func (t *NetsplitTracker) SplitActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.splitActive
}

func (t *NetsplitTracker) MergeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mergeCount
}
