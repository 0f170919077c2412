package gossip

import (
	"math"
	"math/rand"

	"starmesh/internal/peer"
)

// FanoutSize is the gossip subset size for n candidate peers:
// max(3, floor(sqrt(n))+1), capped at n. Square-root fanout gives
// logarithmic-ish propagation depth without full membership knowledge.
func FanoutSize(n int) int {
	if n <= 0 {
		return 0
	}
	size := int(math.Sqrt(float64(n))) + 1
	if size < 3 {
		size = 3
	}
	if size > n {
		size = n
	}
	return size
}

// SelectPeers picks the fanout subset uniformly at random without
// replacement, excluding the given peer ids (normally the event's sender, so
// it does not bounce straight back).
func SelectPeers(candidates []peer.Peer, exclude map[string]struct{}) []peer.Peer {
	eligible := make([]peer.Peer, 0, len(candidates))
	for _, p := range candidates {
		if exclude != nil {
			if _, skip := exclude[p.ID]; skip {
				continue
			}
		}
		eligible = append(eligible, p)
	}
	size := FanoutSize(len(eligible))
	if size == 0 {
		return nil
	}
	rand.Shuffle(len(eligible), func(i, j int) {
		eligible[i], eligible[j] = eligible[j], eligible[i]
	})
	return eligible[:size]
}
