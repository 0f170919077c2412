package peer

import (
	"encoding/json"
	"net"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"
)

const (
	// HealthFloor is the score below which a peer is excluded from Healthy
	// regardless of freshness.
	HealthFloor = 10.0
	// InitialScore is the health score a peer starts with. Scores only decay;
	// a sighting refreshes freshness but never restores score.
	InitialScore = 100.0

	DefaultMaxAge = 30 * time.Second
)

// Peer is one known node. Records are created on first sighting and never
// explicitly deleted; staleness is derived from now-LastSeen, so an old peer
// silently falls out of the healthy set and rejoins later without identity
// churn.
type Peer struct {
	ID        string
	Host      string
	Port      int
	Shard     string
	Nick      string
	LastSeen  time.Time
	LatencyMS float64
	Score     float64
}

func (p Peer) Addr() string {
	return joinHostPort(p.Host, p.Port)
}

// Membership is the directory of known peers. Seen is the only mutation path
// for transport details; there is no create/update distinction exposed.
type Membership struct {
	mu    sync.Mutex
	peers map[string]*Peer
	now   func() time.Time
}

func NewMembership() *Membership {
	return &Membership{
		peers: make(map[string]*Peer),
		now:   time.Now,
	}
}

// Seen upserts a peer record, refreshing transport details and freshness.
func (m *Membership) Seen(id, host string, port int, shard, nick string) {
	if id == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	p, ok := m.peers[id]
	if !ok {
		m.peers[id] = &Peer{
			ID: id, Host: host, Port: port, Shard: shard, Nick: nick,
			LastSeen: now, Score: InitialScore,
		}
		return
	}
	p.Host = host
	p.Port = port
	p.Shard = shard
	p.Nick = nick
	p.LastSeen = now
}

// Penalize lowers a peer's health score, floored at zero. The score is a
// one-way reputation signal: it persists across sightings and only decays,
// letting the application route away from flaky or hostile peers for good.
func (m *Membership) Penalize(id string, amount float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.peers[id]; ok {
		p.Score -= amount
		if p.Score < 0 {
			p.Score = 0
		}
	}
}

// ObserveLatency folds a round-trip sample into the peer's smoothed estimate.
func (m *Membership) ObserveLatency(id string, sampleMS float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[id]
	if !ok {
		return
	}
	if p.LatencyMS == 0 {
		p.LatencyMS = sampleMS
		return
	}
	p.LatencyMS = 0.8*p.LatencyMS + 0.2*sampleMS
}

// Healthy returns peers seen within maxAge whose score is above the floor,
// sorted by id for stable iteration.
func (m *Membership) Healthy(maxAge time.Duration) []Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := make([]Peer, 0, len(m.peers))
	for _, p := range m.peers {
		if now.Sub(p.LastSeen) <= maxAge && p.Score > HealthFloor {
			out = append(out, *p)
		}
	}
	sortPeers(out)
	return out
}

// Stale returns peers not seen within maxAge.
func (m *Membership) Stale(maxAge time.Duration) []Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := make([]Peer, 0)
	for _, p := range m.peers {
		if now.Sub(p.LastSeen) > maxAge {
			out = append(out, *p)
		}
	}
	sortPeers(out)
	return out
}

func (m *Membership) Get(id string) (Peer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[id]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

func (m *Membership) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}

type diskPeer struct {
	ID       string  `json:"id"`
	Host     string  `json:"host"`
	Port     int     `json:"port"`
	Shard    string  `json:"shard"`
	Nick     string  `json:"nick"`
	LastSeen int64   `json:"last_seen_ms"`
	Score    float64 `json:"score"`
}

// SaveTo writes the peer table so a restarted node rejoins without waiting
// for fresh HELLO round trips. Scores persist; freshness does too, so loaded
// peers that have aged out start stale-but-known.
func (m *Membership) SaveTo(path string) error {
	m.mu.Lock()
	recs := make([]diskPeer, 0, len(m.peers))
	for _, p := range m.peers {
		recs = append(recs, diskPeer{
			ID: p.ID, Host: p.Host, Port: p.Port, Shard: p.Shard, Nick: p.Nick,
			LastSeen: p.LastSeen.UnixMilli(), Score: p.Score,
		})
	}
	m.mu.Unlock()
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// LoadFrom merges a saved peer table. Records for already-known peers are
// ignored; live state wins over disk.
func (m *Membership) LoadFrom(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var recs []diskPeer
	if err := json.Unmarshal(data, &recs); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range recs {
		if r.ID == "" || r.Host == "" || r.Port == 0 {
			continue
		}
		if _, ok := m.peers[r.ID]; ok {
			continue
		}
		m.peers[r.ID] = &Peer{
			ID: r.ID, Host: r.Host, Port: r.Port, Shard: r.Shard, Nick: r.Nick,
			LastSeen: time.UnixMilli(r.LastSeen), Score: r.Score,
		}
	}
	return nil
}

func sortPeers(ps []Peer) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].ID < ps[j].ID })
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
