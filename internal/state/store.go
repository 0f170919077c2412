package state

import (
	"sort"
	"sync"
	"time"
)

// WorldStore is the surface reconciliation needs from the persistent state
// store, which is an external collaborator. The simulation's own store
// implements this; MemoryStore is the in-process reference used by tests and
// standalone nodes.
type WorldStore interface {
	// EnsurePlayer creates a default record if the id is unknown. It is the
	// only unconditionally safe creation ("this player exists") and therefore
	// the only write the conservative merge performs.
	EnsurePlayer(id, nick string)
	Player(id string) (PlayerState, bool)
	// Players returns all known players sorted by id.
	Players() []PlayerState
	UpdatePlayer(id string, fn func(*PlayerState))
	RecordBattle(b BattleRecord)
	// RecentBattles returns up to limit battles, newest last.
	RecentBattles(limit int) []BattleRecord
}

const maxBattleHistory = 500

// MemoryStore may be shared with a control-plane goroutine, so every method
// takes the lock.
type MemoryStore struct {
	mu      sync.Mutex
	players map[string]PlayerState
	battles []BattleRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{players: make(map[string]PlayerState)}
}

func (s *MemoryStore) EnsurePlayer(id, nick string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.players[id]; ok {
		return
	}
	if nick == "" {
		nick = shortID(id)
	}
	s.players[id] = PlayerState{
		PlayerID: id,
		Nick:     nick,
		Doctrine: Doctrines[0],
		HP:       DefaultHP,
		Sector:   DefaultSector,
	}
}

func (s *MemoryStore) Player(id string) (PlayerState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[id]
	return p, ok
}

func (s *MemoryStore) Players() []PlayerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PlayerState, 0, len(s.players))
	for _, p := range s.players {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlayerID < out[j].PlayerID })
	return out
}

func (s *MemoryStore) UpdatePlayer(id string, fn func(*PlayerState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[id]
	if !ok {
		return
	}
	fn(&p)
	s.players[id] = p
}

func (s *MemoryStore) RecordBattle(b BattleRecord) {
	if b.TS == 0 {
		b.TS = time.Now().UnixMilli()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.battles = append(s.battles, b)
	if len(s.battles) > maxBattleHistory {
		s.battles = s.battles[len(s.battles)-maxBattleHistory:]
	}
}

func (s *MemoryStore) RecentBattles(limit int) []BattleRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.battles) {
		limit = len(s.battles)
	}
	out := make([]BattleRecord, limit)
	copy(out, s.battles[len(s.battles)-limit:])
	return out
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
