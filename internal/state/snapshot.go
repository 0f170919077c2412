package state

import (
	"encoding/hex"
	"encoding/json"

	"starmesh/internal/crypto"
	"starmesh/internal/proto"
)

const (
	hashBattleWindow = 50
	// SnapshotPlayerLimit bounds SNAPSHOT_RES payloads.
	SnapshotPlayerLimit = 100
)

// SnapshotHash hashes the replicated state deterministically: players sorted
// by id, recent battle history, canonical JSON. Two nodes with the same state
// produce the same hash regardless of insertion order.
func SnapshotHash(store WorldStore) string {
	blob, err := json.Marshal(struct {
		Players []PlayerState  `json:"players"`
		Battles []BattleRecord `json:"battles"`
	}{
		Players: store.Players(),
		Battles: store.RecentBattles(hashBattleWindow),
	})
	if err != nil {
		return ""
	}
	return hex.EncodeToString(crypto.SHA3_256(blob))
}

// BuildSnapshot assembles the compact snapshot a node returns for
// SNAPSHOT_REQ.
func BuildSnapshot(store WorldStore) proto.SnapshotResPayload {
	players := store.Players()
	if len(players) > SnapshotPlayerLimit {
		players = players[:SnapshotPlayerLimit]
	}
	records := make([]proto.PlayerRecord, 0, len(players))
	for _, p := range players {
		records = append(records, proto.PlayerRecord{
			PlayerID:   p.PlayerID,
			Nick:       p.Nick,
			Credits:    p.Credits,
			Ore:        p.Ore,
			Gas:        p.Gas,
			Crystal:    p.Crystal,
			HP:         p.HP,
			Sector:     p.Sector,
			AllianceID: p.AllianceID,
		})
	}
	return proto.SnapshotResPayload{Players: records, Hash: SnapshotHash(store)}
}

// MergeSnapshot applies a received snapshot conservatively: it creates
// records for unknown players (existence is safe to accept) and touches
// nothing else. A known player's fields are never overwritten, so a stale or
// malicious snapshot cannot rewrite resource totals or ownership the local
// node already has a position on. Reconciliation is a convergence aid, not a
// consistency guarantee. Returns the number of players created.
func MergeSnapshot(store WorldStore, players []proto.PlayerRecord) int {
	created := 0
	for _, rec := range players {
		if rec.PlayerID == "" {
			continue
		}
		if _, ok := store.Player(rec.PlayerID); ok {
			continue
		}
		store.EnsurePlayer(rec.PlayerID, rec.Nick)
		created++
	}
	return created
}
