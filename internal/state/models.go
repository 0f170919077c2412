package state

// PlayerState is the replicated view of one participant. The mesh never
// interprets it; it exists here so reconciliation can hash and merge it.
type PlayerState struct {
	PlayerID   string `json:"player_id"`
	Nick       string `json:"nick"`
	Doctrine   string `json:"doctrine"`
	Credits    int64  `json:"credits"`
	Ore        int64  `json:"ore"`
	Gas        int64  `json:"gas"`
	Crystal    int64  `json:"crystal"`
	HP         int    `json:"hp"`
	Sector     int    `json:"sector"`
	AllianceID string `json:"alliance_id"`
}

type BattleRecord struct {
	Attacker       string `json:"attacker"`
	Defender       string `json:"defender"`
	Winner         string `json:"winner"`
	DamageAttacker int    `json:"damage_attacker"`
	DamageDefender int    `json:"damage_defender"`
	SectorID       int    `json:"sector_id"`
	Summary        string `json:"summary"`
	TS             int64  `json:"ts"`
}

var Doctrines = []string{"assault", "siege", "defense"}

const (
	DefaultHP     = 100
	DefaultSector = 1
)
