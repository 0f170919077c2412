package daemon

import (
	"starmesh/internal/proto"
	"starmesh/internal/state"
)

// defaultApply is the built-in event applier used when the embedding
// simulation does not install its own. It handles the handful of event types
// reconciliation cares about; everything else is carried but not interpreted,
// which is exactly the mesh's contract.
func defaultApply(store state.WorldStore, ev proto.Event) {
	pid := str(ev.Payload, "player_id")
	switch ev.Type {
	case "resource_tick", "mine_burst":
		if pid == "" {
			return
		}
		store.EnsurePlayer(pid, str(ev.Payload, "nick"))
		store.UpdatePlayer(pid, func(p *state.PlayerState) {
			p.Credits += num(ev.Payload, "credits")
			p.Ore += num(ev.Payload, "ore")
			p.Gas += num(ev.Payload, "gas")
			p.Crystal += num(ev.Payload, "crystal")
		})
	case "battle":
		atk := str(ev.Payload, "attacker")
		dfn := str(ev.Payload, "defender")
		if atk != "" {
			store.EnsurePlayer(atk, "")
			store.UpdatePlayer(atk, func(p *state.PlayerState) {
				p.HP = int(numDefault(ev.Payload, "attacker_hp", int64(p.HP)))
			})
		}
		if dfn != "" {
			store.EnsurePlayer(dfn, "")
			store.UpdatePlayer(dfn, func(p *state.PlayerState) {
				p.HP = int(numDefault(ev.Payload, "defender_hp", int64(p.HP)))
			})
		}
		store.RecordBattle(state.BattleRecord{
			Attacker:       atk,
			Defender:       dfn,
			Winner:         str(ev.Payload, "winner"),
			DamageAttacker: int(num(ev.Payload, "damage_attacker")),
			DamageDefender: int(num(ev.Payload, "damage_defender")),
			SectorID:       int(numDefault(ev.Payload, "sector_id", state.DefaultSector)),
			Summary:        str(ev.Payload, "summary"),
		})
	case "alliance_join":
		aid := str(ev.Payload, "alliance_id")
		if pid == "" || aid == "" {
			return
		}
		store.EnsurePlayer(pid, str(ev.Payload, "nick"))
		store.UpdatePlayer(pid, func(p *state.PlayerState) {
			p.AllianceID = aid
		})
	case "jump":
		if pid == "" {
			return
		}
		store.EnsurePlayer(pid, str(ev.Payload, "nick"))
		store.UpdatePlayer(pid, func(p *state.PlayerState) {
			p.Sector = int(numDefault(ev.Payload, "to", int64(p.Sector)))
		})
	}
}

func str(payload map[string]any, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

// num reads a numeric payload field. msgpack decodes integers into a mix of
// int8/uint16/etc depending on magnitude, so accept the lot.
func num(payload map[string]any, key string) int64 {
	return numDefault(payload, key, 0)
}

func numDefault(payload map[string]any, key string, def int64) int64 {
	switch v := payload[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case int16:
		return int64(v)
	case int8:
		return int64(v)
	case uint64:
		return int64(v)
	case uint32:
		return int64(v)
	case uint16:
		return int64(v)
	case uint8:
		return int64(v)
	case uint:
		return int64(v)
	case float64:
		return int64(v)
	case float32:
		return int64(v)
	default:
		return def
	}
}
