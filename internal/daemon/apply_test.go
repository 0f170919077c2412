package daemon

import (
	"testing"

	"starmesh/internal/proto"
	"starmesh/internal/state"
)

func TestApplyResourceTick(t *testing.T) {
	s := state.NewMemoryStore()
	defaultApply(s, proto.Event{
		Type: "resource_tick",
		Payload: map[string]any{
			"player_id": "p1",
			"credits":   int8(5), // msgpack picks the narrowest integer type
			"ore":       uint16(300),
			"gas":       int64(7),
		},
	})
	p, ok := s.Player("p1")
	if !ok {
		t.Fatalf("player not created")
	}
	if p.Credits != 5 || p.Ore != 300 || p.Gas != 7 || p.Crystal != 0 {
		t.Fatalf("resources wrong: %+v", p)
	}
}

func TestApplyBattle(t *testing.T) {
	s := state.NewMemoryStore()
	defaultApply(s, proto.Event{
		Type: "battle",
		Payload: map[string]any{
			"attacker":        "p1",
			"defender":        "p2",
			"winner":          "p1",
			"attacker_hp":     80,
			"defender_hp":     10,
			"damage_attacker": 20,
			"damage_defender": 90,
		},
	})
	atk, _ := s.Player("p1")
	dfn, _ := s.Player("p2")
	if atk.HP != 80 || dfn.HP != 10 {
		t.Fatalf("hp not applied: atk=%d dfn=%d", atk.HP, dfn.HP)
	}
	battles := s.RecentBattles(10)
	if len(battles) != 1 || battles[0].Winner != "p1" || battles[0].DamageDefender != 90 {
		t.Fatalf("battle record wrong: %+v", battles)
	}
}

func TestApplyJumpAndAlliance(t *testing.T) {
	s := state.NewMemoryStore()
	defaultApply(s, proto.Event{
		Type:    "jump",
		Payload: map[string]any{"player_id": "p1", "to": 9},
	})
	p, _ := s.Player("p1")
	if p.Sector != 9 {
		t.Fatalf("jump not applied: %+v", p)
	}

	defaultApply(s, proto.Event{
		Type:    "alliance_join",
		Payload: map[string]any{"player_id": "p1", "alliance_id": "a1"},
	})
	p, _ = s.Player("p1")
	if p.AllianceID != "a1" {
		t.Fatalf("alliance not applied: %+v", p)
	}
}

func TestApplyIgnoresMalformed(t *testing.T) {
	s := state.NewMemoryStore()
	defaultApply(s, proto.Event{Type: "resource_tick", Payload: map[string]any{"credits": 5}})
	defaultApply(s, proto.Event{Type: "jump", Payload: nil})
	defaultApply(s, proto.Event{Type: "alliance_join", Payload: map[string]any{"player_id": "p1"}})
	defaultApply(s, proto.Event{Type: "chat", Payload: map[string]any{"text": "gg"}})
	if n := len(s.Players()); n != 0 {
		t.Fatalf("malformed events created %d players", n)
	}
}
