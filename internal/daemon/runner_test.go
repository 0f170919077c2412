package daemon

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"starmesh/internal/proto"
	"starmesh/internal/state"
)

func startRunner(t *testing.T, ctx context.Context, secretByte, shard string, seeds []string) *Runner {
	t.Helper()
	r, err := NewRunner(Options{
		SecretHex:  strings.Repeat(secretByte, 64),
		Shard:      shard,
		ListenHost: "127.0.0.1",
		ListenPort: 0,
		Seeds:      seeds,
		DataDir:    t.TempDir(),
	})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	go r.Run(ctx)
	return r
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestTwoNodesDiscoverEachOther(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := startRunner(t, ctx, "a", "alpha", nil)
	b := startRunner(t, ctx, "b", "alpha", []string{"127.0.0.1:" + itoa(a.ListenPort())})

	// B hellos the seed; A learns B from the hello, B learns A from the
	// peer-list reply.
	waitFor(t, "A to see B", func() bool {
		_, ok := a.Membership.Get(b.ID.SenderID)
		return ok
	})
	waitFor(t, "B to see A", func() bool {
		_, ok := b.Membership.Get(a.ID.SenderID)
		return ok
	})
	// Discovery also registers the remote player.
	if _, ok := a.Store.Player(b.ID.SenderID); !ok {
		t.Fatalf("hello did not register remote player")
	}
}

func TestEventPropagatesAndAppliesOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := startRunner(t, ctx, "a", "alpha", nil)
	b := startRunner(t, ctx, "b", "alpha", []string{"127.0.0.1:" + itoa(a.ListenPort())})

	waitFor(t, "discovery", func() bool {
		_, ok := a.Membership.Get(b.ID.SenderID)
		return ok
	})

	events, cancelSub := b.Subscribe()
	defer cancelSub()

	ev := a.EmitEvent("resource_tick", map[string]any{
		"player_id": a.ID.SenderID,
		"credits":   25,
	})

	// A applies its own event immediately.
	self, _ := a.Store.Player(a.ID.SenderID)
	if self.Credits != 25 {
		t.Fatalf("local apply missing: credits=%d", self.Credits)
	}

	waitFor(t, "remote apply", func() bool {
		p, ok := b.Store.Player(a.ID.SenderID)
		return ok && p.Credits == 25
	})
	select {
	case got := <-events:
		if got.ID != ev.ID {
			t.Fatalf("subscriber saw %s, want %s", got.ID, ev.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("subscriber never notified")
	}

	// A duplicate of the same event must not apply again.
	b.applyRemoteEvent(ev, a.ID.SenderID)
	p, _ := b.Store.Player(a.ID.SenderID)
	if p.Credits != 25 {
		t.Fatalf("duplicate applied: credits=%d", p.Credits)
	}
}

func TestReliableEventClearsPending(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := startRunner(t, ctx, "a", "alpha", nil)
	b := startRunner(t, ctx, "b", "alpha", []string{"127.0.0.1:" + itoa(a.ListenPort())})

	waitFor(t, "discovery", func() bool {
		_, ok := a.Membership.Get(b.ID.SenderID)
		return ok
	})

	// battle is in the default reliable set, so it rides the retransmit queue
	// until B acknowledges.
	a.EmitEvent("battle", map[string]any{
		"attacker": a.ID.SenderID,
		"defender": b.ID.SenderID,
		"winner":   a.ID.SenderID,
	})
	waitFor(t, "pending to drain", func() bool {
		return len(a.Mesh.PendingSeqs()) == 0
	})
	waitFor(t, "battle to replicate", func() bool {
		return len(b.Store.RecentBattles(1)) == 1
	})
}

func TestShardsStayIsolated(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := startRunner(t, ctx, "a", "alpha", nil)
	b := startRunner(t, ctx, "b", "beta", []string{"127.0.0.1:" + itoa(a.ListenPort())})

	time.Sleep(500 * time.Millisecond)
	if _, ok := a.Membership.Get(b.ID.SenderID); ok {
		t.Fatalf("cross-shard hello accepted")
	}
}

func TestSnapshotRequestCorrelation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := startRunner(t, ctx, "a", "alpha", nil)
	b := startRunner(t, ctx, "b", "alpha", []string{"127.0.0.1:" + itoa(a.ListenPort())})

	waitFor(t, "discovery", func() bool {
		_, ok := b.Membership.Get(a.ID.SenderID)
		return ok
	})

	// Give A players B does not know about, then hand B A's hash directly.
	a.Store.EnsurePlayer("stray-1", "s1")
	a.Store.EnsurePlayer("stray-2", "s2")

	peerA, _ := b.Membership.Get(a.ID.SenderID)
	env, err := proto.NewEnvelope(proto.MsgSnapshotHash, a.ID.SenderID, 0, "alpha", 1,
		proto.SnapshotHashPayload{Hash: state.SnapshotHash(a.Store)})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	b.onSnapshotHash(env, peerA.Addr())

	waitFor(t, "snapshot merge", func() bool {
		_, ok1 := b.Store.Player("stray-1")
		_, ok2 := b.Store.Player("stray-2")
		return ok1 && ok2
	})

	// An unsolicited snapshot response must be ignored.
	a.Store.EnsurePlayer("stray-3", "s3")
	res := state.BuildSnapshot(a.Store)
	res.ReqID = "never-issued"
	resEnv, err := proto.NewEnvelope(proto.MsgSnapshotRes, a.ID.SenderID, 0, "alpha", 1, res)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	b.onSnapshotRes(resEnv)
	if _, ok := b.Store.Player("stray-3"); ok {
		t.Fatalf("unsolicited snapshot merged")
	}
}

func TestHopCeilingStopsForwarding(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := startRunner(t, ctx, "a", "alpha", nil)
	b := startRunner(t, ctx, "b", "alpha", []string{"127.0.0.1:" + itoa(a.ListenPort())})

	waitFor(t, "discovery", func() bool {
		_, ok := b.Membership.Get(a.ID.SenderID)
		return ok
	})
	maxHops := b.Policy().MaxEventHops

	// At the ceiling the event still applies locally but must not travel on.
	capped := proto.Event{
		ID:      proto.EventID("remote-origin", 1, time.Now().UnixMilli(), nil),
		Type:    "resource_tick",
		Sender:  "remote-origin",
		Hops:    maxHops,
		Payload: map[string]any{"player_id": "hop-capped", "credits": 1},
	}
	b.applyRemoteEvent(capped, "remote-origin")
	if _, ok := b.Store.Player("hop-capped"); !ok {
		t.Fatalf("event at hop ceiling not applied locally")
	}
	time.Sleep(700 * time.Millisecond)
	if _, ok := a.Store.Player("hop-capped"); ok {
		t.Fatalf("event at hop ceiling forwarded to peer")
	}

	// One hop below the ceiling it is forwarded once more.
	open := proto.Event{
		ID:      proto.EventID("remote-origin", 2, time.Now().UnixMilli(), nil),
		Type:    "resource_tick",
		Sender:  "remote-origin",
		Hops:    maxHops - 1,
		Payload: map[string]any{"player_id": "hop-open", "credits": 1},
	}
	b.applyRemoteEvent(open, "remote-origin")
	waitFor(t, "below-ceiling event to forward", func() bool {
		_, ok := a.Store.Player("hop-open")
		return ok
	})
}

func TestPolicyReload(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	path := filepath.Join(t.TempDir(), "policy.json")
	writePolicy := func(body string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(body), 0600); err != nil {
			t.Fatalf("write policy: %v", err)
		}
	}
	writePolicy(`{"max_event_hops": 4}`)

	r, err := NewRunner(Options{
		SecretHex:  strings.Repeat("a", 64),
		Shard:      "alpha",
		ListenHost: "127.0.0.1",
		PolicyPath: path,
		DataDir:    t.TempDir(),
	})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	go r.Run(ctx)
	if r.Policy().MaxEventHops != 4 {
		t.Fatalf("initial policy not loaded: hops=%d", r.Policy().MaxEventHops)
	}

	writePolicy(`{"max_event_hops": 5, "rate_limits": {"packets_per_sec": 10}}`)
	pol, err := r.ReloadPolicy()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if pol.MaxEventHops != 5 || pol.PacketsPerSec != 10 {
		t.Fatalf("reload returned stale policy: %+v", pol)
	}
	if got := r.Policy(); got.MaxEventHops != 5 || got.PacketsPerSec != 10 {
		t.Fatalf("reload not active: %+v", got)
	}

	// An epoch move is a restart, not a reload; the active policy stays put.
	writePolicy(`{"protocol_epoch": 2}`)
	if _, err := r.ReloadPolicy(); err == nil {
		t.Fatalf("epoch change accepted on reload")
	}
	if got := r.Policy(); got.ProtocolEpoch != 1 || got.MaxEventHops != 5 {
		t.Fatalf("failed reload mutated the active policy: %+v", got)
	}
}

func TestAllianceInviteForSelf(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := startRunner(t, ctx, "a", "alpha", nil)

	env, err := proto.NewEnvelope(proto.MsgAllianceInvite, "remote-sender", 0, "alpha", 1,
		proto.AllianceInvitePayload{Target: a.ID.SenderID, AllianceID: "alliance-9"})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	a.onAllianceInvite(env)
	self, _ := a.Store.Player(a.ID.SenderID)
	if self.AllianceID != "alliance-9" {
		t.Fatalf("invite for self not applied: %+v", self)
	}

	// Invites addressed to someone else are ignored.
	other, err := proto.NewEnvelope(proto.MsgAllianceInvite, "remote-sender", 0, "alpha", 1,
		proto.AllianceInvitePayload{Target: "someone-else", AllianceID: "alliance-x"})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	a.onAllianceInvite(other)
	self, _ = a.Store.Player(a.ID.SenderID)
	if self.AllianceID != "alliance-9" {
		t.Fatalf("invite for another target applied: %+v", self)
	}
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
