package daemon

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"starmesh/internal/metrics"
	"starmesh/internal/peer"
	"starmesh/internal/proto"
	"starmesh/internal/state"
)

// handleMessage is the application callback the mesh invokes for every
// decoded, authenticated envelope. Unknown message types pass through
// untouched so future epochs can add types without breaking older nodes.
func (r *Runner) handleMessage(env proto.Envelope, addr string) {
	switch env.Type {
	case proto.MsgHello:
		r.onHello(env, addr)
	case proto.MsgPeerList:
		r.onPeerList(env, addr)
	case proto.MsgPing:
		r.onPing(env, addr)
	case proto.MsgPong:
		r.onPong(env)
	case proto.MsgEventBatch:
		r.onEventBatch(env)
	case proto.MsgAllianceInvite:
		r.onAllianceInvite(env)
	case proto.MsgSnapshotHash:
		r.onSnapshotHash(env, addr)
	case proto.MsgSnapshotReq:
		r.onSnapshotReq(env, addr)
	case proto.MsgSnapshotRes:
		r.onSnapshotRes(env)
	case proto.MsgAck:
		// Ack bookkeeping already happened in the mesh.
	default:
		r.log.Debug("unknown message type", zap.String("type", env.Type), zap.String("sender", env.Sender))
	}
}

func (r *Runner) onHello(env proto.Envelope, addr string) {
	var hello proto.HelloPayload
	if err := proto.UnmarshalPayload(env, &hello); err != nil {
		return
	}
	host := hostOf(addr)
	port := hello.Port
	if port == 0 {
		port = portOf(addr)
	}
	nick := hello.Nick
	if nick == "" && len(env.Sender) >= 8 {
		nick = env.Sender[:8]
	}
	r.Membership.Seen(env.Sender, host, port, r.shard, nick)
	r.onContact()
	r.Store.EnsurePlayer(env.Sender, nick)

	peers := r.Membership.Healthy(peer.DefaultMaxAge)
	entries := make([]proto.PeerEntry, 0, len(peers))
	for _, p := range peers {
		entries = append(entries, proto.PeerEntry{ID: p.ID, Host: p.Host, Port: p.Port, Nick: p.Nick})
	}
	reply := addrOf(host, port)
	if _, err := r.Mesh.Send(proto.MsgPeerList, proto.PeerListPayload{Peers: entries}, reply, false); err != nil {
		r.log.Debug("peer list send failed", zap.String("addr", reply), zap.Error(err))
	}
	r.log.Info("peer online", zap.String("nick", nick), zap.String("addr", reply))
}

func (r *Runner) onPeerList(env proto.Envelope, addr string) {
	var list proto.PeerListPayload
	if err := proto.UnmarshalPayload(env, &list); err != nil {
		return
	}
	// The responder itself is not in its own list, but one socket serves both
	// listen and send, so the source address is a valid contact address.
	r.Membership.Seen(env.Sender, hostOf(addr), portOf(addr), r.shard, "")
	r.onContact()
	for _, entry := range list.Peers {
		if entry.ID == "" || entry.ID == r.ID.SenderID {
			continue
		}
		if entry.Host == "" || entry.Port == 0 {
			continue
		}
		r.Membership.Seen(entry.ID, entry.Host, entry.Port, r.shard, entry.Nick)
	}
}

func (r *Runner) onPing(env proto.Envelope, addr string) {
	var ping proto.PingPayload
	if err := proto.UnmarshalPayload(env, &ping); err != nil {
		return
	}
	if _, err := r.Mesh.Send(proto.MsgPong, proto.PongPayload{TS: ping.TS}, addr, false); err != nil {
		r.log.Debug("pong send failed", zap.String("addr", addr), zap.Error(err))
	}
}

func (r *Runner) onPong(env proto.Envelope) {
	var pong proto.PongPayload
	if err := proto.UnmarshalPayload(env, &pong); err != nil {
		return
	}
	r.onContact()
	if pong.TS > 0 {
		if rtt := time.Now().UnixMilli() - pong.TS; rtt >= 0 {
			r.Membership.ObserveLatency(env.Sender, float64(rtt))
		}
	}
}

func (r *Runner) onEventBatch(env proto.Envelope) {
	var batch proto.EventBatchPayload
	if err := proto.UnmarshalPayload(env, &batch); err != nil {
		return
	}
	for _, ev := range batch.Events {
		r.applyRemoteEvent(ev, env.Sender)
	}
}

// applyRemoteEvent applies one gossiped event at most once and re-forwards
// it while its hop budget lasts. Dedup before both apply and forward is what
// makes hop-limited flooding safe on a cyclic peer graph.
func (r *Runner) applyRemoteEvent(ev proto.Event, from string) {
	if !r.buffer.Add(ev) {
		metrics.RxDropped.WithLabelValues(metrics.DropDuplicate).Inc()
		return
	}
	metrics.EventsApplied.Inc()
	r.apply(r.Store, ev)
	r.publish(ev)

	pol := r.Policy()
	if ev.Hops >= pol.MaxEventHops {
		return
	}
	fwd := ev
	fwd.Hops++
	exclude := map[string]struct{}{from: {}}
	if ev.Sender != "" {
		exclude[ev.Sender] = struct{}{}
	}
	r.fanout([]proto.Event{fwd}, exclude, pol.Reliable(ev.Type))
}

func (r *Runner) onAllianceInvite(env proto.Envelope) {
	var inv proto.AllianceInvitePayload
	if err := proto.UnmarshalPayload(env, &inv); err != nil {
		return
	}
	if inv.Target != r.ID.SenderID || inv.AllianceID == "" {
		return
	}
	r.Store.EnsurePlayer(r.ID.SenderID, r.nick)
	r.Store.UpdatePlayer(r.ID.SenderID, func(p *state.PlayerState) {
		p.AllianceID = inv.AllianceID
	})
	r.EmitEvent("alliance_join", map[string]any{
		"player_id":   r.ID.SenderID,
		"alliance_id": inv.AllianceID,
	})
	r.log.Info("joined alliance", zap.String("alliance", inv.AllianceID), zap.String("inviter", env.Sender))
}

func (r *Runner) onSnapshotHash(env proto.Envelope, addr string) {
	var sh proto.SnapshotHashPayload
	if err := proto.UnmarshalPayload(env, &sh); err != nil {
		return
	}
	if sh.Hash == "" || sh.Hash == state.SnapshotHash(r.Store) {
		return
	}
	reqID := uuid.NewString()
	r.mu.Lock()
	now := time.Now()
	for id, issued := range r.snapReqs {
		if now.Sub(issued) > snapReqTTL {
			delete(r.snapReqs, id)
		}
	}
	r.snapReqs[reqID] = now
	r.mu.Unlock()
	if _, err := r.Mesh.Send(proto.MsgSnapshotReq, proto.SnapshotReqPayload{ReqID: reqID}, addr, false); err != nil {
		r.log.Debug("snapshot req failed", zap.String("addr", addr), zap.Error(err))
	}
}

func (r *Runner) onSnapshotReq(env proto.Envelope, addr string) {
	var req proto.SnapshotReqPayload
	if err := proto.UnmarshalPayload(env, &req); err != nil {
		return
	}
	res := state.BuildSnapshot(r.Store)
	res.ReqID = req.ReqID
	if _, err := r.Mesh.Send(proto.MsgSnapshotRes, res, addr, false); err != nil {
		r.log.Debug("snapshot res failed", zap.String("addr", addr), zap.Error(err))
	}
}

// onSnapshotRes merges only responses correlated to a request this node
// issued; unsolicited snapshots are ignored outright, and solicited ones
// still go through the conservative upsert-only merge.
func (r *Runner) onSnapshotRes(env proto.Envelope) {
	var res proto.SnapshotResPayload
	if err := proto.UnmarshalPayload(env, &res); err != nil {
		return
	}
	r.mu.Lock()
	_, known := r.snapReqs[res.ReqID]
	if known {
		delete(r.snapReqs, res.ReqID)
	}
	r.mu.Unlock()
	if !known {
		return
	}
	created := state.MergeSnapshot(r.Store, res.Players)
	metrics.SnapshotsMerged.Inc()
	if created > 0 {
		r.log.Info("snapshot merged", zap.Int("players_created", created), zap.String("from", env.Sender))
	}
}

// onContact feeds the netsplit tracker on any successful peer contact.
func (r *Runner) onContact() {
	wasSplit := r.Netsplit.SplitActive()
	r.Netsplit.OnPeerSeen()
	if wasSplit {
		metrics.NetsplitMerges.Inc()
		r.log.Info("netsplit merged", zap.Int("merge_count", r.Netsplit.MergeCount()))
	}
}
