package daemon

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	mrand "math/rand"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"starmesh/internal/gossip"
	"starmesh/internal/identity"
	"starmesh/internal/mesh"
	"starmesh/internal/metrics"
	"starmesh/internal/peer"
	"starmesh/internal/policy"
	"starmesh/internal/proto"
	"starmesh/internal/state"
	"starmesh/internal/transport"
)

const (
	announceInterval  = 8 * time.Second
	announceJitter    = 1500 * time.Millisecond
	pingInterval      = 10 * time.Second
	reconcileInterval = 30 // seconds, wall-clock modulus
	fanoutMaxAge      = 240 * time.Second
	snapReqTTL        = 30 * time.Second
	peerBookFile      = "peers.json"
	secretFile        = "secret.hex"
)

// ApplyFunc applies one deduplicated event to replicated state. The
// simulation rules that interpret payloads live outside the mesh; this is
// their hook.
type ApplyFunc func(store state.WorldStore, ev proto.Event)

// Runner owns one node: identity, policy, transport, mesh, membership,
// gossip and reconciliation, plus the loops that drive them.
type Runner struct {
	ID         *identity.Identity
	Membership *peer.Membership
	Netsplit   *peer.NetsplitTracker
	Store      state.WorldStore
	Mesh       *mesh.Mesh

	log        *zap.Logger
	pol        *policy.Policy
	buffer     *gossip.Buffer
	tr         *transport.UDP
	shard      string
	nick       string
	listenPort int
	seeds      []string
	policyPath string
	dataDir    string
	apply      ApplyFunc

	mu           sync.Mutex
	eventCounter uint64
	snapReqs     map[string]time.Time
	subscribers  map[int]chan proto.Event
	nextSubID    int
	lastRecon    int64
}

type Options struct {
	SecretHex      string
	Shard          string
	Nick           string
	ListenHost     string
	ListenPort     int
	Seeds          []string
	PolicyPath     string
	OperatorSecret string
	DataDir        string
	Store          state.WorldStore
	Apply          ApplyFunc
	Log            *zap.Logger
}

func NewRunner(opts Options) (*Runner, error) {
	if opts.Shard == "" {
		return nil, fmt.Errorf("missing shard")
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.DataDir != "" {
		if err := os.MkdirAll(opts.DataDir, 0700); err != nil {
			return nil, err
		}
	}
	secretHex, err := ensureSecret(opts.SecretHex, opts.DataDir)
	if err != nil {
		return nil, err
	}
	id, err := identity.New(secretHex)
	if err != nil {
		return nil, err
	}
	pol := policy.Default()
	if opts.PolicyPath != "" {
		pol, err = policy.Load(opts.PolicyPath)
		if err != nil {
			return nil, err
		}
	}
	tr, err := transport.Listen(opts.ListenHost, opts.ListenPort, opts.Log)
	if err != nil {
		return nil, err
	}
	st := opts.Store
	if st == nil {
		st = state.NewMemoryStore()
	}
	applyFn := opts.Apply
	if applyFn == nil {
		applyFn = defaultApply
	}
	nick := opts.Nick
	if nick == "" {
		nick = id.SenderID[:8]
	}

	r := &Runner{
		ID:          id,
		Membership:  peer.NewMembership(),
		Netsplit:    peer.NewNetsplitTracker(),
		Store:       st,
		log:         opts.Log,
		pol:         pol,
		buffer:      gossip.NewBuffer(0),
		tr:          tr,
		shard:       opts.Shard,
		nick:        nick,
		listenPort:  tr.Port(),
		seeds:       append([]string(nil), opts.Seeds...),
		policyPath:  opts.PolicyPath,
		dataDir:     opts.DataDir,
		apply:       applyFn,
		snapReqs:    make(map[string]time.Time),
		subscribers: make(map[int]chan proto.Event),
	}
	shardKey := identity.DeriveShardKey(opts.Shard, pol.ProtocolEpoch, opts.OperatorSecret)
	r.Mesh, err = mesh.New(mesh.Options{
		Transport: tr,
		Auth:      identity.NewShardAuthenticator(shardKey),
		SenderID:  id.SenderID,
		Shard:     opts.Shard,
		Policy:    pol,
		OnMessage: r.handleMessage,
		Log:       opts.Log,
	})
	if err != nil {
		tr.Close()
		return nil, err
	}
	st.EnsurePlayer(id.SenderID, nick)
	if opts.DataDir != "" {
		if err := r.Membership.LoadFrom(filepath.Join(opts.DataDir, peerBookFile)); err != nil {
			opts.Log.Warn("peer book load failed", zap.Error(err))
		}
	}
	opts.Log.Info("node ready",
		zap.String("sender", id.SenderID),
		zap.String("shard", opts.Shard),
		zap.Int("epoch", pol.ProtocolEpoch),
		zap.String("policy_hash", pol.Hash),
		zap.String("listen", tr.LocalAddr()))
	return r, nil
}

// ensureSecret returns the configured secret, or loads/creates a persisted
// one so the node keeps its identity across restarts.
func ensureSecret(secretHex, dataDir string) (string, error) {
	if secretHex != "" {
		return secretHex, nil
	}
	path := ""
	if dataDir != "" {
		path = filepath.Join(dataDir, secretFile)
		if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
			return string(data), nil
		}
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	s := hex.EncodeToString(buf)
	if path != "" {
		if err := os.WriteFile(path, []byte(s), 0600); err != nil {
			return "", err
		}
	}
	return s, nil
}

func (r *Runner) Policy() *policy.Policy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pol
}

func (r *Runner) Shard() string   { return r.shard }
func (r *Runner) ListenPort() int { return r.listenPort }

// ReloadPolicy re-reads the policy file and swaps the active policy
// wholesale. Epoch changes are refused: the shard key binds the epoch chosen
// at startup, so rotating the epoch requires a restart with fresh key
// material rather than a silent swap that would split the node from its
// shard.
func (r *Runner) ReloadPolicy() (*policy.Policy, error) {
	pol, err := policy.Load(r.policyPath)
	if err != nil {
		return nil, err
	}
	cur := r.Policy()
	if pol.ProtocolEpoch != cur.ProtocolEpoch {
		return nil, fmt.Errorf("policy reload moves epoch %d to %d; epoch rotation requires a restart", cur.ProtocolEpoch, pol.ProtocolEpoch)
	}
	r.mu.Lock()
	r.pol = pol
	r.mu.Unlock()
	r.Mesh.SetPolicy(pol)
	r.log.Info("policy reloaded",
		zap.String("policy_hash", pol.Hash),
		zap.Int("max_event_hops", pol.MaxEventHops),
		zap.Int("packets_per_sec", pol.PacketsPerSec))
	return pol, nil
}

// Run drives all loops until the context is cancelled, then saves the peer
// book and closes the transport.
func (r *Runner) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	loops := []func(context.Context){
		r.Mesh.RecvLoop,
		r.Mesh.RetransmitLoop,
		r.announceLoop,
		r.tickLoop,
	}
	for _, loop := range loops {
		wg.Add(1)
		go func(fn func(context.Context)) {
			defer wg.Done()
			fn(ctx)
		}(loop)
	}
	<-ctx.Done()
	r.tr.Close()
	wg.Wait()
	if r.dataDir != "" {
		if err := r.Membership.SaveTo(filepath.Join(r.dataDir, peerBookFile)); err != nil {
			r.log.Warn("peer book save failed", zap.Error(err))
		}
	}
	return nil
}

// announceLoop keeps the node discoverable: HELLO to every configured seed
// and to the subnet broadcast, on a jittered interval.
func (r *Runner) announceLoop(ctx context.Context) {
	r.announce()
	for {
		jitter := time.Duration(mrand.Int63n(int64(2*announceJitter))) - announceJitter
		select {
		case <-ctx.Done():
			return
		case <-time.After(announceInterval + jitter):
			r.announce()
		}
	}
}

func (r *Runner) announce() {
	hello := proto.HelloPayload{Nick: r.nick, Port: r.listenPort}
	for _, seed := range r.seeds {
		if _, err := r.Mesh.Send(proto.MsgHello, hello, seed, false); err != nil {
			r.log.Debug("seed hello failed", zap.String("seed", seed), zap.Error(err))
		}
	}
	if _, err := r.Mesh.Broadcast(proto.MsgHello, hello, r.listenPort, false); err != nil {
		r.log.Debug("broadcast hello failed", zap.Error(err))
	}
}

// tickLoop handles the once-a-second housekeeping: netsplit detection,
// gauges, periodic pings and the wall-clock-aligned reconciliation broadcast.
func (r *Runner) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	lastPing := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			healthy := r.Membership.Healthy(peer.DefaultMaxAge)
			r.Netsplit.Tick(len(healthy), peer.DefaultSplitTimeout)
			metrics.HealthyPeers.Set(float64(len(healthy)))
			if r.Netsplit.SplitActive() {
				metrics.NetsplitActive.Set(1)
			} else {
				metrics.NetsplitActive.Set(0)
			}
			if now.Sub(lastPing) >= pingInterval {
				lastPing = now
				r.pingPeers(healthy)
			}
			r.maybeReconcile(now)
		}
	}
}

func (r *Runner) pingPeers(peers []peer.Peer) {
	ts := time.Now().UnixMilli()
	for _, p := range peers {
		if _, err := r.Mesh.Send(proto.MsgPing, proto.PingPayload{TS: ts}, p.Addr(), false); err != nil {
			r.log.Debug("ping failed", zap.String("peer", p.ID), zap.Error(err))
		}
	}
}

// maybeReconcile broadcasts the snapshot hash when the wall clock crosses the
// reconcile modulus. Aligning on wall-clock seconds rather than each node's
// tick phase means nodes fire near each other without a shared scheduler, and
// the jittered announce loop stays independent of it.
func (r *Runner) maybeReconcile(now time.Time) {
	unix := now.Unix()
	if unix%reconcileInterval != 0 {
		return
	}
	r.mu.Lock()
	if r.lastRecon == unix {
		r.mu.Unlock()
		return
	}
	r.lastRecon = unix
	r.mu.Unlock()
	hash := state.SnapshotHash(r.Store)
	if _, err := r.Mesh.Broadcast(proto.MsgSnapshotHash, proto.SnapshotHashPayload{Hash: hash}, r.listenPort, false); err != nil {
		r.log.Debug("snapshot hash broadcast failed", zap.Error(err))
	}
}

// EmitEvent publishes a locally produced event: content id, local apply,
// then gossip fanout with reliability chosen per event type from policy.
func (r *Runner) EmitEvent(eventType string, payload map[string]any) proto.Event {
	r.mu.Lock()
	r.eventCounter++
	counter := r.eventCounter
	r.mu.Unlock()

	ev := proto.Event{
		ID:      proto.EventID(r.ID.SenderID, counter, time.Now().UnixMilli(), payload),
		Type:    eventType,
		Sender:  r.ID.SenderID,
		Payload: payload,
	}
	if r.buffer.Add(ev) {
		metrics.EventsApplied.Inc()
		r.apply(r.Store, ev)
		r.publish(ev)
	}
	r.fanout([]proto.Event{ev}, nil, r.Policy().Reliable(eventType))
	return ev
}

// fanout sends an event batch to a bounded random subset of healthy peers,
// falling back to broadcast when none are known.
func (r *Runner) fanout(events []proto.Event, exclude map[string]struct{}, reliable bool) {
	payload := proto.EventBatchPayload{Events: events}
	healthy := r.Membership.Healthy(fanoutMaxAge)
	targets := gossip.SelectPeers(healthy, exclude)
	if len(targets) == 0 {
		if _, err := r.Mesh.Broadcast(proto.MsgEventBatch, payload, r.listenPort, reliable); err != nil {
			r.log.Debug("event broadcast failed", zap.Error(err))
		}
		return
	}
	for _, p := range targets {
		if _, err := r.Mesh.Send(proto.MsgEventBatch, payload, p.Addr(), reliable); err != nil {
			r.log.Debug("event send failed", zap.String("peer", p.ID), zap.Error(err))
			continue
		}
		metrics.GossipRelayed.Inc()
	}
}

// Subscribe returns a channel of applied events for observers (the admin
// feed). Slow subscribers lose events rather than blocking the mesh.
func (r *Runner) Subscribe() (<-chan proto.Event, func()) {
	ch := make(chan proto.Event, 64)
	r.mu.Lock()
	id := r.nextSubID
	r.nextSubID++
	r.subscribers[id] = ch
	r.mu.Unlock()
	cancel := func() {
		r.mu.Lock()
		delete(r.subscribers, id)
		r.mu.Unlock()
	}
	return ch, cancel
}

func (r *Runner) publish(ev proto.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// RecentEvents exposes the gossip buffer tail for observers.
func (r *Runner) RecentEvents(maxAge time.Duration, limit int) []proto.Event {
	return r.buffer.Recent(maxAge, limit)
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func portOf(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	p, _ := strconv.Atoi(portStr)
	return p
}

func addrOf(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
