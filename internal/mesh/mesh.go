package mesh

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"starmesh/internal/identity"
	"starmesh/internal/metrics"
	"starmesh/internal/policy"
	"starmesh/internal/proto"
	"starmesh/internal/transport"
)

const (
	retransmitInterval = 200 * time.Millisecond
	retransmitAfter    = 500 * time.Millisecond
	maxRetries         = 6
)

// Handler receives decoded, authenticated envelopes in arrival order, which
// may differ from send order under loss or reordering.
type Handler func(env proto.Envelope, addr string)

type pendingPacket struct {
	addr    string
	raw     []byte
	sentAt  time.Time
	retries int
}

// Mesh is the reliable-delivery layer over the UDP transport: per-destination
// sequence numbers, a sliding ack window per remote sender, a retransmission
// queue for reliable sends and a per-source rate limit on receive. Reliable
// delivery is best-effort with retry, never a guarantee.
type Mesh struct {
	transport *transport.UDP
	auth      *identity.ShardAuthenticator
	senderID  string
	shard     string
	onMessage Handler
	log       *zap.Logger
	pol       atomic.Pointer[policy.Policy]

	mu         sync.Mutex
	nextSeq    uint64
	windows    map[string]*ackWindow
	addrSender map[string]string
	pending    map[uint64]*pendingPacket
	limiter    *rateLimiter
}

type Options struct {
	Transport *transport.UDP
	Auth      *identity.ShardAuthenticator
	SenderID  string
	Shard     string
	Policy    *policy.Policy
	OnMessage Handler
	Log       *zap.Logger
}

func New(opts Options) (*Mesh, error) {
	if opts.Transport == nil || opts.Auth == nil {
		return nil, fmt.Errorf("missing transport or authenticator")
	}
	if opts.SenderID == "" || opts.Shard == "" {
		return nil, fmt.Errorf("missing sender id or shard")
	}
	if opts.Policy == nil {
		opts.Policy = policy.Default()
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	m := &Mesh{
		transport:  opts.Transport,
		auth:       opts.Auth,
		senderID:   opts.SenderID,
		shard:      opts.Shard,
		onMessage:  opts.OnMessage,
		log:        opts.Log,
		nextSeq:    1,
		windows:    make(map[string]*ackWindow),
		addrSender: make(map[string]string),
		pending:    make(map[uint64]*pendingPacket),
		limiter:    newRateLimiter(opts.Policy.PacketsPerSec, time.Second),
	}
	m.pol.Store(opts.Policy)
	return m, nil
}

func (m *Mesh) policy() *policy.Policy {
	return m.pol.Load()
}

// SetPolicy swaps the active policy wholesale. Single-writer discipline: only
// the owning daemon calls this.
func (m *Mesh) SetPolicy(p *policy.Policy) {
	if p == nil {
		return
	}
	m.pol.Store(p)
	m.mu.Lock()
	m.limiter = newRateLimiter(p.PacketsPerSec, time.Second)
	m.mu.Unlock()
}

// Send transmits one envelope to addr. Reliable sends enter the retransmit
// queue keyed by sequence number until acknowledged or retries run out.
// Returns the allocated sequence number.
func (m *Mesh) Send(msgType string, payload any, addr string, reliable bool) (uint64, error) {
	return m.transmit(msgType, payload, addr, reliable, false)
}

// Broadcast targets the subnet broadcast address; the pending destination is
// the broadcast address itself, so a retransmission re-broadcasts.
func (m *Mesh) Broadcast(msgType string, payload any, port int, reliable bool) (uint64, error) {
	return m.transmit(msgType, payload, transport.BroadcastAddr(port), reliable, false)
}

func (m *Mesh) transmit(msgType string, payload any, addr string, reliable, ackOnly bool) (uint64, error) {
	env, err := proto.NewEnvelope(msgType, m.senderID, 0, m.shard, m.policy().ProtocolEpoch, payload)
	if err != nil {
		return 0, err
	}
	if reliable {
		env.SetFlag(proto.FlagReliable)
	}
	if ackOnly {
		env.SetFlag(proto.FlagAckOnly)
	}

	m.mu.Lock()
	env.Seq = m.nextSeq
	m.nextSeq++
	// Piggyback the destination's ack state when the address maps to a known
	// sender; a fresh destination gets zeroes.
	if sender, ok := m.addrSender[addr]; ok {
		if w, ok := m.windows[sender]; ok {
			env.Ack, env.AckBits = w.state()
		}
	}
	mac, err := m.auth.Sign(env)
	if err != nil {
		m.mu.Unlock()
		return 0, err
	}
	env.MAC = mac
	raw, err := proto.Encode(env)
	if err != nil {
		m.mu.Unlock()
		return 0, err
	}
	if reliable {
		m.pending[env.Seq] = &pendingPacket{addr: addr, raw: raw, sentAt: time.Now()}
		metrics.PendingPackets.Set(float64(len(m.pending)))
	}
	m.mu.Unlock()

	metrics.TxTotal.WithLabelValues(msgType).Inc()
	if err := m.transport.Send(raw, addr); err != nil {
		// Runtime send failures are non-fatal; retransmission covers reliable
		// sends, unreliable ones were best-effort anyway.
		m.log.Debug("send failed", zap.String("addr", addr), zap.Error(err))
	}
	return env.Seq, nil
}

// RecvLoop consumes the transport until the context is cancelled or the
// transport closes. No input terminates the loop.
func (m *Mesh) RecvLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case dg, ok := <-m.transport.Recv():
			if !ok {
				return
			}
			m.handleDatagram(dg)
		}
	}
}

// Receive-pipeline order matters: the rate limit runs before any decode or
// verify work so floods cost one map lookup, and authentication runs before
// any envelope field is trusted.
func (m *Mesh) handleDatagram(dg transport.Datagram) {
	metrics.RxTotal.Inc()
	if !m.limiter.Allow(dg.Addr) {
		metrics.RxDropped.WithLabelValues(metrics.DropRate).Inc()
		return
	}
	env, err := proto.Decode(dg.Data)
	if err != nil {
		metrics.RxDropped.WithLabelValues(metrics.DropDecode).Inc()
		return
	}
	if !m.auth.Verify(env) {
		metrics.RxDropped.WithLabelValues(metrics.DropAuth).Inc()
		return
	}
	pol := m.policy()
	if !pol.AcceptsVersion(env.V) {
		metrics.RxDropped.WithLabelValues(metrics.DropVersion).Inc()
		return
	}
	// Shard and epoch mismatches are normal coexistence on a shared broadcast
	// domain, not errors.
	if env.Shard != m.shard {
		metrics.RxDropped.WithLabelValues(metrics.DropShard).Inc()
		return
	}
	if env.Epoch != pol.ProtocolEpoch {
		metrics.RxDropped.WithLabelValues(metrics.DropEpoch).Inc()
		return
	}
	if env.Sender == m.senderID {
		// Own broadcasts loop back.
		metrics.RxDropped.WithLabelValues(metrics.DropSelf).Inc()
		return
	}

	m.mu.Lock()
	w, ok := m.windows[env.Sender]
	if !ok {
		w = &ackWindow{}
		m.windows[env.Sender] = w
	}
	w.track(env.Seq)
	m.addrSender[dg.Addr] = env.Sender
	m.applyAckLocked(env.Ack, env.AckBits)
	m.mu.Unlock()

	if env.HasFlag(proto.FlagReliable) {
		// Piggybacking covers the chatty path; the explicit ACK keeps an idle
		// receiver from starving the sender of acknowledgment.
		if _, err := m.transmit(proto.MsgAck, proto.AckPayload{For: env.Seq}, dg.Addr, false, true); err != nil {
			m.log.Debug("ack send failed", zap.String("addr", dg.Addr), zap.Error(err))
		}
	}

	if m.onMessage != nil {
		m.onMessage(env, dg.Addr)
	}
}

func (m *Mesh) applyAckLocked(ack, ackBits uint64) {
	if ack == 0 {
		return
	}
	removed := false
	for seq := range m.pending {
		if ackCovers(ack, ackBits, seq) {
			delete(m.pending, seq)
			removed = true
		}
	}
	if removed {
		metrics.PendingPackets.Set(float64(len(m.pending)))
	}
}

// RetransmitLoop resends stale reliable packets on a fixed cadence. It must
// never block the receive loop; it only takes the mesh lock briefly to
// collect due packets.
func (m *Mesh) RetransmitLoop(ctx context.Context) {
	ticker := time.NewTicker(retransmitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.retransmitDue(time.Now())
		}
	}
}

func (m *Mesh) retransmitDue(now time.Time) {
	type resend struct {
		raw  []byte
		addr string
	}
	var due []resend
	expired := 0

	m.mu.Lock()
	for seq, p := range m.pending {
		if now.Sub(p.sentAt) < retransmitAfter {
			continue
		}
		if p.retries >= maxRetries {
			// Receiver is unreachable for this message; delivery was
			// best-effort and the original caller is not notified.
			delete(m.pending, seq)
			expired++
			continue
		}
		p.retries++
		p.sentAt = now
		due = append(due, resend{raw: p.raw, addr: p.addr})
	}
	if expired > 0 || len(due) > 0 {
		metrics.PendingPackets.Set(float64(len(m.pending)))
	}
	m.mu.Unlock()

	for i := 0; i < expired; i++ {
		metrics.RetransmitExpired.Inc()
	}
	for _, r := range due {
		// Resend the exact signed bytes; the wire format is byte-stable once
		// signed.
		metrics.Retransmits.Inc()
		if err := m.transport.Send(r.raw, r.addr); err != nil {
			m.log.Debug("retransmit failed", zap.String("addr", r.addr), zap.Error(err))
		}
	}
}

// PendingSeqs returns the sequence numbers still awaiting acknowledgment.
func (m *Mesh) PendingSeqs() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint64, 0, len(m.pending))
	for seq := range m.pending {
		out = append(out, seq)
	}
	return out
}

// AckState exposes the current window for a remote sender (diagnostics and
// tests).
func (m *Mesh) AckState(sender string) (ack, bits uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.windows[sender]; ok {
		return w.state()
	}
	return 0, 0
}

func (m *Mesh) SenderID() string { return m.senderID }
