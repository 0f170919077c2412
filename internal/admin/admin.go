package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"starmesh/internal/daemon"
	"starmesh/internal/metrics"
	"starmesh/internal/peer"
	"starmesh/internal/policy"
	"starmesh/internal/state"
)

// Server is the read-only control-plane listener. It runs on its own
// goroutine; the mesh's data structures are never exposed across this
// boundary. Every handler goes through Runner accessors that copy state out
// under the owning locks.
type Server struct {
	runner *daemon.Runner
	log    *zap.Logger
	http   *http.Server
}

func NewServer(addr string, runner *daemon.Runner, log *zap.Logger) *Server {
	s := &Server{runner: runner, log: log}
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/peers", s.handlePeers).Methods(http.MethodGet)
	r.HandleFunc("/netsplit", s.handleNetsplit).Methods(http.MethodGet)
	r.HandleFunc("/policy", s.handlePolicy).Methods(http.MethodGet)
	r.HandleFunc("/policy/reload", s.handlePolicyReload).Methods(http.MethodPost)
	r.HandleFunc("/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	s.http = &http.Server{Addr: addr, Handler: r}
	return s
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{"ok": true, "sender": s.runner.ID.SenderID, "shard": s.runner.Shard()})
}

type peerView struct {
	ID        string  `json:"id"`
	Addr      string  `json:"addr"`
	Nick      string  `json:"nick"`
	LastSeen  int64   `json:"last_seen_ms"`
	LatencyMS float64 `json:"latency_ms"`
	Score     float64 `json:"score"`
}

func (s *Server) handlePeers(w http.ResponseWriter, _ *http.Request) {
	healthy := s.runner.Membership.Healthy(peer.DefaultMaxAge)
	stale := s.runner.Membership.Stale(peer.DefaultMaxAge)
	writeJSON(w, map[string]any{
		"healthy": peerViews(healthy),
		"stale":   peerViews(stale),
	})
}

func peerViews(ps []peer.Peer) []peerView {
	out := make([]peerView, 0, len(ps))
	for _, p := range ps {
		out = append(out, peerView{
			ID: p.ID, Addr: p.Addr(), Nick: p.Nick,
			LastSeen: p.LastSeen.UnixMilli(), LatencyMS: p.LatencyMS, Score: p.Score,
		})
	}
	return out
}

func (s *Server) handleNetsplit(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"split_active": s.runner.Netsplit.SplitActive(),
		"merge_count":  s.runner.Netsplit.MergeCount(),
	})
}

func (s *Server) handlePolicy(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, policyView(s.runner.Policy()))
}

func (s *Server) handlePolicyReload(w http.ResponseWriter, _ *http.Request) {
	p, err := s.runner.ReloadPolicy()
	if err != nil {
		s.log.Warn("policy reload failed", zap.Error(err))
		w.WriteHeader(http.StatusUnprocessableEntity)
		writeJSON(w, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, policyView(p))
}

func policyView(p *policy.Policy) map[string]any {
	return map[string]any{
		"min_protocol_version": p.MinProtocolVersion,
		"max_protocol_version": p.MaxProtocolVersion,
		"protocol_epoch":       p.ProtocolEpoch,
		"max_event_hops":       p.MaxEventHops,
		"packets_per_sec":      p.PacketsPerSec,
		"policy_hash":          p.Hash,
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"hash":    state.SnapshotHash(s.runner.Store),
		"players": s.runner.Store.Players(),
	})
}

// handleEvents streams applied events over a websocket until the client goes
// away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	events, cancel := s.runner.Subscribe()
	defer cancel()
	for ev := range events {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
