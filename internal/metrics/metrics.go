package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons for the rx_dropped_total counter. One label value per branch
// of the receive pipeline, so a dashboard can tell forged traffic from
// rate-limit pressure.
const (
	DropRate      = "rate"
	DropDecode    = "decode"
	DropAuth      = "auth"
	DropShard     = "shard"
	DropEpoch     = "epoch"
	DropVersion   = "version"
	DropDuplicate = "duplicate"
	DropSelf      = "self"
)

var (
	Registry = prometheus.NewRegistry()

	RxTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "starmesh",
		Name:      "rx_total",
		Help:      "Datagrams received, before any filtering.",
	})

	RxDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "starmesh",
		Name:      "rx_dropped_total",
		Help:      "Datagrams dropped, by receive-pipeline reason.",
	}, []string{"reason"})

	TxTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "starmesh",
		Name:      "tx_total",
		Help:      "Envelopes transmitted, by message type.",
	}, []string{"type"})

	Retransmits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "starmesh",
		Name:      "retransmits_total",
		Help:      "Reliable packets resent.",
	})

	RetransmitExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "starmesh",
		Name:      "retransmit_expired_total",
		Help:      "Reliable packets dropped after exhausting retries.",
	})

	PendingPackets = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "starmesh",
		Name:      "pending_packets",
		Help:      "Reliable packets awaiting acknowledgment.",
	})

	EventsApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "starmesh",
		Name:      "events_applied_total",
		Help:      "Gossip events applied to local state.",
	})

	GossipRelayed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "starmesh",
		Name:      "gossip_relayed_total",
		Help:      "Events forwarded to peers.",
	})

	SnapshotsMerged = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "starmesh",
		Name:      "snapshots_merged_total",
		Help:      "Snapshot responses merged.",
	})

	HealthyPeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "starmesh",
		Name:      "healthy_peers",
		Help:      "Peers currently in the healthy set.",
	})

	NetsplitActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "starmesh",
		Name:      "netsplit_active",
		Help:      "1 while the node considers itself isolated.",
	})

	NetsplitMerges = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "starmesh",
		Name:      "netsplit_merges_total",
		Help:      "Times the node rejoined after an isolation period.",
	})
)

func init() {
	Registry.MustRegister(
		RxTotal, RxDropped, TxTotal,
		Retransmits, RetransmitExpired, PendingPackets,
		EventsApplied, GossipRelayed, SnapshotsMerged,
		HealthyPeers, NetsplitActive, NetsplitMerges,
	)
}

// Handler exposes /metrics for the admin listener.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
