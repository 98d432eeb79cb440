package agora

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the coordination engine. Registered on the default
// registry; the inspector exposes them on /metrics.
var (
	broadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agora_broadcasts_total",
		Help: "Broadcasts sent, per gossip resource",
	}, []string{"resource"})

	messagesSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agora_messages_sent_total",
		Help: "Messages written to the local feed",
	})

	messagesReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agora_messages_received_total",
		Help: "Messages received from other participants' feeds",
	})

	fetchErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agora_fetch_errors_total",
		Help: "Per-user fetch failures that were swallowed by the pipeline",
	})

	snapshotMergesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agora_snapshot_merges_total",
		Help: "Remote snapshots merged into local history",
	})

	snapshotBansTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agora_snapshot_bans_total",
		Help: "Snapshot references banned after repeated failures",
	})

	rosterEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agora_roster_evictions_total",
		Help: "Participants evicted from the roster after going idle",
	})

	checkpointsPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agora_checkpoints_published_total",
		Help: "History checkpoints this client published as updater",
	})

	convergenceTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agora_convergence_timeouts_total",
		Help: "Broadcast convergence attempts that exhausted their retry budget",
	})

	storageCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agora_storage_cache_hits_total",
		Help: "Object downloads served from the local immutable cache",
	})

	storageCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agora_storage_cache_misses_total",
		Help: "Object downloads that had to hit the gateway",
	})

	activeUsersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agora_active_users",
		Help: "Participants currently in the roster",
	})

	historyEntriesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agora_history_entries",
		Help: "Message entries in the local history snapshot",
	})

	historyBytesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agora_history_bytes",
		Help: "Serialized size of the local history snapshot",
	})
)
