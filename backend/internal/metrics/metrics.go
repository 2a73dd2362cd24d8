package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "docsync"

var (
	// RoomsActive 当前内存中处于 ACTIVE 的文档数
	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "collab",
		Name:      "rooms_active",
		Help:      "Documents currently loaded in memory",
	})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "collab",
		Name:      "sessions_active",
		Help:      "Connected replica sessions",
	})

	// UpdatesApplied labels: author_kind (human, agent)
	UpdatesApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "collab",
		Name:      "updates_applied_total",
		Help:      "Updates persisted and broadcast",
	}, []string{"author_kind"})

	CorruptOperations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "collab",
		Name:      "corrupt_operations_total",
		Help:      "Malformed operations dropped",
	})

	// SlowPeerDisconnects 发送队列满而被断开的会话
	SlowPeerDisconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "collab",
		Name:      "slow_peer_disconnects_total",
		Help:      "Sessions dropped because their outbound queue was full",
	})

	// Compactions labels: trigger (auto, manual, restore-backup, restore), result (ok, busy, lock_timeout, too_large, error)
	Compactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "compaction",
		Name:      "runs_total",
		Help:      "Snapshot writes by trigger and result",
	}, []string{"trigger", "result"})

	CompactionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "compaction",
		Name:      "duration_seconds",
		Help:      "Time spent holding the document lock for a snapshot",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	SnapshotBytes = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "compaction",
		Name:      "snapshot_bytes",
		Help:      "Snapshot size before and after compression",
		Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
	}, []string{"kind"})

	// PatchResults labels: status (applied, rejected_conflict, rebased, error)
	PatchResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "patch",
		Name:      "results_total",
		Help:      "Patch submissions by outcome",
	}, []string{"status"})

	BlameComputed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "blame",
		Name:      "computed_total",
		Help:      "Blame computations by result",
	}, []string{"result"})

	KafkaDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Events dropped after exhausting retries",
	})
)
