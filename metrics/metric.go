package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Registry = prometheus.NewRegistry()

	ProposalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "TierFS",
			Name:      "raft_proposal_total",
			Help:      "proposals submitted to the raft group, by module and result",
		},
		[]string{"module", "result"},
	)

	ApplyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "TierFS",
			Name:      "raft_apply_total",
			Help:      "journal entries applied, by module",
		},
		[]string{"module"},
	)

	ProposeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "TierFS",
			Name:      "raft_propose_duration_seconds",
			Help:      "latency from propose to local apply",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)

	WorkersAlive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "TierFS",
			Name:      "cluster_workers_alive",
			Help:      "workers currently in healthy state",
		},
	)

	WorkersLost = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "TierFS",
			Name:      "cluster_workers_lost",
			Help:      "workers past the heartbeat deadline",
		},
	)

	UnderReplicatedBlocks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "TierFS",
			Name:      "replication_under_replicated_blocks",
			Help:      "blocks with fewer finalized replicas than target",
		},
	)

	ReplicationTaskTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "TierFS",
			Name:      "replication_task_total",
			Help:      "replication tasks issued, by kind and result",
		},
		[]string{"kind", "result"},
	)

	TTLExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "TierFS",
			Name:      "ttl_expired_inodes_total",
			Help:      "inodes deleted by the ttl checker",
		},
	)

	RetryCacheHitTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "TierFS",
			Name:      "retry_cache_hit_total",
			Help:      "mutations answered from the retry cache",
		},
	)
)

func init() {
	Registry.MustRegister(
		ProposalTotal,
		ApplyTotal,
		ProposeDuration,
		WorkersAlive,
		WorkersLost,
		UnderReplicatedBlocks,
		ReplicationTaskTotal,
		TTLExpiredTotal,
		RetryCacheHitTotal,
	)
}
