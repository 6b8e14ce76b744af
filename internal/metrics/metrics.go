// Package metrics registers the Prometheus counters and gauges named in
// §6, plus the audit-store and snapshot metrics added by the full
// specification (§10.5).
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// BMPMessagesTotal counts decoded BMP messages by type (§6).
	BMPMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bmp_messages_total",
		Help: "Total BMP messages decoded, by message type.",
	}, []string{"type"})

	// BGPUpdatesTotal counts emitted update records by kind (§6).
	BGPUpdatesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bgp_updates_total",
		Help: "Total update records emitted to the sink, by kind.",
	}, []string{"kind"})

	// DecodeErrorsTotal counts decode failures by reason (§6).
	DecodeErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "decode_errors_total",
		Help: "Total decode errors, by reason.",
	}, []string{"reason"})

	// RouterSessions is the number of currently connected router sessions (§6).
	RouterSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "router_sessions",
		Help: "Number of currently connected router sessions.",
	})

	// PeerUp is the number of peers currently in the UP state (§6).
	PeerUp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "peer_up",
		Help: "Number of peers currently in the UP state.",
	})

	// SinkProduceErrorsTotal counts sink produce() failures, transient and
	// fatal alike (§6).
	SinkProduceErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sink_produce_errors_total",
		Help: "Total sink produce() failures.",
	})

	// SnapshotWritesTotal counts snapshot write attempts and startup loads by
	// outcome (write_ok, write_error, load_ok, load_corrupted) (§10.5).
	SnapshotWritesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "snapshot_writes_total",
		Help: "Total snapshot write attempts and startup loads, by outcome.",
	}, []string{"outcome"})

	// SnapshotLoadSeconds observes how long startup snapshot load took (§10.5).
	SnapshotLoadSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "snapshot_load_seconds",
		Help:    "Time taken to load the snapshot file at startup.",
		Buckets: prometheus.DefBuckets,
	})

	// AuditWritesTotal counts records in audit-store batch writes by outcome
	// (§10.5): each flushed batch adds its record count to "ok" or "error".
	AuditWritesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_writes_total",
		Help: "Total records in audit-store batch writes, by outcome.",
	}, []string{"outcome"})

	// AuditDedupConflictsTotal counts rows dropped by the audit store's
	// content-hash ON CONFLICT DO NOTHING.
	AuditDedupConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_dedup_conflicts_total",
		Help: "Total audit-store rows dropped as duplicates.",
	})
)

// Register registers every metric with reg. Called once at startup.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		BMPMessagesTotal,
		BGPUpdatesTotal,
		DecodeErrorsTotal,
		RouterSessions,
		PeerUp,
		SinkProduceErrorsTotal,
		SnapshotWritesTotal,
		SnapshotLoadSeconds,
		AuditWritesTotal,
		AuditDedupConflictsTotal,
	)
}
