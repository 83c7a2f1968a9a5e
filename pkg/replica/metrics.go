package replica

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics 是引擎的 Prometheus 指标。
// 注册到 WithRegisterer 指定的注册表；未指定时不注册，只在进程内计数。
type metrics struct {
	// Labels: payload (crdt, ot), outcome (applied, duplicate, buffered, rejected)
	remote *prometheus.CounterVec
	// Labels: payload (crdt, ot)
	local *prometheus.CounterVec
	// Labels: kind (syncerr kind)
	errors *prometheus.CounterVec
	// Labels: result (created, restored, checksum_failed, stale)
	snapshots *prometheus.CounterVec

	pruned     prometheus.Counter
	clockDrift prometheus.Counter
	documents  prometheus.Gauge
	pending    prometheus.Gauge
	applyTime  prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		remote: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replica",
			Subsystem: "engine",
			Name:      "remote_changes_total",
			Help:      "Remote changes received, by payload type and outcome",
		}, []string{"payload", "outcome"}),
		local: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replica",
			Subsystem: "engine",
			Name:      "local_changes_total",
			Help:      "Local changes emitted, by payload type",
		}, []string{"payload"}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replica",
			Subsystem: "engine",
			Name:      "errors_total",
			Help:      "Rejected changes by error kind",
		}, []string{"kind"}),
		snapshots: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replica",
			Subsystem: "snapshot",
			Name:      "operations_total",
			Help:      "Snapshot captures and restores by result",
		}, []string{"result"}),
		pruned: f.NewCounter(prometheus.CounterOpts{
			Namespace: "replica",
			Subsystem: "engine",
			Name:      "history_pruned_total",
			Help:      "History entries discarded below the peer watermark",
		}),
		clockDrift: f.NewCounter(prometheus.CounterOpts{
			Namespace: "replica",
			Subsystem: "engine",
			Name:      "clock_drift_total",
			Help:      "Remote envelopes whose HLC wall time exceeded the drift threshold",
		}),
		documents: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "replica",
			Subsystem: "engine",
			Name:      "documents",
			Help:      "Open documents",
		}),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "replica",
			Subsystem: "engine",
			Name:      "pending_changes",
			Help:      "Remote changes waiting for causal predecessors, across documents",
		}),
		applyTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "replica",
			Subsystem: "engine",
			Name:      "apply_duration_seconds",
			Help:      "Time spent applying one remote change inside the document actor",
			Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		}),
	}
}
