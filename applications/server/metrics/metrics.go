// Package metrics exports memory gate occupancy and upload outcomes to
// Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/donmikel/photobatch/applications/server/domain"
	"github.com/donmikel/photobatch/applications/server/memgate"
)

const namespace = "photobatch"

type Metrics struct {
	gateActive   *prometheus.GaugeVec
	gateWait     *prometheus.HistogramVec
	batchesTotal *prometheus.CounterVec
	filesTotal   *prometheus.CounterVec
	batchBytes   prometheus.Histogram
	rejected     *prometheus.CounterVec
}

// New registers the collectors with reg. Passing prometheus.NewRegistry() keeps
// tests isolated from the default registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		gateActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "memgate",
			Name:      "active_operations",
			Help:      "Heavy file operations currently holding a memory gate slot",
		}, []string{"class"}),

		gateWait: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "memgate",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for a memory gate slot",
			Buckets:   []float64{.001, .01, .05, .1, .5, 1, 5, 15, 60},
		}, []string{"class"}),

		batchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "batches_total",
			Help:      "Processed upload batches by outcome",
		}, []string{"outcome"}),

		filesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "files_total",
			Help:      "Processed files by result and error category",
		}, []string{"result", "category"}),

		batchBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "batch_bytes",
			Help:      "Declared size of accepted batches",
			Buckets:   prometheus.ExponentialBuckets(1<<20, 4, 8),
		}),

		rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "rejected_batches_total",
			Help:      "Batches rejected before any file was processed",
		}, []string{"category"}),
	}
}

func (m *Metrics) ObserveActive(class memgate.Class, active int) {
	m.gateActive.WithLabelValues(string(class)).Set(float64(active))
}

func (m *Metrics) ObserveWait(class memgate.Class, wait time.Duration) {
	m.gateWait.WithLabelValues(string(class)).Observe(wait.Seconds())
}

func (m *Metrics) ObserveBatch(res domain.BatchUploadResult) {
	m.batchesTotal.WithLabelValues(string(res.Outcome)).Inc()
	m.batchBytes.Observe(float64(res.TotalSize))

	for _, r := range res.Results {
		if r.Success {
			m.filesTotal.WithLabelValues("uploaded", "").Inc()
			continue
		}
		m.filesTotal.WithLabelValues("failed", string(r.Category)).Inc()
	}
}

func (m *Metrics) ObserveRejected(category domain.Category) {
	m.rejected.WithLabelValues(string(category)).Inc()
}
