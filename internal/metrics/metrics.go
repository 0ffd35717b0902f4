package metrics

import (
	"time"

	"cardkiosk/internal/cards"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the kiosk.
// Tracks scans, transitions, remote writes and the pending queue.
type Metrics struct {
	Scans              *prometheus.CounterVec
	Transitions        *prometheus.CounterVec
	RemoteWrites       *prometheus.CounterVec
	QueueLength        prometheus.Gauge
	QueueEvictions     prometheus.Counter
	SnapshotSaveErrors prometheus.Counter
	FlushDuration      prometheus.Histogram
	FlushDelivered     prometheus.Counter
}

// New registers all kiosk metrics with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers all kiosk metrics with reg.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Scans: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cardkiosk_scans_total",
			Help: "Scans received, by outcome (applied, ignored, invalid, rejected)",
		}, []string{"outcome"}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cardkiosk_transitions_total",
			Help: "Custody transitions applied, by resulting state",
		}, []string{"state"}),
		RemoteWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cardkiosk_remote_writes_total",
			Help: "Remote authority writes, by endpoint and result",
		}, []string{"endpoint", "result"}),
		QueueLength: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cardkiosk_queue_length",
			Help: "Remote writes waiting for replay",
		}),
		QueueEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "cardkiosk_queue_evicted_total",
			Help: "Pending remote writes dropped because the queue was full",
		}),
		SnapshotSaveErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "cardkiosk_snapshot_save_errors_total",
			Help: "Snapshot saves that failed",
		}),
		FlushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cardkiosk_flush_duration_seconds",
			Help:    "Duration of sync queue flushes",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		FlushDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "cardkiosk_flush_delivered_total",
			Help: "Pending remote writes delivered by a flush",
		}),
	}
}

var _ cards.Recorder = (*Metrics)(nil)

func (m *Metrics) ScanObserved(outcome string) {
	m.Scans.WithLabelValues(outcome).Inc()
}

func (m *Metrics) TransitionApplied(action cards.CardState) {
	m.Transitions.WithLabelValues(string(action)).Inc()
}

func (m *Metrics) RemoteWrite(endpoint string, ok bool) {
	result := "failure"
	if ok {
		result = "success"
	}
	m.RemoteWrites.WithLabelValues(endpoint, result).Inc()
}

func (m *Metrics) QueueDepth(n int) {
	m.QueueLength.Set(float64(n))
}

func (m *Metrics) QueueEvicted(n int) {
	m.QueueEvictions.Add(float64(n))
}

func (m *Metrics) SnapshotSaveFailed() {
	m.SnapshotSaveErrors.Inc()
}

// FlushCompleted records the duration and outcome of one flush.
func (m *Metrics) FlushCompleted(d time.Duration, res cards.FlushResult) {
	m.FlushDuration.Observe(d.Seconds())
	m.FlushDelivered.Add(float64(res.Succeeded))
}
