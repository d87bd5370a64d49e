package store

import (
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds a Store's counters and latency histograms, grounded on
// dreamsxin-wal's walMetrics shape (promauto-registered counters/gauges)
// plus an HdrHistogram for write latency the way the teacher's go.mod pulls
// in HdrHistogram-go for exactly this kind of high-dynamic-range timing.
type Metrics struct {
	writes     prometheus.Counter
	entriesIn  prometheus.Counter
	seals      prometheus.Counter
	truncates  prometheus.Counter
	walErrors  prometheus.Counter

	writeLatency *hdrhistogram.Histogram
}

// NewMetrics registers a fresh Metrics against the default Prometheus
// registry.
func NewMetrics() *Metrics {
	return &Metrics{
		writes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "streamhouse_store_writes_total",
			Help: "Number of accepted Write mutations.",
		}),
		entriesIn: promauto.NewCounter(prometheus.CounterOpts{
			Name: "streamhouse_store_entries_written_total",
			Help: "Number of entries folded into segments by Write mutations.",
		}),
		seals: promauto.NewCounter(prometheus.CounterOpts{
			Name: "streamhouse_store_seals_total",
			Help: "Number of accepted Seal mutations.",
		}),
		truncates: promauto.NewCounter(prometheus.CounterOpts{
			Name: "streamhouse_store_truncates_total",
			Help: "Number of accepted Truncate mutations.",
		}),
		walErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "streamhouse_store_wal_errors_total",
			Help: "Number of WAL append failures.",
		}),
		// 1 microsecond .. 10 seconds, matching the range liftbridge's
		// leader-epoch/commit-latency tracking needs.
		writeLatency: hdrhistogram.New(1, 10_000_000, 3),
	}
}

func (m *Metrics) observeWrite(d time.Duration, entryCount int) {
	m.writes.Inc()
	m.entriesIn.Add(float64(entryCount))
	_ = m.writeLatency.RecordValue(d.Microseconds())
}

func (m *Metrics) observeSeal()     { m.seals.Inc() }
func (m *Metrics) observeTruncate() { m.truncates.Inc() }

// WriteLatencyQuantile returns the write-latency histogram's value at q
// (0..100), in microseconds, for diagnostics.
func (m *Metrics) WriteLatencyQuantile(q float64) int64 {
	return m.writeLatency.ValueAtQuantile(q)
}
