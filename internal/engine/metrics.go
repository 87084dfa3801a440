package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics of the read path.
type Metrics struct {
	RecordsRead     prometheus.Counter
	MalformedLines  prometheus.Counter
	FileErrors      prometheus.Counter
	CompileErrors   *prometheus.CounterVec
	FilesDiscovered prometheus.Gauge
	ScanDuration    prometheus.Histogram
	CatalogLookups  *prometheus.CounterVec
}

// NewMetrics registers the metrics with reg. A nil reg returns metrics that
// are not registered anywhere, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RecordsRead: f.NewCounter(prometheus.CounterOpts{
			Namespace: "techlog",
			Subsystem: "merge",
			Name:      "records_total",
			Help:      "Total number of records produced by merge streams.",
		}),
		MalformedLines: f.NewCounter(prometheus.CounterOpts{
			Namespace: "techlog",
			Subsystem: "merge",
			Name:      "malformed_lines_total",
			Help:      "Total number of journal lines skipped because they could not be parsed.",
		}),
		FileErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "techlog",
			Subsystem: "merge",
			Name:      "file_errors_total",
			Help:      "Total number of journal files that could not be read.",
		}),
		CompileErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "techlog",
			Subsystem: "query",
			Name:      "compile_errors_total",
			Help:      "Total number of rejected filters by kind.",
		}, []string{"kind"}), // kind: parse, bad_regex, bad_field
		FilesDiscovered: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "techlog",
			Subsystem: "scan",
			Name:      "files",
			Help:      "Number of journal files in the current snapshot.",
		}),
		ScanDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "techlog",
			Subsystem: "scan",
			Name:      "duration_seconds",
			Help:      "Time spent walking the journal tree.",
			Buckets:   prometheus.DefBuckets,
		}),
		CatalogLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "techlog",
			Subsystem: "scan",
			Name:      "catalog_lookups_total",
			Help:      "Catalog cache lookups by result.",
		}, []string{"result"}), // result: hit, miss, stale
	}
}
