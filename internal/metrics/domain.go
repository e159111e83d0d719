package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	zonesLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "zones_loaded",
			Help:      "Number of anonymization zones in the current zone database.",
		},
	)

	anonymizations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anonymizations_total",
			Help:      "Locations anonymized, by outcome (zone or default).",
		},
		[]string{"outcome"},
	)

	recordsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_ingested_total",
			Help:      "Records appended to the store, by source kind.",
		},
		[]string{"kind"},
	)

	blockBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "block_bytes_total",
			Help:      "Encoded bytes moved through block storage, by direction.",
		},
		[]string{"direction"},
	)
)

// SetZonesLoaded records the size of a newly installed zone database.
func SetZonesLoaded(n int) {
	zonesLoaded.Set(float64(n))
}

// ObserveAnonymization counts one anonymized location.
func ObserveAnonymization(outcome string) {
	anonymizations.WithLabelValues(outcome).Inc()
}

// AddRecordsIngested counts n appended records of the given source kind.
func AddRecordsIngested(kind string, n int) {
	recordsIngested.WithLabelValues(kind).Add(float64(n))
}

// AddBlockBytes counts n bytes read from or written to block storage.
func AddBlockBytes(direction string, n int) {
	blockBytes.WithLabelValues(direction).Add(float64(n))
}
