package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "artifact_lifecycle"

// Collector exposes a Recorder as Prometheus metrics. Values are read from a
// snapshot at scrape time.
type Collector struct {
	recorder *Recorder

	tracked               *prometheus.Desc
	invalidations         *prometheus.Desc
	storageDeleteFailures *prometheus.Desc
	evictions             *prometheus.Desc
	evictionFailures      *prometheus.Desc
	cleanupRetries        *prometheus.Desc
	persists              *prometheus.Desc
	persistFailures       *prometheus.Desc
	rollbacks             *prometheus.Desc
	bytesHashed           *prometheus.Desc
	lastSweep             *prometheus.Desc
}

// NewCollector creates a Collector for recorder.
func NewCollector(recorder *Recorder) *Collector {
	return &Collector{
		recorder: recorder,
		tracked: prometheus.NewDesc(namespace+"_artifacts_tracked_total",
			"Artifacts added to the registry.", nil, nil),
		invalidations: prometheus.NewDesc(namespace+"_invalidations_total",
			"Artifacts invalidated, by change type.", []string{"change_type"}, nil),
		storageDeleteFailures: prometheus.NewDesc(namespace+"_storage_delete_failures_total",
			"Storage deletes that failed or timed out.", nil, nil),
		evictions: prometheus.NewDesc(namespace+"_evictions_total",
			"Artifacts evicted by retention, by reason.", []string{"reason"}, nil),
		evictionFailures: prometheus.NewDesc(namespace+"_eviction_failures_total",
			"Eviction candidates kept because storage cleanup failed.", nil, nil),
		cleanupRetries: prometheus.NewDesc(namespace+"_cleanup_retries_total",
			"Pending storage cleanups completed by a sweep.", nil, nil),
		persists: prometheus.NewDesc(namespace+"_registry_persists_total",
			"Registry document rewrites.", nil, nil),
		persistFailures: prometheus.NewDesc(namespace+"_registry_persist_failures_total",
			"Registry document rewrites that failed.", nil, nil),
		rollbacks: prometheus.NewDesc(namespace+"_rollbacks_total",
			"Rollback executions, by outcome.", []string{"outcome"}, nil),
		bytesHashed: prometheus.NewDesc(namespace+"_hashed_bytes_total",
			"Bytes streamed through the hashing engine.", nil, nil),
		lastSweep: prometheus.NewDesc(namespace+"_last_sweep_timestamp_seconds",
			"Unix time of the last completed retention sweep.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.tracked
	ch <- c.invalidations
	ch <- c.storageDeleteFailures
	ch <- c.evictions
	ch <- c.evictionFailures
	ch <- c.cleanupRetries
	ch <- c.persists
	ch <- c.persistFailures
	ch <- c.rollbacks
	ch <- c.bytesHashed
	ch <- c.lastSweep
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.recorder.GetSnapshot()

	counter := func(desc *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), labels...)
	}

	counter(c.tracked, s.Tracked)
	for changeType, v := range s.Invalidations {
		counter(c.invalidations, v, changeType)
	}
	counter(c.storageDeleteFailures, s.StorageDeleteFailures)
	for reason, v := range s.Evictions {
		counter(c.evictions, v, reason)
	}
	counter(c.evictionFailures, s.EvictionFailures)
	counter(c.cleanupRetries, s.CleanupRetries)
	counter(c.persists, s.Persists)
	counter(c.persistFailures, s.PersistFailures)
	for outcome, v := range s.Rollbacks {
		counter(c.rollbacks, v, outcome)
	}
	counter(c.bytesHashed, s.BytesHashed)

	var lastSweep float64
	if !s.LastSweepTime.IsZero() {
		lastSweep = float64(s.LastSweepTime.Unix())
	}
	ch <- prometheus.MustNewConstMetric(c.lastSweep, prometheus.GaugeValue, lastSweep)
}

// Handler returns an HTTP handler serving recorder's metrics on a dedicated
// registry.
func Handler(recorder *Recorder) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(NewCollector(recorder)); err != nil {
		return nil, err
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}
