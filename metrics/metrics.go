// Package metrics counts lifecycle events and exports them to Prometheus.
package metrics

import (
	"sync"
	"time"
)

// Recorder collects counters for lifecycle operations. The zero value is not
// usable; call NewRecorder. A nil *Recorder ignores every call.
type Recorder struct {
	mu sync.RWMutex

	tracked               int64
	invalidations         map[string]int64
	storageDeleteFailures int64
	evictions             map[string]int64
	evictionFailures      int64
	cleanupRetries        int64
	persists              int64
	persistFailures       int64
	rollbacks             map[string]int64
	bytesHashed           int64
	hashLatencies         []time.Duration
	startTime             time.Time
	lastSweepTime         time.Time
	lastInvalidationTime  time.Time
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	Tracked               int64
	Invalidations         map[string]int64
	StorageDeleteFailures int64
	Evictions             map[string]int64
	EvictionFailures      int64
	CleanupRetries        int64
	Persists              int64
	PersistFailures       int64
	Rollbacks             map[string]int64
	BytesHashed           int64
	AvgHashLatency        time.Duration
	Uptime                time.Duration
	LastSweepTime         time.Time
	LastInvalidationTime  time.Time
}

const maxLatencySamples = 1000

// NewRecorder creates a Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		invalidations: make(map[string]int64),
		evictions:     make(map[string]int64),
		rollbacks:     make(map[string]int64),
		hashLatencies: make([]time.Duration, 0, maxLatencySamples),
		startTime:     time.Now(),
	}
}

// RecordTrack counts a newly tracked artifact.
func (r *Recorder) RecordTrack() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracked++
}

// RecordInvalidation counts an invalidated artifact by change type.
func (r *Recorder) RecordInvalidation(changeType string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalidations[changeType]++
	r.lastInvalidationTime = time.Now()
}

// RecordStorageDeleteFailure counts a failed storage delete.
func (r *Recorder) RecordStorageDeleteFailure() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.storageDeleteFailures++
}

// RecordEviction counts an evicted artifact by reason.
func (r *Recorder) RecordEviction(reason string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictions[reason]++
}

// RecordEvictionFailure counts a candidate that could not be evicted.
func (r *Recorder) RecordEvictionFailure() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictionFailures++
}

// RecordCleanupRetry counts a pending storage cleanup completed by a sweep.
func (r *Recorder) RecordCleanupRetry() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleanupRetries++
}

// RecordSweep marks the completion time of a retention sweep.
func (r *Recorder) RecordSweep() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSweepTime = time.Now()
}

// RecordPersist counts a registry persist attempt.
func (r *Recorder) RecordPersist(err error) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persists++
	if err != nil {
		r.persistFailures++
	}
}

// RecordRollback counts a rollback execution by outcome ("success" or the
// failed stage name).
func (r *Recorder) RecordRollback(outcome string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollbacks[outcome]++
}

// RecordHash counts bytes hashed and the time spent.
func (r *Recorder) RecordHash(bytes int64, duration time.Duration) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bytesHashed += bytes
	if len(r.hashLatencies) >= maxLatencySamples {
		r.hashLatencies = r.hashLatencies[1:]
	}
	r.hashLatencies = append(r.hashLatencies, duration)
}

// GetSnapshot returns a copy of the current counters.
func (r *Recorder) GetSnapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Snapshot{
		Tracked:               r.tracked,
		Invalidations:         copyCounts(r.invalidations),
		StorageDeleteFailures: r.storageDeleteFailures,
		Evictions:             copyCounts(r.evictions),
		EvictionFailures:      r.evictionFailures,
		CleanupRetries:        r.cleanupRetries,
		Persists:              r.persists,
		PersistFailures:       r.persistFailures,
		Rollbacks:             copyCounts(r.rollbacks),
		BytesHashed:           r.bytesHashed,
		AvgHashLatency:        average(r.hashLatencies),
		Uptime:                time.Since(r.startTime),
		LastSweepTime:         r.lastSweepTime,
		LastInvalidationTime:  r.lastInvalidationTime,
	}
}

func copyCounts(src map[string]int64) map[string]int64 {
	dst := make(map[string]int64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func average(latencies []time.Duration) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	return total / time.Duration(len(latencies))
}
