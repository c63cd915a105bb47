// tabflow/metrics.go
// Pipeline metrics: request counters, suggestion outcomes and an
// incrementally maintained average latency. Cumulative counters persist in
// bbolt so acceptance-rate telemetry survives restarts; suggestion text
// itself is never persisted.
package tabflow

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

var metricsBucketName = []byte("PipelineMetrics")

// persistedMetrics is the gob-encoded subset written to disk.
type persistedMetrics struct {
	SchemaVersion       int
	TotalRequests       uint64
	CacheHits           uint64
	CacheMisses         uint64
	Accepted            uint64
	Rejected            uint64
	PartiallyAccepted   uint64
	Failed              uint64
	Aborted             uint64
	PredictionsAccepted uint64
	PredictionsRejected uint64
}

// MetricsRecorder collects pipeline counters. Safe for concurrent use.
type MetricsRecorder struct {
	mu                  sync.Mutex
	totalRequests       uint64
	cacheHits           uint64
	cacheMisses         uint64
	accepted            uint64
	rejected            uint64
	partiallyAccepted   uint64
	failed              uint64
	aborted             uint64
	predictionsAccepted uint64
	predictionsRejected uint64
	avgLatencyMs        float64
	latencySamples      uint64
	db                  *bbolt.DB
	logger              *slog.Logger
}

// NewMetricsRecorder creates a recorder. dbPath may be empty to disable
// persistence (used by tests and the CLI).
func NewMetricsRecorder(dbPath string, logger *slog.Logger) *MetricsRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	m := &MetricsRecorder{logger: logger.With("component", "MetricsRecorder")}

	if dbPath == "" {
		return m
	}
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		m.logger.Warn("Failed to open metrics store, persistence disabled.", "path", dbPath, "error", err)
		return m
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metricsBucketName)
		return err
	}); err != nil {
		m.logger.Warn("Failed to ensure metrics bucket exists, persistence disabled.", "error", err)
		db.Close()
		return m
	}
	m.db = db
	m.load()
	return m
}

// load restores persisted counters. Latency is intentionally not restored:
// the running average is a per-session figure.
func (m *MetricsRecorder) load() {
	if m.db == nil {
		return
	}
	err := m.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(metricsBucketName)
		if b == nil {
			return nil
		}
		data := b.Get([]byte("counters"))
		if data == nil {
			return nil
		}
		var decoded persistedMetrics
		if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&decoded); err != nil {
			return fmt.Errorf("%w: decoding persisted metrics: %w", ErrCacheRead, err)
		}
		if decoded.SchemaVersion != metricsSchemaVersion {
			m.logger.Warn("Persisted metrics have old schema version, discarding.", "stored", decoded.SchemaVersion, "expected", metricsSchemaVersion)
			return nil
		}
		m.mu.Lock()
		m.totalRequests = decoded.TotalRequests
		m.cacheHits = decoded.CacheHits
		m.cacheMisses = decoded.CacheMisses
		m.accepted = decoded.Accepted
		m.rejected = decoded.Rejected
		m.partiallyAccepted = decoded.PartiallyAccepted
		m.failed = decoded.Failed
		m.aborted = decoded.Aborted
		m.predictionsAccepted = decoded.PredictionsAccepted
		m.predictionsRejected = decoded.PredictionsRejected
		m.mu.Unlock()
		return nil
	})
	if err != nil {
		m.logger.Warn("Failed to load persisted metrics", "error", err)
	}
}

// Flush writes the cumulative counters to disk.
func (m *MetricsRecorder) Flush() error {
	if m.db == nil {
		return nil
	}
	m.mu.Lock()
	snapshot := persistedMetrics{
		SchemaVersion:       metricsSchemaVersion,
		TotalRequests:       m.totalRequests,
		CacheHits:           m.cacheHits,
		CacheMisses:         m.cacheMisses,
		Accepted:            m.accepted,
		Rejected:            m.rejected,
		PartiallyAccepted:   m.partiallyAccepted,
		Failed:              m.failed,
		Aborted:             m.aborted,
		PredictionsAccepted: m.predictionsAccepted,
		PredictionsRejected: m.predictionsRejected,
	}
	m.mu.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&snapshot); err != nil {
		return fmt.Errorf("%w: encoding metrics: %w", ErrCacheWrite, err)
	}
	return m.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(metricsBucketName)
		if b == nil {
			return fmt.Errorf("%w: metrics bucket disappeared", ErrCacheWrite)
		}
		return b.Put([]byte("counters"), buf.Bytes())
	})
}

// Close flushes and releases the store.
func (m *MetricsRecorder) Close() error {
	if err := m.Flush(); err != nil {
		m.logger.Warn("Failed to flush metrics on close", "error", err)
	}
	if m.db != nil {
		err := m.db.Close()
		m.db = nil
		return err
	}
	return nil
}

func (m *MetricsRecorder) RecordRequest() {
	m.mu.Lock()
	m.totalRequests++
	m.mu.Unlock()
}

func (m *MetricsRecorder) RecordCacheHit() {
	m.mu.Lock()
	m.cacheHits++
	m.mu.Unlock()
}

func (m *MetricsRecorder) RecordCacheMiss() {
	m.mu.Lock()
	m.cacheMisses++
	m.mu.Unlock()
}

func (m *MetricsRecorder) RecordAccepted(partial bool) {
	m.mu.Lock()
	if partial {
		m.partiallyAccepted++
	} else {
		m.accepted++
	}
	m.mu.Unlock()
}

func (m *MetricsRecorder) RecordRejected() {
	m.mu.Lock()
	m.rejected++
	m.mu.Unlock()
}

// RecordFailed counts a transient oracle failure or timeout.
func (m *MetricsRecorder) RecordFailed() {
	m.mu.Lock()
	m.failed++
	m.mu.Unlock()
}

// RecordAborted counts a cancellation. Aborted is not failed: the user simply
// typed something else.
func (m *MetricsRecorder) RecordAborted() {
	m.mu.Lock()
	m.aborted++
	m.mu.Unlock()
}

func (m *MetricsRecorder) RecordPredictionAccepted() {
	m.mu.Lock()
	m.predictionsAccepted++
	m.mu.Unlock()
}

func (m *MetricsRecorder) RecordPredictionRejected() {
	m.mu.Lock()
	m.predictionsRejected++
	m.mu.Unlock()
}

// RecordLatency folds one sample into the running average incrementally
// (Welford-style mean update, no history re-summing).
func (m *MetricsRecorder) RecordLatency(d time.Duration) {
	sample := float64(d.Microseconds()) / 1000.0
	m.mu.Lock()
	m.latencySamples++
	m.avgLatencyMs += (sample - m.avgLatencyMs) / float64(m.latencySamples)
	m.mu.Unlock()
}

// Snapshot returns the current counter values.
func (m *MetricsRecorder) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := MetricsSnapshot{
		TotalRequests:       m.totalRequests,
		CacheHits:           m.cacheHits,
		CacheMisses:         m.cacheMisses,
		Accepted:            m.accepted,
		Rejected:            m.rejected,
		PartiallyAccepted:   m.partiallyAccepted,
		Failed:              m.failed,
		Aborted:             m.aborted,
		PredictionsAccepted: m.predictionsAccepted,
		PredictionsRejected: m.predictionsRejected,
		AvgLatencyMs:        m.avgLatencyMs,
		LatencySamples:      m.latencySamples,
	}
	if total := snap.CacheHits + snap.CacheMisses; total > 0 {
		snap.CacheHitRate = float64(snap.CacheHits) / float64(total)
	}
	return snap
}
