package metrics

import (
	"time"
)

// EditlogMetrics holds the history engine and commit controller metrics.
// All methods are safe on a nil receiver so components can run unmetered.
type EditlogMetrics struct {
	registry *Registry

	// Counters
	EditsCommitted    *Counter
	EditsSkipped      *Counter
	Reconstructions   *Counter
	CacheHits         *Counter
	CacheMisses       *Counter
	IntegrityFailures *Counter
	HistoriesCleared  *Counter
	DraftsJournaled   *Counter
	CommitErrors      *Counter
	DraftsRecovered   *Counter

	// Gauges
	CacheEntries *Gauge
	StoreRecords *Gauge

	// Histograms
	ReconstructDuration *Histogram
	CommitDuration      *Histogram
	ChainDepth          *Histogram
	PatchSize           *Histogram
}

// NewEditlogMetrics creates and registers the editlog metric set. A nil
// registry uses Default().
func NewEditlogMetrics(registry *Registry) *EditlogMetrics {
	if registry == nil {
		registry = Default()
	}

	return &EditlogMetrics{
		registry: registry,

		EditsCommitted: registry.RegisterCounter(
			"edits_committed_total",
			"Total number of edit records appended",
			nil,
		),
		EditsSkipped: registry.RegisterCounter(
			"edits_skipped_total",
			"Commits suppressed as identical or whitespace-only",
			nil,
		),
		Reconstructions: registry.RegisterCounter(
			"reconstructions_total",
			"Total number of reconstruct calls",
			nil,
		),
		CacheHits: registry.RegisterCounter(
			"cache_hits_total",
			"Reconstructions served from the cache",
			nil,
		),
		CacheMisses: registry.RegisterCounter(
			"cache_misses_total",
			"Reconstructions that walked the chain",
			nil,
		),
		IntegrityFailures: registry.RegisterCounter(
			"integrity_failures_total",
			"Checksum mismatches observed during reconstruction or verification",
			nil,
		),
		HistoriesCleared: registry.RegisterCounter(
			"histories_cleared_total",
			"Number of clear-all operations",
			nil,
		),
		DraftsJournaled: registry.RegisterCounter(
			"drafts_journaled_total",
			"Uncommitted drafts written to the journal",
			nil,
		),
		CommitErrors: registry.RegisterCounter(
			"commit_errors_total",
			"Background commits that failed",
			nil,
		),
		DraftsRecovered: registry.RegisterCounter(
			"drafts_recovered_total",
			"Journaled drafts committed during recovery",
			nil,
		),

		CacheEntries: registry.RegisterGauge(
			"cache_entries",
			"Reconstructions currently cached",
			nil,
		),
		StoreRecords: registry.RegisterGauge(
			"store_records",
			"Edit records in the store",
			nil,
		),

		ReconstructDuration: registry.RegisterHistogram(
			"reconstruct_duration_seconds",
			"Duration of uncached reconstructions in seconds",
			nil,
			DurationBuckets,
		),
		CommitDuration: registry.RegisterHistogram(
			"commit_duration_seconds",
			"Duration of commit operations in seconds",
			nil,
			DurationBuckets,
		),
		ChainDepth: registry.RegisterHistogram(
			"chain_depth",
			"Patches applied per uncached reconstruction",
			nil,
			DepthBuckets,
		),
		PatchSize: registry.RegisterHistogram(
			"patch_size_bytes",
			"Serialized patch size of committed edits",
			nil,
			SizeBuckets,
		),
	}
}

// Registry returns the registry backing the set.
func (m *EditlogMetrics) Registry() *Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordCommit records an appended edit.
func (m *EditlogMetrics) RecordCommit(d time.Duration, patchBytes int) {
	if m == nil {
		return
	}
	m.EditsCommitted.Inc()
	m.CommitDuration.ObserveDuration(d)
	m.PatchSize.Observe(float64(patchBytes))
}

// RecordSkip records a suppressed commit.
func (m *EditlogMetrics) RecordSkip() {
	if m == nil {
		return
	}
	m.EditsSkipped.Inc()
}

// RecordCacheHit records a reconstruction served from the cache.
func (m *EditlogMetrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.Reconstructions.Inc()
	m.CacheHits.Inc()
}

// RecordReconstruct records an uncached reconstruction.
func (m *EditlogMetrics) RecordReconstruct(d time.Duration, depth int) {
	if m == nil {
		return
	}
	m.Reconstructions.Inc()
	m.CacheMisses.Inc()
	m.ReconstructDuration.ObserveDuration(d)
	m.ChainDepth.Observe(float64(depth))
}

// RecordIntegrityFailure records a checksum mismatch.
func (m *EditlogMetrics) RecordIntegrityFailure() {
	if m == nil {
		return
	}
	m.IntegrityFailures.Inc()
}

// RecordClear records a clear-all.
func (m *EditlogMetrics) RecordClear() {
	if m == nil {
		return
	}
	m.HistoriesCleared.Inc()
}

// RecordDraft records a journaled draft.
func (m *EditlogMetrics) RecordDraft() {
	if m == nil {
		return
	}
	m.DraftsJournaled.Inc()
}

// RecordCommitError records a failed background commit.
func (m *EditlogMetrics) RecordCommitError() {
	if m == nil {
		return
	}
	m.CommitErrors.Inc()
}

// RecordRecovery records a recovered draft.
func (m *EditlogMetrics) RecordRecovery() {
	if m == nil {
		return
	}
	m.DraftsRecovered.Inc()
}

// SetCacheEntries sets the cache size gauge.
func (m *EditlogMetrics) SetCacheEntries(n int) {
	if m == nil {
		return
	}
	m.CacheEntries.Set(int64(n))
}

// SetStoreRecords sets the store size gauge.
func (m *EditlogMetrics) SetStoreRecords(n int64) {
	if m == nil {
		return
	}
	m.StoreRecords.Set(n)
}

// HitRatio returns cache hits over total reconstructions.
func (m *EditlogMetrics) HitRatio() float64 {
	if m == nil {
		return 0
	}
	total := m.Reconstructions.Value()
	if total == 0 {
		return 0
	}
	return float64(m.CacheHits.Value()) / float64(total)
}
