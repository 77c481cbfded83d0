package finalizer

import (
	"sync/atomic"
)

// Metrics provides numbers about the finalization pipeline. Fields are
// shared across worker goroutines, read them atomically using
// atomic.LoadUint64.
type Metrics struct {
	// UploadsFinalized counts uploads whose remote copy was verified and
	// whose staged bytes were deleted.
	UploadsFinalized *uint64
	// BytesFinalized counts the staged bytes of all finalized uploads.
	BytesFinalized *uint64
	// FinalizationsFailed counts failures recorded in the registry,
	// including stale-assembly evictions.
	FinalizationsFailed *uint64
	// AssembliesCompleted counts multi-part sets fully assembled and
	// finalized.
	AssembliesCompleted *uint64
	// AssembliesDropped counts assemblies abandoned because a part
	// disagreed on totalParts or filename.
	AssembliesDropped *uint64
	// StaleAssembliesReaped counts assemblies evicted by the reaper.
	StaleAssembliesReaped *uint64
	// RetriesRequested counts operator retry calls for registered failures.
	RetriesRequested *uint64
}

func newMetrics() Metrics {
	return Metrics{
		UploadsFinalized:      new(uint64),
		BytesFinalized:        new(uint64),
		FinalizationsFailed:   new(uint64),
		AssembliesCompleted:   new(uint64),
		AssembliesDropped:     new(uint64),
		StaleAssembliesReaped: new(uint64),
		RetriesRequested:      new(uint64),
	}
}

func (m Metrics) incFinalized(bytes uint64) {
	atomic.AddUint64(m.UploadsFinalized, 1)
	atomic.AddUint64(m.BytesFinalized, bytes)
}

func (m Metrics) incFailed() {
	atomic.AddUint64(m.FinalizationsFailed, 1)
}

func (m Metrics) incAssemblyCompleted() {
	atomic.AddUint64(m.AssembliesCompleted, 1)
}

func (m Metrics) incAssemblyDropped() {
	atomic.AddUint64(m.AssembliesDropped, 1)
}

func (m Metrics) incStaleReaped() {
	atomic.AddUint64(m.StaleAssembliesReaped, 1)
}

func (m Metrics) incRetry() {
	atomic.AddUint64(m.RetriesRequested, 1)
}
