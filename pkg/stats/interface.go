package stats

// Provider defines the interface for components that provide statistics
type Provider interface {
	// GetStats returns all statistics
	GetStats() map[string]interface{}

	// GetStatsFiltered returns statistics filtered by prefix
	GetStatsFiltered(prefix string) map[string]interface{}
}

// Collector interface defines methods for collecting compaction statistics
type Collector interface {
	Provider

	// TrackOperation records a single operation
	TrackOperation(op OperationType)

	// TrackOperationWithLatency records an operation with its latency
	TrackOperationWithLatency(op OperationType, latencyNs uint64)

	// TrackError increments the counter for the specified error type
	TrackError(errorType string)

	// TrackFlush records segments made visible by a flush
	TrackFlush(segments uint64)

	// TrackCompaction records a finished compaction
	TrackCompaction(inputs, outputs uint64, bytesIn, bytesOut uint64)

	// TrackTombstonesPurged adds to the purged tombstone total
	TrackTombstonesPurged(n uint64)

	// TrackClaimConflict counts a lost claim
	TrackClaimConflict()

	// TrackEmptySelection counts a selection that found nothing to do
	TrackEmptySelection()

	// TrackRemainingTasks records the strategy's pending work estimate
	TrackRemainingTasks(n int64)

	// TrackTrackedSegments records the number of tracked segments
	TrackTrackedSegments(n int64)
}

// Ensure AtomicCollector implements the Collector interface
var _ Collector = (*AtomicCollector)(nil)
