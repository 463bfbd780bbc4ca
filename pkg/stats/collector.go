package stats

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// OperationType defines the type of operation being tracked
type OperationType string

// Common operation types
const (
	OpSelectBackground  OperationType = "select_background"
	OpSelectMaximal     OperationType = "select_maximal"
	OpSelectUserDefined OperationType = "select_user_defined"
	OpCompact           OperationType = "compact"
	OpFlush             OperationType = "flush"
)

// AtomicCollector provides centralized statistics collection with minimal contention
// using atomic operations for thread safety
type AtomicCollector struct {
	// Operation counters using atomic values
	counts   map[OperationType]*atomic.Uint64
	countsMu sync.RWMutex // Only used when creating new counter entries

	// Timing measurements for last operation timestamps
	lastOpTime   map[OperationType]time.Time
	lastOpTimeMu sync.RWMutex

	// Error tracking
	errors   map[string]*atomic.Uint64
	errorsMu sync.RWMutex // Only used when creating new error entries

	// Compaction throughput
	segmentsFlushed   atomic.Uint64
	compactionCount   atomic.Uint64
	segmentsCompacted atomic.Uint64
	segmentsWritten   atomic.Uint64
	bytesCompactedIn  atomic.Uint64
	bytesCompactedOut atomic.Uint64
	tombstonesPurged  atomic.Uint64
	claimConflicts    atomic.Uint64
	emptySelections   atomic.Uint64
	remainingTasks    atomic.Int64
	trackedSegments   atomic.Int64

	// Latency tracking
	latencies   map[OperationType]*LatencyTracker
	latenciesMu sync.RWMutex // Only used when creating new latency trackers
}

// LatencyTracker maintains running statistics about operation latencies
type LatencyTracker struct {
	count atomic.Uint64
	sum   atomic.Uint64 // sum in nanoseconds
	max   atomic.Uint64 // max in nanoseconds
	min   atomic.Uint64 // min in nanoseconds, 0 until the first sample
}

// NewAtomicCollector creates a new atomic statistics collector
func NewAtomicCollector() *AtomicCollector {
	return &AtomicCollector{
		counts:     make(map[OperationType]*atomic.Uint64),
		lastOpTime: make(map[OperationType]time.Time),
		errors:     make(map[string]*atomic.Uint64),
		latencies:  make(map[OperationType]*LatencyTracker),
	}
}

// TrackOperation increments the counter for the specified operation type
func (c *AtomicCollector) TrackOperation(op OperationType) {
	c.getOrCreateCounter(op).Add(1)

	c.lastOpTimeMu.Lock()
	c.lastOpTime[op] = time.Now()
	c.lastOpTimeMu.Unlock()
}

// TrackOperationWithLatency tracks an operation and its latency
func (c *AtomicCollector) TrackOperationWithLatency(op OperationType, latencyNs uint64) {
	c.TrackOperation(op)

	tracker := c.getOrCreateLatencyTracker(op)
	tracker.count.Add(1)
	tracker.sum.Add(latencyNs)

	for {
		current := tracker.max.Load()
		if latencyNs <= current {
			break
		}
		if tracker.max.CompareAndSwap(current, latencyNs) {
			break
		}
	}

	for {
		current := tracker.min.Load()
		if current != 0 && latencyNs >= current {
			break
		}
		if tracker.min.CompareAndSwap(current, latencyNs) {
			break
		}
	}
}

// TrackError increments the counter for the specified error type
func (c *AtomicCollector) TrackError(errorType string) {
	c.errorsMu.RLock()
	counter, exists := c.errors[errorType]
	c.errorsMu.RUnlock()

	if !exists {
		c.errorsMu.Lock()
		if counter, exists = c.errors[errorType]; !exists {
			counter = &atomic.Uint64{}
			c.errors[errorType] = counter
		}
		c.errorsMu.Unlock()
	}

	counter.Add(1)
}

// TrackFlush records segments made visible by a flush
func (c *AtomicCollector) TrackFlush(segments uint64) {
	c.segmentsFlushed.Add(segments)
}

// TrackCompaction records a finished compaction
func (c *AtomicCollector) TrackCompaction(inputs, outputs uint64, bytesIn, bytesOut uint64) {
	c.compactionCount.Add(1)
	c.segmentsCompacted.Add(inputs)
	c.segmentsWritten.Add(outputs)
	c.bytesCompactedIn.Add(bytesIn)
	c.bytesCompactedOut.Add(bytesOut)
}

// TrackTombstonesPurged adds to the purged tombstone total
func (c *AtomicCollector) TrackTombstonesPurged(n uint64) {
	c.tombstonesPurged.Add(n)
}

// TrackClaimConflict counts a lost claim
func (c *AtomicCollector) TrackClaimConflict() {
	c.claimConflicts.Add(1)
}

// TrackEmptySelection counts a selection that found nothing to do
func (c *AtomicCollector) TrackEmptySelection() {
	c.emptySelections.Add(1)
}

// TrackRemainingTasks records the strategy's pending work estimate
func (c *AtomicCollector) TrackRemainingTasks(n int64) {
	c.remainingTasks.Store(n)
}

// TrackTrackedSegments records the number of tracked segments
func (c *AtomicCollector) TrackTrackedSegments(n int64) {
	c.trackedSegments.Store(n)
}

// GetStats returns all statistics as a map
func (c *AtomicCollector) GetStats() map[string]interface{} {
	stats := make(map[string]interface{})

	c.countsMu.RLock()
	for op, counter := range c.counts {
		stats[string(op)+"_ops"] = counter.Load()
	}
	c.countsMu.RUnlock()

	c.lastOpTimeMu.RLock()
	for op, timestamp := range c.lastOpTime {
		stats["last_"+string(op)+"_time"] = timestamp.UnixNano()
	}
	c.lastOpTimeMu.RUnlock()

	stats["segments_flushed"] = c.segmentsFlushed.Load()
	stats["compaction_count"] = c.compactionCount.Load()
	stats["segments_compacted"] = c.segmentsCompacted.Load()
	stats["segments_written"] = c.segmentsWritten.Load()
	stats["compaction_bytes_in"] = c.bytesCompactedIn.Load()
	stats["compaction_bytes_out"] = c.bytesCompactedOut.Load()
	stats["tombstones_purged"] = c.tombstonesPurged.Load()
	stats["claim_conflicts"] = c.claimConflicts.Load()
	stats["empty_selections"] = c.emptySelections.Load()
	stats["estimated_remaining_tasks"] = c.remainingTasks.Load()
	stats["tracked_segments"] = c.trackedSegments.Load()

	c.errorsMu.RLock()
	errorStats := make(map[string]uint64)
	for errType, counter := range c.errors {
		errorStats[errType] = counter.Load()
	}
	c.errorsMu.RUnlock()
	stats["errors"] = errorStats

	c.latenciesMu.RLock()
	for op, tracker := range c.latencies {
		count := tracker.count.Load()
		if count == 0 {
			continue
		}

		latencyStats := map[string]interface{}{
			"count":  count,
			"avg_ns": tracker.sum.Load() / count,
		}

		if min := tracker.min.Load(); min != 0 {
			latencyStats["min_ns"] = min
		}
		if max := tracker.max.Load(); max != 0 {
			latencyStats["max_ns"] = max
		}

		stats[string(op)+"_latency"] = latencyStats
	}
	c.latenciesMu.RUnlock()

	return stats
}

// GetStatsFiltered returns statistics filtered by prefix
func (c *AtomicCollector) GetStatsFiltered(prefix string) map[string]interface{} {
	allStats := c.GetStats()
	filtered := make(map[string]interface{})

	for key, value := range allStats {
		if strings.HasPrefix(key, prefix) {
			filtered[key] = value
		}
	}

	return filtered
}

// getOrCreateCounter gets or creates an atomic counter for the operation
func (c *AtomicCollector) getOrCreateCounter(op OperationType) *atomic.Uint64 {
	c.countsMu.RLock()
	counter, exists := c.counts[op]
	c.countsMu.RUnlock()

	if !exists {
		c.countsMu.Lock()
		if counter, exists = c.counts[op]; !exists {
			counter = &atomic.Uint64{}
			c.counts[op] = counter
		}
		c.countsMu.Unlock()
	}

	return counter
}

// getOrCreateLatencyTracker gets or creates a latency tracker for the operation
func (c *AtomicCollector) getOrCreateLatencyTracker(op OperationType) *LatencyTracker {
	c.latenciesMu.RLock()
	tracker, exists := c.latencies[op]
	c.latenciesMu.RUnlock()

	if !exists {
		c.latenciesMu.Lock()
		if tracker, exists = c.latencies[op]; !exists {
			tracker = &LatencyTracker{}
			c.latencies[op] = tracker
		}
		c.latenciesMu.Unlock()
	}

	return tracker
}
