// ABOUTME: This file defines telemetry metrics interface for compaction operations
// ABOUTME: including selection outcomes, claim contention, and execution performance monitoring

package compaction

import (
	"context"
	"time"

	"github.com/KevoDB/pairpick/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// CompactionMetrics interface defines telemetry methods for compaction operations
type CompactionMetrics interface {
	// RecordSelection records the outcome of one selection call
	RecordSelection(ctx context.Context, strategy string, mode string, outcome string, segments int, duration time.Duration)

	// RecordClaimConflict records a lost MarkCompacting race
	RecordClaimConflict(ctx context.Context, strategy string, mode string)

	// RecordPairScan records the size of a pairwise scan and the best gain found
	RecordPairScan(ctx context.Context, strategy string, candidates int, pairs int, bestGain float64)

	// RecordCompactionStart records the start of a compaction operation
	RecordCompactionStart(ctx context.Context, strategy string, inputSegments int, inputSize int64)

	// RecordCompactionComplete records the completion of a compaction operation
	RecordCompactionComplete(ctx context.Context, duration time.Duration, inputSize int64, outputSize int64, tombstonesRemoved int64, success bool)

	// RecordRemainingTasks records the estimated pending work gauge
	RecordRemainingTasks(ctx context.Context, strategy string, remaining int64)

	// RecordTrackedSegments records how many segments a strategy tracks
	RecordTrackedSegments(ctx context.Context, strategy string, tracked int64)

	// Close cleans up any resources used by the metrics
	Close() error
}

// compactionMetrics implements CompactionMetrics using the telemetry package
type compactionMetrics struct {
	tel telemetry.Telemetry
}

// NewCompactionMetrics creates a new CompactionMetrics implementation
func NewCompactionMetrics(tel telemetry.Telemetry) CompactionMetrics {
	if tel == nil {
		return NewNoopCompactionMetrics()
	}
	return &compactionMetrics{
		tel: tel,
	}
}

// NewNoopCompactionMetrics creates a no-op CompactionMetrics for testing/disabled scenarios
func NewNoopCompactionMetrics() CompactionMetrics {
	return &noopCompactionMetrics{}
}

// RecordSelection records the outcome of one selection call
func (m *compactionMetrics) RecordSelection(ctx context.Context, strategy string, mode string, outcome string, segments int, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStrategy),
		attribute.String(telemetry.AttrStrategy, strategy),
		attribute.String(telemetry.AttrMode, mode),
		attribute.String(telemetry.AttrOutcome, outcome),
	}

	m.tel.RecordCounter(ctx, "pairpick.compaction.selection.count", 1, attrs...)
	m.tel.RecordHistogram(ctx, "pairpick.compaction.selection.duration", duration.Seconds(), attrs...)

	if segments > 0 {
		m.tel.RecordHistogram(ctx, "pairpick.compaction.selection.segments", float64(segments), attrs...)
	}
}

// RecordClaimConflict records a lost MarkCompacting race
func (m *compactionMetrics) RecordClaimConflict(ctx context.Context, strategy string, mode string) {
	m.tel.RecordCounter(ctx, "pairpick.compaction.claim.conflicts", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStrategy),
		attribute.String(telemetry.AttrStrategy, strategy),
		attribute.String(telemetry.AttrMode, mode),
	)
}

// RecordPairScan records the size of a pairwise scan and the best gain found
func (m *compactionMetrics) RecordPairScan(ctx context.Context, strategy string, candidates int, pairs int, bestGain float64) {
	m.tel.RecordHistogram(ctx, "pairpick.compaction.scan.candidates", float64(candidates),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStrategy),
		attribute.String(telemetry.AttrStrategy, strategy),
	)

	m.tel.RecordCounter(ctx, "pairpick.compaction.scan.pairs", int64(pairs),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStrategy),
		attribute.String(telemetry.AttrStrategy, strategy),
	)

	m.tel.RecordHistogram(ctx, "pairpick.compaction.scan.best_gain", bestGain,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStrategy),
		attribute.String(telemetry.AttrStrategy, strategy),
	)
}

// RecordCompactionStart records the start of a compaction operation
func (m *compactionMetrics) RecordCompactionStart(ctx context.Context, strategy string, inputSegments int, inputSize int64) {
	m.tel.RecordCounter(ctx, "pairpick.compaction.start.count", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
		attribute.String(telemetry.AttrStrategy, strategy),
	)

	m.tel.RecordCounter(ctx, "pairpick.compaction.input.segments", int64(inputSegments),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
		attribute.String(telemetry.AttrStrategy, strategy),
	)

	m.tel.RecordCounter(ctx, "pairpick.compaction.input.bytes", inputSize,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
		attribute.String(telemetry.AttrStrategy, strategy),
	)
}

// RecordCompactionComplete records the completion of a compaction operation
func (m *compactionMetrics) RecordCompactionComplete(ctx context.Context, duration time.Duration, inputSize int64, outputSize int64, tombstonesRemoved int64, success bool) {
	m.tel.RecordHistogram(ctx, "pairpick.compaction.execution.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
		attribute.String(telemetry.AttrStatus, statusToString(success)),
	)

	if !success {
		return
	}

	m.tel.RecordCounter(ctx, "pairpick.compaction.output.bytes", outputSize,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
	)

	m.tel.RecordCounter(ctx, "pairpick.compaction.tombstones.removed", tombstonesRemoved,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
	)

	// Calculate space reclaimed
	spaceReclaimed := inputSize - outputSize
	if spaceReclaimed > 0 {
		m.tel.RecordCounter(ctx, "pairpick.compaction.space.reclaimed.bytes", spaceReclaimed,
			attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
		)
	}

	if inputSize > 0 {
		m.tel.RecordHistogram(ctx, "pairpick.compaction.size.ratio", float64(outputSize)/float64(inputSize),
			attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
		)
	}
}

// RecordRemainingTasks records the estimated pending work gauge
func (m *compactionMetrics) RecordRemainingTasks(ctx context.Context, strategy string, remaining int64) {
	m.tel.RecordHistogram(ctx, "pairpick.compaction.remaining_tasks", float64(remaining),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStrategy),
		attribute.String(telemetry.AttrStrategy, strategy),
	)
}

// RecordTrackedSegments records how many segments a strategy tracks
func (m *compactionMetrics) RecordTrackedSegments(ctx context.Context, strategy string, tracked int64) {
	m.tel.RecordHistogram(ctx, "pairpick.compaction.tracked_segments", float64(tracked),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStrategy),
		attribute.String(telemetry.AttrStrategy, strategy),
	)
}

// Close cleans up any resources used by the metrics
func (m *compactionMetrics) Close() error {
	return nil
}

// noopCompactionMetrics provides a no-op implementation for testing/disabled scenarios
type noopCompactionMetrics struct{}

func (n *noopCompactionMetrics) RecordSelection(ctx context.Context, strategy string, mode string, outcome string, segments int, duration time.Duration) {
}
func (n *noopCompactionMetrics) RecordClaimConflict(ctx context.Context, strategy string, mode string) {
}
func (n *noopCompactionMetrics) RecordPairScan(ctx context.Context, strategy string, candidates int, pairs int, bestGain float64) {
}
func (n *noopCompactionMetrics) RecordCompactionStart(ctx context.Context, strategy string, inputSegments int, inputSize int64) {
}
func (n *noopCompactionMetrics) RecordCompactionComplete(ctx context.Context, duration time.Duration, inputSize int64, outputSize int64, tombstonesRemoved int64, success bool) {
}
func (n *noopCompactionMetrics) RecordRemainingTasks(ctx context.Context, strategy string, remaining int64) {
}
func (n *noopCompactionMetrics) RecordTrackedSegments(ctx context.Context, strategy string, tracked int64) {
}
func (n *noopCompactionMetrics) Close() error { return nil }

// statusToString converts success/failure to string representation
func statusToString(success bool) string {
	if success {
		return telemetry.StatusSuccess
	}
	return telemetry.StatusError
}
