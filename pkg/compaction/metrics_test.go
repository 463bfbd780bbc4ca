// ABOUTME: Compaction telemetry metrics tests with mock telemetry server and real selection operations
// ABOUTME: Provides test coverage for the compaction metrics interface and strategy/coordinator integration

package compaction

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/KevoDB/pairpick/pkg/segment"
	"github.com/KevoDB/pairpick/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// mockTelemetryServer captures metrics for testing compaction telemetry (infrastructure mocking only)
type mockTelemetryServer struct {
	mu         sync.Mutex
	histograms map[string][]mockHistogramValue
	counters   map[string][]mockCounterValue
}

type mockHistogramValue struct {
	value      float64
	attributes []attribute.KeyValue
}

type mockCounterValue struct {
	value      int64
	attributes []attribute.KeyValue
}

func newMockTelemetryServer() *mockTelemetryServer {
	return &mockTelemetryServer{
		histograms: make(map[string][]mockHistogramValue),
		counters:   make(map[string][]mockCounterValue),
	}
}

func (m *mockTelemetryServer) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.histograms[name] = append(m.histograms[name], mockHistogramValue{
		value:      value,
		attributes: attrs,
	})
}

func (m *mockTelemetryServer) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] = append(m.counters[name], mockCounterValue{
		value:      value,
		attributes: attrs,
	})
}

func (m *mockTelemetryServer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return ctx, trace.SpanFromContext(ctx)
}

func (m *mockTelemetryServer) Shutdown(ctx context.Context) error {
	return nil
}

func (m *mockTelemetryServer) getHistogramCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.histograms[name])
}

func (m *mockTelemetryServer) getCounterCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.counters[name])
}

func (m *mockTelemetryServer) getHistogramValues(name string) []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	values := make([]float64, len(m.histograms[name]))
	for i, v := range m.histograms[name] {
		values[i] = v.value
	}
	return values
}

func (m *mockTelemetryServer) getCounterAttributes(name string) [][]attribute.KeyValue {
	m.mu.Lock()
	defer m.mu.Unlock()
	attrs := make([][]attribute.KeyValue, len(m.counters[name]))
	for i, v := range m.counters[name] {
		attrs[i] = v.attributes
	}
	return attrs
}

func (m *mockTelemetryServer) getMetricNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0)
	for name := range m.histograms {
		names = append(names, name)
	}
	for name := range m.counters {
		names = append(names, name)
	}

	sort.Strings(names)
	return names
}

func attributeValue(attrs []attribute.KeyValue, key string) string {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value.Emit()
		}
	}
	return ""
}

// TestCompactionMetricsInterface tests all methods of the CompactionMetrics interface
func TestCompactionMetricsInterface(t *testing.T) {
	mockTel := newMockTelemetryServer()
	metrics := NewCompactionMetrics(mockTel)
	ctx := context.Background()

	// Test RecordSelection
	metrics.RecordSelection(ctx, PairwiseStrategyName, telemetry.ModeBackground, telemetry.OutcomePair, 2, time.Millisecond)

	if count := mockTel.getCounterCount("pairpick.compaction.selection.count"); count != 1 {
		t.Errorf("Expected 1 selection record, got %d", count)
	}
	if count := mockTel.getHistogramCount("pairpick.compaction.selection.duration"); count != 1 {
		t.Errorf("Expected 1 selection duration record, got %d", count)
	}
	if count := mockTel.getHistogramCount("pairpick.compaction.selection.segments"); count != 1 {
		t.Errorf("Expected 1 selection segments record, got %d", count)
	}

	// Empty selections do not record a segment count
	metrics.RecordSelection(ctx, PairwiseStrategyName, telemetry.ModeBackground, telemetry.OutcomeNone, 0, time.Millisecond)
	if count := mockTel.getHistogramCount("pairpick.compaction.selection.segments"); count != 1 {
		t.Errorf("Expected segment count to stay at 1, got %d", count)
	}

	// Test RecordClaimConflict
	metrics.RecordClaimConflict(ctx, PairwiseStrategyName, telemetry.ModeUserDefined)
	attrs := mockTel.getCounterAttributes("pairpick.compaction.claim.conflicts")
	if len(attrs) != 1 {
		t.Fatalf("Expected 1 claim conflict record, got %d", len(attrs))
	}
	if mode := attributeValue(attrs[0], telemetry.AttrMode); mode != telemetry.ModeUserDefined {
		t.Errorf("Expected mode %q, got %q", telemetry.ModeUserDefined, mode)
	}

	// Test RecordPairScan
	metrics.RecordPairScan(ctx, PairwiseStrategyName, 4, 6, 0.25)
	if values := mockTel.getHistogramValues("pairpick.compaction.scan.best_gain"); len(values) != 1 || values[0] != 0.25 {
		t.Errorf("Expected best gain [0.25], got %v", values)
	}
	if count := mockTel.getCounterCount("pairpick.compaction.scan.pairs"); count != 1 {
		t.Errorf("Expected 1 pair count record, got %d", count)
	}

	// Test RecordCompactionStart
	metrics.RecordCompactionStart(ctx, PairwiseStrategyName, 2, 1024000)

	if count := mockTel.getCounterCount("pairpick.compaction.start.count"); count != 1 {
		t.Errorf("Expected 1 compaction start record, got %d", count)
	}
	if count := mockTel.getCounterCount("pairpick.compaction.input.segments"); count != 1 {
		t.Errorf("Expected 1 input segments record, got %d", count)
	}
	if count := mockTel.getCounterCount("pairpick.compaction.input.bytes"); count != 1 {
		t.Errorf("Expected 1 input bytes record, got %d", count)
	}

	// Test RecordCompactionComplete
	metrics.RecordCompactionComplete(ctx, 150*time.Millisecond, 1024000, 512000, 50, true)

	if count := mockTel.getHistogramCount("pairpick.compaction.execution.duration"); count != 1 {
		t.Errorf("Expected 1 execution duration record, got %d", count)
	}
	if count := mockTel.getCounterCount("pairpick.compaction.output.bytes"); count != 1 {
		t.Errorf("Expected 1 output bytes record, got %d", count)
	}
	if count := mockTel.getCounterCount("pairpick.compaction.tombstones.removed"); count != 1 {
		t.Errorf("Expected 1 tombstones removed record, got %d", count)
	}
	if count := mockTel.getCounterCount("pairpick.compaction.space.reclaimed.bytes"); count != 1 {
		t.Errorf("Expected 1 space reclaimed record, got %d", count)
	}
	if values := mockTel.getHistogramValues("pairpick.compaction.size.ratio"); len(values) != 1 || values[0] != 0.5 {
		t.Errorf("Expected size ratio [0.5], got %v", values)
	}

	// A failed compaction only records its duration
	metrics.RecordCompactionComplete(ctx, time.Millisecond, 1024, 0, 0, false)
	if count := mockTel.getHistogramCount("pairpick.compaction.execution.duration"); count != 2 {
		t.Errorf("Expected 2 execution duration records, got %d", count)
	}
	if count := mockTel.getCounterCount("pairpick.compaction.output.bytes"); count != 1 {
		t.Errorf("Expected output bytes to stay at 1 record, got %d", count)
	}

	// Test gauges
	metrics.RecordRemainingTasks(ctx, PairwiseStrategyName, 3)
	metrics.RecordTrackedSegments(ctx, PairwiseStrategyName, 12)

	if values := mockTel.getHistogramValues("pairpick.compaction.remaining_tasks"); len(values) != 1 || values[0] != 3 {
		t.Errorf("Expected remaining tasks [3], got %v", values)
	}
	if values := mockTel.getHistogramValues("pairpick.compaction.tracked_segments"); len(values) != 1 || values[0] != 12 {
		t.Errorf("Expected tracked segments [12], got %v", values)
	}

	// Test Close
	if err := metrics.Close(); err != nil {
		t.Errorf("Expected nil error from Close(), got %v", err)
	}
}

// TestNoopCompactionMetrics verifies that no-op implementation works correctly
func TestNoopCompactionMetrics(t *testing.T) {
	metrics := NewNoopCompactionMetrics()
	ctx := context.Background()

	// All calls should succeed without panics
	metrics.RecordSelection(ctx, PairwiseStrategyName, telemetry.ModeMaximal, telemetry.OutcomeAll, 3, time.Millisecond)
	metrics.RecordClaimConflict(ctx, PairwiseStrategyName, telemetry.ModeBackground)
	metrics.RecordPairScan(ctx, PairwiseStrategyName, 3, 3, 0.5)
	metrics.RecordCompactionStart(ctx, PairwiseStrategyName, 3, 1024000)
	metrics.RecordCompactionComplete(ctx, 150*time.Millisecond, 1024000, 512000, 50, true)
	metrics.RecordRemainingTasks(ctx, PairwiseStrategyName, 1)
	metrics.RecordTrackedSegments(ctx, PairwiseStrategyName, 1)

	if err := metrics.Close(); err != nil {
		t.Errorf("Expected nil error from no-op Close(), got %v", err)
	}

	// A nil telemetry falls back to the no-op implementation
	if _, ok := NewCompactionMetrics(nil).(*noopCompactionMetrics); !ok {
		t.Errorf("Expected no-op metrics for nil telemetry")
	}
}

// TestStrategyTelemetryIntegration runs real selections against the mock server
func TestStrategyTelemetryIntegration(t *testing.T) {
	mockTel := newMockTelemetryServer()
	metrics := NewCompactionMetrics(mockTel)

	tracker := NewDataTracker(DataTrackerOptions{Logger: quietLogger()})
	strategy, err := NewPairwiseStrategy(StrategyOptions{
		Store:   tracker,
		Logger:  quietLogger(),
		Metrics: metrics,
	})
	if err != nil {
		t.Fatalf("Failed to create strategy: %v", err)
	}
	tracker.Subscribe(strategy)

	s1 := keyedSegment(t, "a", 0, 10)
	s2 := keyedSegment(t, "a", 5, 15)
	tracker.AddSegments(s1, s2)

	ctx := context.Background()
	if task, ok := strategy.SelectNextBackground(ctx, time.Now()).Get(); !ok || len(task.Segments) != 2 {
		t.Fatalf("Expected a two segment task")
	}

	if count := mockTel.getCounterCount("pairpick.compaction.selection.count"); count != 1 {
		t.Errorf("Expected 1 selection record, got %d", count)
	}
	if count := mockTel.getCounterCount("pairpick.compaction.scan.pairs"); count != 1 {
		t.Errorf("Expected 1 pair scan record, got %d", count)
	}
	if values := mockTel.getHistogramValues("pairpick.compaction.tracked_segments"); len(values) != 2 {
		t.Errorf("Expected 2 tracked segment records, got %v", values)
	}

	// Both segments are claimed, so the user-defined path conflicts
	if _, ok := strategy.SelectUserDefined(ctx, []*segment.Segment{s1}, time.Now()).Get(); ok {
		t.Errorf("Expected user-defined selection to fail on claimed segments")
	}
	if count := mockTel.getCounterCount("pairpick.compaction.claim.conflicts"); count != 1 {
		t.Errorf("Expected 1 claim conflict record, got %d", count)
	}

	names := mockTel.getMetricNames()
	if len(names) == 0 {
		t.Errorf("Expected recorded metric names")
	}
}

// TestStatusToString tests the helper for telemetry attributes
func TestStatusToString(t *testing.T) {
	if got := statusToString(true); got != telemetry.StatusSuccess {
		t.Errorf("Expected %q, got %q", telemetry.StatusSuccess, got)
	}
	if got := statusToString(false); got != telemetry.StatusError {
		t.Errorf("Expected %q, got %q", telemetry.StatusError, got)
	}
}
