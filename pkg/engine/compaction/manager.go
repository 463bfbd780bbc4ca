package compaction

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/KevoDB/pairpick/pkg/common/log"
	"github.com/KevoDB/pairpick/pkg/compaction"
	"github.com/KevoDB/pairpick/pkg/config"
	"github.com/KevoDB/pairpick/pkg/engine/interfaces"
	"github.com/KevoDB/pairpick/pkg/segment"
	"github.com/KevoDB/pairpick/pkg/stats"
	"github.com/KevoDB/pairpick/pkg/telemetry"
	"github.com/kapetan-io/tackle/set"
)

// ManagerOptions holds optional collaborators for the manager
type ManagerOptions struct {
	// Performs claimed compactions. Defaults to a SimulatedExecutor.
	Executor compaction.Executor

	Telemetry telemetry.Telemetry
	Logger    log.Logger
}

// Manager implements the interfaces.CompactionManager interface
type Manager struct {
	// Core compaction pieces from pkg/compaction
	tracker     *compaction.DataTracker
	tombstones  *compaction.TombstonePolicy
	coordinator *compaction.Coordinator

	cfg *config.Config

	// Stats collector
	stats stats.Collector

	logger log.Logger

	// Track whether background compaction is running
	started atomic.Bool
	closed  atomic.Bool
}

// NewManager creates a new compaction manager
func NewManager(cfg *config.Config, statsCollector stats.Collector, options ManagerOptions) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	set.Default(&statsCollector, stats.Collector(stats.NewAtomicCollector()))
	set.Default(&options.Telemetry, telemetry.NewNoop())
	set.Default(&options.Logger, log.GetDefaultLogger())

	snap := cfg.Snapshot()
	metrics := compaction.NewCompactionMetrics(options.Telemetry)

	tracker := compaction.NewDataTracker(compaction.DataTrackerOptions{
		MinThreshold: snap.MinThreshold,
		MaxThreshold: snap.MaxThreshold,
		Logger:       options.Logger.WithField("component", telemetry.ComponentTracker),
	})
	tombstones := compaction.NewTombstonePolicy(compaction.TombstoneOptionsFromConfig(cfg), tracker)

	strategy, err := compaction.NewStrategy(snap.Strategy, compaction.StrategyOptions{
		Store:      tracker,
		Tombstones: tombstones,
		Config:     cfg,
		Logger:     options.Logger.WithField("component", telemetry.ComponentStrategy),
		Metrics:    metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create compaction strategy: %w", err)
	}

	coordinator, err := compaction.NewCoordinator(compaction.CoordinatorOptions{
		Tracker:   tracker,
		Strategy:  strategy,
		Executor:  options.Executor,
		Config:    cfg,
		Logger:    options.Logger.WithField("component", telemetry.ComponentCoordinator),
		Metrics:   metrics,
		Telemetry: options.Telemetry,
		Stats:     statsCollector,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create compaction coordinator: %w", err)
	}

	return &Manager{
		tracker:     tracker,
		tombstones:  tombstones,
		coordinator: coordinator,
		cfg:         cfg,
		stats:       statsCollector,
		logger:      options.Logger.WithField("component", telemetry.ComponentEngine),
	}, nil
}

// Start begins background compaction
func (m *Manager) Start(ctx context.Context) error {
	if m.closed.Load() {
		return interfaces.ErrClosed
	}

	err := m.coordinator.Start(ctx)
	if err == nil {
		m.started.Store(true)
	} else {
		m.stats.TrackError("compaction_start_error")
	}

	return err
}

// Stop halts background compaction. The manager stays usable.
func (m *Manager) Stop() error {
	// If not started, nothing to do
	if !m.started.Load() {
		return nil
	}

	err := m.coordinator.Stop()
	if err == nil {
		m.started.Store(false)
	} else {
		m.stats.TrackError("compaction_stop_error")
	}

	return err
}

// Close stops background compaction and rejects further use
func (m *Manager) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	return m.Stop()
}

// Flush makes newly written segments visible to compaction
func (m *Manager) Flush(segments ...*segment.Segment) {
	if m.closed.Load() {
		return
	}

	added := m.tracker.AddSegments(segments...)
	m.stats.TrackOperation(stats.OpFlush)
	m.stats.TrackFlush(uint64(len(added)))

	if len(added) > 0 && m.started.Load() {
		// Workers stopping concurrently is fine, the next tick picks it up
		_ = m.coordinator.Wake()
	}
}

// MarkSuspect flags a segment as corrupt so background selection skips it
func (m *Manager) MarkSuspect(id segment.ID) error {
	return m.tracker.MarkSuspect(id)
}

// ClearSuspect removes the corrupt flag
func (m *Manager) ClearSuspect(id segment.ID) {
	m.tracker.ClearSuspect(id)
}

// Segments lists the live segments in ID order
func (m *Manager) Segments() []interfaces.SegmentStatus {
	live := m.tracker.LiveSegments()
	out := make([]interfaces.SegmentStatus, len(live))
	for i, seg := range live {
		out[i] = interfaces.SegmentStatus{
			Segment:    seg,
			Compacting: m.tracker.IsCompacting(seg.ID),
			Suspect:    m.tracker.IsSuspect(seg.ID),
		}
	}
	return out
}

// TriggerCompaction runs one background compaction cycle synchronously
func (m *Manager) TriggerCompaction(ctx context.Context) (*compaction.Result, error) {
	if m.closed.Load() {
		return nil, interfaces.ErrClosed
	}

	result, err := m.coordinator.TriggerCompaction(ctx)
	if err != nil {
		m.stats.TrackError("compaction_trigger_error")
	}
	return result, err
}

// CompactAll runs a major compaction over every tracked segment
func (m *Manager) CompactAll(ctx context.Context) ([]*compaction.Result, error) {
	if m.closed.Load() {
		return nil, interfaces.ErrClosed
	}

	results, err := m.coordinator.CompactAll(ctx)
	if err != nil {
		m.stats.TrackError("compaction_major_error")
	}
	return results, err
}

// CompactSegments compacts exactly the given segments
func (m *Manager) CompactSegments(ctx context.Context, ids []segment.ID) (*compaction.Result, error) {
	if m.closed.Load() {
		return nil, interfaces.ErrClosed
	}

	result, err := m.coordinator.CompactSegments(ctx, ids)
	if err != nil {
		m.stats.TrackError("compaction_user_defined_error")
	}
	return result, err
}

// SetEnabled toggles background selection
func (m *Manager) SetEnabled(enabled bool) {
	m.cfg.Update(func(c *config.Config) { c.Enabled = enabled })
	m.coordinator.Strategy().SetEnabled(enabled)
	m.logger.Info("Background compaction enabled=%t", enabled)
}

// SetOptions applies per-table compaction options and pushes them to the
// tracker, the tombstone policy and the strategy
func (m *Manager) SetOptions(options map[string]string) error {
	if err := m.cfg.ApplyOptions(options); err != nil {
		return err
	}

	snap := m.cfg.Snapshot()
	m.tracker.SetThresholds(snap.MinThreshold, snap.MaxThreshold)
	m.tombstones.SetOptions(compaction.TombstoneOptionsFromConfig(m.cfg))
	m.coordinator.Strategy().SetEnabled(snap.Enabled)

	m.logger.Debug("Applied compaction options %v", options)
	return nil
}

// GetCompactionStats returns statistics about the compaction state
func (m *Manager) GetCompactionStats() map[string]interface{} {
	// Get stats from the coordinator
	stats := m.coordinator.GetCompactionStats()

	// Add our own stats
	stats["compaction_running"] = m.started.Load()
	stats["min_threshold"] = m.tracker.MinCompactionThreshold()
	stats["max_threshold"] = m.tracker.MaxCompactionThreshold()

	if tracked, ok := m.coordinator.Strategy().(interface{ Tracked() []*segment.Segment }); ok {
		n := len(tracked.Tracked())
		stats["tracked_segments"] = n
		m.stats.TrackTrackedSegments(int64(n))
	}

	return stats
}

// Ensure Manager implements the CompactionManager interface
var _ interfaces.CompactionManager = (*Manager)(nil)
