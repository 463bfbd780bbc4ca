package compaction

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/KevoDB/pairpick/pkg/config"
	"github.com/KevoDB/pairpick/pkg/segment"
	"github.com/KevoDB/pairpick/pkg/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type coordinatorFixture struct {
	cfg         *config.Config
	tracker     *DataTracker
	stats       *stats.AtomicCollector
	coordinator *Coordinator
}

func newCoordinatorFixture(t *testing.T, executor Executor) *coordinatorFixture {
	t.Helper()

	cfg := config.NewDefaultConfig()
	cfg.Update(func(c *config.Config) {
		c.CompactionWorkers = 2
		c.CompactionInterval = 10 * time.Millisecond
	})

	tracker := NewDataTracker(DataTrackerOptions{Logger: quietLogger()})
	collector := stats.NewAtomicCollector()

	c, err := NewCoordinator(CoordinatorOptions{
		Tracker:  tracker,
		Executor: executor,
		Config:   cfg,
		Logger:   quietLogger(),
		Stats:    collector,
	})
	require.NoError(t, err)

	return &coordinatorFixture{cfg: cfg, tracker: tracker, stats: collector, coordinator: c}
}

func TestNewCoordinatorValidation(t *testing.T) {
	_, err := NewCoordinator(CoordinatorOptions{})
	assert.Error(t, err)

	cfg := config.NewDefaultConfig()
	cfg.Update(func(c *config.Config) { c.Strategy = "leveled" })
	_, err = NewCoordinator(CoordinatorOptions{
		Tracker: NewDataTracker(DataTrackerOptions{Logger: quietLogger()}),
		Config:  cfg,
		Logger:  quietLogger(),
	})
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestTriggerCompaction(t *testing.T) {
	f := newCoordinatorFixture(t, nil)
	ctx := context.Background()

	result, err := f.coordinator.TriggerCompaction(ctx)
	require.NoError(t, err)
	assert.Nil(t, result, "nothing to compact")

	s1 := keyedSegment(t, "k", 0, 10)
	s2 := keyedSegment(t, "k", 5, 15)
	f.tracker.AddSegments(s1, s2)

	result, err = f.coordinator.TriggerCompaction(ctx)
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Len(t, result.Outputs, 1)

	out := result.Outputs[0]
	assert.Equal(t, int64(16), out.KeyCount)
	assert.Equal(t, []segment.ID{out.ID}, segment.IDs(f.tracker.LiveSegments()))

	strategy := f.coordinator.Strategy().(*PairwiseStrategy)
	assert.Equal(t, []segment.ID{out.ID}, segment.IDs(strategy.Tracked()), "outputs replace inputs in the tracked set")

	all := f.stats.GetStats()
	assert.Equal(t, uint64(1), all["compaction_count"])
	assert.Equal(t, uint64(2), all["segments_compacted"])
	assert.Equal(t, uint64(1), all["empty_selections"])

	info := f.coordinator.GetCompactionStats()
	assert.Equal(t, PairwiseStrategyName, info["strategy"])
	assert.Equal(t, 1, info["live_segments"])
	assert.Equal(t, 1, info["last_outputs_count"])
	assert.Equal(t, false, info["running"])
}

func TestCompactionFailureReleasesClaim(t *testing.T) {
	boom := errors.New("disk full")
	f := newCoordinatorFixture(t, ExecutorFunc(func(context.Context, *Task) (*Result, error) {
		return nil, boom
	}))

	s1 := keyedSegment(t, "k", 0, 10)
	s2 := keyedSegment(t, "k", 5, 15)
	f.tracker.AddSegments(s1, s2)

	_, err := f.coordinator.TriggerCompaction(context.Background())
	require.ErrorIs(t, err, boom)

	assert.False(t, f.tracker.IsCompacting(s1.ID))
	assert.False(t, f.tracker.IsCompacting(s2.ID))
	assert.Len(t, f.tracker.LiveSegments(), 2)

	errs := f.stats.GetStats()["errors"].(map[string]uint64)
	assert.Equal(t, uint64(1), errs["compaction_failed"])
}

func TestCompactAll(t *testing.T) {
	f := newCoordinatorFixture(t, nil)
	ctx := context.Background()

	results, err := f.coordinator.CompactAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, results)

	f.tracker.AddSegments(
		keyedSegment(t, "a", 0, 10),
		keyedSegment(t, "b", 0, 10),
		keyedSegment(t, "c", 0, 10),
	)

	results, err = f.coordinator.CompactAll(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Len(t, results[0].Task.Segments, 3)
	assert.Len(t, f.tracker.LiveSegments(), 1)
	assert.Equal(t, int64(33), f.tracker.LiveSegments()[0].KeyCount)
}

func TestCompactSegments(t *testing.T) {
	f := newCoordinatorFixture(t, nil)
	ctx := context.Background()

	s1 := keyedSegment(t, "a", 0, 10)
	s2 := keyedSegment(t, "b", 0, 10)
	s3 := keyedSegment(t, "c", 0, 10)
	f.tracker.AddSegments(s1, s2, s3)

	_, err := f.coordinator.CompactSegments(ctx, []segment.ID{s1.ID, segment.NewID()})
	assert.ErrorIs(t, err, ErrUnknownSegment)

	require.True(t, f.tracker.MarkCompacting([]*segment.Segment{s3}))
	_, err = f.coordinator.CompactSegments(ctx, []segment.ID{s2.ID, s3.ID})
	assert.ErrorIs(t, err, ErrClaimFailed)
	assert.Equal(t, uint64(1), f.stats.GetStats()["claim_conflicts"])

	result, err := f.coordinator.CompactSegments(ctx, []segment.ID{s1.ID, s2.ID})
	require.NoError(t, err)
	assert.True(t, result.Task.UserDefined)
	assert.Len(t, f.tracker.LiveSegments(), 2)
}

func TestCoordinatorBackgroundWorkers(t *testing.T) {
	f := newCoordinatorFixture(t, nil)
	c := f.coordinator

	assert.ErrorIs(t, c.Wake(), ErrNotStarted)

	for i := 0; i < 8; i++ {
		f.tracker.AddSegments(keyedSegment(t, "k", 0, 20))
	}

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Start(context.Background()), "starting twice is a no-op")
	assert.True(t, c.Running())
	require.NoError(t, c.Wake())

	require.Eventually(t, func() bool {
		counts := f.tracker.Counts()
		return counts.Live == 1 && counts.Compacting == 0
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Stop())
	require.NoError(t, c.Stop())
	assert.False(t, c.Running())

	assert.Equal(t, int64(21), f.tracker.LiveSegments()[0].KeyCount)
	assert.Equal(t, uint64(7), f.stats.GetStats()["compaction_count"])
}

func TestCoordinatorSetStrategy(t *testing.T) {
	f := newCoordinatorFixture(t, nil)
	old := f.coordinator.Strategy().(*PairwiseStrategy)

	s1 := keyedSegment(t, "a", 0, 10)
	f.tracker.AddSegments(s1)

	next, err := NewPairwiseStrategy(StrategyOptions{Store: f.tracker, Logger: quietLogger()})
	require.NoError(t, err)
	f.coordinator.SetStrategy(next)

	assert.Same(t, next, f.coordinator.Strategy())
	assert.Equal(t, []segment.ID{s1.ID}, segment.IDs(next.Tracked()), "the new strategy sees live segments")

	s2 := keyedSegment(t, "b", 0, 10)
	f.tracker.AddSegments(s2)
	assert.Len(t, next.Tracked(), 2)
	assert.Len(t, old.Tracked(), 1, "the old strategy is no longer notified")
}

func TestSimulatedExecutor(t *testing.T) {
	exec := NewSimulatedExecutor(0)
	ctx := context.Background()

	seg := tombstoneSegment(t, "a", 10, 4, 10)
	task := newTask(PairwiseStrategyName, []*segment.Segment{seg}, time.Now())

	result, err := exec.Execute(ctx, task)
	require.NoError(t, err)
	assert.Same(t, task, result.Task)
	assert.Equal(t, int64(4), result.TombstonesPurged)
	require.Len(t, result.Outputs, 1)
	assert.Equal(t, int64(6), result.Outputs[0].KeyCount)
	assert.Less(t, result.OutputSize(), seg.Size)

	// Tombstones inside the horizon survive
	task = newTask(PairwiseStrategyName, []*segment.Segment{seg}, time.Now().Add(-60*24*time.Hour))
	result, err = exec.Execute(ctx, task)
	require.NoError(t, err)
	assert.Zero(t, result.TombstonesPurged)

	// Purging every entry writes nothing
	gone := tombstoneSegment(t, "b", 5, 5, 10)
	result, err = exec.Execute(ctx, newTask(PairwiseStrategyName, []*segment.Segment{gone}, time.Now()))
	require.NoError(t, err)
	assert.Empty(t, result.Outputs)
	assert.Equal(t, int64(5), result.TombstonesPurged)
}

func TestSimulatedExecutorCancel(t *testing.T) {
	exec := NewSimulatedExecutor(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	seg := keyedSegment(t, "a", 0, 3)
	_, err := exec.Execute(ctx, newTask(PairwiseStrategyName, []*segment.Segment{seg}, time.Now()))
	assert.ErrorIs(t, err, context.Canceled)

	_, err = NewSimulatedExecutor(0).Execute(ctx, newTask(PairwiseStrategyName, []*segment.Segment{seg}, time.Now()))
	assert.ErrorIs(t, err, context.Canceled)
}
