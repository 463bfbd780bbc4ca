package compaction

import (
	"cmp"
	"context"
	"errors"
	"math"
	"slices"
	"sync/atomic"
	"time"

	"github.com/KevoDB/pairpick/pkg/common/log"
	"github.com/KevoDB/pairpick/pkg/config"
	"github.com/KevoDB/pairpick/pkg/segment"
	"github.com/KevoDB/pairpick/pkg/telemetry"
	"github.com/kapetan-io/tackle/set"
	"github.com/samber/mo"
)

// PairwiseStrategyName is the registered name of the pairwise strategy
const PairwiseStrategyName = "pairwise"

// StrategyOptions holds the collaborators handed to a strategy factory
type StrategyOptions struct {
	// Segment bookkeeping to select from and claim through. Required.
	Store Store

	// Decides single-segment tombstone compactions. Defaults to a
	// TombstonePolicy built from Config.
	Tombstones TombstoneChecker

	// Scores candidate pairs. Defaults to the sketch-based estimator.
	Estimator OverlapEstimator

	// Optional configuration for the enabled flag and tombstone options
	Config *config.Config

	Logger  log.Logger
	Metrics CompactionMetrics
}

// PairwiseStrategy merges the single pair of overlapping segments with the
// lowest estimated gain. When no pair helps it falls back to rewriting the
// smallest segment that is worth purging tombstones from.
type PairwiseStrategy struct {
	store      Store
	tombstones TombstoneChecker
	estimator  OverlapEstimator

	// Segments this strategy is responsible for
	tracked *SegmentSet

	enabled   atomic.Bool
	remaining atomic.Int64
	conflicts atomic.Int64

	logger  log.Logger
	metrics CompactionMetrics
}

// NewPairwiseStrategy creates a pairwise strategy
func NewPairwiseStrategy(opts StrategyOptions) (*PairwiseStrategy, error) {
	if opts.Store == nil {
		return nil, errors.New("pairwise strategy requires a store")
	}

	set.Default(&opts.Config, config.NewDefaultConfig())
	set.Default(&opts.Estimator, NewCardinalityEstimator())
	set.Default(&opts.Logger, log.GetDefaultLogger().WithField("component", "strategy"))
	set.Default(&opts.Metrics, NewNoopCompactionMetrics())

	if opts.Tombstones == nil {
		overlaps, _ := opts.Store.(OverlapSource)
		opts.Tombstones = NewTombstonePolicy(TombstoneOptionsFromConfig(opts.Config), overlaps)
	}

	s := &PairwiseStrategy{
		store:      opts.Store,
		tombstones: opts.Tombstones,
		estimator:  opts.Estimator,
		tracked:    NewSegmentSet(),
		logger:     opts.Logger.WithField("strategy", PairwiseStrategyName),
		metrics:    opts.Metrics,
	}
	s.enabled.Store(opts.Config.Snapshot().Enabled)

	return s, nil
}

// Name implements Strategy
func (s *PairwiseStrategy) Name() string {
	return PairwiseStrategyName
}

// SetEnabled implements Strategy
func (s *PairwiseStrategy) SetEnabled(enabled bool) {
	s.enabled.Store(enabled)
}

// Enabled implements Strategy
func (s *PairwiseStrategy) Enabled() bool {
	return s.enabled.Load()
}

// Track implements Listener
func (s *PairwiseStrategy) Track(seg *segment.Segment) {
	if s.tracked.Add(seg) {
		s.metrics.RecordTrackedSegments(context.Background(), s.Name(), int64(s.tracked.Len()))
	}
}

// Untrack implements Listener
func (s *PairwiseStrategy) Untrack(seg *segment.Segment) {
	if s.tracked.Remove(seg) {
		s.metrics.RecordTrackedSegments(context.Background(), s.Name(), int64(s.tracked.Len()))
	}
}

// Tracked returns the tracked segments in ID order
func (s *PairwiseStrategy) Tracked() []*segment.Segment {
	return s.tracked.Snapshot()
}

// EstimatedRemainingTasks implements Strategy
func (s *PairwiseStrategy) EstimatedRemainingTasks() int {
	return int(s.remaining.Load())
}

// ClaimConflicts returns how many background claims were lost to another
// selection and retried
func (s *PairwiseStrategy) ClaimConflicts() int64 {
	return s.conflicts.Load()
}

// MaxOutputSegmentBytes implements Strategy. The pairwise strategy does not
// split its output.
func (s *PairwiseStrategy) MaxOutputSegmentBytes() int64 {
	return math.MaxInt64
}

// SelectNextBackground implements Strategy. A lost claim means another worker
// took one of the segments first, so the selection is recomputed against the
// new state until it either claims something or runs out of candidates.
func (s *PairwiseStrategy) SelectNextBackground(ctx context.Context, gcBefore time.Time) mo.Option[*Task] {
	start := time.Now()

	if !s.Enabled() {
		return mo.None[*Task]()
	}

	for {
		if err := ctx.Err(); err != nil {
			s.logger.Debug("Background selection abandoned: %v", err)
			s.metrics.RecordSelection(ctx, s.Name(), telemetry.ModeBackground, telemetry.OutcomeNone, 0, time.Since(start))
			return mo.None[*Task]()
		}

		segs, outcome := s.nextBackgroundSegments(ctx, gcBefore)
		if len(segs) == 0 {
			s.metrics.RecordSelection(ctx, s.Name(), telemetry.ModeBackground, telemetry.OutcomeNone, 0, time.Since(start))
			return mo.None[*Task]()
		}

		if s.store.MarkCompacting(segs) {
			task := newTask(s.Name(), segs, gcBefore)
			s.logger.Debug("Selected %s (%s)", task, outcome)
			s.metrics.RecordSelection(ctx, s.Name(), telemetry.ModeBackground, outcome, len(segs), time.Since(start))
			return mo.Some(task)
		}

		s.conflicts.Add(1)
		s.metrics.RecordClaimConflict(ctx, s.Name(), telemetry.ModeBackground)
	}
}

// nextBackgroundSegments computes one background selection without claiming it
func (s *PairwiseStrategy) nextBackgroundSegments(ctx context.Context, gcBefore time.Time) ([]*segment.Segment, string) {
	if !s.Enabled() {
		return nil, telemetry.OutcomeNone
	}

	candidates := s.store.FilterSuspect(s.tracked.Intersect(s.store.UncompactingSegments()))
	if len(candidates) == 0 {
		return nil, telemetry.OutcomeNone
	}

	s.logger.Debug("Selecting from %d candidates (fan-in %d..%d)",
		len(candidates), s.store.MinCompactionThreshold(), s.store.MaxCompactionThreshold())

	if len(candidates) > 1 {
		overlapping := s.store.OverlappingSegments(candidates)
		if pair := s.mostOverlapping(ctx, overlapping); pair != nil {
			s.setRemaining(max(0, (len(overlapping)-2)/2))
			return pair, telemetry.OutcomePair
		}
	}

	var withTombstones []*segment.Segment
	for _, seg := range candidates {
		if s.tombstones.DroppableTombstoneRatioAboveThreshold(seg, gcBefore) {
			withTombstones = append(withTombstones, seg)
		}
	}
	if len(withTombstones) == 0 {
		s.setRemaining(0)
		return nil, telemetry.OutcomeNone
	}

	slices.SortStableFunc(withTombstones, func(a, b *segment.Segment) int {
		if c := cmp.Compare(a.Size, b.Size); c != 0 {
			return c
		}
		return a.ID.Compare(b.ID)
	})
	s.setRemaining(len(withTombstones) - 1)

	return withTombstones[:1], telemetry.OutcomeTombstone
}

// mostOverlapping returns the pair with the strictly lowest gain below 1.0,
// or nil when no pair improves on keeping the segments apart. The first pair
// reached wins a tie.
func (s *PairwiseStrategy) mostOverlapping(ctx context.Context, candidates []*segment.Segment) []*segment.Segment {
	var best []*segment.Segment
	bestGain := 1.0
	pairs := 0

	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			pair := []*segment.Segment{candidates[i], candidates[j]}
			pairs++
			if gain := s.estimator.EstimateGain(pair); gain < bestGain {
				best = pair
				bestGain = gain
			}
		}
	}

	if pairs > 0 {
		s.metrics.RecordPairScan(ctx, s.Name(), len(candidates), pairs, bestGain)
	}
	return best
}

// setRemaining overwrites the gauge with the latest estimate. It is not
// monotonic: the backlog shrinks as compactions land.
func (s *PairwiseStrategy) setRemaining(n int) {
	s.remaining.Store(int64(n))
	s.metrics.RecordRemainingTasks(context.Background(), s.Name(), int64(n))
}

// SelectMaximal implements Strategy
func (s *PairwiseStrategy) SelectMaximal(ctx context.Context, gcBefore time.Time) mo.Option[[]*Task] {
	start := time.Now()

	segs := s.store.FilterSuspect(s.tracked.Snapshot())
	if len(segs) == 0 {
		s.metrics.RecordSelection(ctx, s.Name(), telemetry.ModeMaximal, telemetry.OutcomeNone, 0, time.Since(start))
		return mo.None[[]*Task]()
	}

	if !s.store.MarkCompacting(segs) {
		s.logger.Debug("Unable to mark %d segments for a major compaction", len(segs))
		s.metrics.RecordClaimConflict(ctx, s.Name(), telemetry.ModeMaximal)
		s.metrics.RecordSelection(ctx, s.Name(), telemetry.ModeMaximal, telemetry.OutcomeConflict, 0, time.Since(start))
		return mo.None[[]*Task]()
	}

	task := newTask(s.Name(), segs, gcBefore)
	s.metrics.RecordSelection(ctx, s.Name(), telemetry.ModeMaximal, telemetry.OutcomeAll, len(segs), time.Since(start))
	return mo.Some([]*Task{task})
}

// SelectUserDefined implements Strategy. The segments are claimed as given,
// once; a conflict is reported to the caller as none.
func (s *PairwiseStrategy) SelectUserDefined(ctx context.Context, segments []*segment.Segment, gcBefore time.Time) mo.Option[*Task] {
	start := time.Now()

	if !s.store.MarkCompacting(segments) {
		s.logger.Debug("Unable to mark %v for compaction; probably a background compaction got to it first. "+
			"You can disable background compactions temporarily if this is a problem", segment.IDs(segments))
		s.metrics.RecordClaimConflict(ctx, s.Name(), telemetry.ModeUserDefined)
		s.metrics.RecordSelection(ctx, s.Name(), telemetry.ModeUserDefined, telemetry.OutcomeConflict, 0, time.Since(start))
		return mo.None[*Task]()
	}

	task := newTask(s.Name(), slices.Clone(segments), gcBefore)
	task.UserDefined = true

	s.metrics.RecordSelection(ctx, s.Name(), telemetry.ModeUserDefined, telemetry.OutcomeExplicit, len(segments), time.Since(start))
	return mo.Some(task)
}
