package compaction

import (
	"context"
	"time"

	"github.com/KevoDB/pairpick/pkg/segment"
	"github.com/samber/mo"
)

// Strategy decides which segments to compact next. Implementations must be
// safe for concurrent use by several workers.
type Strategy interface {
	// Name returns the registered name of the strategy
	Name() string

	// SelectNextBackground picks and claims the next background compaction
	SelectNextBackground(ctx context.Context, gcBefore time.Time) mo.Option[*Task]

	// SelectMaximal claims every tracked segment for a major compaction
	SelectMaximal(ctx context.Context, gcBefore time.Time) mo.Option[[]*Task]

	// SelectUserDefined claims exactly the given segments
	SelectUserDefined(ctx context.Context, segments []*segment.Segment, gcBefore time.Time) mo.Option[*Task]

	// EstimatedRemainingTasks is a best-effort pending work gauge
	EstimatedRemainingTasks() int

	// MaxOutputSegmentBytes caps the size of a compaction output segment
	MaxOutputSegmentBytes() int64

	// SetEnabled toggles background selection
	SetEnabled(enabled bool)

	// Enabled reports whether background selection is on
	Enabled() bool

	Listener
}

// Listener receives segment visibility changes from the data tracker
type Listener interface {
	// Track adds a newly visible segment
	Track(seg *segment.Segment)

	// Untrack removes a segment that became obsolete
	Untrack(seg *segment.Segment)
}

// Store is the view of the storage engine's segment bookkeeping that
// strategies select from. MarkCompacting is the only synchronization point
// between concurrent selections.
type Store interface {
	// UncompactingSegments returns live segments not claimed by any compaction
	UncompactingSegments() []*segment.Segment

	// OverlappingSegments returns, in input order, the candidates whose key
	// range intersects at least one other candidate
	OverlappingSegments(candidates []*segment.Segment) []*segment.Segment

	// MarkCompacting claims all segments or none. An empty batch is never claimed.
	MarkCompacting(segments []*segment.Segment) bool

	// FilterSuspect drops segments flagged as corrupt
	FilterSuspect(segments []*segment.Segment) []*segment.Segment

	// MinCompactionThreshold returns the configured minimum fan-in
	MinCompactionThreshold() int

	// MaxCompactionThreshold returns the configured maximum fan-in
	MaxCompactionThreshold() int
}

// TombstoneChecker decides whether a segment holds enough purgeable
// tombstones to be worth rewriting on its own.
type TombstoneChecker interface {
	DroppableTombstoneRatioAboveThreshold(seg *segment.Segment, gcBefore time.Time) bool
}

// OverlapEstimator scores a set of segments. Lower is more profitable to
// merge; 1.0 means no benefit.
type OverlapEstimator interface {
	EstimateGain(segments []*segment.Segment) float64
}

// Executor performs a claimed compaction and returns the segments it wrote.
type Executor interface {
	Execute(ctx context.Context, task *Task) (*Result, error)
}
