package compaction

import (
	"sync"
	"time"

	"github.com/KevoDB/pairpick/pkg/config"
	"github.com/KevoDB/pairpick/pkg/segment"
)

// OverlapSource finds live segments whose key range intersects seg
type OverlapSource interface {
	OverlappingWith(seg *segment.Segment) []*segment.Segment
}

// TombstoneOptions tune single-segment tombstone compactions
type TombstoneOptions struct {
	// Droppable ratio a segment must exceed
	Threshold float64

	// Minimum segment age before it is considered
	Interval time.Duration

	// Skip the overlap check entirely
	Unchecked bool
}

// TombstoneOptionsFromConfig extracts the tombstone settings from cfg
func TombstoneOptionsFromConfig(cfg *config.Config) TombstoneOptions {
	snap := cfg.Snapshot()
	return TombstoneOptions{
		Threshold: snap.TombstoneThreshold,
		Interval:  snap.TombstoneCompactionInterval,
		Unchecked: snap.UncheckedTombstoneCompaction,
	}
}

// TombstonePolicy implements TombstoneChecker. A segment qualifies when it is
// old enough, its droppable ratio exceeds the threshold, and, unless unchecked,
// the tombstones are unlikely to be shadowing data in overlapping segments.
type TombstonePolicy struct {
	mu   sync.RWMutex
	opts TombstoneOptions

	overlaps OverlapSource
	now      func() time.Time
}

// NewTombstonePolicy creates a policy. overlaps may be nil, in which case no
// segment is considered overlapping.
func NewTombstonePolicy(opts TombstoneOptions, overlaps OverlapSource) *TombstonePolicy {
	return &TombstonePolicy{
		opts:     opts,
		overlaps: overlaps,
		now:      time.Now,
	}
}

// SetOptions replaces the policy options
func (p *TombstonePolicy) SetOptions(opts TombstoneOptions) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opts = opts
}

// Options returns the current options
func (p *TombstonePolicy) Options() TombstoneOptions {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.opts
}

// DroppableTombstoneRatioAboveThreshold implements TombstoneChecker
func (p *TombstonePolicy) DroppableTombstoneRatioAboveThreshold(seg *segment.Segment, gcBefore time.Time) bool {
	opts := p.Options()

	if p.now().Sub(seg.CreatedAt) < opts.Interval {
		return false
	}

	ratio := seg.DroppableTombstoneRatio(gcBefore)
	if ratio <= opts.Threshold {
		return false
	}

	if opts.Unchecked {
		return true
	}

	var overlapping []*segment.Segment
	if p.overlaps != nil {
		overlapping = p.overlaps.OverlappingWith(seg)
	}
	if len(overlapping) == 0 {
		return true
	}

	// Tombstones for keys that also live elsewhere must be kept, so only the
	// unshared part of the segment counts.
	unique := 1 - segment.SharedFraction(seg, overlapping)
	return ratio*unique > opts.Threshold
}

// TombstoneCheckerFunc adapts a function to TombstoneChecker
type TombstoneCheckerFunc func(seg *segment.Segment, gcBefore time.Time) bool

// DroppableTombstoneRatioAboveThreshold calls f
func (f TombstoneCheckerFunc) DroppableTombstoneRatioAboveThreshold(seg *segment.Segment, gcBefore time.Time) bool {
	return f(seg, gcBefore)
}
