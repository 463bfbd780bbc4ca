package compaction

import (
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/KevoDB/pairpick/pkg/common/log"
	"github.com/KevoDB/pairpick/pkg/segment"
	"github.com/stretchr/testify/require"
)

func quietLogger() log.Logger {
	return log.NewStandardLogger(log.WithOutput(io.Discard), log.WithLevel(log.LevelError))
}

// keyedSegment builds a segment holding prefix keys from..to inclusive
func keyedSegment(t *testing.T, prefix string, from, to int) *segment.Segment {
	t.Helper()
	b := segment.NewBuilder(segment.NewID())
	for i := from; i <= to; i++ {
		b.Add(segment.RangeKey(prefix, i), 10)
	}
	seg, err := b.Build()
	require.NoError(t, err)
	return seg
}

// tombstoneSegment builds a segment of n entries, deleted of which are
// tombstones written long before any GC horizon used in tests
func tombstoneSegment(t *testing.T, prefix string, n, deleted, valueSize int) *segment.Segment {
	t.Helper()
	old := time.Now().Add(-30 * 24 * time.Hour)
	b := segment.NewBuilder(segment.NewID()).WithCreatedAt(old)
	for i := 0; i < n; i++ {
		if i < deleted {
			b.AddTombstone(segment.RangeKey(prefix, i), old)
			continue
		}
		b.Add(segment.RangeKey(prefix, i), valueSize)
	}
	seg, err := b.Build()
	require.NoError(t, err)
	return seg
}

// pairGains is an estimator with fixed per-pair gains. Unlisted sets score 1.0.
type pairGains struct {
	mu    sync.Mutex
	gains map[[2]segment.ID]float64
}

func newPairGains() *pairGains {
	return &pairGains{gains: make(map[[2]segment.ID]float64)}
}

func (p *pairGains) set(a, b *segment.Segment, gain float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gains[[2]segment.ID{a.ID, b.ID}] = gain
	p.gains[[2]segment.ID{b.ID, a.ID}] = gain
}

func (p *pairGains) EstimateGain(segs []*segment.Segment) float64 {
	if len(segs) != 2 {
		return 1.0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if gain, ok := p.gains[[2]segment.ID{segs[0].ID, segs[1].ID}]; ok {
		return gain
	}
	return 1.0
}

// claimHookStore wraps a DataTracker and lets tests interfere with claims
type claimHookStore struct {
	*DataTracker

	attempts atomic.Int64

	// Called before each claim; returning false fails the claim
	before func(attempt int64) bool
}

func (s *claimHookStore) MarkCompacting(segs []*segment.Segment) bool {
	n := s.attempts.Add(1)
	if s.before != nil && !s.before(n) {
		return false
	}
	return s.DataTracker.MarkCompacting(segs)
}

type strategyFixture struct {
	tracker  *DataTracker
	strategy *PairwiseStrategy
}

// newStrategyFixture builds a tracker and a subscribed strategy. wrap, when
// given, replaces the store the strategy sees.
func newStrategyFixture(t *testing.T, opts StrategyOptions, wrap ...func(*DataTracker) Store) *strategyFixture {
	t.Helper()

	tracker := NewDataTracker(DataTrackerOptions{Logger: quietLogger()})
	opts.Store = tracker
	for _, w := range wrap {
		opts.Store = w(tracker)
	}
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}

	strategy, err := NewPairwiseStrategy(opts)
	require.NoError(t, err)
	tracker.Subscribe(strategy)

	return &strategyFixture{tracker: tracker, strategy: strategy}
}

func ids(segs []*segment.Segment) []segment.ID {
	return segment.IDs(segs)
}
