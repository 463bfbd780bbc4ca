package compaction

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/KevoDB/pairpick/pkg/segment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	mu        sync.Mutex
	tracked   []segment.ID
	untracked []segment.ID
}

func (l *recordingListener) Track(seg *segment.Segment) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tracked = append(l.tracked, seg.ID)
}

func (l *recordingListener) Untrack(seg *segment.Segment) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.untracked = append(l.untracked, seg.ID)
}

func TestDataTrackerAddAndSubscribe(t *testing.T) {
	tracker := NewDataTracker(DataTrackerOptions{Logger: quietLogger()})

	s1 := keyedSegment(t, "a", 0, 5)
	s2 := keyedSegment(t, "b", 0, 5)
	tracker.AddSegments(s1)

	l := &recordingListener{}
	tracker.Subscribe(l)
	assert.Equal(t, []segment.ID{s1.ID}, l.tracked, "subscribe replays live segments")

	added := tracker.AddSegments(s1, s2)
	assert.Equal(t, []*segment.Segment{s2}, added, "live segments are not added twice")
	assert.Equal(t, []segment.ID{s1.ID, s2.ID}, l.tracked)

	seg, ok := tracker.Segment(s2.ID)
	require.True(t, ok)
	assert.Same(t, s2, seg)

	tracker.Unsubscribe(l)
	tracker.AddSegments(keyedSegment(t, "c", 0, 5))
	assert.Len(t, l.tracked, 2)
	assert.Len(t, tracker.LiveSegments(), 3)
}

// gatedListener keeps a membership set and holds its first Track call until
// release is closed
type gatedListener struct {
	mu      sync.Mutex
	members map[segment.ID]bool
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedListener() *gatedListener {
	return &gatedListener{
		members: make(map[segment.ID]bool),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (l *gatedListener) Track(seg *segment.Segment) {
	first := false
	l.once.Do(func() { first = true })
	if first {
		close(l.entered)
		<-l.release
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.members[seg.ID] = true
}

func (l *gatedListener) Untrack(seg *segment.Segment) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.members, seg.ID)
}

func (l *gatedListener) ids() []segment.ID {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]segment.ID, 0, len(l.members))
	for id := range l.members {
		out = append(out, id)
	}
	return out
}

func TestDataTrackerNotificationsKeepChangeOrder(t *testing.T) {
	tracker := NewDataTracker(DataTrackerOptions{Logger: quietLogger()})
	l := newGatedListener()
	tracker.Subscribe(l)

	a := keyedSegment(t, "k", 0, 10)
	b := keyedSegment(t, "k", 0, 10)

	added := make(chan struct{})
	go func() {
		tracker.AddSegments(a)
		close(added)
	}()
	<-l.entered

	// a is live while its Track is still in flight
	require.True(t, tracker.MarkCompacting([]*segment.Segment{a}))

	replaced := make(chan error, 1)
	go func() {
		replaced <- tracker.ReplaceSegments([]*segment.Segment{a}, []*segment.Segment{b})
	}()

	select {
	case <-replaced:
		t.Fatal("replace notified listeners before the pending add finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(l.release)
	<-added
	require.NoError(t, <-replaced)

	assert.Equal(t, []segment.ID{b.ID}, l.ids(), "the obsolete segment is untracked after it was tracked")
	assert.Equal(t, []segment.ID{b.ID}, segment.IDs(tracker.LiveSegments()))
}

func TestDataTrackerReplaceKeepsStrategyInSync(t *testing.T) {
	tracker := NewDataTracker(DataTrackerOptions{Logger: quietLogger()})
	gate := newGatedListener()
	tracker.Subscribe(gate)

	strategy, err := NewPairwiseStrategy(StrategyOptions{Store: tracker, Logger: quietLogger()})
	require.NoError(t, err)
	tracker.Subscribe(strategy)

	a := keyedSegment(t, "k", 0, 10)
	b := keyedSegment(t, "k", 5, 15)

	added := make(chan struct{})
	go func() {
		tracker.AddSegments(a)
		close(added)
	}()
	<-gate.entered
	require.True(t, tracker.MarkCompacting([]*segment.Segment{a}))

	replaced := make(chan error, 1)
	go func() {
		replaced <- tracker.ReplaceSegments([]*segment.Segment{a}, []*segment.Segment{b})
	}()
	time.Sleep(20 * time.Millisecond)
	close(gate.release)
	<-added
	require.NoError(t, <-replaced)

	assert.Equal(t, []segment.ID{b.ID}, segment.IDs(strategy.Tracked()))

	tasks := strategy.SelectMaximal(context.Background(), time.Now())
	require.True(t, tasks.IsPresent(), "major compaction claims the live set")
	assert.Equal(t, []segment.ID{b.ID}, segment.IDs(tasks.MustGet()[0].Segments))
}

func TestDataTrackerMarkCompacting(t *testing.T) {
	tracker := NewDataTracker(DataTrackerOptions{Logger: quietLogger()})

	s1 := keyedSegment(t, "a", 0, 5)
	s2 := keyedSegment(t, "b", 0, 5)
	s3 := keyedSegment(t, "c", 0, 5)
	tracker.AddSegments(s1, s2, s3)

	assert.False(t, tracker.MarkCompacting(nil))
	assert.False(t, tracker.MarkCompacting([]*segment.Segment{}))

	require.True(t, tracker.MarkCompacting([]*segment.Segment{s1}))
	assert.Equal(t, []segment.ID{s2.ID, s3.ID}, segment.IDs(tracker.UncompactingSegments()))

	// One claimed member fails the whole batch
	assert.False(t, tracker.MarkCompacting([]*segment.Segment{s2, s1}))
	assert.False(t, tracker.IsCompacting(s2.ID))

	// Unknown segments cannot be claimed
	assert.False(t, tracker.MarkCompacting([]*segment.Segment{keyedSegment(t, "z", 0, 1)}))

	tracker.UnmarkCompacting([]*segment.Segment{s1})
	assert.False(t, tracker.IsCompacting(s1.ID))
	assert.Len(t, tracker.UncompactingSegments(), 3)
}

func TestDataTrackerOverlappingSegments(t *testing.T) {
	tracker := NewDataTracker(DataTrackerOptions{Logger: quietLogger()})

	s1 := keyedSegment(t, "k", 0, 10)
	s2 := keyedSegment(t, "k", 20, 30)
	s3 := keyedSegment(t, "k", 5, 25)
	s4 := keyedSegment(t, "k", 50, 60)
	tracker.AddSegments(s1, s2, s3, s4)

	got := tracker.OverlappingSegments([]*segment.Segment{s4, s2, s1, s3})
	assert.Equal(t, []segment.ID{s2.ID, s1.ID, s3.ID}, segment.IDs(got), "candidate order is kept")

	assert.Empty(t, tracker.OverlappingSegments([]*segment.Segment{s1}))
	assert.Equal(t, []segment.ID{s3.ID}, segment.IDs(tracker.OverlappingWith(s1)))
}

func TestDataTrackerSuspect(t *testing.T) {
	tracker := NewDataTracker(DataTrackerOptions{Logger: quietLogger()})

	s1 := keyedSegment(t, "a", 0, 5)
	s2 := keyedSegment(t, "b", 0, 5)
	tracker.AddSegments(s1, s2)

	err := tracker.MarkSuspect(segment.NewID())
	assert.ErrorIs(t, err, ErrUnknownSegment)

	require.NoError(t, tracker.MarkSuspect(s1.ID))
	assert.True(t, tracker.IsSuspect(s1.ID))
	assert.Equal(t, []*segment.Segment{s2}, tracker.FilterSuspect([]*segment.Segment{s1, s2}))
	assert.Equal(t, 1, tracker.Counts().Suspect)

	tracker.ClearSuspect(s1.ID)
	assert.Len(t, tracker.FilterSuspect([]*segment.Segment{s1, s2}), 2)
}

func TestDataTrackerReplaceSegments(t *testing.T) {
	tracker := NewDataTracker(DataTrackerOptions{Logger: quietLogger()})
	l := &recordingListener{}
	tracker.Subscribe(l)

	s1 := keyedSegment(t, "k", 0, 10)
	s2 := keyedSegment(t, "k", 5, 15)
	out := keyedSegment(t, "k", 0, 15)
	tracker.AddSegments(s1, s2)

	// Inputs must be claimed first
	err := tracker.ReplaceSegments([]*segment.Segment{s1, s2}, []*segment.Segment{out})
	require.Error(t, err)
	_, ok := tracker.Segment(out.ID)
	assert.False(t, ok)

	require.True(t, tracker.MarkCompacting([]*segment.Segment{s1, s2}))
	require.NoError(t, tracker.ReplaceSegments([]*segment.Segment{s1, s2}, []*segment.Segment{out}))

	assert.Equal(t, []segment.ID{out.ID}, segment.IDs(tracker.LiveSegments()))
	assert.False(t, tracker.IsCompacting(s1.ID))
	assert.Equal(t, []segment.ID{s1.ID, s2.ID}, l.untracked)
	assert.Contains(t, l.tracked, out.ID)

	counts := tracker.Counts()
	assert.Equal(t, 1, counts.Live)
	assert.Equal(t, 2, counts.Obsolete)
	assert.Equal(t, out.Size, counts.LiveBytes)

	assert.Len(t, tracker.DrainObsolete(), 2)
	assert.Empty(t, tracker.DrainObsolete())

	err = tracker.ReplaceSegments([]*segment.Segment{s1}, nil)
	assert.ErrorIs(t, err, ErrUnknownSegment)
}

func TestDataTrackerResolveAndThresholds(t *testing.T) {
	tracker := NewDataTracker(DataTrackerOptions{Logger: quietLogger()})
	assert.Equal(t, 4, tracker.MinCompactionThreshold())
	assert.Equal(t, 32, tracker.MaxCompactionThreshold())

	tracker.SetThresholds(2, 8)
	assert.Equal(t, 2, tracker.MinCompactionThreshold())
	assert.Equal(t, 8, tracker.MaxCompactionThreshold())

	s1 := keyedSegment(t, "a", 0, 5)
	tracker.AddSegments(s1)

	segs, err := tracker.Resolve([]segment.ID{s1.ID})
	require.NoError(t, err)
	assert.Equal(t, []*segment.Segment{s1}, segs)

	_, err = tracker.Resolve([]segment.ID{s1.ID, segment.NewID()})
	assert.ErrorIs(t, err, ErrUnknownSegment)
}

func TestSegmentSet(t *testing.T) {
	set := NewSegmentSet()

	s1 := keyedSegment(t, "a", 0, 1)
	s2 := keyedSegment(t, "b", 0, 1)
	s3 := keyedSegment(t, "c", 0, 1)

	assert.True(t, set.Add(s2))
	assert.True(t, set.Add(s1))
	assert.False(t, set.Add(s1))
	assert.Equal(t, 2, set.Len())
	assert.True(t, set.Contains(s1.ID))

	got, ok := set.Get(s2.ID)
	require.True(t, ok)
	assert.Same(t, s2, got)

	expected := []*segment.Segment{s1, s2}
	sortByID(expected)
	assert.Equal(t, segment.IDs(expected), segment.IDs(set.Snapshot()))

	assert.Equal(t, []segment.ID{s1.ID}, segment.IDs(set.Intersect([]*segment.Segment{s3, s1})))

	assert.True(t, set.Remove(s1))
	assert.False(t, set.Remove(s1))
	assert.False(t, set.Contains(s1.ID))
}
