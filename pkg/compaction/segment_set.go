package compaction

import (
	"slices"

	"github.com/KevoDB/pairpick/pkg/segment"
	"github.com/zhangyunhao116/skipmap"
)

// SegmentSet is a concurrent set of segments ordered by ID. Adds, removes and
// snapshots may interleave freely.
type SegmentSet struct {
	m *skipmap.FuncMap[segment.ID, *segment.Segment]
}

// NewSegmentSet creates an empty set
func NewSegmentSet() *SegmentSet {
	return &SegmentSet{
		m: skipmap.NewFunc[segment.ID, *segment.Segment](func(a, b segment.ID) bool {
			return a.Compare(b) < 0
		}),
	}
}

// Add inserts seg. Adding a member again is a no-op; it reports whether seg was new.
func (s *SegmentSet) Add(seg *segment.Segment) bool {
	_, loaded := s.m.LoadOrStore(seg.ID, seg)
	return !loaded
}

// Remove deletes seg. Removing a non-member is a no-op; it reports whether seg was present.
func (s *SegmentSet) Remove(seg *segment.Segment) bool {
	_, loaded := s.m.LoadAndDelete(seg.ID)
	return loaded
}

// Contains reports membership by ID
func (s *SegmentSet) Contains(id segment.ID) bool {
	_, ok := s.m.Load(id)
	return ok
}

// Get looks a member up by ID
func (s *SegmentSet) Get(id segment.ID) (*segment.Segment, bool) {
	return s.m.Load(id)
}

// Len returns the number of members
func (s *SegmentSet) Len() int {
	return s.m.Len()
}

// Snapshot returns the members in ID order
func (s *SegmentSet) Snapshot() []*segment.Segment {
	out := make([]*segment.Segment, 0, s.m.Len())
	s.m.Range(func(_ segment.ID, seg *segment.Segment) bool {
		out = append(out, seg)
		return true
	})
	return out
}

// Intersect returns, in ID order, the members of segs that are also in the set
func (s *SegmentSet) Intersect(segs []*segment.Segment) []*segment.Segment {
	out := make([]*segment.Segment, 0, len(segs))
	for _, seg := range segs {
		if s.Contains(seg.ID) {
			out = append(out, seg)
		}
	}
	sortByID(out)
	return out
}

func sortByID(segs []*segment.Segment) {
	slices.SortFunc(segs, func(a, b *segment.Segment) int {
		return a.ID.Compare(b.ID)
	})
}
