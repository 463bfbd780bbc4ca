package compaction

import (
	"fmt"
	"sync"

	"github.com/KevoDB/pairpick/pkg/common/log"
	"github.com/KevoDB/pairpick/pkg/segment"
	"github.com/kapetan-io/tackle/set"
)

// DataTrackerOptions configures a DataTracker
type DataTrackerOptions struct {
	// Fan-in thresholds reported to strategies
	MinThreshold int
	MaxThreshold int

	Logger log.Logger
}

// DataTracker is the reference Store. It keeps the live segment view, the
// claim registry and the suspect list, and tells listeners when segments
// appear or become obsolete.
type DataTracker struct {
	// Map of segment ID -> segment for every live segment
	live map[segment.ID]*segment.Segment

	// Segments claimed by a running compaction
	compacting map[segment.ID]struct{}

	// Segments flagged as corrupt
	suspect map[segment.ID]struct{}

	// Replaced segments waiting for the engine to delete them
	obsolete []*segment.Segment

	minThreshold int
	maxThreshold int

	// One lock guards all of the above so claims are all-or-nothing
	mu sync.RWMutex

	// Held across a membership change and its notifications, taken before
	// mu, so listeners see Track and Untrack in the order the changes
	// happened. Listeners must not call back into AddSegments,
	// ReplaceSegments or Subscribe.
	notifyMu sync.Mutex

	listenersMu sync.RWMutex
	listeners   []Listener

	logger log.Logger
}

// NewDataTracker creates an empty tracker
func NewDataTracker(opts DataTrackerOptions) *DataTracker {
	set.Default(&opts.MinThreshold, 4)
	set.Default(&opts.MaxThreshold, 32)
	set.Default(&opts.Logger, log.GetDefaultLogger().WithField("component", "tracker"))

	return &DataTracker{
		live:         make(map[segment.ID]*segment.Segment),
		compacting:   make(map[segment.ID]struct{}),
		suspect:      make(map[segment.ID]struct{}),
		minThreshold: opts.MinThreshold,
		maxThreshold: opts.MaxThreshold,
		logger:       opts.Logger,
	}
}

// Subscribe registers l and replays every live segment to it
func (t *DataTracker) Subscribe(l Listener) {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()

	t.listenersMu.Lock()
	t.listeners = append(t.listeners, l)
	t.listenersMu.Unlock()

	for _, seg := range t.LiveSegments() {
		l.Track(seg)
	}
}

// Unsubscribe stops notifications to l
func (t *DataTracker) Unsubscribe(l Listener) {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()

	for i, existing := range t.listeners {
		if existing == l {
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

func (t *DataTracker) notify(added, removed []*segment.Segment) {
	t.listenersMu.RLock()
	defer t.listenersMu.RUnlock()

	for _, l := range t.listeners {
		for _, seg := range removed {
			l.Untrack(seg)
		}
		for _, seg := range added {
			l.Track(seg)
		}
	}
}

// AddSegments makes flushed segments live. Segments already live are ignored.
func (t *DataTracker) AddSegments(segs ...*segment.Segment) []*segment.Segment {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()

	t.mu.Lock()
	added := make([]*segment.Segment, 0, len(segs))
	for _, seg := range segs {
		if _, exists := t.live[seg.ID]; exists {
			continue
		}
		t.live[seg.ID] = seg
		added = append(added, seg)
	}
	t.mu.Unlock()

	t.notify(added, nil)
	return added
}

// Segment looks up a live segment
func (t *DataTracker) Segment(id segment.ID) (*segment.Segment, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	seg, ok := t.live[id]
	return seg, ok
}

// Resolve maps IDs to live segments, failing on the first unknown ID
func (t *DataTracker) Resolve(ids []segment.ID) ([]*segment.Segment, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*segment.Segment, 0, len(ids))
	for _, id := range ids {
		seg, ok := t.live[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSegment, id)
		}
		out = append(out, seg)
	}
	return out, nil
}

// LiveSegments returns every live segment in ID order
func (t *DataTracker) LiveSegments() []*segment.Segment {
	t.mu.RLock()
	out := make([]*segment.Segment, 0, len(t.live))
	for _, seg := range t.live {
		out = append(out, seg)
	}
	t.mu.RUnlock()

	sortByID(out)
	return out
}

// UncompactingSegments implements Store
func (t *DataTracker) UncompactingSegments() []*segment.Segment {
	t.mu.RLock()
	out := make([]*segment.Segment, 0, len(t.live))
	for id, seg := range t.live {
		if _, claimed := t.compacting[id]; !claimed {
			out = append(out, seg)
		}
	}
	t.mu.RUnlock()

	sortByID(out)
	return out
}

// OverlappingSegments implements Store
func (t *DataTracker) OverlappingSegments(candidates []*segment.Segment) []*segment.Segment {
	out := make([]*segment.Segment, 0, len(candidates))
	for i, seg := range candidates {
		for j, other := range candidates {
			if i != j && seg.Overlaps(other) {
				out = append(out, seg)
				break
			}
		}
	}
	return out
}

// OverlappingWith returns the other live segments whose range intersects seg
func (t *DataTracker) OverlappingWith(seg *segment.Segment) []*segment.Segment {
	var out []*segment.Segment
	for _, other := range t.LiveSegments() {
		if other.ID != seg.ID && seg.Overlaps(other) {
			out = append(out, other)
		}
	}
	return out
}

// MarkCompacting implements Store. Every segment must be live and unclaimed.
func (t *DataTracker) MarkCompacting(segs []*segment.Segment) bool {
	if len(segs) == 0 {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, seg := range segs {
		if _, ok := t.live[seg.ID]; !ok {
			return false
		}
		if _, claimed := t.compacting[seg.ID]; claimed {
			return false
		}
	}

	for _, seg := range segs {
		t.compacting[seg.ID] = struct{}{}
	}
	return true
}

// UnmarkCompacting releases the claim on segs, typically after a failed or
// abandoned compaction
func (t *DataTracker) UnmarkCompacting(segs []*segment.Segment) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, seg := range segs {
		delete(t.compacting, seg.ID)
	}
}

// IsCompacting reports whether id is claimed
func (t *DataTracker) IsCompacting(id segment.ID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	_, claimed := t.compacting[id]
	return claimed
}

// MarkSuspect flags a live segment as corrupt
func (t *DataTracker) MarkSuspect(id segment.ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.live[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSegment, id)
	}
	t.suspect[id] = struct{}{}
	t.logger.Warn("Segment %s marked suspect", id)
	return nil
}

// ClearSuspect removes the corrupt flag
func (t *DataTracker) ClearSuspect(id segment.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.suspect, id)
}

// IsSuspect reports whether id is flagged as corrupt
func (t *DataTracker) IsSuspect(id segment.ID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	_, bad := t.suspect[id]
	return bad
}

// FilterSuspect implements Store
func (t *DataTracker) FilterSuspect(segs []*segment.Segment) []*segment.Segment {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*segment.Segment, 0, len(segs))
	for _, seg := range segs {
		if _, bad := t.suspect[seg.ID]; !bad {
			out = append(out, seg)
		}
	}
	return out
}

// ReplaceSegments finishes a compaction: the claimed inputs become obsolete
// and the outputs become live.
func (t *DataTracker) ReplaceSegments(inputs, outputs []*segment.Segment) error {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()

	t.mu.Lock()
	for _, seg := range inputs {
		if _, ok := t.live[seg.ID]; !ok {
			t.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrUnknownSegment, seg.ID)
		}
		if _, claimed := t.compacting[seg.ID]; !claimed {
			t.mu.Unlock()
			return fmt.Errorf("segment %s replaced without a claim", seg.ID)
		}
	}

	for _, seg := range inputs {
		delete(t.live, seg.ID)
		delete(t.compacting, seg.ID)
		delete(t.suspect, seg.ID)
		t.obsolete = append(t.obsolete, seg)
	}
	for _, seg := range outputs {
		t.live[seg.ID] = seg
	}
	t.mu.Unlock()

	t.notify(outputs, inputs)
	return nil
}

// DrainObsolete hands the replaced segments to the caller for deletion
func (t *DataTracker) DrainObsolete() []*segment.Segment {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := t.obsolete
	t.obsolete = nil
	return out
}

// SetThresholds updates the fan-in thresholds
func (t *DataTracker) SetThresholds(min, max int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.minThreshold = min
	t.maxThreshold = max
}

// MinCompactionThreshold implements Store
func (t *DataTracker) MinCompactionThreshold() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.minThreshold
}

// MaxCompactionThreshold implements Store
func (t *DataTracker) MaxCompactionThreshold() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.maxThreshold
}

// TrackerCounts is a point-in-time summary of the tracker
type TrackerCounts struct {
	Live       int
	Compacting int
	Suspect    int
	Obsolete   int
	LiveBytes  int64
}

// Counts summarizes the tracker state
func (t *DataTracker) Counts() TrackerCounts {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c := TrackerCounts{
		Live:       len(t.live),
		Compacting: len(t.compacting),
		Suspect:    len(t.suspect),
		Obsolete:   len(t.obsolete),
	}
	for _, seg := range t.live {
		c.LiveBytes += seg.Size
	}
	return c
}
