// Package segment describes immutable sorted segments (sstables) as seen by
// compaction: identity, key range, size, a key-hash sketch used to estimate
// overlap between segments, and a histogram of tombstone deletion times.
package segment

import (
	"bytes"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/oklog/ulid/v2"
)

// ID uniquely identifies a segment. ULIDs sort by creation time, which gives
// selection a stable candidate order.
type ID = ulid.ULID

// NewID returns a fresh segment ID.
func NewID() ID {
	return ulid.Make()
}

// ParseID parses the canonical string form of an ID.
func ParseID(s string) (ID, error) {
	return ulid.ParseStrict(s)
}

// Segment represents metadata about an immutable segment. A Segment is never
// modified after Build; callers share pointers freely.
type Segment struct {
	// ID of the segment
	ID ID

	// First key in the segment
	MinKey []byte

	// Last key in the segment
	MaxKey []byte

	// Approximate size of the segment in bytes
	Size int64

	// Number of entries, tombstones included
	KeyCount int64

	// When the segment was written
	CreatedAt time.Time

	sketch     *roaring64.Bitmap
	tombstones *TombstoneHistogram
}

// New creates a segment without a key sketch or tombstones. It is mostly
// useful for callers that only care about ranges and sizes.
func New(id ID, minKey, maxKey []byte, size int64) *Segment {
	return &Segment{
		ID:         id,
		MinKey:     minKey,
		MaxKey:     maxKey,
		Size:       size,
		CreatedAt:  time.Unix(0, int64(id.Time())*int64(time.Millisecond)),
		sketch:     roaring64.New(),
		tombstones: NewTombstoneHistogram(),
	}
}

// Overlaps checks if this segment's key range overlaps with another segment
func (s *Segment) Overlaps(other *Segment) bool {
	if len(s.MinKey) == 0 || len(s.MaxKey) == 0 ||
		len(other.MinKey) == 0 || len(other.MaxKey) == 0 {
		return false
	}

	return !(bytes.Compare(s.MaxKey, other.MinKey) < 0 ||
		bytes.Compare(s.MinKey, other.MaxKey) > 0)
}

// DroppableTombstoneRatio estimates the fraction of entries that are
// tombstones deleted before gcBefore.
func (s *Segment) DroppableTombstoneRatio(gcBefore time.Time) float64 {
	if s.KeyCount <= 0 || s.tombstones == nil {
		return 0
	}
	return float64(s.tombstones.DroppableBefore(gcBefore)) / float64(s.KeyCount)
}

// TombstoneCount returns the number of tombstones recorded for the segment.
func (s *Segment) TombstoneCount() int64 {
	if s.tombstones == nil {
		return 0
	}
	return s.tombstones.Count()
}

// Cardinality returns the estimated number of distinct keys in the segment.
func (s *Segment) Cardinality() uint64 {
	if s.sketch == nil {
		return 0
	}
	return s.sketch.GetCardinality()
}

// KeyRange returns a string representation of the key range in this segment
func (s *Segment) KeyRange() string {
	return fmt.Sprintf("[%s, %s]", string(s.MinKey), string(s.MaxKey))
}

// String returns a string representation of the segment
func (s *Segment) String() string {
	return fmt.Sprintf("%s Size:%d Keys:%d Range:%s", s.ID, s.Size, s.KeyCount, s.KeyRange())
}

// IDs returns the IDs of segs in order.
func IDs(segs []*Segment) []ID {
	ids := make([]ID, len(segs))
	for i, s := range segs {
		ids[i] = s.ID
	}
	return ids
}

// TotalSize sums the byte size of segs.
func TotalSize(segs []*Segment) int64 {
	var total int64
	for _, s := range segs {
		total += s.Size
	}
	return total
}
