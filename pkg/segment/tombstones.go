package segment

import (
	"math"
	"slices"
	"time"

	"github.com/RoaringBitmap/roaring/roaring64"
)

// TombstoneHistogram counts tombstones by deletion time at one-second
// resolution. It answers how many tombstones in a segment were deleted before
// a given instant, which is all compaction needs to judge reclaimable space.
//
// Tombstones recorded with a key hash are kept as sets, so the same key
// deleted in several merged segments is counted once, at its newest deletion.
type TombstoneHistogram struct {
	// deletion second (unix) -> tombstones recorded without a key
	buckets map[int64]int64

	// deletion second (unix) -> hashes of the deleted keys
	keys map[int64]*roaring64.Bitmap

	total int64
}

// NewTombstoneHistogram creates an empty histogram
func NewTombstoneHistogram() *TombstoneHistogram {
	return &TombstoneHistogram{
		buckets: make(map[int64]int64),
		keys:    make(map[int64]*roaring64.Bitmap),
	}
}

// Add records a tombstone deleted at deletedAt
func (h *TombstoneHistogram) Add(deletedAt time.Time) {
	h.AddN(deletedAt, 1)
}

// AddN records n tombstones deleted at deletedAt
func (h *TombstoneHistogram) AddN(deletedAt time.Time, n int64) {
	if n <= 0 {
		return
	}
	h.buckets[deletedAt.Unix()] += n
	h.total += n
}

// AddKey records a tombstone for the key with the given HashKey hash.
// Recording the same key twice in one second counts once.
func (h *TombstoneHistogram) AddKey(hash uint64, deletedAt time.Time) {
	sec := deletedAt.Unix()
	bm, ok := h.keys[sec]
	if !ok {
		bm = roaring64.New()
		h.keys[sec] = bm
	}
	if !bm.Contains(hash) {
		bm.Add(hash)
		h.total++
	}
}

// Count returns the total number of tombstones
func (h *TombstoneHistogram) Count() int64 {
	return h.total
}

// DroppableBefore returns the number of tombstones deleted strictly before
// gcBefore. Sub-second precision of gcBefore is ignored, so a tombstone in the
// same second as gcBefore is never counted.
func (h *TombstoneHistogram) DroppableBefore(gcBefore time.Time) int64 {
	cutoff := gcBefore.Unix()

	var n int64
	for sec, count := range h.buckets {
		if sec < cutoff {
			n += count
		}
	}
	for sec, bm := range h.keys {
		if sec < cutoff {
			n += int64(bm.GetCardinality())
		}
	}
	return n
}

// DroppableKeys returns the hashes of the keyed tombstones deleted strictly
// before gcBefore
func (h *TombstoneHistogram) DroppableKeys(gcBefore time.Time) *roaring64.Bitmap {
	cutoff := gcBefore.Unix()

	out := roaring64.New()
	for sec, bm := range h.keys {
		if sec < cutoff {
			out.Or(bm)
		}
	}
	return out
}

// Merge returns a new histogram holding both h and other. A key deleted in
// both keeps only its newest deletion.
func (h *TombstoneHistogram) Merge(other *TombstoneHistogram) *TombstoneHistogram {
	merged := h.Clone()
	if other == nil {
		return merged
	}
	for sec, count := range other.buckets {
		merged.buckets[sec] += count
	}
	for sec, bm := range other.keys {
		if mine, ok := merged.keys[sec]; ok {
			mine.Or(bm)
		} else {
			merged.keys[sec] = bm.Clone()
		}
	}
	merged.dedupeKeys()
	return merged
}

// dedupeKeys drops every key from all but its newest deletion second and
// recomputes the total
func (h *TombstoneHistogram) dedupeKeys() {
	secs := make([]int64, 0, len(h.keys))
	for sec := range h.keys {
		secs = append(secs, sec)
	}
	slices.Sort(secs)

	seen := roaring64.New()
	for i := len(secs) - 1; i >= 0; i-- {
		bm := h.keys[secs[i]]
		bm.AndNot(seen)
		if bm.IsEmpty() {
			delete(h.keys, secs[i])
			continue
		}
		seen.Or(bm)
	}

	h.total = int64(seen.GetCardinality())
	for _, count := range h.buckets {
		h.total += count
	}
}

// Purge returns a copy of h without the tombstones deleted before gcBefore,
// and how many were removed. This is what a compaction leaves behind.
func (h *TombstoneHistogram) Purge(gcBefore time.Time) (*TombstoneHistogram, int64) {
	cutoff := gcBefore.Unix()

	kept := NewTombstoneHistogram()
	var dropped int64
	for sec, count := range h.buckets {
		if sec < cutoff {
			dropped += count
			continue
		}
		kept.buckets[sec] = count
		kept.total += count
	}
	for sec, bm := range h.keys {
		n := int64(bm.GetCardinality())
		if sec < cutoff {
			dropped += n
			continue
		}
		kept.keys[sec] = bm.Clone()
		kept.total += n
	}
	return kept, dropped
}

// Clone returns a deep copy
func (h *TombstoneHistogram) Clone() *TombstoneHistogram {
	c := &TombstoneHistogram{
		buckets: make(map[int64]int64, len(h.buckets)),
		keys:    make(map[int64]*roaring64.Bitmap, len(h.keys)),
		total:   h.total,
	}
	for sec, count := range h.buckets {
		c.buckets[sec] = count
	}
	for sec, bm := range h.keys {
		c.keys[sec] = bm.Clone()
	}
	return c
}

// Oldest returns the earliest deletion time, or false when empty
func (h *TombstoneHistogram) Oldest() (time.Time, bool) {
	if len(h.buckets) == 0 && len(h.keys) == 0 {
		return time.Time{}, false
	}
	oldest := int64(math.MaxInt64)
	for sec := range h.buckets {
		oldest = min(oldest, sec)
	}
	for sec := range h.keys {
		oldest = min(oldest, sec)
	}
	return time.Unix(oldest, 0), true
}
