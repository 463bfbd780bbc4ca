package segment

import (
	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/cespare/xxhash/v2"
)

// HashKey maps a key to its position in a segment sketch
func HashKey(key []byte) uint64 {
	return xxhash.Sum64(key)
}

// union ORs the sketches of segs into a fresh bitmap
func union(segs []*Segment) *roaring64.Bitmap {
	out := roaring64.New()
	for _, s := range segs {
		if s.sketch != nil {
			out.Or(s.sketch)
		}
	}
	return out
}

// UnionCardinality estimates the number of distinct keys across segs
func UnionCardinality(segs []*Segment) uint64 {
	switch len(segs) {
	case 0:
		return 0
	case 1:
		return segs[0].Cardinality()
	case 2:
		if segs[0].sketch == nil || segs[1].sketch == nil {
			return segs[0].Cardinality() + segs[1].Cardinality()
		}
		return segs[0].sketch.OrCardinality(segs[1].sketch)
	}
	return union(segs).GetCardinality()
}

// SumCardinality adds the per-segment distinct key estimates of segs
func SumCardinality(segs []*Segment) uint64 {
	var total uint64
	for _, s := range segs {
		total += s.Cardinality()
	}
	return total
}

// SharedFraction estimates the fraction of seg's keys that also appear in at
// least one of others. It returns 0 for an empty segment.
func SharedFraction(seg *Segment, others []*Segment) float64 {
	card := seg.Cardinality()
	if card == 0 || len(others) == 0 {
		return 0
	}
	shared := seg.sketch.AndCardinality(union(others))
	return float64(shared) / float64(card)
}
