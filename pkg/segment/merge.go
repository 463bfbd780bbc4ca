package segment

import (
	"bytes"
	"errors"
	"time"
)

// ErrNothingToMerge is returned by Merge when no inputs are given
var ErrNothingToMerge = errors.New("no segments to merge")

// Merge derives the metadata of the segment produced by compacting inputs.
// Duplicate keys collapse to one entry and tombstones deleted before gcBefore
// are purged. Size scales with the surviving entry count.
func Merge(id ID, inputs []*Segment, gcBefore, createdAt time.Time) (*Segment, error) {
	if len(inputs) == 0 {
		return nil, ErrNothingToMerge
	}

	out := &Segment{
		ID:         id,
		CreatedAt:  createdAt,
		sketch:     union(inputs),
		tombstones: NewTombstoneHistogram(),
	}

	var inputKeys int64
	for _, in := range inputs {
		if out.MinKey == nil || bytes.Compare(in.MinKey, out.MinKey) < 0 {
			out.MinKey = in.MinKey
		}
		if out.MaxKey == nil || bytes.Compare(in.MaxKey, out.MaxKey) > 0 {
			out.MaxKey = in.MaxKey
		}
		inputKeys += in.KeyCount
		if in.tombstones != nil {
			out.tombstones = out.tombstones.Merge(in.tombstones)
		}
	}

	// Purged keys leave the output entirely. Tombstones recorded without a
	// key can only be subtracted from the count.
	purged := out.tombstones.DroppableKeys(gcBefore)
	var dropped int64
	out.tombstones, dropped = out.tombstones.Purge(gcBefore)
	out.sketch.AndNot(purged)
	unkeyed := dropped - int64(purged.GetCardinality())

	distinct := int64(out.sketch.GetCardinality())
	if distinct > inputKeys {
		distinct = inputKeys
	}
	out.KeyCount = distinct - unkeyed
	if out.KeyCount < 0 {
		out.KeyCount = 0
	}

	if inputKeys > 0 {
		total := TotalSize(inputs)
		out.Size = int64(float64(total) * float64(out.KeyCount) / float64(inputKeys))
	}

	out.sketch.RunOptimize()
	return out, nil
}
