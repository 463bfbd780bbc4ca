package segment

import (
	"bytes"
	"errors"
	"time"

	"github.com/RoaringBitmap/roaring/roaring64"
)

// ErrEmptySegment is returned when building a segment with no entries
var ErrEmptySegment = errors.New("segment has no entries")

// Builder accumulates segment metadata from a stream of entries. Keys may
// arrive in any order.
type Builder struct {
	id        ID
	createdAt time.Time

	minKey []byte
	maxKey []byte
	size   int64
	count  int64

	sketch     *roaring64.Bitmap
	tombstones *TombstoneHistogram
}

// NewBuilder creates a builder for a segment with the given ID
func NewBuilder(id ID) *Builder {
	return &Builder{
		id:         id,
		createdAt:  time.Now(),
		sketch:     roaring64.New(),
		tombstones: NewTombstoneHistogram(),
	}
}

// WithCreatedAt overrides the creation time, which defaults to time.Now()
func (b *Builder) WithCreatedAt(t time.Time) *Builder {
	b.createdAt = t
	return b
}

// Add records a live entry
func (b *Builder) Add(key []byte, valueSize int) {
	b.observe(key, int64(len(key)+valueSize))
}

// AddTombstone records a deletion marker for key
func (b *Builder) AddTombstone(key []byte, deletedAt time.Time) {
	b.observe(key, int64(len(key)))
	b.tombstones.AddKey(HashKey(key), deletedAt)
}

func (b *Builder) observe(key []byte, size int64) {
	if b.minKey == nil || bytes.Compare(key, b.minKey) < 0 {
		b.minKey = append([]byte(nil), key...)
	}
	if b.maxKey == nil || bytes.Compare(key, b.maxKey) > 0 {
		b.maxKey = append([]byte(nil), key...)
	}
	b.size += size
	b.count++
	b.sketch.Add(HashKey(key))
}

// Count returns the number of entries added so far
func (b *Builder) Count() int64 {
	return b.count
}

// Build finalizes the segment. The builder must not be reused afterwards.
func (b *Builder) Build() (*Segment, error) {
	if b.count == 0 {
		return nil, ErrEmptySegment
	}

	b.sketch.RunOptimize()

	return &Segment{
		ID:         b.id,
		MinKey:     b.minKey,
		MaxKey:     b.maxKey,
		Size:       b.size,
		KeyCount:   b.count,
		CreatedAt:  b.createdAt,
		sketch:     b.sketch,
		tombstones: b.tombstones,
	}, nil
}
