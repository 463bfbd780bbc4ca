package interfaces

import (
	"context"

	"github.com/KevoDB/pairpick/pkg/compaction"
	"github.com/KevoDB/pairpick/pkg/segment"
)

// SegmentStatus is a live segment together with its bookkeeping flags
type SegmentStatus struct {
	Segment    *segment.Segment
	Compacting bool
	Suspect    bool
}

// CompactionManager handles the compaction of segments
type CompactionManager interface {
	// Segment lifecycle
	Flush(segments ...*segment.Segment)
	MarkSuspect(id segment.ID) error
	ClearSuspect(id segment.ID)
	Segments() []SegmentStatus

	// Core operations
	TriggerCompaction(ctx context.Context) (*compaction.Result, error)
	CompactAll(ctx context.Context) ([]*compaction.Result, error)
	CompactSegments(ctx context.Context, ids []segment.ID) (*compaction.Result, error)

	// Tuning
	SetEnabled(enabled bool)
	SetOptions(options map[string]string) error

	// Lifecycle management
	Start(ctx context.Context) error
	Stop() error
	Close() error

	// Statistics
	GetCompactionStats() map[string]interface{}
}
