package compaction

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/KevoDB/pairpick/pkg/segment"
	"github.com/oklog/ulid/v2"
)

var (
	// ErrNotStarted is returned when the coordinator is used before Start
	ErrNotStarted = errors.New("compaction coordinator not started")

	// ErrUnknownStrategy is returned for a strategy name with no registration
	ErrUnknownStrategy = errors.New("unknown compaction strategy")

	// ErrUnknownSegment is returned when an ID does not name a live segment
	ErrUnknownSegment = errors.New("unknown segment")

	// ErrClaimFailed is returned when the requested segments could not be claimed
	ErrClaimFailed = errors.New("segments could not be marked compacting")
)

// Task is one claimed unit of compaction work. The segments stay claimed
// until the task is finished or abandoned through the data tracker.
type Task struct {
	// ID of the task
	ID ulid.ULID

	// Claimed input segments
	Segments []*segment.Segment

	// Tombstones deleted before this instant may be purged
	GCBefore time.Time

	// Set for operator-requested compactions
	UserDefined bool

	// Name of the strategy that produced the task
	Strategy string
}

func newTask(strategy string, segs []*segment.Segment, gcBefore time.Time) *Task {
	return &Task{
		ID:       ulid.Make(),
		Segments: segs,
		GCBefore: gcBefore,
		Strategy: strategy,
	}
}

// InputSize returns the combined size of the task's segments
func (t *Task) InputSize() int64 {
	return segment.TotalSize(t.Segments)
}

// String returns a string representation of the task
func (t *Task) String() string {
	ids := make([]string, len(t.Segments))
	for i, s := range t.Segments {
		ids[i] = s.ID.String()
	}
	kind := "background"
	if t.UserDefined {
		kind = "user-defined"
	}
	return fmt.Sprintf("task %s (%s, %s) [%s]", t.ID, t.Strategy, kind, strings.Join(ids, ", "))
}

// Result describes a finished compaction
type Result struct {
	Task    *Task
	Outputs []*segment.Segment

	// Tombstones purged by the rewrite
	TombstonesPurged int64

	Duration time.Duration
}

// OutputSize returns the combined size of the written segments
func (r *Result) OutputSize() int64 {
	return segment.TotalSize(r.Outputs)
}
