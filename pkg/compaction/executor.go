package compaction

import (
	"context"
	"fmt"
	"time"

	"github.com/KevoDB/pairpick/pkg/segment"
)

// SimulatedExecutor merges segment metadata instead of segment data. The
// output carries the union of the input sketches and the tombstones that are
// still inside the GC horizon, which is enough to drive the strategy
// realistically without a storage engine underneath.
type SimulatedExecutor struct {
	// Optional per-task delay standing in for merge I/O
	Delay time.Duration

	now func() time.Time
}

// NewSimulatedExecutor creates an executor with the given per-task delay
func NewSimulatedExecutor(delay time.Duration) *SimulatedExecutor {
	return &SimulatedExecutor{
		Delay: delay,
		now:   time.Now,
	}
}

// Execute implements Executor
func (e *SimulatedExecutor) Execute(ctx context.Context, task *Task) (*Result, error) {
	start := e.now()

	if e.Delay > 0 {
		timer := time.NewTimer(e.Delay)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	var inputTombstones int64
	for _, seg := range task.Segments {
		inputTombstones += seg.TombstoneCount()
	}

	out, err := segment.Merge(segment.NewID(), task.Segments, task.GCBefore, e.now())
	if err != nil {
		return nil, fmt.Errorf("failed to merge %s: %w", task, err)
	}

	result := &Result{
		Task:             task,
		TombstonesPurged: inputTombstones - out.TombstoneCount(),
		Duration:         e.now().Sub(start),
	}

	// A merge that purged every entry writes nothing
	if out.KeyCount > 0 {
		result.Outputs = []*segment.Segment{out}
	}

	return result, nil
}

// ExecutorFunc adapts a function to Executor
type ExecutorFunc func(ctx context.Context, task *Task) (*Result, error)

// Execute calls f
func (f ExecutorFunc) Execute(ctx context.Context, task *Task) (*Result, error) {
	return f(ctx, task)
}
