package compaction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevoDB/pairpick/pkg/common/log"
	"github.com/KevoDB/pairpick/pkg/config"
	"github.com/KevoDB/pairpick/pkg/segment"
	"github.com/KevoDB/pairpick/pkg/stats"
	"github.com/KevoDB/pairpick/pkg/telemetry"
	"github.com/kapetan-io/tackle/set"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// CoordinatorOptions holds configuration options for the coordinator
type CoordinatorOptions struct {
	// Segment bookkeeping. Required.
	Tracker *DataTracker

	// Compaction strategy. Defaults to the strategy named in Config.
	Strategy Strategy

	// Compaction executor. Defaults to a SimulatedExecutor.
	Executor Executor

	Config    *config.Config
	Logger    log.Logger
	Metrics   CompactionMetrics
	Telemetry telemetry.Telemetry
	Stats     stats.Collector
}

// Coordinator runs background compaction workers and serves operator
// requests against one strategy and one data tracker.
type Coordinator struct {
	cfg      *config.Config
	tracker  *DataTracker
	executor Executor

	// Cycles hold the read lock; swapping the strategy takes the write lock
	strategyMu sync.RWMutex
	strategy   Strategy

	// Worker state
	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	group   *errgroup.Group
	trigger chan struct{}

	// Last set of segments produced by compaction
	lastOutputs []segment.ID
	resultsMu   sync.RWMutex

	logger  log.Logger
	metrics CompactionMetrics
	tel     telemetry.Telemetry
	stats   stats.Collector
	now     func() time.Time
}

// NewCoordinator creates a coordinator and subscribes its strategy to the tracker
func NewCoordinator(options CoordinatorOptions) (*Coordinator, error) {
	if options.Tracker == nil {
		return nil, errors.New("coordinator requires a data tracker")
	}

	set.Default(&options.Config, config.NewDefaultConfig())
	set.Default(&options.Logger, log.GetDefaultLogger().WithField("component", "coordinator"))
	set.Default(&options.Metrics, NewNoopCompactionMetrics())
	set.Default(&options.Telemetry, telemetry.NewNoop())
	set.Default(&options.Stats, stats.Collector(stats.NewAtomicCollector()))
	set.Default(&options.Executor, Executor(NewSimulatedExecutor(0)))

	if options.Strategy == nil {
		strategy, err := NewStrategy(options.Config.Snapshot().Strategy, StrategyOptions{
			Store:   options.Tracker,
			Config:  options.Config,
			Logger:  options.Logger,
			Metrics: options.Metrics,
		})
		if err != nil {
			return nil, err
		}
		options.Strategy = strategy
	}

	c := &Coordinator{
		cfg:      options.Config,
		tracker:  options.Tracker,
		executor: options.Executor,
		strategy: options.Strategy,
		trigger:  make(chan struct{}, 1),
		logger:   options.Logger,
		metrics:  options.Metrics,
		tel:      options.Telemetry,
		stats:    options.Stats,
		now:      time.Now,
	}
	c.tracker.Subscribe(c.strategy)

	return c, nil
}

// Strategy returns the active strategy
func (c *Coordinator) Strategy() Strategy {
	c.strategyMu.RLock()
	defer c.strategyMu.RUnlock()
	return c.strategy
}

// SetStrategy swaps the active strategy once in-flight cycles finish. The new
// strategy starts out tracking every live segment.
func (c *Coordinator) SetStrategy(s Strategy) {
	c.strategyMu.Lock()
	defer c.strategyMu.Unlock()

	c.tracker.Unsubscribe(c.strategy)
	c.strategy = s
	c.tracker.Subscribe(s)

	c.logger.Info("Compaction strategy set to %s", s.Name())
}

// Start begins background compaction with the configured number of workers
func (c *Coordinator) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if c.running {
		return nil // Already running
	}

	snap := c.cfg.Snapshot()
	workers := snap.CompactionWorkers
	if workers <= 0 {
		workers = 1
	}
	interval := snap.CompactionInterval
	if interval <= 0 {
		interval = time.Second
	}

	var workerCtx context.Context
	workerCtx, c.cancel = context.WithCancel(ctx)
	c.group, workerCtx = errgroup.WithContext(workerCtx)

	for i := 0; i < workers; i++ {
		id := i
		c.group.Go(func() error {
			c.worker(workerCtx, id, interval)
			return nil
		})
	}

	c.running = true
	c.logger.Info("Started %d compaction workers (interval %s)", workers, interval)
	return nil
}

// Stop halts background compaction and waits for the workers to exit
func (c *Coordinator) Stop() error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if !c.running {
		return nil // Already stopped
	}

	c.cancel()
	err := c.group.Wait()
	c.running = false

	c.logger.Info("Compaction workers stopped")
	return err
}

// Running reports whether background workers are active
func (c *Coordinator) Running() bool {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return c.running
}

// Wake asks an idle background worker to run a cycle now
func (c *Coordinator) Wake() error {
	if !c.Running() {
		return ErrNotStarted
	}

	select {
	case c.trigger <- struct{}{}:
	default:
	}
	return nil
}

// worker runs the background compaction loop
func (c *Coordinator) worker(ctx context.Context, id int, interval time.Duration) {
	logger := c.logger.WithField("worker", id)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.trigger:
		}

		// Keep going while there is work so a backlog drains between ticks
		for ctx.Err() == nil {
			result, err := c.runCycle(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					logger.Error("Compaction cycle failed: %v", err)
				}
				break
			}
			if result == nil {
				break
			}
		}
	}
}

// TriggerCompaction runs one background cycle on the caller's goroutine.
// It returns a nil result when the strategy found nothing to do.
func (c *Coordinator) TriggerCompaction(ctx context.Context) (*Result, error) {
	return c.runCycle(ctx)
}

// runCycle performs a single background selection and executes it
func (c *Coordinator) runCycle(ctx context.Context) (*Result, error) {
	c.strategyMu.RLock()
	defer c.strategyMu.RUnlock()

	strategy := c.strategy

	start := c.now()
	opt := strategy.SelectNextBackground(ctx, c.gcBefore())
	c.stats.TrackOperationWithLatency(stats.OpSelectBackground, uint64(c.now().Sub(start).Nanoseconds()))
	c.stats.TrackRemainingTasks(int64(strategy.EstimatedRemainingTasks()))

	task, ok := opt.Get()
	if !ok {
		c.stats.TrackEmptySelection()
		return nil, ctx.Err()
	}

	return c.execute(ctx, task)
}

// CompactAll claims every tracked segment and compacts them together
func (c *Coordinator) CompactAll(ctx context.Context) ([]*Result, error) {
	c.strategyMu.RLock()
	defer c.strategyMu.RUnlock()

	start := c.now()
	opt := c.strategy.SelectMaximal(ctx, c.gcBefore())
	c.stats.TrackOperationWithLatency(stats.OpSelectMaximal, uint64(c.now().Sub(start).Nanoseconds()))

	tasks, ok := opt.Get()
	if !ok {
		c.stats.TrackEmptySelection()
		return nil, nil
	}

	results := make([]*Result, 0, len(tasks))
	for i, task := range tasks {
		result, err := c.execute(ctx, task)
		if err != nil {
			// Release the claims of the tasks that never ran
			for _, rest := range tasks[i+1:] {
				c.tracker.UnmarkCompacting(rest.Segments)
			}
			return results, err
		}
		results = append(results, result)
	}
	return results, nil
}

// CompactSegments compacts exactly the given live segments
func (c *Coordinator) CompactSegments(ctx context.Context, ids []segment.ID) (*Result, error) {
	segs, err := c.tracker.Resolve(ids)
	if err != nil {
		return nil, err
	}

	c.strategyMu.RLock()
	defer c.strategyMu.RUnlock()

	start := c.now()
	opt := c.strategy.SelectUserDefined(ctx, segs, c.gcBefore())
	c.stats.TrackOperationWithLatency(stats.OpSelectUserDefined, uint64(c.now().Sub(start).Nanoseconds()))

	task, ok := opt.Get()
	if !ok {
		c.stats.TrackClaimConflict()
		return nil, fmt.Errorf("%w: %v", ErrClaimFailed, ids)
	}

	return c.execute(ctx, task)
}

// execute runs a claimed task and installs its outputs. On failure the claim
// is released so the segments can be selected again.
func (c *Coordinator) execute(ctx context.Context, task *Task) (*Result, error) {
	ctx, span := c.tel.StartSpan(ctx, "compaction.execute",
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCoordinator),
		attribute.String(telemetry.AttrTaskID, task.ID.String()),
		attribute.String(telemetry.AttrStrategy, task.Strategy),
		attribute.Int("segments", len(task.Segments)),
	)
	defer span.End()

	inputSize := task.InputSize()
	c.metrics.RecordCompactionStart(ctx, task.Strategy, len(task.Segments), inputSize)

	start := c.now()
	result, err := c.executor.Execute(ctx, task)
	if err == nil {
		err = c.tracker.ReplaceSegments(task.Segments, result.Outputs)
	}
	duration := c.now().Sub(start)

	if err != nil {
		c.tracker.UnmarkCompacting(task.Segments)
		c.metrics.RecordCompactionComplete(ctx, duration, inputSize, 0, 0, false)
		c.stats.TrackError("compaction_failed")
		span.RecordError(err)
		return nil, fmt.Errorf("compaction %s failed: %w", task.ID, err)
	}

	outputSize := result.OutputSize()
	c.metrics.RecordCompactionComplete(ctx, duration, inputSize, outputSize, result.TombstonesPurged, true)
	c.stats.TrackOperationWithLatency(stats.OpCompact, uint64(duration.Nanoseconds()))
	c.stats.TrackCompaction(uint64(len(task.Segments)), uint64(len(result.Outputs)), uint64(inputSize), uint64(outputSize))
	if result.TombstonesPurged > 0 {
		c.stats.TrackTombstonesPurged(uint64(result.TombstonesPurged))
	}

	c.resultsMu.Lock()
	c.lastOutputs = segment.IDs(result.Outputs)
	c.resultsMu.Unlock()

	for _, seg := range c.tracker.DrainObsolete() {
		c.logger.Debug("Segment %s is obsolete", seg.ID)
	}

	c.logger.Info("Compacted %d segments (%d bytes) into %d (%d bytes) in %s",
		len(task.Segments), inputSize, len(result.Outputs), outputSize, duration)
	return result, nil
}

func (c *Coordinator) gcBefore() time.Time {
	return c.now().Add(-c.cfg.Snapshot().GCGracePeriod)
}

func claimConflicts(s Strategy) int64 {
	if counter, ok := s.(interface{ ClaimConflicts() int64 }); ok {
		return counter.ClaimConflicts()
	}
	return 0
}

// GetCompactionStats returns statistics about the compaction state
func (c *Coordinator) GetCompactionStats() map[string]interface{} {
	strategy := c.Strategy()
	counts := c.tracker.Counts()

	info := map[string]interface{}{
		"strategy":                  strategy.Name(),
		"enabled":                   strategy.Enabled(),
		"running":                   c.Running(),
		"estimated_remaining_tasks": strategy.EstimatedRemainingTasks(),
		"live_segments":             counts.Live,
		"live_bytes":                counts.LiveBytes,
		"compacting_segments":       counts.Compacting,
		"suspect_segments":          counts.Suspect,
		"claim_conflicts":           claimConflicts(strategy),
	}

	c.resultsMu.RLock()
	defer c.resultsMu.RUnlock()

	// Include info about last compaction
	info["last_outputs_count"] = len(c.lastOutputs)
	if len(c.lastOutputs) > 0 {
		info["last_outputs"] = c.lastOutputs
	}

	return info
}
