package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/KevoDB/pairpick/pkg/engine/interfaces"
	"github.com/KevoDB/pairpick/pkg/segment"
	"github.com/KevoDB/pairpick/pkg/stats"
)

// BenchmarkOptions configures the flush and compaction benchmark
type BenchmarkOptions struct {
	Flushers      int
	FlushInterval time.Duration
	TotalDuration time.Duration

	// Keys per flushed segment and the key space they are drawn from
	SegmentKeys int
	KeySpace    int
	ValueSize   int

	// Fraction of each segment written as tombstones
	TombstoneRatio float64

	Seed int64
}

// BenchmarkResult contains the results of a benchmark run
type BenchmarkResult struct {
	Timestamp         time.Time
	Duration          time.Duration
	SegmentsFlushed   uint64
	CompactionCount   uint64
	SegmentsCompacted uint64
	BytesIn           uint64
	BytesOut          uint64
	TombstonesPurged  uint64
	ClaimConflicts    uint64
	EmptySelections   uint64
	FinalSegments     int
	PeakMemory        uint64
}

// RunBenchmark flushes overlapping segments from several goroutines while
// the manager's background workers compact them
func RunBenchmark(ctx context.Context, mgr interfaces.CompactionManager, provider stats.Provider, opts BenchmarkOptions, out io.Writer) (*BenchmarkResult, error) {
	fmt.Fprintln(out, "Starting compaction benchmark...")

	runCtx, cancel := context.WithTimeout(ctx, opts.TotalDuration)
	defer cancel()

	if err := mgr.Start(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	var peakMemory uint64
	var memMu sync.Mutex

	g, gctx := errgroup.WithContext(runCtx)
	for i := 0; i < opts.Flushers; i++ {
		rng := rand.New(rand.NewSource(opts.Seed + int64(i)))
		g.Go(func() error {
			ticker := time.NewTicker(opts.FlushInterval)
			defer ticker.Stop()

			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					seg, err := randomSegment(rng, opts)
					if err != nil {
						return err
					}
					mgr.Flush(seg)
				}
			}
		})
	}

	// Sample memory while the run lasts
	g.Go(func() error {
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				var m runtime.MemStats
				runtime.ReadMemStats(&m)
				memMu.Lock()
				if m.Alloc > peakMemory {
					peakMemory = m.Alloc
				}
				memMu.Unlock()
			}
		}
	})

	if err := g.Wait(); err != nil {
		_ = mgr.Stop()
		return nil, err
	}

	fmt.Fprintln(out, "Flushing stopped, waiting for compactions to complete...")
	if err := mgr.Stop(); err != nil {
		return nil, err
	}

	info := provider.GetStats()
	result := &BenchmarkResult{
		Timestamp:         start,
		Duration:          time.Since(start),
		SegmentsFlushed:   getUint64(info, "segments_flushed"),
		CompactionCount:   getUint64(info, "compaction_count"),
		SegmentsCompacted: getUint64(info, "segments_compacted"),
		BytesIn:           getUint64(info, "compaction_bytes_in"),
		BytesOut:          getUint64(info, "compaction_bytes_out"),
		TombstonesPurged:  getUint64(info, "tombstones_purged"),
		ClaimConflicts:    getUint64(info, "claim_conflicts") + getUint64(mgr.GetCompactionStats(), "claim_conflicts"),
		EmptySelections:   getUint64(info, "empty_selections"),
		FinalSegments:     len(mgr.Segments()),
		PeakMemory:        peakMemory,
	}

	printBenchmarkResult(out, result)
	return result, nil
}

// randomSegment builds a segment over a random window of the key space
func randomSegment(rng *rand.Rand, opts BenchmarkOptions) (*segment.Segment, error) {
	width := opts.SegmentKeys
	if width > opts.KeySpace {
		width = opts.KeySpace
	}
	from := rng.Intn(opts.KeySpace - width + 1)

	b := segment.NewBuilder(segment.NewID())
	now := time.Now()
	for i := from; i < from+width; i++ {
		key := segment.RangeKey("bench-", i)
		if rng.Float64() < opts.TombstoneRatio {
			b.AddTombstone(key, now)
			continue
		}
		b.Add(key, opts.ValueSize)
	}
	return b.Build()
}

// Helper function to safely get a uint64 value from a stats map
func getUint64(m map[string]interface{}, key string) uint64 {
	switch v := m[key].(type) {
	case uint64:
		return v
	case int64:
		return uint64(v)
	case int:
		return uint64(v)
	default:
		return 0
	}
}

func printBenchmarkResult(out io.Writer, r *BenchmarkResult) {
	fmt.Fprintln(out, "\nCompaction Benchmark Summary:")
	fmt.Fprintf(out, "  Duration: %.2f seconds\n", r.Duration.Seconds())
	fmt.Fprintf(out, "  Segments Flushed: %d\n", r.SegmentsFlushed)
	fmt.Fprintf(out, "  Compactions: %d (%d input segments)\n", r.CompactionCount, r.SegmentsCompacted)
	fmt.Fprintf(out, "  Bytes In/Out: %.2f MB / %.2f MB\n", float64(r.BytesIn)/(1024*1024), float64(r.BytesOut)/(1024*1024))
	fmt.Fprintf(out, "  Tombstones Purged: %d\n", r.TombstonesPurged)
	fmt.Fprintf(out, "  Claim Conflicts: %d\n", r.ClaimConflicts)
	fmt.Fprintf(out, "  Empty Selections: %d\n", r.EmptySelections)
	fmt.Fprintf(out, "  Final Segments: %d\n", r.FinalSegments)
	fmt.Fprintf(out, "  Peak Memory Usage: %.2f MB\n", float64(r.PeakMemory)/(1024*1024))
}

// SaveResultCSV appends benchmark results to a CSV file, writing the
// header when the file is new
func SaveResultCSV(results []BenchmarkResult, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}

	_, statErr := os.Stat(filename)
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if os.IsNotExist(statErr) {
		header := []string{
			"Timestamp", "Duration", "SegmentsFlushed", "CompactionCount", "SegmentsCompacted",
			"BytesIn", "BytesOut", "TombstonesPurged", "ClaimConflicts", "EmptySelections",
			"FinalSegments", "PeakMemory",
		}
		if err := writer.Write(header); err != nil {
			return err
		}
	}

	for _, r := range results {
		record := []string{
			r.Timestamp.Format(time.RFC3339),
			fmt.Sprintf("%.2f", r.Duration.Seconds()),
			strconv.FormatUint(r.SegmentsFlushed, 10),
			strconv.FormatUint(r.CompactionCount, 10),
			strconv.FormatUint(r.SegmentsCompacted, 10),
			strconv.FormatUint(r.BytesIn, 10),
			strconv.FormatUint(r.BytesOut, 10),
			strconv.FormatUint(r.TombstonesPurged, 10),
			strconv.FormatUint(r.ClaimConflicts, 10),
			strconv.FormatUint(r.EmptySelections, 10),
			strconv.Itoa(r.FinalSegments),
			strconv.FormatUint(r.PeakMemory, 10),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}
