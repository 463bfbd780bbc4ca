package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/chzyer/readline"

	"github.com/KevoDB/pairpick/pkg/common/log"
	"github.com/KevoDB/pairpick/pkg/compaction"
	"github.com/KevoDB/pairpick/pkg/config"
	enginecompaction "github.com/KevoDB/pairpick/pkg/engine/compaction"
	"github.com/KevoDB/pairpick/pkg/segment"
	"github.com/KevoDB/pairpick/pkg/stats"
	"github.com/KevoDB/pairpick/pkg/telemetry"
)

var (
	// Command line flags
	configPath  = flag.String("config", "", "Path to a compaction YAML configuration file")
	inventory   = flag.String("inventory", "", "Inventory (.yaml or .yaml.zst) to flush at startup")
	logLevel    = flag.String("log-level", "", "Override the configured log level (debug, info, warn, error)")
	telemetryOn = flag.Bool("telemetry", false, "Export metrics and traces to stdout")
	otlpAddr    = flag.String("otlp-endpoint", "", "Also export traces to this OTLP gRPC collector (host:port)")
	execDelay   = flag.Duration("exec-delay", 0, "Simulated time spent rewriting each compaction")

	benchMode      = flag.Bool("bench", false, "Run the flush and compaction benchmark instead of the shell")
	duration       = flag.Duration("duration", 10*time.Second, "Duration to run the benchmark")
	flushers       = flag.Int("flushers", 4, "Number of concurrent flushing goroutines")
	flushInterval  = flag.Duration("flush-interval", 20*time.Millisecond, "Interval between flushes per goroutine")
	segmentKeys    = flag.Int("segment-keys", 1000, "Keys per flushed segment")
	keySpace       = flag.Int("key-space", 100000, "Size of the key space segments are drawn from")
	valueSize      = flag.Int("value-size", 100, "Size of values in bytes")
	tombstoneRatio = flag.Float64("tombstone-ratio", 0.05, "Fraction of entries written as tombstones")
	seed           = flag.Int64("seed", 1, "Random seed for generated segments")
	resultsFile    = flag.String("results", "", "CSV file to append benchmark results to")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "pairpick - pairwise compaction candidate selection\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: pairpick [options]\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "By default, pairpick runs an interactive shell over an in-memory segment set.\n")
		fmt.Fprintf(flag.CommandLine.Output(), "With -bench it simulates concurrent flushes against background workers.\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	log.SetDefaultLogger(logger)

	telCfg := telemetry.DefaultConfig()
	telCfg.LoadFromEnv()
	if *telemetryOn {
		telCfg.Enabled = true
		telCfg.Exporters = []string{telemetry.ExporterStdout}
		telCfg.Output = os.Stderr
	}
	if *otlpAddr != "" {
		telCfg.Enabled = true
		telCfg.OTLPEndpoint = *otlpAddr
		if !telCfg.HasExporter(telemetry.ExporterOTLP) {
			telCfg.Exporters = append(telCfg.Exporters, telemetry.ExporterOTLP)
		}
	}
	tel, err := telemetry.New(telCfg)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(ctx); err != nil {
			logger.Warn("Telemetry shutdown failed: %v", err)
		}
	}()

	collector := stats.NewAtomicCollector()
	mgr, err := enginecompaction.NewManager(cfg, collector, enginecompaction.ManagerOptions{
		Executor:  compaction.NewSimulatedExecutor(*execDelay),
		Telemetry: tel,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer mgr.Close()

	if *inventory != "" {
		segs, err := segment.LoadInventory(*inventory)
		if err != nil {
			return err
		}
		mgr.Flush(segs...)
		logger.Info("Loaded %d segments from %s", len(segs), *inventory)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *benchMode {
		return runBenchmark(ctx, mgr, collector)
	}

	runInteractive(ctx, newShell(mgr, collector, os.Stdout))
	return nil
}

func loadConfig() (*config.Config, error) {
	if *configPath == "" {
		return config.NewDefaultConfig(), nil
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", *configPath, err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*log.StandardLogger, error) {
	snap := cfg.Snapshot()

	name := snap.LogLevel
	if *logLevel != "" {
		name = *logLevel
	}
	level, err := log.ParseLevel(name)
	if err != nil {
		return nil, err
	}

	return log.NewStandardLogger(
		log.WithLevel(level),
		log.WithJSON(snap.LogJSON),
		log.WithOutput(os.Stderr),
	), nil
}

func runBenchmark(ctx context.Context, mgr *enginecompaction.Manager, collector *stats.AtomicCollector) error {
	opts := BenchmarkOptions{
		Flushers:       *flushers,
		FlushInterval:  *flushInterval,
		TotalDuration:  *duration,
		SegmentKeys:    *segmentKeys,
		KeySpace:       *keySpace,
		ValueSize:      *valueSize,
		TombstoneRatio: *tombstoneRatio,
		Seed:           *seed,
	}
	if opts.Flushers <= 0 || opts.FlushInterval <= 0 || opts.SegmentKeys <= 0 || opts.KeySpace <= 0 {
		return errors.New("flushers, flush-interval, segment-keys and key-space must be positive")
	}

	result, err := RunBenchmark(ctx, mgr, collector, opts, os.Stdout)
	if err != nil {
		return err
	}

	if *resultsFile != "" {
		if err := SaveResultCSV([]BenchmarkResult{*result}, *resultsFile); err != nil {
			return fmt.Errorf("failed to save results: %w", err)
		}
		fmt.Printf("Results appended to %s\n", *resultsFile)
	}
	return nil
}

// runInteractive starts the interactive shell
func runInteractive(ctx context.Context, sh *shell) {
	fmt.Println("pairpick compaction shell")
	fmt.Println("Enter help for usage hints.")

	historyFile := filepath.Join(os.TempDir(), ".pairpick_history")
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "pairpick> ",
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing readline: %s\n", err)
		return
	}
	defer rl.Close()

	for ctx.Err() == nil {
		line, readErr := rl.Readline()
		if readErr != nil {
			if readErr == readline.ErrInterrupt {
				if len(line) == 0 {
					break
				}
				continue
			} else if readErr == io.EOF {
				fmt.Println("Goodbye!")
				break
			}
			fmt.Fprintf(os.Stderr, "Error reading input: %s\n", readErr)
			continue
		}

		if sh.execute(ctx, line) {
			fmt.Println("Goodbye!")
			return
		}
	}
}
