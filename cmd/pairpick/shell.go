package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/KevoDB/pairpick/pkg/compaction"
	"github.com/KevoDB/pairpick/pkg/engine/interfaces"
	"github.com/KevoDB/pairpick/pkg/segment"
	"github.com/KevoDB/pairpick/pkg/stats"
)

// Command completer for readline
var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),
	readline.PcItem("load"),
	readline.PcItem("flush"),
	readline.PcItem("next"),
	readline.PcItem("major"),
	readline.PcItem("user"),
	readline.PcItem("suspect",
		readline.PcItem("clear"),
	),
	readline.PcItem("ls"),
	readline.PcItem("stats"),
	readline.PcItem("run"),
	readline.PcItem("set"),
	readline.PcItem("enable"),
	readline.PcItem("disable"),
	readline.PcItem("exit"),
)

const helpText = `
Commands:
  help                          - Show this help message
  load PATH                     - Flush every segment of a YAML inventory (.zst accepted)
  flush PREFIX FROM TO [VSIZE]  - Flush one segment holding keys PREFIX<FROM>..PREFIX<TO-1>
  next                          - Run one background selection and compact the result
  major                         - Compact every live segment
  user ID [ID...]               - Compact exactly the given segments
  suspect ID                    - Mark a segment as corrupt
  suspect clear ID              - Clear the corrupt mark
  ls                            - List live segments
  stats                         - Show compaction statistics
  run DURATION                  - Run background workers for DURATION (e.g. 5s)
  set KEY=VALUE [KEY=VALUE...]  - Apply compaction options
  enable | disable              - Toggle background selection
  exit                          - Exit the program
`

// shell executes interactive commands against a compaction manager
type shell struct {
	mgr      interfaces.CompactionManager
	provider stats.Provider
	out      io.Writer
}

func newShell(mgr interfaces.CompactionManager, provider stats.Provider, out io.Writer) *shell {
	return &shell{mgr: mgr, provider: provider, out: out}
}

// execute runs one command line. It returns true when the shell should exit.
func (s *shell) execute(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}

	cmd, args := strings.ToLower(parts[0]), parts[1:]
	var err error

	switch cmd {
	case "help":
		fmt.Fprint(s.out, helpText)
	case "load":
		err = s.load(args)
	case "flush":
		err = s.flush(args)
	case "next":
		err = s.next(ctx)
	case "major":
		err = s.major(ctx)
	case "user":
		err = s.user(ctx, args)
	case "suspect":
		err = s.suspect(args)
	case "ls":
		s.list()
	case "stats":
		s.printStats()
	case "run":
		err = s.run(ctx, args)
	case "set":
		err = s.set(args)
	case "enable":
		s.mgr.SetEnabled(true)
		fmt.Fprintln(s.out, "Background compaction enabled")
	case "disable":
		s.mgr.SetEnabled(false)
		fmt.Fprintln(s.out, "Background compaction disabled")
	case "exit", "quit":
		return true
	default:
		err = fmt.Errorf("unknown command %q, try help", parts[0])
	}

	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
	}
	return false
}

func (s *shell) load(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: load PATH")
	}

	segs, err := segment.LoadInventory(args[0])
	if err != nil {
		return err
	}

	s.mgr.Flush(segs...)
	fmt.Fprintf(s.out, "Loaded %d segments from %s\n", len(segs), args[0])
	return nil
}

func (s *shell) flush(args []string) error {
	if len(args) < 3 || len(args) > 4 {
		return fmt.Errorf("usage: flush PREFIX FROM TO [VSIZE]")
	}

	from, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid FROM: %w", err)
	}
	to, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("invalid TO: %w", err)
	}
	valueSize := 100
	if len(args) == 4 {
		if valueSize, err = strconv.Atoi(args[3]); err != nil {
			return fmt.Errorf("invalid VSIZE: %w", err)
		}
	}

	seg, err := segment.InventorySegment{
		Ranges: []segment.KeyRangeSpec{{Prefix: args[0], From: from, To: to, ValueSize: valueSize}},
	}.Build()
	if err != nil {
		return err
	}

	s.mgr.Flush(seg)
	fmt.Fprintf(s.out, "Flushed %s\n", seg)
	return nil
}

func (s *shell) next(ctx context.Context) error {
	result, err := s.mgr.TriggerCompaction(ctx)
	if err != nil {
		return err
	}
	if result == nil {
		fmt.Fprintln(s.out, "Nothing to compact")
		return nil
	}
	s.printResult(result)
	return nil
}

func (s *shell) major(ctx context.Context) error {
	results, err := s.mgr.CompactAll(ctx)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Fprintln(s.out, "Nothing to compact")
	}
	for _, r := range results {
		s.printResult(r)
	}
	return nil
}

func (s *shell) user(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: user ID [ID...]")
	}

	ids, err := parseIDs(args)
	if err != nil {
		return err
	}

	result, err := s.mgr.CompactSegments(ctx, ids)
	if err != nil {
		return err
	}
	s.printResult(result)
	return nil
}

func (s *shell) suspect(args []string) error {
	if len(args) == 2 && strings.EqualFold(args[0], "clear") {
		id, err := segment.ParseID(args[1])
		if err != nil {
			return err
		}
		s.mgr.ClearSuspect(id)
		return nil
	}

	if len(args) != 1 {
		return fmt.Errorf("usage: suspect [clear] ID")
	}
	id, err := segment.ParseID(args[0])
	if err != nil {
		return err
	}
	return s.mgr.MarkSuspect(id)
}

func (s *shell) list() {
	segs := s.mgr.Segments()
	if len(segs) == 0 {
		fmt.Fprintln(s.out, "No live segments")
		return
	}

	for _, st := range segs {
		var flags []string
		if st.Compacting {
			flags = append(flags, "compacting")
		}
		if st.Suspect {
			flags = append(flags, "suspect")
		}
		line := st.Segment.String()
		if len(flags) > 0 {
			line += " [" + strings.Join(flags, ",") + "]"
		}
		fmt.Fprintln(s.out, line)
	}
	fmt.Fprintf(s.out, "%d segments\n", len(segs))
}

func (s *shell) printStats() {
	fmt.Fprintln(s.out, "Compaction:")
	printMap(s.out, s.mgr.GetCompactionStats())

	if s.provider != nil {
		fmt.Fprintln(s.out, "Counters:")
		printMap(s.out, s.provider.GetStats())
	}
}

func printMap(out io.Writer, info map[string]interface{}) {
	keys := make([]string, 0, len(info))
	for k := range info {
		// Output segments are listed by ls
		if k == "last_outputs" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		fmt.Fprintf(out, "  %-26s %v\n", k+":", info[k])
	}
}

func (s *shell) run(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: run DURATION")
	}
	d, err := time.ParseDuration(args[0])
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	before := len(s.mgr.Segments())
	if err := s.mgr.Start(runCtx); err != nil {
		return err
	}
	<-runCtx.Done()
	if err := s.mgr.Stop(); err != nil {
		return err
	}

	fmt.Fprintf(s.out, "Ran background compaction for %s: %d -> %d segments\n", d, before, len(s.mgr.Segments()))
	return nil
}

func (s *shell) set(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: set KEY=VALUE [KEY=VALUE...]")
	}

	options := make(map[string]string, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			return fmt.Errorf("expected KEY=VALUE, got %q", arg)
		}
		options[key] = value
	}
	return s.mgr.SetOptions(options)
}

func (s *shell) printResult(r *compaction.Result) {
	kind := "background"
	if r.Task.UserDefined {
		kind = "user-defined"
	}
	fmt.Fprintf(s.out, "Compacted %d segments (%s, %d bytes) into %d (%d bytes), %d tombstones purged in %s\n",
		len(r.Task.Segments), kind, r.Task.InputSize(), len(r.Outputs), r.OutputSize(),
		r.TombstonesPurged, r.Duration)
	for _, out := range r.Outputs {
		fmt.Fprintf(s.out, "  -> %s\n", out)
	}
}

func parseIDs(args []string) ([]segment.ID, error) {
	ids := make([]segment.ID, 0, len(args))
	for _, a := range args {
		id, err := segment.ParseID(a)
		if err != nil {
			return nil, fmt.Errorf("invalid segment id %q: %w", a, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
