package main

import (
	"fmt"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/hostalloc/memutils/metadata"
	"github.com/vkngwrapper/hostalloc/osmem"
	"github.com/vkngwrapper/hostalloc/osmem/system"
)

const inMemoryBreakLimit = 256 * 1024 * 1024

var (
	replayFirstFit  bool
	replayValidate  bool
	replayThreshold int
	replayInMemory  bool
)

func init() {
	cmd := newReplayCmd()
	cmd.Flags().BoolVar(&replayFirstFit, "first-fit", false, "Use first-fit instead of best-fit placement")
	cmd.Flags().BoolVar(&replayValidate, "validate", false, "Validate the heap after every op")
	cmd.Flags().IntVar(&replayThreshold, "threshold", osmem.DefaultMmapThreshold, "Size at which requests get their own mapping")
	cmd.Flags().BoolVar(&replayInMemory, "in-memory", false, "Back the heap with Go memory instead of OS mappings")
	rootCmd.AddCommand(cmd)
}

func newReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <trace>",
		Short: "Replay an allocation trace",
		Long: `The replay command runs every op in a trace file against a fresh heap,
then prints a summary of the heap. Use - to read the trace from stdin.

Trace lines:
  malloc <id> <size>
  calloc <id> <count> <size>
  realloc <id> <size>
  free <id>

Example:
  heapctl replay workload.trace
  heapctl replay workload.trace --first-fit --validate
  heapctl replay workload.trace --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd.OutOrStdout(), args[0])
		},
	}
	return cmd
}

func runReplay(out io.Writer, path string) error {
	var input io.Reader = os.Stdin
	if path != "-" {
		file, err := os.Open(path)
		if err != nil {
			return errors.Wrap(err, "failed to open trace")
		}
		defer file.Close()
		input = file
	}

	ops, err := parseTrace(input)
	if err != nil {
		return err
	}

	options := osmem.CreateOptions{
		MmapThreshold: replayThreshold,
	}
	if replayFirstFit {
		options.Strategy = metadata.FitFirst
	}
	if replayInMemory {
		options.Break = system.NewMemoryBreak(inMemoryBreakLimit)
		options.Mapper = system.NewMemoryMapper(0)
	}

	heap, err := osmem.New(newLogger(), options)
	if err != nil {
		return err
	}

	r := newReplayer(heap, replayValidate)
	err = r.run(ops)
	if err != nil {
		return err
	}

	if jsonOut {
		_, err = fmt.Fprintln(out, heap.BuildStatsString(true))
		return err
	}

	return r.printSummary(out)
}

// replayer applies trace ops to a heap, tracking which pointer each trace id names
type replayer struct {
	heap     *osmem.Heap
	validate bool

	live    map[string]osmem.Pointer
	applied int
	nulls   int
}

func newReplayer(heap *osmem.Heap, validate bool) *replayer {
	return &replayer{
		heap:     heap,
		validate: validate,
		live:     make(map[string]osmem.Pointer),
	}
}

func (r *replayer) run(ops []traceOp) error {
	for _, op := range ops {
		err := r.applyRecovered(op)
		if err != nil {
			return errors.Wrapf(err, "line %d: %s %s", op.Line, op.Kind, op.ID)
		}

		if r.validate {
			err = r.heap.Validate()
			if err != nil {
				return errors.Wrapf(err, "heap is inconsistent after line %d", op.Line)
			}
		}
	}

	return nil
}

// applyRecovered turns a fatal heap panic into an error so the trace position can be reported
func (r *replayer) applyRecovered(op traceOp) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			panicErr, ok := recovered.(error)
			if !ok {
				panic(recovered)
			}
			err = errors.Wrap(panicErr, "heap failed")
		}
	}()

	return r.apply(op)
}

func (r *replayer) apply(op traceOp) error {
	p, live := r.live[op.ID]

	switch op.Kind {
	case opMalloc, opCalloc:
		if live {
			return errors.Newf("id %s is already live", op.ID)
		}

		if op.Kind == opMalloc {
			p = r.heap.Malloc(op.Size)
		} else {
			p = r.heap.Calloc(op.Count, op.Size)
		}
		r.track(op.ID, p)
	case opRealloc:
		newPtr, err := r.heap.Realloc(p, op.Size)
		if err != nil {
			return err
		}
		r.track(op.ID, newPtr)
	case opFree:
		if !live {
			return errors.Newf("id %s is not live", op.ID)
		}
		err := r.heap.Free(p)
		if err != nil {
			return err
		}
		delete(r.live, op.ID)
	}

	r.applied++
	return nil
}

func (r *replayer) track(id string, p osmem.Pointer) {
	if p == osmem.NullPointer {
		r.nulls++
		delete(r.live, id)
		return
	}
	r.live[id] = p
}

func (r *replayer) printSummary(out io.Writer) error {
	var stats osmem.HeapStatistics
	r.heap.CalculateStatistics(&stats)

	mapped := 0
	for _, p := range r.live {
		if r.heap.IsMapped(p) {
			mapped++
		}
	}

	_, err := fmt.Fprintf(out, `Ops applied:        %d
Live allocations:   %d (%d mapped)
Null results:       %d
Arena size:         %s in %d extensions
Arena in use:       %s in %d blocks
Arena free:         %s in %d ranges
Mapped:             %s in %d mappings
Map/remap/unmap:    %d/%d/%d
`,
		r.applied,
		len(r.live), mapped,
		r.nulls,
		humanize.IBytes(uint64(stats.Arena.BlockBytes)), stats.ArenaExtensions,
		humanize.IBytes(uint64(stats.Arena.AllocationBytes)), stats.Arena.AllocationCount,
		humanize.IBytes(uint64(stats.Arena.UnusedRangeBytes)), stats.Arena.UnusedRangeCount,
		humanize.IBytes(uint64(stats.Mapped.BlockBytes)), stats.Mapped.BlockCount,
		stats.MapCalls, stats.RemapCalls, stats.UnmapCalls,
	)
	return err
}
