// Command streamreduce runs a single-host MapReduce job over external
// map and reduce programs, Hadoop streaming style.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"

	"pkg.jsn.cam/streamreduce/internal/pipeline"
	"pkg.jsn.cam/streamreduce/pkg/streamreduce"
)

func main() {
	fs := flag.NewFlagSet("streamreduce", flag.ExitOnError)
	var (
		input       = fs.String("input", "", "input file or directory")
		output      = fs.String("output", "", "output directory (must not exist)")
		mapper      = fs.String("mapper", "", "map executable")
		reducer     = fs.String("reducer", "", "reduce executable")
		partitioner = fs.String("partitioner", "", "optional partitioner executable; default is hash(key) mod numReduceTasks")
		numReducers = fs.Int("numReduceTasks", streamreduce.DefaultNumReducers, "max number of reducers")
		splitSize   = fs.String("splitsize", "1MB", "max input split size")
		workers     = fs.Int("workers", 0, "concurrent task slots (0 = logical CPU count)")
		verbose     = fs.Bool("v", false, "verbose output")
		version     = fs.Bool("version", false, "print version and exit")
	)
	fs.Parse(hadoopCompatArgs(os.Args[1:]))

	if *version {
		fmt.Printf("streamreduce %s\n", streamreduce.Version)
		return
	}

	maxSplit, err := humanize.ParseBytes(*splitSize)
	if err != nil {
		fatalf("invalid -splitsize %q: %v", *splitSize, err)
	}

	cfg := streamreduce.Config{
		Input:          *input,
		Output:         *output,
		MapExe:         *mapper,
		ReduceExe:      *reducer,
		PartitionerExe: *partitioner,
		NumReducers:    *numReducers,
		MaxSplitSize:   int64(maxSplit),
		NumWorkers:     *workers,
		Verbose:        *verbose,
	}
	if !*verbose {
		cfg.Progress = newProgress()
	}

	log.SetFlags(0)
	if err := pipeline.Run(context.Background(), cfg); err != nil {
		fatalf("%v", err)
	}
}

// hadoopCompatArgs drops leading positional arguments such as
// "jar hadoop-streaming-2.7.2.jar" so that Hadoop streaming invocations
// work unchanged. Positionals after the flags are also tolerated: flag
// parsing stops at the first one and leaves the remainder unread.
// Unknown flags mixed between known ones are still an error.
func hadoopCompatArgs(args []string) []string {
	for len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		args = args[1:]
	}
	return args
}

// newProgress returns a per-stage progress bar callback. The pipeline
// serializes calls, so no locking is needed here.
func newProgress() func(stage streamreduce.Stage, done, total int) {
	var (
		bar      *progressbar.ProgressBar
		barStage streamreduce.Stage
	)
	return func(stage streamreduce.Stage, done, total int) {
		if bar == nil || barStage != stage {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetDescription(string(stage)),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionClearOnFinish(),
			)
			barStage = stage
		}
		bar.Set(done)
		if done == total {
			bar.Finish()
		}
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
