// Package streamreduce holds the shared configuration, stage, and naming
// types for the single-host streaming MapReduce pipeline.
package streamreduce

import (
	"fmt"
	"runtime"
)

// Version is the streamreduce release version.
const Version = "0.1.0"

const (
	// DefaultMaxSplitSize is the input split threshold: larger input
	// files are cut into line-aligned splits of at most this many bytes.
	DefaultMaxSplitSize = 1 << 20 // 1 MiB

	// DefaultNumReducers is the default maximum number of reduce
	// partitions. The effective reducer count can be lower when some
	// partitions receive no records.
	DefaultNumReducers = 4

	// DefaultMaxReducers bounds the configurable reducer count.
	DefaultMaxReducers = 100
)

// Stage identifies a phase of the pipeline state machine.
type Stage string

const (
	StageInitializing Stage = "initializing"
	StageSplitting    Stage = "splitting"
	StageMapping      Stage = "mapping"
	StageGrouping     Stage = "grouping"
	StageReducing     Stage = "reducing"
	StageFinalizing   Stage = "finalizing"
	StageDone         Stage = "done"
	StageFailed       Stage = "failed"
)

// Config describes one pipeline run.
type Config struct {
	Input          string // input file or directory (required)
	Output         string // output directory, must not exist (required)
	MapExe         string // map program (required)
	ReduceExe      string // reduce program (required)
	PartitionerExe string // optional partitioner program; empty selects hash partitioning

	NumReducers  int   // maximum number of reduce partitions
	MaxReducers  int   // upper bound on NumReducers
	MaxSplitSize int64 // input split threshold in bytes
	NumWorkers   int   // concurrent task slots, defaults to the logical CPU count

	WorkBase string // parent directory for the ephemeral working tree, defaults to os.TempDir()
	Verbose  bool   // emit debug logging

	// Progress, when non-nil, is called after each map or reduce task
	// completes. Calls are serialized.
	Progress func(stage Stage, done, total int)
}

// ApplyDefaults fills zero-valued fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.NumReducers == 0 {
		c.NumReducers = DefaultNumReducers
	}
	if c.MaxReducers == 0 {
		c.MaxReducers = DefaultMaxReducers
	}
	if c.MaxSplitSize == 0 {
		c.MaxSplitSize = DefaultMaxSplitSize
	}
	if c.NumWorkers == 0 {
		c.NumWorkers = runtime.NumCPU()
	}
}

// Validate reports a ConfigurationError for any unusable field.
func (c *Config) Validate() error {
	if c.Input == "" {
		return fmt.Errorf("%w: input path is required", ErrConfiguration)
	}
	if c.Output == "" {
		return fmt.Errorf("%w: output directory is required", ErrConfiguration)
	}
	if c.MapExe == "" {
		return fmt.Errorf("%w: map executable is required", ErrConfiguration)
	}
	if c.ReduceExe == "" {
		return fmt.Errorf("%w: reduce executable is required", ErrConfiguration)
	}
	if c.NumReducers < 1 || c.NumReducers > c.MaxReducers {
		return fmt.Errorf("%w: reducer count %d outside [1, %d]",
			ErrConfiguration, c.NumReducers, c.MaxReducers)
	}
	if c.MaxSplitSize < 1 {
		return fmt.Errorf("%w: split size %d must be positive", ErrConfiguration, c.MaxSplitSize)
	}
	if c.NumWorkers < 1 {
		return fmt.Errorf("%w: worker count %d must be positive", ErrConfiguration, c.NumWorkers)
	}
	return nil
}
