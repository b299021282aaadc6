// Package pipeline sequences the stages of one MapReduce run: split the
// input, map each split, group and sort the map output into partitions,
// reduce each partition, and move the results into the output directory.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"pkg.jsn.cam/streamreduce/internal/group"
	"pkg.jsn.cam/streamreduce/internal/keystats"
	"pkg.jsn.cam/streamreduce/internal/split"
	"pkg.jsn.cam/streamreduce/internal/task"
	"pkg.jsn.cam/streamreduce/pkg/streamreduce"
)

// Pipeline is one run of the engine. A Pipeline is single-use: create it
// with New, run it once with Run.
type Pipeline struct {
	cfg   streamreduce.Config
	id    string
	stage streamreduce.Stage

	workDir string
	stats   *keystats.Store
}

// New validates cfg and returns a pipeline ready to run.
func New(cfg streamreduce.Config) (*Pipeline, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pipeline{
		cfg:   cfg,
		id:    uuid.New().String(),
		stage: streamreduce.StageInitializing,
	}, nil
}

// Run executes cfg as a single pipeline run.
func Run(ctx context.Context, cfg streamreduce.Config) error {
	p, err := New(cfg)
	if err != nil {
		return err
	}
	return p.Run(ctx)
}

// Stage reports the pipeline's current stage.
func (p *Pipeline) Stage() streamreduce.Stage {
	return p.stage
}

// Run drives the stage machine to completion. Any stage error aborts the
// remaining stages; the ephemeral working tree is removed on success and
// on every failure path.
func (p *Pipeline) Run(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			p.setStage(streamreduce.StageFailed)
		} else {
			p.setStage(streamreduce.StageDone)
		}
	}()

	if err = p.initialize(ctx); err != nil {
		return err
	}
	defer p.cleanup()

	p.setStage(streamreduce.StageSplitting)
	if err = p.splitStage(); err != nil {
		return err
	}
	p.setStage(streamreduce.StageMapping)
	if err = p.execStage(ctx, p.cfg.MapExe, p.dir("map-input"), p.dir("map-output"), streamreduce.StageMapping); err != nil {
		return err
	}
	p.setStage(streamreduce.StageGrouping)
	if err = p.groupStage(ctx); err != nil {
		return err
	}
	p.setStage(streamreduce.StageReducing)
	if err = p.execStage(ctx, p.cfg.ReduceExe, p.dir("reduce-input"), p.dir("reduce-output"), streamreduce.StageReducing); err != nil {
		return err
	}
	p.setStage(streamreduce.StageFinalizing)
	return p.finalize()
}

// initialize validates the environment, checks the executables, and
// builds the run's working tree. The output directory check and the
// executability checks run before anything touches the filesystem, so
// those failures leave nothing behind.
func (p *Pipeline) initialize(ctx context.Context) error {
	if _, err := os.Stat(p.cfg.Output); err == nil {
		return fmt.Errorf("%w: output directory already exists: %s",
			streamreduce.ErrConfiguration, p.cfg.Output)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: stat output directory %s: %v",
			streamreduce.ErrConfiguration, p.cfg.Output, err)
	}

	for _, exe := range []*string{&p.cfg.MapExe, &p.cfg.ReduceExe} {
		abs, err := filepath.Abs(*exe)
		if err != nil {
			return fmt.Errorf("resolve %s: %v", *exe, err)
		}
		*exe = abs
		if err := task.CheckExecutable(ctx, abs); err != nil {
			return err
		}
	}
	if p.cfg.PartitionerExe != "" {
		abs, err := filepath.Abs(p.cfg.PartitionerExe)
		if err != nil {
			return fmt.Errorf("resolve %s: %v", p.cfg.PartitionerExe, err)
		}
		p.cfg.PartitionerExe = abs
		// The partitioner always receives the reducer count argument,
		// including during the pre-flight check.
		if err := task.CheckExecutable(ctx, abs, fmt.Sprint(p.cfg.NumReducers)); err != nil {
			return err
		}
	}

	base := p.cfg.WorkBase
	if base == "" {
		base = os.TempDir()
	}
	p.workDir = filepath.Join(base, "streamreduce-"+p.id)
	for _, sub := range []string{"map-input", "map-output", "reduce-input", "reduce-output"} {
		if err := os.MkdirAll(p.dir(sub), 0o755); err != nil {
			return fmt.Errorf("create working tree %s: %v", p.dir(sub), err)
		}
	}
	p.debugf("workdir=%s", p.workDir)

	stats, err := keystats.Open(filepath.Join(p.workDir, "keystats.db"))
	if err != nil {
		os.RemoveAll(p.workDir)
		return err
	}
	p.stats = stats
	return nil
}

// cleanup removes the working tree. It runs on success and failure.
func (p *Pipeline) cleanup() {
	if p.stats != nil {
		p.stats.Close()
	}
	if p.workDir != "" {
		if err := os.RemoveAll(p.workDir); err != nil {
			p.logf("remove workdir: %v", err)
		}
	}
}

func (p *Pipeline) splitStage() error {
	files, err := split.Plan(p.cfg.Input)
	if err != nil {
		return err
	}

	index := 0
	var totalSize int64
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			return fmt.Errorf("stat input %s: %v", f, err)
		}
		totalSize += info.Size()
		n, err := split.File(f, p.dir("map-input"), index, p.cfg.MaxSplitSize)
		if err != nil {
			return err
		}
		p.debugf("input %s size=%s splits=%d", f, humanize.Bytes(uint64(info.Size())), n)
		index += n
	}
	p.logf("split %d input files into %d splits (%s total)",
		len(files), index, humanize.Bytes(uint64(totalSize)))
	return nil
}

// execStage runs one external program over every part file in inputDir,
// writing densely renumbered part files to outputDir.
func (p *Pipeline) execStage(ctx context.Context, exe, inputDir, outputDir string, stage streamreduce.Stage) error {
	inputs, err := streamreduce.PartFiles(inputDir)
	if err != nil {
		return err
	}

	tasks := make([]task.Task, len(inputs))
	for i, in := range inputs {
		tasks[i] = task.Task{
			Index:      i,
			Exe:        exe,
			InputPath:  in,
			OutputPath: filepath.Join(outputDir, streamreduce.PartFilename(i)),
		}
	}

	var onDone func(done, total int)
	if p.cfg.Progress != nil {
		onDone = func(done, total int) { p.cfg.Progress(stage, done, total) }
	}
	if err := task.RunAll(ctx, tasks, p.cfg.NumWorkers, onDone); err != nil {
		return err
	}
	p.logf("finished %d %s tasks", len(tasks), stage)
	return nil
}

func (p *Pipeline) groupStage(ctx context.Context) error {
	g := &group.Grouper{
		NumReducers:    p.cfg.NumReducers,
		PartitionerExe: p.cfg.PartitionerExe,
		Stats:          p.stats,
		Verbose:        p.cfg.Verbose,
	}
	if err := g.Run(ctx, p.dir("map-output"), p.dir("reduce-input")); err != nil {
		return err
	}
	if n, err := p.stats.Unique(keystats.TotalScope); err == nil {
		p.debugf("all_unique_keys=%d", n)
	}
	return nil
}

// finalize moves every reduce output file into the user-visible output
// directory and logs the output sizes.
func (p *Pipeline) finalize() error {
	outputs, err := streamreduce.PartFiles(p.dir("reduce-output"))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(p.cfg.Output, 0o755); err != nil {
		return fmt.Errorf("create output directory %s: %v", p.cfg.Output, err)
	}

	var totalSize int64
	for _, src := range outputs {
		dst := filepath.Join(p.cfg.Output, filepath.Base(src))
		if err := moveFile(src, dst); err != nil {
			return err
		}
		info, err := os.Stat(dst)
		if err != nil {
			return fmt.Errorf("stat output %s: %v", dst, err)
		}
		totalSize += info.Size()
		p.debugf("%s size=%s", dst, humanize.Bytes(uint64(info.Size())))
	}
	p.logf("output directory: %s (%d files, %s)",
		p.cfg.Output, len(outputs), humanize.Bytes(uint64(totalSize)))
	return nil
}

// moveFile renames src to dst, falling back to copy-and-remove when the
// rename crosses filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("move %s: %v", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("move %s: %v", src, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("move %s to %s: %v", src, dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("move %s to %s: %v", src, dst, err)
	}
	return os.Remove(src)
}

func (p *Pipeline) dir(sub string) string {
	return filepath.Join(p.workDir, sub)
}

func (p *Pipeline) setStage(s streamreduce.Stage) {
	// Terminal stages never transition.
	if p.stage == streamreduce.StageDone || p.stage == streamreduce.StageFailed {
		return
	}
	p.stage = s
	p.debugf("stage=%s", s)
}

func (p *Pipeline) logf(format string, args ...any) {
	log.Printf("[PIPELINE:%.8s] "+format, append([]any{p.id}, args...)...)
}

func (p *Pipeline) debugf(format string, args ...any) {
	if p.cfg.Verbose {
		p.logf(format, args...)
	}
}
