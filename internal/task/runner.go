// Package task executes external map and reduce programs, one input
// file in and one output file out per task.
package task

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sync"

	"pkg.jsn.cam/streamreduce/pkg/streamreduce"
)

// Task is one invocation of an external program: its stdin is fed from
// InputPath and its stdout is captured verbatim into OutputPath. Index
// only determines the deterministic output filename; execution order
// between tasks is not guaranteed.
type Task struct {
	Index      int
	Exe        string
	Args       []string
	InputPath  string
	OutputPath string
}

// CheckExecutable runs exe once with empty input and verifies that it
// exits zero. Programs with broken shebang lines or missing interpreters
// fail here with a readable message instead of deep inside a stage.
func CheckExecutable(ctx context.Context, exe string, args ...string) error {
	cmd := exec.CommandContext(ctx, exe, args...)
	cmd.Stdin = bytes.NewReader(nil)
	if out, err := cmd.CombinedOutput(); err != nil {
		msg := bytes.TrimSpace(out)
		if len(msg) > 0 {
			return fmt.Errorf("%w: %s: %v: %s", streamreduce.ErrExecutable, exe, err, msg)
		}
		return fmt.Errorf("%w: %s: %v", streamreduce.ErrExecutable, exe, err)
	}
	return nil
}

// RunAll executes tasks concurrently on a pool of at most workers slots
// (the logical CPU count when workers <= 0). A failed task does not stop
// its siblings; they run to completion and the first observed failure is
// returned. onDone, when non-nil, is called after each task completes,
// serialized across workers.
func RunAll(ctx context.Context, tasks []Task, workers int, onDone func(done, total int)) error {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
		done     int
	)
	sem := make(chan struct{}, workers)
	for _, t := range tasks {
		wg.Add(1)
		go func(t Task) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			err := runOne(ctx, t)

			mu.Lock()
			defer mu.Unlock()
			if err != nil && firstErr == nil {
				firstErr = err
			}
			done++
			if onDone != nil {
				onDone(done, len(tasks))
			}
		}(t)
	}
	wg.Wait()
	return firstErr
}

// runOne executes a single task synchronously. The program's stderr
// passes through to the host stderr so diagnostics stay visible.
func runOne(ctx context.Context, t Task) error {
	in, err := os.Open(t.InputPath)
	if err != nil {
		return fmt.Errorf("open task input %s: %v", t.InputPath, err)
	}
	defer in.Close()

	out, err := os.Create(t.OutputPath)
	if err != nil {
		return fmt.Errorf("create task output %s: %v", t.OutputPath, err)
	}
	defer out.Close()

	cmd := exec.CommandContext(ctx, t.Exe, t.Args...)
	cmd.Stdin = in
	cmd.Stdout = out
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s < %s > %s: %v",
			streamreduce.ErrExecution, t.Exe, t.InputPath, t.OutputPath, err)
	}
	return nil
}
