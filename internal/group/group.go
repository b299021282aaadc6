// Package group assigns map-output records to reduce partitions, prunes
// partitions that received nothing, and sorts the survivors so that
// equal keys are contiguous for the reduce programs.
package group

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	"pkg.jsn.cam/streamreduce/internal/keystats"
	"pkg.jsn.cam/streamreduce/pkg/streamreduce"
)

// maxLineSize bounds a single record during scanning.
const maxLineSize = 16 << 20

// Grouper runs the grouping stage between map output and reduce input.
type Grouper struct {
	NumReducers    int
	PartitionerExe string          // empty selects hash partitioning
	Stats          *keystats.Store // optional distinct-key diagnostics
	Verbose        bool
}

// Run consumes every map-output file under mapOutputDir and produces
// sorted, non-empty partition files under reduceInputDir. Partition
// files that received zero records are removed, so the reduce stage may
// run fewer tasks than NumReducers.
func (g *Grouper) Run(ctx context.Context, mapOutputDir, reduceInputDir string) error {
	srcs, err := streamreduce.PartFiles(mapOutputDir)
	if err != nil {
		return err
	}

	outPaths := make([]string, g.NumReducers)
	for i := range outPaths {
		outPaths[i] = filepath.Join(reduceInputDir, streamreduce.PartFilename(i))
		if err := os.WriteFile(outPaths[i], nil, 0o644); err != nil {
			return fmt.Errorf("create partition file %s: %v", outPaths[i], err)
		}
	}

	// One source file at a time: partition files are appended to by a
	// single writer, never concurrently.
	for _, src := range srcs {
		if err := g.partitionFile(ctx, src, outPaths); err != nil {
			return err
		}
	}

	kept := 0
	for _, p := range outPaths {
		info, err := os.Stat(p)
		if err != nil {
			return fmt.Errorf("stat partition file %s: %v", p, err)
		}
		if info.Size() == 0 {
			if g.Verbose {
				log.Printf("[GROUP] empty partition: rm %s", filepath.Base(p))
			}
			if err := os.Remove(p); err != nil {
				return fmt.Errorf("remove empty partition %s: %v", p, err)
			}
			continue
		}
		kept++
	}
	log.Printf("[GROUP] %d of %d partitions non-empty", kept, g.NumReducers)

	survivors, err := streamreduce.PartFiles(reduceInputDir)
	if err != nil {
		return err
	}
	for _, p := range survivors {
		if err := SortFile(p); err != nil {
			return err
		}
	}
	return nil
}

// partitionFile appends every record of src to its destination partition
// file.
func (g *Grouper) partitionFile(ctx context.Context, src string, outPaths []string) error {
	records, err := readLines(src)
	if err != nil {
		return err
	}

	keys := make([]string, len(records))
	for i, rec := range records {
		key, ok := recordKey(rec)
		if !ok {
			return fmt.Errorf("%w: no tab separator in %s: %q", streamreduce.ErrValidation, src, rec)
		}
		keys[i] = key
	}

	var indexes []int
	if g.PartitionerExe != "" {
		indexes, err = customIndexes(ctx, g.PartitionerExe, g.NumReducers, records, src)
		if err != nil {
			return err
		}
	} else {
		indexes = make([]int, len(records))
		for i, key := range keys {
			indexes[i] = PartitionKey(key, g.NumReducers)
		}
	}

	outBufs := make([]*bufio.Writer, len(outPaths))
	for i, p := range outPaths {
		f, err := os.OpenFile(p, os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open partition file %s: %v", p, err)
		}
		defer f.Close()
		outBufs[i] = bufio.NewWriter(f)
	}
	for i, rec := range records {
		w := outBufs[indexes[i]]
		if _, err := w.WriteString(rec); err != nil {
			return fmt.Errorf("append to partition: %v", err)
		}
		if err := w.WriteByte('\n'); err != nil {
			return fmt.Errorf("append to partition: %v", err)
		}
	}
	for i, w := range outBufs {
		if err := w.Flush(); err != nil {
			return fmt.Errorf("flush partition file %s: %v", outPaths[i], err)
		}
	}

	if g.Stats != nil {
		if err := g.Stats.AddBatch(filepath.Base(src), keys); err != nil {
			return err
		}
		if g.Verbose {
			n, _ := g.Stats.Unique(filepath.Base(src))
			log.Printf("[GROUP] %s unique_keys=%d", filepath.Base(src), n)
		}
	}
	return nil
}

// SortFile sorts the lines of path by byte-wise comparison and rewrites
// it in place. Sorting an already sorted file leaves it byte-identical.
func SortFile(path string) error {
	lines, err := readLines(path)
	if err != nil {
		return err
	}
	sort.Strings(lines)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("rewrite %s: %v", path, err)
	}
	w := bufio.NewWriter(f)
	for _, line := range lines {
		w.WriteString(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("rewrite %s: %v", path, err)
	}
	return f.Close()
}

// readLines returns the lines of path without their newlines.
func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %v", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %v", path, err)
	}
	return lines, nil
}
