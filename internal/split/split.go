// Package split cuts input files into line-aligned byte ranges, one per
// map task.
package split

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"

	"pkg.jsn.cam/streamreduce/pkg/streamreduce"
)

// readBufferSize is the fixed read chunk size while scanning a source file.
const readBufferSize = 64 * 1024

// Plan expands inputPath into the ordered list of source files to split.
// A regular file is used directly. A directory contributes its regular
// files in name order; nested directories are skipped with a warning.
func Plan(inputPath string) ([]string, error) {
	info, err := os.Stat(inputPath)
	if err != nil {
		return nil, fmt.Errorf("%w: input path %s: %v", streamreduce.ErrConfiguration, inputPath, err)
	}
	if !info.IsDir() {
		return []string{inputPath}, nil
	}

	entries, err := os.ReadDir(inputPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read input dir %s: %v", streamreduce.ErrConfiguration, inputPath, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			log.Printf("[SPLIT] skipping nested directory %s", filepath.Join(inputPath, e.Name()))
			continue
		}
		files = append(files, filepath.Join(inputPath, e.Name()))
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no input files under %s", streamreduce.ErrConfiguration, inputPath)
	}
	sort.Strings(files)
	return files, nil
}

// File cuts src into part files under destDir, numbered from startIndex,
// and returns how many splits it wrote. No split exceeds maxSize unless a
// single line does, in which case that line forms its own oversized
// split. Every split ends at a newline, except the final bytes of a file
// with no trailing newline. An empty file produces zero splits.
func File(src, destDir string, startIndex int, maxSize int64) (int, error) {
	f, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open input %s: %v", src, err)
	}
	defer f.Close()

	index := startIndex
	emit := func(b []byte) error {
		path := filepath.Join(destDir, streamreduce.PartFilename(index))
		if err := os.WriteFile(path, b, 0o644); err != nil {
			return fmt.Errorf("write split %s: %v", path, err)
		}
		index++
		return nil
	}

	var buf []byte
	rbuf := make([]byte, readBufferSize)
	for {
		n, rerr := f.Read(rbuf)
		if n > 0 {
			buf = append(buf, rbuf[:n]...)
			for int64(len(buf)) >= maxSize {
				window := buf
				if int64(len(window)) > maxSize {
					window = buf[:maxSize]
				}
				cut := bytes.LastIndexByte(window, '\n')
				if cut < 0 {
					// The current line alone exceeds maxSize. Emit it
					// whole once its newline arrives; until then keep
					// accumulating.
					cut = bytes.IndexByte(buf, '\n')
					if cut < 0 {
						break
					}
				}
				if err := emit(buf[:cut+1]); err != nil {
					return index - startIndex, err
				}
				buf = buf[cut+1:]
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return index - startIndex, fmt.Errorf("read input %s: %v", src, rerr)
		}
	}

	if len(buf) > 0 {
		if err := emit(buf); err != nil {
			return index - startIndex, err
		}
	}
	return index - startIndex, nil
}
