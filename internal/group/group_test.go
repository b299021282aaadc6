package group

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"pkg.jsn.cam/streamreduce/pkg/streamreduce"
)

func TestPartitionKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		key         string
		numReducers int
	}{
		{"basic", "hello", 4},
		{"single partition", "world", 1},
		{"large partition count", "test", 100},
		{"empty key", "", 4},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p1 := PartitionKey(tt.key, tt.numReducers)
			p2 := PartitionKey(tt.key, tt.numReducers)
			if p1 != p2 {
				t.Errorf("PartitionKey not deterministic: got %d and %d for same key", p1, p2)
			}
			if p1 < 0 || p1 >= tt.numReducers {
				t.Errorf("PartitionKey(%q, %d) = %d, want value in [0, %d)",
					tt.key, tt.numReducers, p1, tt.numReducers)
			}
		})
	}
}

func TestPartitionKey_Distribution(t *testing.T) {
	t.Parallel()

	numReducers := 4
	partitions := make(map[int]int)
	keys := []string{"apple", "banana", "cherry", "date", "elderberry", "fig", "grape", "honeydew"}
	for _, key := range keys {
		partitions[PartitionKey(key, numReducers)]++
	}
	if len(partitions) < 2 {
		t.Errorf("PartitionKey put %d keys into only %d partitions, expected at least 2",
			len(keys), len(partitions))
	}
}

func writeMapOutput(t *testing.T, dir string, files ...string) string {
	t.Helper()
	mapOut := filepath.Join(dir, "map-output")
	if err := os.Mkdir(mapOut, 0o755); err != nil {
		t.Fatal(err)
	}
	for i, content := range files {
		path := filepath.Join(mapOut, streamreduce.PartFilename(i))
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return mapOut
}

func runGrouper(t *testing.T, g *Grouper, mapOut string) (string, error) {
	t.Helper()
	reduceIn := filepath.Join(filepath.Dir(mapOut), "reduce-input")
	if err := os.Mkdir(reduceIn, 0o755); err != nil {
		t.Fatal(err)
	}
	return reduceIn, g.Run(context.Background(), mapOut, reduceIn)
}

func TestGrouper_Hash(t *testing.T) {
	t.Parallel()

	mapOut := writeMapOutput(t, t.TempDir(),
		"apple\t1\nbanana\t1\napple\t1\n",
		"cherry\t1\nbanana\t1\n",
	)
	g := &Grouper{NumReducers: 4}
	reduceIn, err := runGrouper(t, g, mapOut)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	parts, err := streamreduce.PartFiles(reduceIn)
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) == 0 || len(parts) > 4 {
		t.Fatalf("got %d partition files, want between 1 and 4", len(parts))
	}

	keyPartition := make(map[string]string)
	var all []string
	for _, p := range parts {
		content, err := os.ReadFile(p)
		if err != nil {
			t.Fatal(err)
		}
		lines := strings.Split(strings.TrimSuffix(string(content), "\n"), "\n")
		if len(lines) == 0 {
			t.Errorf("empty partition file %s survived pruning", p)
		}
		if !sort.StringsAreSorted(lines) {
			t.Errorf("partition %s is not sorted: %q", p, lines)
		}
		for _, line := range lines {
			all = append(all, line)
			key, _, _ := strings.Cut(line, "\t")
			if prev, seen := keyPartition[key]; seen && prev != p {
				t.Errorf("key %q appears in both %s and %s", key, prev, p)
			}
			keyPartition[key] = p
		}
	}

	sort.Strings(all)
	want := []string{"apple\t1", "apple\t1", "banana\t1", "banana\t1", "cherry\t1"}
	if strings.Join(all, ",") != strings.Join(want, ",") {
		t.Errorf("all partitioned records = %v, want %v", all, want)
	}
}

func TestGrouper_NoTab(t *testing.T) {
	t.Parallel()

	mapOut := writeMapOutput(t, t.TempDir(), "apple\t1\nmalformed line\n")
	g := &Grouper{NumReducers: 4}
	_, err := runGrouper(t, g, mapOut)
	if !errors.Is(err, streamreduce.ErrValidation) {
		t.Fatalf("Run = %v, want ErrValidation", err)
	}
	if !strings.Contains(err.Error(), "malformed line") {
		t.Errorf("error %q does not identify the offending line", err)
	}
}

func writePartitioner(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "partition.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestGrouper_CustomPartitioner(t *testing.T) {
	t.Parallel()

	t.Run("constant zero routes everything to one partition", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		mapOut := writeMapOutput(t, dir, "b\t1\na\t1\n", "c\t1\n")
		exe := writePartitioner(t, dir, `awk '{ print 0 }'`)

		g := &Grouper{NumReducers: 4, PartitionerExe: exe}
		reduceIn, err := runGrouper(t, g, mapOut)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}

		parts, err := streamreduce.PartFiles(reduceIn)
		if err != nil {
			t.Fatal(err)
		}
		if len(parts) != 1 || filepath.Base(parts[0]) != "part-00000" {
			t.Fatalf("partition files = %v, want only part-00000", parts)
		}
		content, err := os.ReadFile(parts[0])
		if err != nil {
			t.Fatal(err)
		}
		if string(content) != "a\t1\nb\t1\nc\t1\n" {
			t.Errorf("part-00000 = %q, want sorted records", content)
		}
	})

	t.Run("receives the reducer count argument", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		mapOut := writeMapOutput(t, dir, "a\t1\n")
		// Route every record to the last partition.
		exe := writePartitioner(t, dir, `awk -v n="$1" '{ print n - 1 }'`)

		g := &Grouper{NumReducers: 3, PartitionerExe: exe}
		reduceIn, err := runGrouper(t, g, mapOut)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		parts, err := streamreduce.PartFiles(reduceIn)
		if err != nil {
			t.Fatal(err)
		}
		if len(parts) != 1 || filepath.Base(parts[0]) != "part-00002" {
			t.Errorf("partition files = %v, want only part-00002", parts)
		}
	})

	t.Run("non-integer output", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		mapOut := writeMapOutput(t, dir, "a\t1\n")
		exe := writePartitioner(t, dir, `awk '{ print "nope" }'`)

		g := &Grouper{NumReducers: 4, PartitionerExe: exe}
		if _, err := runGrouper(t, g, mapOut); !errors.Is(err, streamreduce.ErrValidation) {
			t.Errorf("Run = %v, want ErrValidation", err)
		}
	})

	t.Run("out of range output", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		mapOut := writeMapOutput(t, dir, "a\t1\n")
		exe := writePartitioner(t, dir, `awk '{ print 99 }'`)

		g := &Grouper{NumReducers: 4, PartitionerExe: exe}
		if _, err := runGrouper(t, g, mapOut); !errors.Is(err, streamreduce.ErrValidation) {
			t.Errorf("Run = %v, want ErrValidation", err)
		}
	})

	t.Run("missing output line", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		mapOut := writeMapOutput(t, dir, "a\t1\nb\t1\n")
		exe := writePartitioner(t, dir, `head -n 1 | awk '{ print 0 }'`)

		g := &Grouper{NumReducers: 4, PartitionerExe: exe}
		if _, err := runGrouper(t, g, mapOut); !errors.Is(err, streamreduce.ErrValidation) {
			t.Errorf("Run = %v, want ErrValidation", err)
		}
	})

	t.Run("nonzero exit", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		mapOut := writeMapOutput(t, dir, "a\t1\n")
		exe := writePartitioner(t, dir, `exit 2`)

		g := &Grouper{NumReducers: 4, PartitionerExe: exe}
		if _, err := runGrouper(t, g, mapOut); !errors.Is(err, streamreduce.ErrExecution) {
			t.Errorf("Run = %v, want ErrExecution", err)
		}
	})
}

func TestSortFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "part-00000")
	if err := os.WriteFile(path, []byte("b\t2\na\t1\nc\t3\na\t0\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := SortFile(path); err != nil {
		t.Fatalf("SortFile: %v", err)
	}
	sorted, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := "a\t0\na\t1\nb\t2\nc\t3\n"
	if string(sorted) != want {
		t.Fatalf("sorted = %q, want %q", sorted, want)
	}

	// Idempotent: sorting again is byte-identical.
	if err := SortFile(path); err != nil {
		t.Fatalf("SortFile (second): %v", err)
	}
	again, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(again) != want {
		t.Errorf("second sort = %q, want unchanged %q", again, want)
	}
}
