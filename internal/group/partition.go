package group

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/spaolacci/murmur3"

	"pkg.jsn.cam/streamreduce/pkg/streamreduce"
)

// PartitionKey computes the destination partition for key: a murmur3
// hash modulo numReducers. The result is a pure function of the key,
// always in [0, numReducers).
func PartitionKey(key string, numReducers int) int {
	return int(murmur3.Sum32([]byte(key)) % uint32(numReducers))
}

// recordKey returns the key portion of a key<TAB>value record. ok is
// false for a line with no tab separator.
func recordKey(line string) (key string, ok bool) {
	key, _, ok = strings.Cut(line, "\t")
	return key, ok
}

// customIndexes runs the partitioner program over one file's records and
// returns one partition index per record. The program receives
// numReducers as its only argument, the records on stdin, and must emit
// exactly one base-10 integer in [0, numReducers) per record.
func customIndexes(ctx context.Context, exe string, numReducers int, records []string, srcName string) ([]int, error) {
	cmd := exec.CommandContext(ctx, exe, strconv.Itoa(numReducers))
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("partitioner stdin pipe: %v", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("partitioner stdout pipe: %v", err)
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: partitioner %s: %v", streamreduce.ErrExecution, exe, err)
	}

	// Feed records from a separate goroutine: writing all of stdin
	// inline could deadlock against a partitioner that fills the stdout
	// pipe buffer before reading everything.
	go func() {
		w := bufio.NewWriter(stdin)
		for _, rec := range records {
			w.WriteString(rec)
			w.WriteByte('\n')
		}
		w.Flush()
		stdin.Close()
	}()

	indexes := make([]int, 0, len(records))
	var invalid error
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		n, err := strconv.Atoi(text)
		if err != nil || n < 0 || n >= numReducers {
			invalid = fmt.Errorf("%w: partitioner %s emitted %q for %s, want integer in [0, %d)",
				streamreduce.ErrValidation, exe, text, srcName, numReducers)
			break
		}
		indexes = append(indexes, n)
	}
	if invalid != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, invalid
	}
	if err := scanner.Err(); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, fmt.Errorf("read partitioner output: %v", err)
	}
	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("%w: partitioner %s < %s: %v",
			streamreduce.ErrExecution, exe, srcName, err)
	}
	if len(indexes) != len(records) {
		return nil, fmt.Errorf("%w: partitioner %s emitted %d indexes for %d records in %s",
			streamreduce.ErrValidation, exe, len(indexes), len(records), srcName)
	}
	return indexes, nil
}
