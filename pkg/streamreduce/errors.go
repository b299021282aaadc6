package streamreduce

import "errors"

// Sentinel errors for the pipeline's failure taxonomy. Components wrap
// these with fmt.Errorf("%w: ...") so callers can match with errors.Is.
var (
	// ErrConfiguration covers conditions caught before any work begins:
	// an output directory that already exists, an input path with no
	// files, an invalid reducer count.
	ErrConfiguration = errors.New("configuration error")

	// ErrExecutable means a map, reduce, or partitioner program failed
	// its pre-flight executability check.
	ErrExecutable = errors.New("failed executable test")

	// ErrExecution means a program exited non-zero during a real task.
	ErrExecution = errors.New("command returned non-zero")

	// ErrValidation means malformed intermediate data: a record without
	// a tab separator, or a partitioner emitting a bad partition index.
	ErrValidation = errors.New("invalid intermediate data")
)
