package planner

import (
	"errors"
	"fmt"

	"github.com/paulschiretz/pgl-runsync/pkg/pathscan"
)

var ErrInvalidBatchBounds = errors.New("max batch size must be greater than min batch size")

// Batch is a group of entries packed into one archive.
type Batch struct {
	Entries    []pathscan.Entry
	TotalBytes int64
}

// Paths returns the absolute paths of the batch members in order.
func (b Batch) Paths() []string {
	paths := make([]string, len(b.Entries))
	for i, e := range b.Entries {
		paths[i] = e.AbsPath
	}
	return paths
}

// PlanBatches partitions entries greedily in the given order. A batch is
// closed before the entry that would push it over maxBatchBytes; an entry
// larger than the bound ends up alone. When everything together stays below
// minBatchBytes no batch is returned, so small trailing data waits for the
// next pass.
func PlanBatches(entries []pathscan.Entry, minBatchBytes, maxBatchBytes int64) ([]Batch, error) {
	if maxBatchBytes <= minBatchBytes {
		return nil, fmt.Errorf("%w: min=%d max=%d", ErrInvalidBatchBounds, minBatchBytes, maxBatchBytes)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	var batches []Batch
	var current Batch
	var total int64
	for _, e := range entries {
		if current.TotalBytes+e.Size > maxBatchBytes && len(current.Entries) > 0 {
			batches = append(batches, current)
			current = Batch{}
		}
		current.Entries = append(current.Entries, e)
		current.TotalBytes += e.Size
		total += e.Size
	}
	batches = append(batches, current)

	if total < minBatchBytes {
		return nil, nil
	}
	return batches, nil
}
