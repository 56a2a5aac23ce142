// Package partition splits the pairwise comparisons of a model into ranges of
// roughly equal work.
//
// Atom i is compared against every atom after it, so it contributes n-1-i
// comparisons. Slicing by atom count would give the first slices far more
// work than the last ones; instead each range takes an equal share of the
// comparisons still owed by the unassigned suffix.
package partition

import (
	"math"

	"github.com/ChuLiYu/mindist/pkg/types"
)

// gaussSum is the number of comparisons owed by a suffix of k range starts.
func gaussSum(k int) float64 {
	return float64(k) * float64(k+1) / 2
}

// inverseGaussSum returns the largest k with gaussSum(k) <= work.
func inverseGaussSum(work float64) int {
	return int(math.Floor((-1 + math.Sqrt(1+8*work)) / 2))
}

// Partition splits the range starts [0, atoms-2] of a model into at most
// workers ordered, disjoint ranges with balanced comparison counts. It
// returns fewer ranges than workers when there are fewer starts than workers,
// and nothing when the model has less than two atoms.
func Partition(atoms, workers int) []types.WorkRange {
	if atoms <= 1 || workers <= 0 {
		return nil
	}

	ranges := make([]types.WorkRange, 0, min(workers, atoms-1))
	remaining := atoms - 1
	for i := 0; i < workers && remaining > 0; i++ {
		owed := gaussSum(remaining)
		end := inverseGaussSum(owed - owed/float64(workers-i))

		// float rounding must never produce an empty range
		if end >= remaining {
			end = remaining - 1
		}
		if end < 0 {
			end = 0
		}

		ranges = append(ranges, types.WorkRange{
			Start: (atoms - 1) - remaining,
			End:   (atoms - 1) - end - 1,
		})
		remaining = end
	}

	return ranges
}

// Comparisons counts the atom pairs evaluated for r in a model of the given size.
func Comparisons(atoms int, r types.WorkRange) int64 {
	var total int64
	for i := max(r.Start, 0); i <= r.End && i < atoms; i++ {
		total += int64(atoms - 1 - i)
	}
	return total
}
