// Package distance evaluates minimum inter-atomic distances over work ranges.
package distance

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/ChuLiYu/mindist/pkg/types"
)

func position(a types.Atom) r3.Vec {
	return r3.Vec{X: a.X, Y: a.Y, Z: a.Z}
}

// Between returns the Euclidean distance between two atoms.
func Between(a, b types.Atom) float64 {
	return r3.Norm(r3.Sub(position(a), position(b)))
}

// FullRange covers every range start of a model with the given atom count.
func FullRange(atoms int) types.WorkRange {
	return types.WorkRange{Start: 0, End: atoms - 1}
}

// MinDistance compares every atom in r against every atom with a higher
// index and returns the smallest non-zero distance found, or +Inf when the
// range yields no comparison.
//
// Atoms flagged as alternate positions directly following atom i are skipped
// until the first regular atom is reached, so duplicate conformers of the
// same atom never count as the minimum. Zero distances are discarded: the
// model resolution could not tell those two positions apart.
func MinDistance(model types.Model, r types.WorkRange) float64 {
	minDist := math.Inf(1)

	end := min(r.End, len(model)-1)
	for i := max(r.Start, 0); i <= end; i++ {
		a := position(model[i])
		altRun := true
		for j := i + 1; j < len(model); j++ {
			if altRun && model[j].Alt {
				continue
			}
			altRun = false

			d := r3.Norm(r3.Sub(a, position(model[j])))
			if d > 0 && d < minDist {
				minDist = d
			}
		}
	}

	return minDist
}

// StructureMinDistance is the minimum over all models of a structure, each
// evaluated in full.
func StructureMinDistance(models []types.Model) float64 {
	minDist := math.Inf(1)
	for _, m := range models {
		minDist = math.Min(minDist, MinDistance(m, FullRange(len(m))))
	}
	return minDist
}
