package distance

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/ChuLiYu/mindist/internal/partition"
	"github.com/ChuLiYu/mindist/pkg/types"
)

func atom(x, y, z float64, alt bool) types.Atom {
	return types.Atom{X: x, Y: y, Z: z, Alt: alt}
}

func TestMinDistance(t *testing.T) {
	tests := []struct {
		name  string
		model types.Model
		r     types.WorkRange
		want  float64
	}{
		{
			name:  "closest pair",
			model: types.Model{atom(0, 0, 0, false), atom(1, 0, 0, false), atom(5, 0, 0, false)},
			r:     types.WorkRange{Start: 0, End: 2},
			want:  1,
		},
		{
			name:  "alternate position skipped",
			model: types.Model{atom(0, 0, 0, false), atom(0, 0, 0, true), atom(3, 0, 0, false)},
			r:     types.WorkRange{Start: 0, End: 2},
			want:  3,
		},
		{
			name:  "zero distance discarded",
			model: types.Model{atom(1, 1, 1, false), atom(1, 1, 1, false), atom(1, 1, 3, false)},
			r:     types.WorkRange{Start: 0, End: 1},
			want:  2,
		},
		{
			name:  "alternate after regular atom is compared",
			model: types.Model{atom(0, 0, 0, false), atom(4, 0, 0, false), atom(0, 2, 0, true)},
			r:     types.WorkRange{Start: 0, End: 0},
			want:  2,
		},
		{
			name:  "range restricted to later atoms",
			model: types.Model{atom(0, 0, 0, false), atom(0.5, 0, 0, false), atom(10, 0, 0, false), atom(13, 4, 0, false)},
			r:     types.WorkRange{Start: 2, End: 2},
			want:  5,
		},
		{
			name:  "end past model is clamped",
			model: types.Model{atom(0, 0, 0, false), atom(0, 3, 4, false)},
			r:     FullRange(2),
			want:  5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, MinDistance(tt.model, tt.r), 1e-12)
		})
	}
}

func TestMinDistanceEmpty(t *testing.T) {
	assert.True(t, math.IsInf(MinDistance(nil, FullRange(0)), 1))
	assert.True(t, math.IsInf(MinDistance(types.Model{atom(1, 2, 3, false)}, FullRange(1)), 1))

	// only alternates of the same atom: nothing to compare
	model := types.Model{atom(0, 0, 0, false), atom(0, 0, 0, true), atom(0, 0, 0, true)}
	assert.True(t, math.IsInf(MinDistance(model, types.WorkRange{Start: 0, End: 0}), 1))
}

func TestBetween(t *testing.T) {
	assert.InDelta(t, 5.0, Between(atom(0, 0, 0, false), atom(3, 4, 0, false)), 1e-12)
	assert.InDelta(t, math.Sqrt(3), Between(atom(1, 1, 1, false), atom(2, 2, 2, true)), 1e-12)
}

func TestStructureMinDistance(t *testing.T) {
	models := []types.Model{
		{atom(0, 0, 0, false), atom(4, 0, 0, false)},
		{atom(0, 0, 0, false), atom(0, 1.5, 0, false), atom(9, 9, 9, false)},
		{atom(2, 2, 2, false)},
	}
	assert.InDelta(t, 1.5, StructureMinDistance(models), 1e-12)
	assert.True(t, math.IsInf(StructureMinDistance(nil), 1))
}

// Splitting a model with the partitioner and min-reducing the chunk results
// must give the same answer as evaluating the whole model at once.
func TestPartitionedMinMatchesWholeModel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(2, 120).Draw(t, "atoms")
		workers := rapid.IntRange(1, 12).Draw(t, "workers")

		model := make(types.Model, n)
		for i := range model {
			model[i] = types.Atom{
				X:   float64(rapid.IntRange(-50, 50).Draw(t, "x")),
				Y:   float64(rapid.IntRange(-50, 50).Draw(t, "y")),
				Z:   float64(rapid.IntRange(-50, 50).Draw(t, "z")),
				Alt: i > 0 && rapid.IntRange(0, 9).Draw(t, "alt") == 0,
			}
		}

		whole := MinDistance(model, FullRange(n))

		chunked := math.Inf(1)
		for _, r := range partition.Partition(n, workers) {
			chunked = math.Min(chunked, MinDistance(model, r))
		}

		require.Equal(t, whole, chunked)
	})
}

func BenchmarkMinDistance(b *testing.B) {
	model := make(types.Model, 2000)
	for i := range model {
		model[i] = atom(float64(i%37), float64(i%91), float64(i), false)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		MinDistance(model, FullRange(len(model)))
	}
}
