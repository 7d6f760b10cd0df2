package tensorparallel

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorparallel/types/mesh"
	"github.com/gomlx/tensorparallel/types/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func iotaTensor(t *testing.T, dims ...int) *tensors.Tensor {
	t.Helper()
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	flat := make([]float32, size)
	for i := range flat {
		flat[i] = float32(i)
	}
	return tensors.FromFlatDataAndDimensions(flat, dims...)
}

func TestTensorShard(t *testing.T) {
	m := must.M1(mesh.New1D("tp", 4))
	full := iotaTensor(t, 8, 3)

	// Concatenating every rank's shard reconstructs the original.
	var parts []*tensors.Tensor
	for rank := 0; rank < 4; rank++ {
		shard, err := TensorShard(full, full.Shape(), m, rank, 0)
		require.NoError(t, err)
		assert.Equal(t, []int{2, 3}, shard.Shape().Dimensions)
		parts = append(parts, shard)
	}
	reconstructed := must.M1(tensors.Concat(0, parts...))
	assert.True(t, full.Equal(reconstructed))

	// On a 2D tensor, dim 1 is an alias for the second-to-last axis and dim 2
	// for the last.
	fromAlias := must.M1(TensorShard(full, full.Shape(), m, 1, 1))
	fromNegative := must.M1(TensorShard(full, full.Shape(), m, 1, -2))
	assert.True(t, fromAlias.Equal(fromNegative))

	m2 := must.M1(mesh.New1D("tp", 3))
	lastAxis := must.M1(TensorShard(full, full.Shape(), m2, 2, -1))
	assert.Equal(t, []int{8, 1}, lastAxis.Shape().Dimensions)
	fromAlias = must.M1(TensorShard(full, full.Shape(), m2, 2, 2))
	assert.True(t, lastAxis.Equal(fromAlias))

	_, err := TensorShard(full, full.Shape(), m, 0, 3)
	require.ErrorContains(t, err, "unsupported dim")

	// 3 doesn't divide the axis extent of 8.
	_, err = TensorShard(full, full.Shape(), m2, 0, 0)
	require.ErrorContains(t, err, "not divisible")
}

func TestPackedShard(t *testing.T) {
	// Two logical blocks of 4 rows each, fused along axis 0.
	full := iotaTensor(t, 8, 2)
	m := must.M1(mesh.New1D("tp", 2))

	shard0 := must.M1(PackedShard(full, full.Shape(), m, 0, -2))
	shard1 := must.M1(PackedShard(full, full.Shape(), m, 1, -2))
	assert.Equal(t, []int{4, 2}, shard0.Shape().Dimensions)

	// Rank 0 owns the first half of each block: rows 0,1 (block 0) and 4,5
	// (block 1).
	assert.Equal(t, []float32{0, 1, 2, 3, 8, 9, 10, 11}, tensors.CopyFlatData[float32](shard0))
	assert.Equal(t, []float32{4, 5, 6, 7, 12, 13, 14, 15}, tensors.CopyFlatData[float32](shard1))

	// Block size 3 isn't divisible across 2 ranks.
	odd := iotaTensor(t, 6, 2)
	_, err := PackedShard(odd, odd.Shape(), m, 0, -2)
	require.ErrorContains(t, err, "not divisible")
}

func TestPackedShardFloat8(t *testing.T) {
	// The 8-bit float path goes through a Float16 upcast; small integers
	// survive both conversions exactly.
	m := must.M1(mesh.New1D("tp", 2))
	full := must.M1(iotaTensor(t, 4, 2).ConvertTo(dtypes.F8E4M3FN))

	shard := must.M1(PackedShard(full, full.Shape(), m, 1, -2))
	require.Equal(t, dtypes.F8E4M3FN, shard.DType())
	asFloat := must.M1(shard.ConvertTo(dtypes.Float32))
	assert.Equal(t, []float32{2, 3, 6, 7}, tensors.CopyFlatData[float32](asFloat))
}

func TestRepack(t *testing.T) {
	full := iotaTensor(t, 8, 2)
	m := must.M1(mesh.New1D("tp", 2))

	// A full-gather of the per-rank packed shards is in rank-major order;
	// Repack restores the canonical block-major order exactly.
	var parts []*tensors.Tensor
	for rank := 0; rank < 2; rank++ {
		parts = append(parts, must.M1(PackedShard(full, full.Shape(), m, rank, -2)))
	}
	gathered := must.M1(tensors.Concat(0, parts...))
	assert.False(t, full.Equal(gathered))

	repacked := must.M1(Repack(gathered, -2, 2, 2))
	assert.True(t, full.Equal(repacked))

	// Same round trip along the last axis.
	wide := iotaTensor(t, 2, 8)
	parts = parts[:0]
	for rank := 0; rank < 2; rank++ {
		parts = append(parts, must.M1(PackedShard(wide, wide.Shape(), m, rank, -1)))
	}
	gathered = must.M1(tensors.Concat(-1, parts...))
	repacked = must.M1(Repack(gathered, -1, 2, 2))
	assert.True(t, wide.Equal(repacked))

	_, err := Repack(gathered, -1, 2, 3)
	require.ErrorContains(t, err, "only supported")
	_, err = Repack(gathered, -1, 3, 2)
	require.ErrorContains(t, err, "not divisible")
}
