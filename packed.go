package tensorparallel

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorparallel/types/mesh"
	"github.com/gomlx/tensorparallel/types/shapes"
	"github.com/gomlx/tensorparallel/types/tensors"
	"github.com/pkg/errors"
)

// packedBlocks is the number of logical blocks fused in a packed parameter.
// Only gate+up style fusions are supported.
const packedBlocks = 2

// PackedShard returns the rank's partition of a packed parameter along dim.
//
// A packed parameter fuses the weights of several logical projections
// (typically gate and up) along one axis. Sharding it contiguously would give
// each rank an unbalanced mix of the blocks, so instead each block is sharded
// independently and the rank's slices of every block are gathered into one
// tensor, preserving block order.
//
// Parameters in an 8-bit float format are converted to Float16 for the
// gather, then converted back.
func PackedShard(param *tensors.Tensor, template shapes.Shape, m *mesh.DeviceMesh, rank, dim int) (*tensors.Tensor, error) {
	axis, err := normalizeShardDim(dim)
	if err != nil {
		return nil, err
	}
	adjustedAxis, err := shapes.AdjustAxis(axis, template.Rank())
	if err != nil {
		return nil, errors.WithMessagef(err, "PackedShard of %s", template)
	}
	extent := template.Dimensions[adjustedAxis]
	blockSizes, err := BlockSizes(extent, packedBlocks)
	if err != nil {
		return nil, errors.WithMessagef(err, "PackedShard of %s along axis %d", template, dim)
	}
	worldSize := m.NumDevices()
	indices := make([]int, 0, extent/worldSize)
	blockOffset := 0
	for _, blockSize := range blockSizes {
		if blockSize%worldSize != 0 {
			return nil, errors.Errorf("cannot shard packed axis %d of %s: block size %d is not divisible by %d ranks",
				dim, template, blockSize, worldSize)
		}
		shardBlockSize := blockSize / worldSize
		start := blockOffset + rank*shardBlockSize
		for i := 0; i < shardBlockSize; i++ {
			indices = append(indices, start+i)
		}
		blockOffset += blockSize
	}

	originalDType := param.DType()
	gatherable := param
	if !tensors.IsGatherableDType(originalDType) {
		gatherable, err = param.ConvertTo(dtypes.Float16)
		if err != nil {
			return nil, errors.WithMessagef(err, "PackedShard of %s parameter", originalDType)
		}
	}
	shard, err := gatherable.IndexSelect(adjustedAxis, indices)
	if err != nil {
		return nil, err
	}
	if shard.DType() != originalDType {
		shard, err = shard.ConvertTo(originalDType)
		if err != nil {
			return nil, errors.WithMessagef(err, "PackedShard back to %s", originalDType)
		}
	}
	return shard, nil
}

// Repack reorders a gathered packed parameter back to its canonical block
// layout.
//
// All-gathering the per-rank packed shards produces, along the sharded axis,
// the layout [rank0-block0, rank0-block1, rank1-block0, ...]; the canonical
// layout is [block0-rank0, block0-rank1, ..., block1-rank0, ...]. Repack is
// the exact inverse of sharding every rank with PackedShard and concatenating
// the results.
func Repack(packed *tensors.Tensor, shardedDim, worldSize, numBlocks int) (*tensors.Tensor, error) {
	if numBlocks != packedBlocks {
		return nil, errors.Errorf("repacking is only supported for %d blocks (gate+up fusions), got %d",
			packedBlocks, numBlocks)
	}
	if worldSize <= 0 {
		return nil, errors.Errorf("world size must be > 0, got %d", worldSize)
	}
	axis, err := normalizeShardDim(shardedDim)
	if err != nil {
		return nil, err
	}
	adjustedAxis, err := shapes.AdjustAxis(axis, packed.Rank())
	if err != nil {
		return nil, errors.WithMessagef(err, "Repack of %s", packed.Shape())
	}
	dims := packed.Shape().Dimensions
	extent := dims[adjustedAxis]
	chunks := worldSize * numBlocks
	if extent%chunks != 0 {
		return nil, errors.Errorf("cannot repack axis %d of %s: %d is not divisible in %d x %d chunks",
			shardedDim, packed.Shape(), extent, worldSize, numBlocks)
	}
	chunkSize := extent / chunks

	outer := 1
	for _, dim := range dims[:adjustedAxis] {
		outer *= dim
	}
	innerBytes := packed.ElemSize()
	for _, dim := range dims[adjustedAxis+1:] {
		innerBytes *= dim
	}
	chunkBytes := chunkSize * innerBytes
	rowBytes := extent * innerBytes

	result := tensors.FromShape(packed.Shape().Clone())
	src := packed.Bytes()
	dst := result.Bytes()
	for o := 0; o < outer; o++ {
		for w := 0; w < worldSize; w++ {
			for b := 0; b < numBlocks; b++ {
				srcOffset := o*rowBytes + (w*numBlocks+b)*chunkBytes
				dstOffset := o*rowBytes + (b*worldSize+w)*chunkBytes
				copy(dst[dstOffset:dstOffset+chunkBytes], src[srcOffset:])
			}
		}
	}
	return result, nil
}
