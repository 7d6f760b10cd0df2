package tensorparallel

import (
	"github.com/gomlx/tensorparallel/types/mesh"
	"github.com/gomlx/tensorparallel/types/shapes"
	"github.com/gomlx/tensorparallel/types/tensors"
	"github.com/pkg/errors"
)

// normalizeShardDim maps the dim vocabulary of the partition styles to a
// concrete axis, negative counting from the end. Styles only ever shard the
// first or one of the two last axes: dim 1 is an alias for the
// second-to-last axis (weights are 2D in the common case, where they agree).
func normalizeShardDim(dim int) (int, error) {
	switch dim {
	case 0:
		return 0, nil
	case 1, -2:
		return -2, nil
	case 2, -1:
		return -1, nil
	}
	return 0, errors.Errorf("unsupported dim %d, only dim 0, 1 or 2 are supported", dim)
}

// TensorShard returns the rank's contiguous partition of the full parameter
// along dim. The extent of the sharded axis is taken from the template shape
// (the authoritative target shape), and must divide evenly by the mesh size.
func TensorShard(param *tensors.Tensor, template shapes.Shape, m *mesh.DeviceMesh, rank, dim int) (*tensors.Tensor, error) {
	axis, err := normalizeShardDim(dim)
	if err != nil {
		return nil, err
	}
	adjustedAxis, err := shapes.AdjustAxis(axis, template.Rank())
	if err != nil {
		return nil, errors.WithMessagef(err, "TensorShard of %s", template)
	}
	extent := template.Dimensions[adjustedAxis]
	worldSize := m.NumDevices()
	if extent%worldSize != 0 {
		return nil, errors.Errorf("cannot shard axis %d of %s across %d ranks: %d is not divisible",
			dim, template, worldSize, extent)
	}
	shardSize := extent / worldSize
	return param.Slice(adjustedAxis, rank*shardSize, (rank+1)*shardSize)
}
