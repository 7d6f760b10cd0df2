package tensorparallel

import "github.com/pkg/errors"

// BlockSizes splits totalSize into numBlocks equal block sizes.
//
// totalSize must be divisible by numBlocks: a remainder means the packed
// parameter cannot hold equally-sized logical blocks, which is a
// configuration error.
func BlockSizes(totalSize, numBlocks int) ([]int, error) {
	if numBlocks <= 0 {
		return nil, errors.Errorf("number of blocks must be > 0, got %d", numBlocks)
	}
	if totalSize%numBlocks != 0 {
		return nil, errors.Errorf("prepacked size %d is not divisible by %d blocks", totalSize, numBlocks)
	}
	singleSize := totalSize / numBlocks
	sizes := make([]int, numBlocks)
	for i := range sizes {
		sizes[i] = singleSize
	}
	return sizes, nil
}

// ProportionalBlockSizes splits totalSize into blocks proportional to the
// given weights, preserving their order and exact ratios. For instance,
// weights [2, 1, 1] over a totalSize of 1024 return [512, 256, 256].
//
// totalSize must be divisible by the sum of the weights.
func ProportionalBlockSizes(totalSize int, weights []int) ([]int, error) {
	if len(weights) == 0 {
		return nil, errors.New("weights cannot be empty")
	}
	totalWeight := 0
	for i, w := range weights {
		if w <= 0 {
			return nil, errors.Errorf("block weights must be > 0, got %d at index %d", w, i)
		}
		totalWeight += w
	}
	if totalSize%totalWeight != 0 {
		return nil, errors.Errorf("cannot split %d in proportional blocks %v: not divisible by %d",
			totalSize, weights, totalWeight)
	}
	partSize := totalSize / totalWeight
	sizes := make([]int, len(weights))
	for i, w := range weights {
		sizes[i] = partSize * w
	}
	return sizes, nil
}
