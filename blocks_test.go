package tensorparallel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockSizes(t *testing.T) {
	sizes, err := BlockSizes(1024, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{512, 512}, sizes)

	_, err = BlockSizes(10, 3)
	require.ErrorContains(t, err, "not divisible")

	_, err = BlockSizes(10, 0)
	require.Error(t, err)
}

func TestProportionalBlockSizes(t *testing.T) {
	sizes, err := ProportionalBlockSizes(1024, []int{2, 1, 1})
	require.NoError(t, err)
	assert.Equal(t, []int{512, 256, 256}, sizes)

	// Total not divisible by the weight sum is a configuration error.
	_, err = ProportionalBlockSizes(1000, []int{3, 4})
	require.ErrorContains(t, err, "not divisible")

	_, err = ProportionalBlockSizes(1024, nil)
	require.Error(t, err)

	_, err = ProportionalBlockSizes(1024, []int{2, 0})
	require.Error(t, err)
}
