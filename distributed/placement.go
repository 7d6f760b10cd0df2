// Package distributed represents tensors that live across a DeviceMesh: a
// local shard paired with an explicit placement descriptor, plus the Runtime
// interface to the collective operations that move them around.
//
// The placement vocabulary follows the usual tensor-parallel trio:
//
//   - Replicate: every rank holds a full copy.
//   - Shard{Dim}: the axis Dim is split in disjoint contiguous partitions,
//     partition index = rank.
//   - Partial: every rank holds a same-shaped term of a sum that has not been
//     reduced yet -- the state of a row-parallel matmul output before its
//     all-reduce.
//
// The actual collectives (all-reduce, all-gather, reduce-scatter) are behind
// the Runtime interface; LocalGroup provides an in-process implementation
// where each rank runs on its own goroutine, used in tests.
package distributed

import "fmt"

// Placement describes how one tensor is distributed across one mesh axis.
type Placement interface {
	fmt.Stringer

	// isPlacement limits implementations to the fixed vocabulary of this
	// package.
	isPlacement()
}

// Replicate placement: the full tensor is present on every rank.
type Replicate struct{}

func (Replicate) isPlacement()   {}
func (Replicate) String() string { return "Replicate()" }

// Shard placement: tensor axis Dim is split into disjoint contiguous
// partitions, one per rank, in rank order. Dim may be negative, counting from
// the last axis.
type Shard struct {
	Dim int
}

func (Shard) isPlacement()     {}
func (s Shard) String() string { return fmt.Sprintf("Shard(%d)", s.Dim) }

// Partial placement: each rank holds one term of an element-wise sum still to
// be reduced.
type Partial struct{}

func (Partial) isPlacement()   {}
func (Partial) String() string { return "Partial()" }

// PlacementsEqual compares two placement lists.
func PlacementsEqual(a, b []Placement) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
