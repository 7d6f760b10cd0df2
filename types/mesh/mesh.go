// Package mesh defines DeviceMesh, the logical topology of the set of
// participant processes ("ranks") across which tensors are partitioned.
//
// Tensor parallelism only ever consults the mesh's cardinality: every
// partitioning decision is "this axis is split NumDevices() ways, and this
// rank owns partition #rank". The axes structure is kept so the same mesh
// value can describe combined data/model parallel topologies, and to compute
// the replica groups participating in a collective operation.
package mesh

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/tensorparallel/internal/utils"
	"github.com/pkg/errors"
)

// DeviceMesh defines the logical topology of a set of ranks.
type DeviceMesh struct {
	name string

	// axesNames are the names of the mesh axes.
	axesNames []string

	// axesSizes defines the number of ranks along each mesh axis.
	axesSizes []int

	// nameToAxis maps axis names to their index.
	nameToAxis map[string]int

	// numDevices is the total number of ranks in the mesh.
	numDevices int
}

// New creates a new logical topology of a set of ranks.
//
//   - name: the name of the mesh; it must be a valid identifier (letters,
//     digits and underscores, see utils.NormalizeIdentifier), since it is used
//     as a key in diagnostics.
//   - axesSizes: defines the number of ranks along each mesh axis, one value
//     per axis.
//   - axesNames: the names of the mesh axes, one value per axis. They must
//     also be valid identifiers.
func New(name string, axesSizes []int, axesNames []string) (*DeviceMesh, error) {
	if len(axesSizes) != len(axesNames) {
		return nil, errors.Errorf("axesSizes and axesNames must have the same length, got %d and %d",
			len(axesSizes), len(axesNames))
	}
	if len(axesSizes) == 0 {
		return nil, errors.New("DeviceMesh axesSizes cannot be empty")
	}

	if name != utils.NormalizeIdentifier(name) {
		return nil, errors.Errorf("DeviceMesh name %q is not a valid identifier, suggestion %q",
			name, utils.NormalizeIdentifier(name))
	}
	axesNames = slices.Clone(axesNames)
	for i, axisName := range axesNames {
		if axisName != utils.NormalizeIdentifier(axisName) {
			return nil, errors.Errorf("DeviceMesh axis name %q at index %d is not a valid identifier, suggestion %q",
				axisName, i, utils.NormalizeIdentifier(axisName))
		}
	}

	numDevices := 1
	nameToAxis := make(map[string]int, len(axesSizes))
	for i, axisName := range axesNames {
		if axisName == "" {
			return nil, errors.Errorf("DeviceMesh axis name at index %d cannot be empty", i)
		}
		if _, found := nameToAxis[axisName]; found {
			return nil, errors.Errorf("DeviceMesh axis name %q is duplicated", axisName)
		}
		if axesSizes[i] <= 0 {
			return nil, errors.Errorf("DeviceMesh axis %q must have size > 0, got %d", axisName, axesSizes[i])
		}
		nameToAxis[axisName] = i
		numDevices *= axesSizes[i]
	}

	return &DeviceMesh{
		name:       name,
		axesNames:  axesNames,
		axesSizes:  slices.Clone(axesSizes),
		nameToAxis: nameToAxis,
		numDevices: numDevices,
	}, nil
}

// New1D creates a mesh with a single axis of the given size -- the common
// shape of a pure tensor-parallel group.
func New1D(name string, size int) (*DeviceMesh, error) {
	return New(name, []int{size}, []string{name})
}

func (m *DeviceMesh) Name() string {
	return m.name
}

// NumDevices returns the total number of ranks in the mesh.
func (m *DeviceMesh) NumDevices() int {
	return m.numDevices
}

// Rank returns the number of axes in the mesh. Not to be confused with a
// participant's rank, which is an index in [0, NumDevices()).
func (m *DeviceMesh) Rank() int {
	return len(m.axesSizes)
}

// AxesNames returns a copy of the mesh's axis names.
func (m *DeviceMesh) AxesNames() []string {
	return slices.Clone(m.axesNames)
}

// AxesSizes returns a copy of the mesh's axes sizes.
func (m *DeviceMesh) AxesSizes() []int {
	return slices.Clone(m.axesSizes)
}

// AxisSize returns the number of ranks along the given mesh axis.
func (m *DeviceMesh) AxisSize(axisName string) (int, error) {
	idx, found := m.nameToAxis[axisName]
	if !found {
		return 0, errors.Errorf("mesh axis %q not found", axisName)
	}
	return m.axesSizes[idx], nil
}

// String implements the fmt.Stringer interface.
func (m *DeviceMesh) String() string {
	var sb strings.Builder
	sb.WriteString("DeviceMesh(axesSizes={")
	for i, name := range m.axesNames {
		if i > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "%s: %d", name, m.axesSizes[i])
	}
	sb.WriteString("})")
	return sb.String()
}

// ComputeReplicaGroups returns the groups of ranks participating together in
// a collective (distributed) operation given the mesh axes along which the
// operation is performed.
//
// Each replica group (a []int) includes the ranks for the axes specified.
// The other axes will be split into different replica groups.
//
// Example:
//
//	m, _ := mesh.New("mesh", []int{2, 2}, []string{"batch", "model"})
//	batchGroups, _ := m.ComputeReplicaGroups([]string{"batch"})  // -> [][]int{{0, 2}, {1, 3}}
//	modelGroups, _ := m.ComputeReplicaGroups([]string{"model"})  // -> [][]int{{0, 1}, {2, 3}}
//	globalGroups, _ := m.ComputeReplicaGroups([]string{"batch", "model"})  // -> [][]int{{0, 1, 2, 3}}
func (m *DeviceMesh) ComputeReplicaGroups(axes []string) ([][]int, error) {
	axisIndices := make([]int, 0, len(axes))
	axisSet := utils.MakeSet[int](len(axes))
	for _, axis := range axes {
		idx, found := m.nameToAxis[axis]
		if !found {
			return nil, errors.Errorf("axis %q not found in mesh", axis)
		}
		if axisSet.Has(idx) {
			return nil, errors.Errorf("axis %q is duplicated: each axis can only appear once", axis)
		}
		axisIndices = append(axisIndices, idx)
		axisSet.Insert(idx)
	}

	nonAxisIndices := make([]int, 0, len(m.axesSizes)-len(axisIndices))
	for i := range m.axesSizes {
		if !slices.Contains(axisIndices, i) {
			nonAxisIndices = append(nonAxisIndices, i)
		}
	}

	groupSize := 1
	for _, idx := range axisIndices {
		groupSize *= m.axesSizes[idx]
	}
	numGroups := m.numDevices / groupSize

	groups := make([][]int, numGroups)
	for i := range groups {
		groups[i] = make([]int, groupSize)
	}

	for flatIdx := 0; flatIdx < m.numDevices; flatIdx++ {
		// Convert flat rank to per-axis indices.
		indices := make([]int, len(m.axesSizes))
		remaining := flatIdx
		for i := len(m.axesSizes) - 1; i >= 0; i-- {
			indices[i] = remaining % m.axesSizes[i]
			remaining /= m.axesSizes[i]
		}

		// Group index comes from the non-participating axes.
		groupIdx := 0
		multiplier := 1
		for i := len(nonAxisIndices) - 1; i >= 0; i-- {
			axisIdx := nonAxisIndices[i]
			groupIdx += indices[axisIdx] * multiplier
			multiplier *= m.axesSizes[axisIdx]
		}

		// Position within the group comes from the participating axes.
		posInGroup := 0
		multiplier = 1
		for i := len(axisIndices) - 1; i >= 0; i-- {
			axisIdx := axisIndices[i]
			posInGroup += indices[axisIdx] * multiplier
			multiplier *= m.axesSizes[axisIdx]
		}

		groups[groupIdx][posInGroup] = flatIdx
	}

	return groups, nil
}
