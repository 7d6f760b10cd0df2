package tensorparallel

import (
	"strings"

	"github.com/gomlx/tensorparallel/distributed"
)

// ConvertLocalToDistributed re-wraps a parameter sharded by one of the
// "local_*" styles with the placement that style implies, so it can be
// written to a checkpoint as a properly-described distributed tensor.
// Parameters of any other style (or with no rule) are returned unchanged, as
// are already-distributed ones.
func ConvertLocalToDistributed(param *distributed.Tensor, parameterName string, plan Plan,
	comm *distributed.Comm) *distributed.Tensor {
	if param.IsDistributed() {
		return param
	}
	styleTag, found := plan.Resolve(parameterName)
	if !found {
		return param
	}
	isBias := strings.HasSuffix(parameterName, "."+RoleBias)

	var placements []distributed.Placement
	switch styleTag {
	case StyleLocalPackedRowwise:
		placements = []distributed.Placement{distributed.Shard{Dim: -1}}
	case StyleLocalRowwise:
		if isBias {
			placements = []distributed.Placement{distributed.Replicate{}}
		} else {
			placements = []distributed.Placement{distributed.Shard{Dim: -1}}
		}
	case StyleLocalColwise:
		if isBias {
			placements = []distributed.Placement{distributed.Shard{Dim: -1}}
		} else {
			placements = []distributed.Placement{distributed.Shard{Dim: -2}}
		}
	default:
		return param
	}
	return comm.FromLocal(param.LocalTensor(), placements...)
}

// ReplaceStateDictLocals applies ConvertLocalToDistributed to every entry of
// a state dict, in place.
func ReplaceStateDictLocals(stateDict map[string]*distributed.Tensor, plan Plan,
	comm *distributed.Comm) {
	for name, param := range stateDict {
		stateDict[name] = ConvertLocalToDistributed(param, name, plan, comm)
	}
}
