// Package tensorparallel partitions the parameters of a model across the
// ranks of a device mesh and instruments the model's modules with the
// execution hooks that keep sharded and replicated tensors consistent during
// the forward pass.
//
// The tensor-parallel plan maps generic parameter names (numeric path
// segments replaced by "*") to partition style tags:
//
//	plan := tensorparallel.Plan{
//		"model.layers.*.self_attn.q_proj": "colwise",
//		"model.layers.*.self_attn.o_proj": "rowwise",
//		"model.layers.*.mlp.gate_up_proj": "local_packed_rowwise",
//		"model.norm":                      "sequence_parallel",
//	}
//
// During materialization, ShardAndDistributeModule is called once per
// parameter: it resolves the style for the parameter name, installs the
// style's communication hooks on the owning module (once per module), slices
// this rank's shard from the full tensor and stores it on the module. After
// all parameters are processed, VerifyPlan reports rules that matched nothing
// and layers that no rule matched.
//
// The collective operations themselves (all-reduce, all-gather,
// redistribution) live behind the distributed.Runtime interface; this package
// only decides which of them must bracket a module's execution.
package tensorparallel

import "github.com/pkg/errors"

// ErrNotImplemented is reported by a partition style that doesn't implement
// the requested operation: styles that carry no parameters don't implement
// partitioning, and some styles only know how to instrument specific module
// kinds.
//
// The shard coordinator recovers from it (the parameter falls back to its
// unsharded, cast-only form); everything else treats it as any other error.
var ErrNotImplemented = errors.New("not implemented")
