package tensorparallel

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorparallel/distributed"
	"github.com/gomlx/tensorparallel/types/mesh"
	"github.com/gomlx/tensorparallel/types/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// runSPMD runs fn once per rank, each rank on its own goroutine.
func runSPMD(t *testing.T, comms []*distributed.Comm, fn func(comm *distributed.Comm) error) {
	t.Helper()
	var group errgroup.Group
	for _, comm := range comms {
		group.Go(func() error { return fn(comm) })
	}
	require.NoError(t, group.Wait())
}

// linearForward computes y = x @ W^T (+ bias when the module still holds
// one), on the module's local shards.
func linearForward(module *Module, comm *distributed.Comm, inputs []*distributed.Tensor) ([]*distributed.Tensor, error) {
	x := inputs[0].LocalTensor()
	w := module.Parameter(RoleWeight).Value.LocalTensor()
	batch, in := x.Shape().Dim(0), x.Shape().Dim(1)
	out := w.Shape().Dim(0)
	xv := tensors.CopyFlatData[float32](x)
	wv := tensors.CopyFlatData[float32](w)
	y := make([]float32, batch*out)
	for b := 0; b < batch; b++ {
		for o := 0; o < out; o++ {
			var sum float32
			for i := 0; i < in; i++ {
				sum += xv[b*in+i] * wv[o*in+i]
			}
			y[b*out+o] = sum
		}
	}
	if bias := module.Parameter(RoleBias); bias != nil {
		bv := tensors.CopyFlatData[float32](bias.Value.LocalTensor())
		for b := 0; b < batch; b++ {
			for o := 0; o < out; o++ {
				y[b*out+o] += bv[o]
			}
		}
	}
	return []*distributed.Tensor{distributed.Local(tensors.FromFlatDataAndDimensions(y, batch, out))}, nil
}

// buildMLP builds a 2-layer perceptron with the classic tensor-parallel plan:
// the up projection column-wise, the down projection row-wise.
func buildMLP() *Model {
	root := NewModule("mlp", KindGeneric)
	up := root.AddChild(NewModule("up", KindLinear))
	up.SetForward(linearForward)
	down := root.AddChild(NewModule("down", KindLinear))
	down.SetForward(linearForward)
	return NewModel(root, Plan{
		"up":   StyleColwise,
		"down": StyleRowwise,
	})
}

func TestShardedForwardMatchesUnsharded(t *testing.T) {
	w1 := tensors.FromFlatDataAndDimensions([]float32{
		1, 2,
		-1, 3,
		0.5, -2,
		4, 1,
	}, 4, 2)
	b1 := tensors.FromFlatDataAndDimensions([]float32{1, -1, 2, 0.5}, 4)
	w2 := tensors.FromFlatDataAndDimensions([]float32{
		1, -1, 2, 0,
		3, 1, -0.5, 2,
	}, 2, 4)
	b2 := tensors.FromFlatDataAndDimensions([]float32{-2, 1}, 2)
	x := tensors.FromFlatDataAndDimensions([]float32{1, 2, -1, 0.5}, 2, 2)

	// Unsharded reference, on a single "rank".
	reference := buildMLP()
	setParam := func(path, role string, value *tensors.Tensor) {
		must.M1(reference.Submodule(path)).SetParameter(role, NewParameter(distributed.Local(value)))
	}
	setParam("up", RoleWeight, w1)
	setParam("up", RoleBias, b1)
	setParam("down", RoleWeight, w2)
	setParam("down", RoleBias, b2)
	hidden := must.M1(must.M1(reference.Submodule("up")).Forward(nil, distributed.Local(x)))
	expected := must.M1(must.M1(reference.Submodule("down")).Forward(nil, hidden...))
	expectedFlat := tensors.CopyFlatData[float32](expected[0].LocalTensor())

	m := must.M1(mesh.New1D("tp", 2))
	comms := must.M1(distributed.NewLocalGroup(m))
	runSPMD(t, comms, func(comm *distributed.Comm) error {
		model := buildMLP()
		// Materialize every parameter in the same fixed order on every rank.
		for _, entry := range []struct {
			name  string
			value *tensors.Tensor
		}{
			{"up.weight", w1}, {"up.bias", b1},
			{"down.weight", w2}, {"down.bias", b2},
		} {
			_, err := ShardAndDistributeModule(model, entry.value, entry.value.Shape(),
				entry.name, dtypes.Float32, true, comm.Rank, comm)
			if err != nil {
				return err
			}
		}

		// Column-wise halves the output features, row-wise the input features.
		up := must.M1(model.Submodule("up"))
		assert.Equal(t, []int{2, 2}, up.Parameter(RoleWeight).Value.LocalTensor().Shape().Dimensions)
		assert.Equal(t, []int{2}, up.Parameter(RoleBias).Value.LocalTensor().Shape().Dimensions)
		down := must.M1(model.Submodule("down"))
		assert.Equal(t, []int{2, 2}, down.Parameter(RoleWeight).Value.LocalTensor().Shape().Dimensions)

		hidden, err := up.Forward(comm, distributed.Local(x.Clone()))
		if err != nil {
			return err
		}
		output, err := down.Forward(comm, hidden...)
		if err != nil {
			return err
		}
		got := tensors.CopyFlatData[float32](output[0].LocalTensor())
		// The bias is added exactly once, after the reduction: any per-rank
		// add would show up as an off-by-bias error here.
		assert.InDeltaSlice(t, expectedFlat, got, 1e-4)
		return nil
	})
}

func TestHookInstallationIdempotent(t *testing.T) {
	m := must.M1(mesh.New1D("tp", 2))
	comms := must.M1(distributed.NewLocalGroup(m))
	comm := comms[0]

	model := buildMLP()
	up := must.M1(model.Submodule("up"))
	require.NoError(t, AddTensorParallelHooks(model, up, "up", StyleColwise, comm))
	require.NoError(t, AddTensorParallelHooks(model, up, "up", StyleColwise, comm))
	assert.Len(t, up.preHooks, 1)
	assert.Len(t, up.postHooks, 1)

	// The coordinator path goes through the same flag.
	w1 := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6, 7, 8}, 4, 2)
	_, err := ShardAndDistributeModule(model, w1, w1.Shape(), "up.weight",
		dtypes.Float32, true, comm.Rank, comm)
	require.NoError(t, err)
	assert.Len(t, up.preHooks, 1)
	assert.Len(t, up.postHooks, 1)
}

func TestHookInstallationNotImplemented(t *testing.T) {
	m := must.M1(mesh.New1D("tp", 2))
	comms := must.M1(distributed.NewLocalGroup(m))
	comm := comms[0]

	// Row-wise hooks only support Linear and Embedding: a Norm module is
	// reported and left unhooked, not an error.
	root := NewModule("model", KindGeneric)
	norm := root.AddChild(NewModule("norm", KindNorm))
	model := NewModel(root, Plan{"norm": StyleRowwise})
	require.NoError(t, AddTensorParallelHooks(model, norm, "norm", StyleRowwise, comm))
	assert.Empty(t, norm.preHooks)
	assert.Empty(t, norm.postHooks)
	assert.True(t, norm.hooked)
}

func TestCoordinatorFallbacks(t *testing.T) {
	m := must.M1(mesh.New1D("tp", 2))
	comms := must.M1(distributed.NewLocalGroup(m))
	comm := comms[0]

	root := NewModule("model", KindGeneric)
	root.AddChild(NewModule("rotary", KindGeneric))
	root.AddChild(NewModule("sum_layer", KindGeneric))
	model := NewModel(root, Plan{"sum_layer": StyleGather})

	// No rule: the parameter is cast to the target dtype and left unsharded.
	table := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2)
	param, err := ShardAndDistributeModule(model, table, table.Shape(), "rotary.weight",
		dtypes.BFloat16, true, comm.Rank, comm)
	require.NoError(t, err)
	assert.False(t, param.Value.IsDistributed())
	assert.Equal(t, dtypes.BFloat16, param.Value.LocalTensor().DType())
	assert.Equal(t, []int{2, 2}, param.Value.LocalTensor().Shape().Dimensions)

	// Gather carries no parameters: partitioning falls back to cast-only,
	// but the hooks are still installed.
	sumLayer := must.M1(model.Submodule("sum_layer"))
	param, err = ShardAndDistributeModule(model, table, table.Shape(), "sum_layer.weight",
		dtypes.InvalidDType, true, comm.Rank, comm)
	require.NoError(t, err)
	assert.False(t, param.Value.IsDistributed())
	assert.Equal(t, dtypes.Float32, param.Value.LocalTensor().DType())
	assert.Len(t, sumLayer.preHooks, 1)
	assert.Len(t, sumLayer.postHooks, 1)

	// An unknown style tag is a configuration error.
	model.Plan["rotary"] = "diagonal"
	badModel := NewModel(NewModule("model", KindGeneric), model.Plan)
	badModel.AddChild(NewModule("rotary", KindGeneric))
	_, err = ShardAndDistributeModule(badModel, table, table.Shape(), "rotary.weight",
		dtypes.InvalidDType, true, comm.Rank, comm)
	require.ErrorContains(t, err, "unknown tensor-parallel style")

	// Parameter names must address a module plus a role.
	_, err = ShardAndDistributeModule(model, table, table.Shape(), "weight",
		dtypes.InvalidDType, true, comm.Rank, comm)
	require.Error(t, err)
}

func TestGatherStyleReducesOutput(t *testing.T) {
	m := must.M1(mesh.New1D("tp", 2))
	comms := must.M1(distributed.NewLocalGroup(m))

	runSPMD(t, comms, func(comm *distributed.Comm) error {
		root := NewModule("model", KindGeneric)
		expert := root.AddChild(NewModule("experts", KindGeneric))
		expert.SetForward(func(module *Module, c *distributed.Comm, inputs []*distributed.Tensor) ([]*distributed.Tensor, error) {
			// Each rank contributes its own partial expert output.
			local := tensors.FromFlatDataAndDimensions([]float32{float32(c.Rank + 1), 0}, 2)
			return []*distributed.Tensor{distributed.Local(local)}, nil
		})
		model := NewModel(root, Plan{"experts": StyleGather})
		if err := AddTensorParallelHooks(model, expert, "experts", StyleGather, comm); err != nil {
			return err
		}

		input := distributed.Local(tensors.FromFlatDataAndDimensions([]float32{0, 0}, 2))
		outputs, err := expert.Forward(comm, input)
		if err != nil {
			return err
		}
		assert.Equal(t, []float32{3, 0}, tensors.CopyFlatData[float32](outputs[0].LocalTensor()))
		return nil
	})
}

func TestRowwiseRepScattersReplicatedInput(t *testing.T) {
	m := must.M1(mesh.New1D("tp", 2))
	comms := must.M1(distributed.NewLocalGroup(m))

	w := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6, 7, 8}, 2, 4)
	b := tensors.FromFlatDataAndDimensions([]float32{0.5, -0.5}, 2)
	x := tensors.FromFlatDataAndDimensions([]float32{1, -1, 2, 0.5}, 1, 4)

	reference := NewModule("proj", KindLinear)
	reference.SetForward(linearForward)
	reference.SetParameter(RoleWeight, NewParameter(distributed.Local(w)))
	reference.SetParameter(RoleBias, NewParameter(distributed.Local(b)))
	expected := tensors.CopyFlatData[float32](
		must.M1(reference.Forward(nil, distributed.Local(x)))[0].LocalTensor())

	runSPMD(t, comms, func(comm *distributed.Comm) error {
		root := NewModule("model", KindGeneric)
		proj := root.AddChild(NewModule("proj", KindLinear))
		proj.SetForward(func(module *Module, c *distributed.Comm, inputs []*distributed.Tensor) ([]*distributed.Tensor, error) {
			// rowwise_rep assumes replicated inputs, but the hook must still
			// scatter them to this rank's slice of the contraction axis.
			assert.Equal(t, []int{1, 2}, inputs[0].LocalTensor().Shape().Dimensions)
			return linearForward(module, c, inputs)
		})
		model := NewModel(root, Plan{"proj": StyleRowwiseRep})

		for _, entry := range []struct {
			name  string
			value *tensors.Tensor
		}{{"proj.weight", w}, {"proj.bias", b}} {
			if _, err := ShardAndDistributeModule(model, entry.value, entry.value.Shape(),
				entry.name, dtypes.Float32, true, comm.Rank, comm); err != nil {
				return err
			}
		}

		outputs, err := proj.Forward(comm, distributed.Local(x.Clone()))
		if err != nil {
			return err
		}
		assert.InDeltaSlice(t, expected, tensors.CopyFlatData[float32](outputs[0].LocalTensor()), 1e-4)
		return nil
	})
}

func TestRowwiseBiasAddedToPrimaryOutputOnly(t *testing.T) {
	m := must.M1(mesh.New1D("tp", 1))
	comms := must.M1(distributed.NewLocalGroup(m))
	comm := comms[0]

	proj := NewModule("proj", KindLinear)
	proj.SetForward(func(module *Module, c *distributed.Comm, inputs []*distributed.Tensor) ([]*distributed.Tensor, error) {
		// Primary output plus an auxiliary one (e.g. router scores).
		return []*distributed.Tensor{
			distributed.Local(tensors.FromFlatDataAndDimensions([]float32{1, 2}, 1, 2)),
			distributed.Local(tensors.FromFlatDataAndDimensions([]float32{1, 2}, 1, 2)),
		}, nil
	})
	proj.SetParameter(RoleBias, NewParameter(comm.FromLocal(
		tensors.FromFlatDataAndDimensions([]float32{10, 20}, 2), distributed.Replicate{})))
	require.NoError(t, must.M1(ParseStyle(StyleRowwise)).PrepareModule(proj, comm))

	x := tensors.FromFlatDataAndDimensions([]float32{1, 2}, 1, 2)
	outputs := must.M1(proj.Forward(comm, distributed.Local(x)))
	require.Len(t, outputs, 2)
	assert.Equal(t, []float32{11, 22}, tensors.CopyFlatData[float32](outputs[0].LocalTensor()))
	assert.Equal(t, []float32{1, 2}, tensors.CopyFlatData[float32](outputs[1].LocalTensor()))
}

// recordingRuntime is a single-rank Runtime that records the async flag of
// every redistribution submitted to it.
type recordingRuntime struct {
	asyncs []bool
}

func (r *recordingRuntime) Redistribute(rank int, t *distributed.Tensor,
	placements []distributed.Placement, async bool) (*distributed.Tensor, error) {
	r.asyncs = append(r.asyncs, async)
	return distributed.FromLocal(t.LocalTensor(), t.Mesh(), placements...), nil
}

func (r *recordingRuntime) FullTensor(rank int, t *distributed.Tensor) (*tensors.Tensor, error) {
	return t.LocalTensor().Clone(), nil
}

func (r *recordingRuntime) AllReduceSum(rank int, local *tensors.Tensor) (*tensors.Tensor, error) {
	return local.Clone(), nil
}

func TestRedistributeSubmissionFlags(t *testing.T) {
	m := must.M1(mesh.New1D("tp", 1))
	rt := &recordingRuntime{}
	comm := must.M1(distributed.NewComm(m, 0, rt))

	localize := func(module *Module, c *distributed.Comm, inputs []*distributed.Tensor) ([]*distributed.Tensor, error) {
		out := make([]*distributed.Tensor, len(inputs))
		for i, v := range inputs {
			out[i] = distributed.Local(v.LocalTensor())
		}
		return out, nil
	}

	identity := func(module *Module, c *distributed.Comm, inputs []*distributed.Tensor) ([]*distributed.Tensor, error) {
		return inputs, nil
	}

	// Sequence-parallel scatters the input and gathers the output, both
	// submitted asynchronously.
	norm := NewModule("norm", KindNorm)
	norm.SetForward(identity)
	require.NoError(t, must.M1(ParseStyle(StyleSequenceParallel)).PrepareModule(norm, comm))
	_, err := norm.Forward(comm, distributed.Local(tensors.FromFlatDataAndDimensions([]float32{1, 2}, 1, 2, 1)))
	require.NoError(t, err)
	assert.Equal(t, []bool{true, true}, rt.asyncs)

	// The row-wise output reduction is submitted asynchronously too.
	rt.asyncs = nil
	proj := NewModule("proj", KindLinear)
	proj.SetForward(localize)
	require.NoError(t, must.M1(ParseStyle(StyleRowwise)).PrepareModule(proj, comm))
	_, err = proj.Forward(comm, comm.FromLocal(
		tensors.FromFlatDataAndDimensions([]float32{1, 2}, 1, 2), distributed.Shard{Dim: -1}))
	require.NoError(t, err)
	assert.Equal(t, []bool{true}, rt.asyncs)

	// Replicating a column-parallel output is synchronous.
	rt.asyncs = nil
	gate := NewModule("gate", KindLinear)
	gate.SetForward(localize)
	require.NoError(t, must.M1(ParseStyle(StyleColwiseRep)).PrepareModule(gate, comm))
	_, err = gate.Forward(comm, distributed.Local(tensors.FromFlatDataAndDimensions([]float32{1, 2}, 1, 2)))
	require.NoError(t, err)
	assert.Equal(t, []bool{false}, rt.asyncs)
}

func TestSequenceParallelRoundTrip(t *testing.T) {
	m := must.M1(mesh.New1D("tp", 2))
	comms := must.M1(distributed.NewLocalGroup(m))

	// (batch=1, seq=4, hidden=2), every rank starting from the same
	// replicated activations.
	full := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6, 7, 8}, 1, 4, 2)
	scale := tensors.FromFlatDataAndDimensions([]float32{1, 1}, 2)

	runSPMD(t, comms, func(comm *distributed.Comm) error {
		root := NewModule("model", KindGeneric)
		norm := root.AddChild(NewModule("norm", KindNorm))
		norm.SetForward(func(module *Module, c *distributed.Comm, inputs []*distributed.Tensor) ([]*distributed.Tensor, error) {
			// The pre-hook sharded the sequence axis across ranks.
			assert.Equal(t, []int{1, 2, 2}, inputs[0].LocalTensor().Shape().Dimensions)
			return inputs, nil
		})
		model := NewModel(root, Plan{"norm": StyleSequenceParallel})

		param, err := ShardAndDistributeModule(model, scale, scale.Shape(), "norm.weight",
			dtypes.Float32, true, comm.Rank, comm)
		if err != nil {
			return err
		}
		// The scale stays fully replicated.
		assert.Equal(t, []distributed.Placement{distributed.Replicate{}}, param.Value.Placements())

		outputs, err := norm.Forward(comm, distributed.Local(full.Clone()))
		if err != nil {
			return err
		}
		// Shard over the sequence axis and gather back: the identity.
		assert.True(t, full.Equal(outputs[0].LocalTensor()))
		return nil
	})
}
