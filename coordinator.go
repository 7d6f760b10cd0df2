package tensorparallel

import (
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorparallel/distributed"
	"github.com/gomlx/tensorparallel/types/shapes"
	"github.com/gomlx/tensorparallel/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// installStyleHooks parses the tag and installs its hooks on the module. A
// style reporting ErrNotImplemented leaves the module unhooked with a
// warning; an unknown tag is a configuration error.
func installStyleHooks(module *Module, modulePath, styleTag string, comm *distributed.Comm) error {
	style, err := ParseStyle(styleTag)
	if err != nil {
		return err
	}
	if err = style.PrepareModule(module, comm); err != nil {
		if errors.Is(err, ErrNotImplemented) {
			klog.Warningf("cannot install %q hooks on module %q, leaving it unhooked: %v",
				styleTag, modulePath, err)
			return nil
		}
		return err
	}
	return nil
}

// AddTensorParallelHooks instruments the module at modulePath with the hooks
// of its style, and additionally instruments the module's parent when the
// parent's own generic name resolves in the plan (composite modules that must
// bracket communication around their children).
//
// Installation is idempotent: a module is only ever instrumented once,
// repeat calls (one per checkpoint shard file, typically) are no-ops.
// styleTag may be empty when the module itself has no rule but its parent
// might.
func AddTensorParallelHooks(model *Model, module *Module, modulePath, styleTag string,
	comm *distributed.Comm) error {
	if styleTag != "" && !module.hooked {
		module.hooked = true
		if err := installStyleHooks(module, modulePath, styleTag, comm); err != nil {
			return err
		}
	}

	if idx := strings.LastIndex(modulePath, "."); idx >= 0 {
		parentPath := modulePath[:idx]
		parentTag, found := model.Plan[GenericParameterName(parentPath)]
		if !found {
			return nil
		}
		parent, err := model.Submodule(parentPath)
		if err != nil {
			return errors.WithMessagef(err, "installing %q hooks on parent module", parentTag)
		}
		if !parent.hooked {
			parent.hooked = true
			if err := installStyleHooks(parent, parentPath, parentTag, comm); err != nil {
				return err
			}
		}
	}
	return nil
}

// castOnly is the unsharded fallback: the full parameter, cast to the target
// dtype, in local-only form.
func castOnly(param *tensors.Tensor, targetDType dtypes.DType) (*Parameter, error) {
	local := param.Clone()
	if targetDType != dtypes.InvalidDType && targetDType != param.DType() {
		var err error
		local, err = param.ConvertTo(targetDType)
		if err != nil {
			return nil, err
		}
	}
	return NewParameter(distributed.Local(local)), nil
}

// ShardAndDistributeModule materializes one parameter: it locates the owning
// module, installs the communication hooks (once per module), resolves the
// partition style for the parameter name and installs the partitioned (or
// cast-only) parameter onto the module by direct replacement.
//
// Called once per parameter, by every rank, over the same parameter list in
// the same order -- partitioning itself is rank-local, but installed hooks
// issue collectives at execution time and rely on that ordering.
//
// The template supplies the authoritative target shape; targetDType is the
// dtype parameters are cast to (dtypes.InvalidDType keeps each parameter's
// own).
func ShardAndDistributeModule(model *Model, param *tensors.Tensor, template shapes.Shape,
	parameterName string, targetDType dtypes.DType, contiguous bool, rank int,
	comm *distributed.Comm) (*Parameter, error) {
	idx := strings.LastIndex(parameterName, ".")
	if idx < 0 {
		return nil, errors.Errorf("parameter name %q must be a module path plus a role suffix", parameterName)
	}
	modulePath, role := parameterName[:idx], parameterName[idx+1:]
	module, err := model.Submodule(modulePath)
	if err != nil {
		return nil, errors.WithMessagef(err, "materializing parameter %q", parameterName)
	}

	styleTag, hasStyle := model.Plan.Resolve(parameterName)
	if err = AddTensorParallelHooks(model, module, modulePath, styleTag, comm); err != nil {
		return nil, err
	}

	var owned *Parameter
	if hasStyle {
		style, styleErr := ParseStyle(styleTag)
		if styleErr != nil {
			return nil, styleErr
		}
		owned, err = style.PartitionTensor(param, template, role, targetDType, contiguous, rank, comm)
		if err != nil {
			if !errors.Is(err, ErrNotImplemented) {
				return nil, errors.WithMessagef(err, "partitioning parameter %q with style %q",
					parameterName, styleTag)
			}
			klog.Warningf("style %q cannot partition parameter %q, keeping it unsharded: %v",
				styleTag, parameterName, err)
			owned = nil
		}
	}
	if owned == nil {
		owned, err = castOnly(param, targetDType)
		if err != nil {
			return nil, errors.WithMessagef(err, "materializing parameter %q", parameterName)
		}
	}

	module.SetParameter(role, owned)
	return owned, nil
}
