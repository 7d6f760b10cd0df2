package tensorparallel

import (
	"strings"

	"github.com/gomlx/tensorparallel/distributed"
	"github.com/pkg/errors"
)

// Parameter is a named tensor owned by a module.
type Parameter struct {
	// Value is the parameter's tensor, local or distributed.
	Value *distributed.Tensor

	// RequiresGrad marks the parameter as trainable. Partitioning preserves
	// it; newly built parameters default to trainable iff they are floats.
	RequiresGrad bool
}

// NewParameter wraps a tensor as a parameter. Float parameters are trainable
// by default, integer and boolean ones are not.
func NewParameter(value *distributed.Tensor) *Parameter {
	return &Parameter{
		Value:        value,
		RequiresGrad: value.LocalTensor().IsFloat(),
	}
}

// ModuleKind is the coarse classification of a module, used by partition
// styles whose communication pattern depends on what the module computes.
type ModuleKind int

const (
	// KindGeneric is any module without a more specific kind.
	KindGeneric ModuleKind = iota
	// KindLinear is a dense projection: output = input @ weight^T + bias.
	KindLinear
	// KindEmbedding is a lookup table indexed by token ids.
	KindEmbedding
	// KindNorm is a normalization layer (LayerNorm, RMSNorm, ...).
	KindNorm
)

// String implements fmt.Stringer.
func (k ModuleKind) String() string {
	switch k {
	case KindLinear:
		return "Linear"
	case KindEmbedding:
		return "Embedding"
	case KindNorm:
		return "Norm"
	}
	return "Generic"
}

// HookFn is a communication hook bracketing a module's execution: pre-hooks
// adjust the inputs before the module runs, post-hooks adjust the outputs
// after. Hooks receive the module they are installed on and the rank's Comm.
type HookFn func(module *Module, comm *distributed.Comm, values []*distributed.Tensor) ([]*distributed.Tensor, error)

// ForwardFn is a module's computation, from inputs to outputs.
type ForwardFn func(module *Module, comm *distributed.Comm, inputs []*distributed.Tensor) ([]*distributed.Tensor, error)

// Module is a node of a model tree: it owns named parameters, named children
// and an optional forward function, and can be instrumented with
// communication hooks.
//
// Modules are not safe for concurrent mutation; the tree is typically built
// and partitioned once, then only executed.
type Module struct {
	name string
	kind ModuleKind

	children   map[string]*Module
	childOrder []string

	params     map[string]*Parameter
	paramOrder []string

	forward   ForwardFn
	preHooks  []HookFn
	postHooks []HookFn

	// hooked is set once a partition style instrumented the module, so a
	// module holding several sharded parameters is only instrumented once.
	hooked bool

	// detachedBias holds the bias a row-parallel pre-hook set aside, to be
	// re-added by the matching post-hook after the partial outputs are
	// reduced.
	detachedBias *Parameter
}

// NewModule creates an empty module of the given kind.
func NewModule(name string, kind ModuleKind) *Module {
	return &Module{
		name:     name,
		kind:     kind,
		children: make(map[string]*Module),
		params:   make(map[string]*Parameter),
	}
}

// Name of the module (the last segment of its path).
func (m *Module) Name() string { return m.name }

// Kind of the module.
func (m *Module) Kind() ModuleKind { return m.kind }

// AddChild attaches a child module, replacing any previous child of the same
// name, and returns the child for chaining.
func (m *Module) AddChild(child *Module) *Module {
	if _, found := m.children[child.name]; !found {
		m.childOrder = append(m.childOrder, child.name)
	}
	m.children[child.name] = child
	return child
}

// Child returns the direct child of the given name, or nil.
func (m *Module) Child(name string) *Module {
	return m.children[name]
}

// Submodule resolves a dot-separated path ("layers.3.mlp") down the tree. The
// empty path returns the module itself.
func (m *Module) Submodule(path string) (*Module, error) {
	if path == "" {
		return m, nil
	}
	current := m
	for _, segment := range strings.Split(path, ".") {
		next := current.children[segment]
		if next == nil {
			return nil, errors.Errorf("module %q has no child %q (resolving path %q)", current.name, segment, path)
		}
		current = next
	}
	return current, nil
}

// SetParameter sets (or replaces) the named parameter on this module.
func (m *Module) SetParameter(name string, param *Parameter) {
	if _, found := m.params[name]; !found {
		m.paramOrder = append(m.paramOrder, name)
	}
	m.params[name] = param
}

// Parameter returns the named parameter of this module, or nil.
func (m *Module) Parameter(name string) *Parameter {
	return m.params[name]
}

// removeParameter detaches the named parameter from the module and returns
// it, or nil if absent.
func (m *Module) removeParameter(name string) *Parameter {
	param, found := m.params[name]
	if !found {
		return nil
	}
	delete(m.params, name)
	for i, n := range m.paramOrder {
		if n == name {
			m.paramOrder = append(m.paramOrder[:i], m.paramOrder[i+1:]...)
			break
		}
	}
	return param
}

// SetForward sets the module's computation.
func (m *Module) SetForward(forward ForwardFn) {
	m.forward = forward
}

// RegisterForwardPreHook appends a hook run on the inputs before the module's
// forward function.
func (m *Module) RegisterForwardPreHook(hook HookFn) {
	m.preHooks = append(m.preHooks, hook)
}

// RegisterForwardHook appends a hook run on the outputs after the module's
// forward function.
func (m *Module) RegisterForwardHook(hook HookFn) {
	m.postHooks = append(m.postHooks, hook)
}

// Forward runs the module: pre-hooks, then the forward function, then
// post-hooks. Hooks run in registration order.
func (m *Module) Forward(comm *distributed.Comm, inputs ...*distributed.Tensor) ([]*distributed.Tensor, error) {
	if m.forward == nil {
		return nil, errors.Errorf("module %q has no forward function", m.name)
	}
	values := inputs
	var err error
	for _, hook := range m.preHooks {
		values, err = hook(m, comm, values)
		if err != nil {
			return nil, errors.WithMessagef(err, "pre-hook of module %q", m.name)
		}
	}
	values, err = m.forward(m, comm, values)
	if err != nil {
		return nil, errors.WithMessagef(err, "forward of module %q", m.name)
	}
	for _, hook := range m.postHooks {
		values, err = hook(m, comm, values)
		if err != nil {
			return nil, errors.WithMessagef(err, "post-hook of module %q", m.name)
		}
	}
	return values, nil
}

// ParameterNames returns the fully-qualified dotted names of every parameter
// in the tree rooted at this module, in deterministic (insertion) order. The
// root module's own name is not included in the paths.
func (m *Module) ParameterNames() []string {
	var names []string
	var walk func(prefix string, module *Module)
	walk = func(prefix string, module *Module) {
		for _, paramName := range module.paramOrder {
			names = append(names, prefix+paramName)
		}
		for _, childName := range module.childOrder {
			walk(prefix+childName+".", module.children[childName])
		}
	}
	walk("", m)
	return names
}

// Model is a module tree with its tensor-parallel plan.
type Model struct {
	*Module

	// Plan maps generic parameter names to partition style tags. A nil plan
	// leaves every parameter replicated.
	Plan Plan
}

// NewModel wraps a root module and its plan.
func NewModel(root *Module, plan Plan) *Model {
	return &Model{Module: root, Plan: plan}
}
