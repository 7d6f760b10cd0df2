package tensorparallel

import (
	"regexp"
	"sort"
	"strings"

	"github.com/gomlx/tensorparallel/internal/utils"
	"k8s.io/klog/v2"
)

// Plan is the tensor-parallel plan of a model: it maps generic parameter
// names to partition style tags (see SupportedStyles).
//
// A generic name is the dot-separated parameter path with every run of digits
// replaced by "*", so one rule covers all layers of a repeated block:
// "model.layers.*.self_attn.q_proj.weight". A rule can also name the module
// instead of one of its parameters ("model.layers.*.self_attn.q_proj"), in
// which case it covers all the module's parameters.
//
// The plan is owned by the model and immutable during materialization.
type Plan map[string]string

var digitsRegexp = regexp.MustCompile(`\d+`)

// GenericParameterName replaces every run of digits in the parameter name
// with the "*" wildcard: "layers.3.mlp.weight" -> "layers.*.mlp.weight".
func GenericParameterName(parameterName string) string {
	return digitsRegexp.ReplaceAllString(parameterName, "*")
}

// Resolve returns the style tag for the given fully-qualified parameter name.
//
// The generic form of the name is looked up first; if absent, its parent (the
// name with the last segment stripped) is looked up as an exact key. There is
// no deeper prefix matching. Resolution is deterministic and side-effect
// free.
func (p Plan) Resolve(parameterName string) (styleTag string, found bool) {
	genericName := GenericParameterName(parameterName)
	if styleTag, found = p[genericName]; found {
		return
	}
	if idx := strings.LastIndex(genericName, "."); idx >= 0 {
		styleTag, found = p[genericName[:idx]]
	}
	return
}

// VerifyPlan audits the plan against the full set of expected parameter
// names: it returns the plan rules that matched no parameter ("unused rules")
// and the generic parameter names no rule matched ("unsharded layers"), both
// sorted.
//
// Non-empty results are logged as warnings. Verification is advisory only --
// an unmatched layer is simply left replicated -- so it never fails.
func VerifyPlan(expectedNames []string, plan Plan) (unusedRules, unshardedLayers []string) {
	if plan == nil {
		return nil, nil
	}

	genericNames := utils.MakeSet[string](len(expectedNames))
	for _, name := range expectedNames {
		genericNames.Insert(GenericParameterName(name))
	}

	unmatchedRules := utils.MakeSet[string](len(plan))
	for rule := range plan {
		unmatchedRules.Insert(rule)
	}
	unmatchedNames := utils.MakeSet[string](len(genericNames))
	for name := range genericNames {
		unmatchedNames.Insert(name)
	}

	for name := range genericNames {
		if _, found := plan[name]; found {
			delete(unmatchedRules, name)
			delete(unmatchedNames, name)
			continue
		}
		if idx := strings.LastIndex(name, "."); idx >= 0 {
			parent := name[:idx]
			if _, found := plan[parent]; found {
				delete(unmatchedRules, parent)
				delete(unmatchedNames, name)
			}
		}
	}

	unusedRules = unmatchedRules.Keys()
	sort.Strings(unusedRules)
	unshardedLayers = unmatchedNames.Keys()
	sort.Strings(unshardedLayers)

	if len(unusedRules) > 0 {
		klog.Warningf("tensor-parallel rules not applied to any layer: %s", strings.Join(unusedRules, ", "))
	}
	if len(unshardedLayers) > 0 {
		klog.Warningf("layers not sharded by the tensor-parallel plan: %s", strings.Join(unshardedLayers, ", "))
	}
	return
}
