package state

import (
	"github.com/loomhq/loomctl/internal/engine/errs"
	"github.com/loomhq/loomctl/internal/expr"
)

// recomputeAll runs every computed field in topological order against the
// current working tiers, used at Initialise and at checkpoint restore
// (spec §3 Checkpoint: computed "is rebuilt on resume").
func (s *Store) recomputeAll() error {
	computedWorking := make(map[string]interface{}, len(s.graph.fields))
	if err := s.recomputeInto(s.state, computedWorking, s.graph.topoOrder); err != nil {
		return err
	}
	s.computed = computedWorking
	return nil
}

// recomputeInto evaluates each named computed field (expected to already be
// in topological order) against rawState and the computed values already
// present in computedWorking, writing results into computedWorking. This is
// also used mid-batch (§4.B Update), operating on the working copies so a
// failure leaves the committed Store untouched.
func (s *Store) recomputeInto(rawState, computedWorking map[string]interface{}, fields []string) error {
	for _, name := range fields {
		field := s.graph.fields[name]

		values := make([]interface{}, 0, len(field.From))
		for _, src := range field.From {
			scope, rest, _, ok := SplitScopedPath(src)
			if !ok {
				return &errs.InvalidWorkflowDefinition{Reason: "computed source with invalid scope: " + src}
			}
			var v interface{}
			switch scope {
			case ScopeInputs:
				v, _ = expr.GetNestedValue(s.inputs, rest)
			default: // this, global, legacy state -> rawState; legacy computed handled at load
				if s.graph.fields[firstSegment(rest)].Name != "" {
					v = computedWorking[firstSegment(rest)]
				} else {
					v, _ = expr.GetNestedValue(rawState, rest)
				}
			}
			values = append(values, v)
		}

		var inputBinding interface{}
		if len(values) == 1 {
			inputBinding = values[0]
		} else {
			inputBinding = values
		}

		result, err := s.evaluator.EvaluateExpression(field.Transform, map[string]interface{}{
			"input":  inputBinding,
			"this":   rawState,
			"global": rawState,
			"inputs": s.inputs,
		})
		if err != nil {
			switch field.OnError {
			case "use_fallback":
				computedWorking[name] = field.Fallback
				continue
			case "ignore":
				if existing, ok := computedWorking[name]; ok {
					computedWorking[name] = existing
				}
				continue
			default: // propagate (the spec's default when unset in practice is also propagate-on-abort)
				return &errs.StateWriteError{Path: "computed." + name, Reason: "transform failed: " + err.Error()}
			}
		}
		computedWorking[name] = result
	}
	return nil
}
