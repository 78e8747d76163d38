package state

import (
	"fmt"

	"github.com/loomhq/loomctl/internal/engine/errs"
	"github.com/loomhq/loomctl/internal/expr"
	"github.com/loomhq/loomctl/pkg/workflowtypes"
)

// Update applies an atomic batch of operations, spec §4.B. Either every op
// applies and the transitive closure of affected computed fields recomputes
// cleanly, or the whole batch is rejected and the Store is left byte-for-
// byte as it was (spec testable property 1). Implemented by operating on a
// deep copy of `state` and only committing it (and the recomputed
// `computed` map) after every op and every recomputation succeeds.
func (s *Store) Update(ops []workflowtypes.StateUpdateOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	working := deepCopyValue(s.state).(map[string]interface{})
	writtenPaths := make(map[string]bool, len(ops))

	for _, op := range ops {
		scope, rest, _, ok := SplitScopedPath(op.Path)
		if !ok {
			return &errs.StateWriteError{Path: op.Path, Reason: "no recognised scope prefix"}
		}
		if scope == ScopeInputs {
			return &errs.StateWriteError{Path: op.Path, Reason: "inputs are frozen"}
		}
		if scope == scopeLegacyComputed || scope == ScopeLoop {
			return &errs.StateWriteError{Path: op.Path, Reason: "computed and loop scopes are not writable"}
		}
		if scope != ScopeThis && scope != ScopeGlobal {
			return &errs.StateWriteError{Path: op.Path, Reason: "unknown scope"}
		}
		if s.graph.fields[firstSegment(rest)].Name != "" {
			return &errs.StateWriteError{Path: op.Path, Reason: fmt.Sprintf("%q is a computed field", firstSegment(rest))}
		}

		if err := applyOp(working, rest, op); err != nil {
			return &errs.StateWriteError{Path: op.Path, Reason: err.Error()}
		}
		writtenPaths[rest] = true
	}

	computedWorking := deepCopyValue(s.computed).(map[string]interface{})
	if err := s.recomputeInto(working, computedWorking, s.graph.dirtySet(writtenPaths)); err != nil {
		return err
	}

	s.state = working
	s.computed = computedWorking
	return nil
}

func applyOp(working map[string]interface{}, path string, op workflowtypes.StateUpdateOp) error {
	switch op.Operation {
	case "set", "":
		expr.SetNestedValue(working, path, op.Value)
		return nil
	case "increment", "decrement":
		current, _ := expr.GetNestedValue(working, path)
		cur := toFloat(current)
		delta := toFloat(op.Value)
		if op.Operation == "decrement" {
			delta = -delta
		}
		expr.SetNestedValue(working, path, cur+delta)
		return nil
	case "multiply":
		current, _ := expr.GetNestedValue(working, path)
		expr.SetNestedValue(working, path, toFloat(current)*toFloat(op.Value))
		return nil
	case "append":
		current, _ := expr.GetNestedValue(working, path)
		list, _ := current.([]interface{})
		list = append(list, op.Value)
		expr.SetNestedValue(working, path, list)
		return nil
	case "merge":
		current, _ := expr.GetNestedValue(working, path)
		base, _ := current.(map[string]interface{})
		if base == nil {
			base = make(map[string]interface{})
		}
		add, ok := op.Value.(map[string]interface{})
		if !ok {
			return fmt.Errorf("merge requires an object value")
		}
		merged := make(map[string]interface{}, len(base)+len(add))
		for k, v := range base {
			merged[k] = v
		}
		for k, v := range add {
			merged[k] = v
		}
		expr.SetNestedValue(working, path, merged)
		return nil
	default:
		return fmt.Errorf("unknown operation %q", op.Operation)
	}
}

func toFloat(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return 0
	}
}
