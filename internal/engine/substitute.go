package engine

import "github.com/loomhq/loomctl/internal/expr"

// substituteDeep walks a params-shaped value (as decoded from YAML: maps,
// slices, and scalars) applying template substitution to every string,
// spec §6's "Params may contain {{ }} template expressions" contract.
func substituteDeep(ev *expr.Evaluator, v interface{}, scope map[string]interface{}) (interface{}, error) {
	switch t := v.(type) {
	case string:
		return ev.SubstituteTemplate(t, scope)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			rv, err := substituteDeep(ev, val, scope)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			rv, err := substituteDeep(ev, val, scope)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}
