package expr

import (
	"encoding/json"
	"strings"
)

// SubstituteTemplate implements spec §9's template-substitution contract:
// "text {{ expr }} text" is split into literal and expression segments and
// rendered at emission; missing variables resolve to the empty string
// (unlike EvaluateExpression's strict-mode identifier rejection); objects
// and arrays are JSON-stringified; nested "{{ }}" is not supported.
func (e *Evaluator) SubstituteTemplate(template string, scope map[string]interface{}) (string, error) {
	var out strings.Builder
	i := 0
	n := len(template)
	for i < n {
		start := strings.Index(template[i:], "{{")
		if start < 0 {
			out.WriteString(template[i:])
			break
		}
		start += i
		out.WriteString(template[i:start])

		end := strings.Index(template[start:], "}}")
		if end < 0 {
			// Unterminated placeholder: emit literally.
			out.WriteString(template[start:])
			break
		}
		end += start

		raw := strings.TrimSpace(template[start+2 : end])
		rendered, err := e.renderTemplateExpr(raw, scope)
		if err != nil {
			return "", err
		}
		out.WriteString(rendered)
		i = end + 2
	}
	return out.String(), nil
}

func (e *Evaluator) renderTemplateExpr(expression string, scope map[string]interface{}) (string, error) {
	value, err := e.EvaluateExpression(expression, scope)
	if err != nil {
		if IsUnboundReference(err) {
			return "", nil
		}
		return "", err
	}
	return stringifyTemplateValue(value), nil
}

func stringifyTemplateValue(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case map[string]interface{}, []interface{}:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}
