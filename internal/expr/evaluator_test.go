package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateExpression_Arithmetic(t *testing.T) {
	e := New()
	v, err := e.EvaluateExpression("this.n * this.n", map[string]interface{}{
		"this": map[string]interface{}{"n": 5.0},
	})
	require.NoError(t, err)
	assert.Equal(t, 25.0, v)
}

func TestEvaluateExpression_Ternary(t *testing.T) {
	e := New()
	v, err := e.EvaluateExpression(`this.n > 3 ? "big" : "small"`, map[string]interface{}{
		"this": map[string]interface{}{"n": 10.0},
	})
	require.NoError(t, err)
	assert.Equal(t, "big", v)
}

func TestEvaluateExpression_ArrowFilter(t *testing.T) {
	e := New()
	v, err := e.EvaluateExpression(`input.filter(f=>!f.includes(".min."))`, map[string]interface{}{
		"input": []interface{}{"a.ts", "b.min.js", "c.ts"},
	})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a.ts", "c.ts"}, v)
}

func TestEvaluateExpression_UnboundIdentifierFails(t *testing.T) {
	e := New()
	_, err := e.EvaluateExpression("this.missing_thing", map[string]interface{}{
		"this": map[string]interface{}{},
	})
	// this.missing_thing is a property access on a bound object, not an
	// unbound identifier; it resolves to undefined (nil), not an error.
	require.NoError(t, err)

	_, err = e.EvaluateExpression("totally_unbound_var", map[string]interface{}{})
	require.Error(t, err)
	assert.True(t, IsUnboundReference(err))
}

func TestEvaluateExpression_RejectsAssignment(t *testing.T) {
	e := New()
	_, err := e.EvaluateExpression("this.n = 5", map[string]interface{}{
		"this": map[string]interface{}{"n": 1.0},
	})
	require.Error(t, err)
}

func TestEvaluateExpression_AllowsEqualsSignInsideStringLiteral(t *testing.T) {
	e := New()
	_, err := e.EvaluateExpression(`this.tag == "a=b"`, map[string]interface{}{
		"this": map[string]interface{}{"tag": "a=b"},
	})
	require.NoError(t, err)
}

func TestEvaluateExpression_RejectsNewAndEval(t *testing.T) {
	e := New()
	_, err := e.EvaluateExpression(`new Date()`, nil)
	require.Error(t, err)

	_, err = e.EvaluateExpression(`eval("1+1")`, nil)
	require.Error(t, err)
}

func TestSubstituteTemplate_MissingVarResolvesEmpty(t *testing.T) {
	e := New()
	out, err := e.SubstituteTemplate("Counter is {{ this.counter }}, missing is [{{ this.gone }}]", map[string]interface{}{
		"this": map[string]interface{}{"counter": 5.0},
	})
	require.NoError(t, err)
	assert.Equal(t, "Counter is 5, missing is []", out)
}

func TestSubstituteTemplate_LoopVars(t *testing.T) {
	e := New()
	out, err := e.SubstituteTemplate("{{ loop.item }}@{{ loop.index }}", map[string]interface{}{
		"loop": map[string]interface{}{"item": "a.ts", "index": 0.0},
	})
	require.NoError(t, err)
	assert.Equal(t, "a.ts@0", out)
}

func TestGetSetNestedValue(t *testing.T) {
	data := map[string]interface{}{
		"this": map[string]interface{}{"a": map[string]interface{}{"b": 1.0}},
	}
	v, ok := GetNestedValue(data, "this.a.b")
	require.True(t, ok)
	assert.Equal(t, 1.0, v)

	SetNestedValue(data, "this.a.c", 2.0)
	v, ok = GetNestedValue(data, "this.a.c")
	require.True(t, ok)
	assert.Equal(t, 2.0, v)
}
