package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loomctl/internal/expr"
	"github.com/loomhq/loomctl/pkg/workflowtypes"
)

func cascadingSchema() Schema {
	return Schema{
		DefaultState: map[string]interface{}{"n": 2.0},
		Computed: []workflowtypes.ComputedFieldSpec{
			{Name: "sq", From: []string{"this.n"}, Transform: "input*input"},
			{Name: "sqplus", From: []string{"this.sq"}, Transform: "input+1"},
		},
	}
}

func TestCascadingCompute(t *testing.T) {
	st, err := New(cascadingSchema(), expr.New())
	require.NoError(t, err)
	require.NoError(t, st.Initialise(nil))

	flat := st.Read()
	assert.Equal(t, 5.0, flat["sqplus"])

	require.NoError(t, st.Update([]workflowtypes.StateUpdateOp{
		{Path: "this.n", Operation: "set", Value: 5.0},
	}))

	flat = st.Read()
	assert.Equal(t, 25.0, flat["sq"])
	assert.Equal(t, 26.0, flat["sqplus"])
}

func TestInvalidWriteToComputedRejected(t *testing.T) {
	st, err := New(cascadingSchema(), expr.New())
	require.NoError(t, err)
	require.NoError(t, st.Initialise(nil))

	before := st.Read()["sq"]

	err = st.Update([]workflowtypes.StateUpdateOp{
		{Path: "computed.sq", Operation: "set", Value: 1.0},
	})
	require.Error(t, err)

	after := st.Read()["sq"]
	assert.Equal(t, before, after)
}

func TestWriteToInputsRejected(t *testing.T) {
	schema := Schema{
		Inputs: []workflowtypes.InputSpec{{Name: "x", Type: workflowtypes.InputNumber, Required: true}},
	}
	st, err := New(schema, expr.New())
	require.NoError(t, err)
	require.NoError(t, st.Initialise(map[string]interface{}{"x": 1.0}))

	err = st.Update([]workflowtypes.StateUpdateOp{{Path: "inputs.x", Operation: "set", Value: 2.0}})
	require.Error(t, err)
	assert.Equal(t, 1.0, st.Read()["x"])
}

func TestMissingRequiredInputFails(t *testing.T) {
	schema := Schema{
		Inputs: []workflowtypes.InputSpec{{Name: "x", Type: workflowtypes.InputNumber, Required: true}},
	}
	st, err := New(schema, expr.New())
	require.NoError(t, err)
	err = st.Initialise(map[string]interface{}{})
	require.Error(t, err)
}

func TestCyclicComputedRejectedAtLoad(t *testing.T) {
	schema := Schema{
		Computed: []workflowtypes.ComputedFieldSpec{
			{Name: "a", From: []string{"this.b"}, Transform: "input"},
			{Name: "b", From: []string{"this.a"}, Transform: "input"},
		},
	}
	_, err := New(schema, expr.New())
	require.Error(t, err)
}

func TestForeachWithComputedFilter(t *testing.T) {
	schema := Schema{
		Inputs: []workflowtypes.InputSpec{{Name: "files", Type: workflowtypes.InputArray, Required: true}},
		Computed: []workflowtypes.ComputedFieldSpec{
			{Name: "keep", From: []string{"inputs.files"}, Transform: `input.filter(f=>!f.includes(".min."))`},
		},
	}
	st, err := New(schema, expr.New())
	require.NoError(t, err)
	require.NoError(t, st.Initialise(map[string]interface{}{
		"files": []interface{}{"a.ts", "b.min.js", "c.ts"},
	}))

	keep := st.Read()["keep"]
	assert.Equal(t, []interface{}{"a.ts", "c.ts"}, keep)
}
