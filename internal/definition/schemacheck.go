package definition

import (
	"context"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/xeipuuv/gojsonschema"

	"github.com/loomhq/loomctl/internal/engine/errs"
	"github.com/loomhq/loomctl/pkg/workflowtypes"
)

// ValidateDeclaredInputSchema structurally validates the declared input
// schema block itself (not a particular instance's values) by modelling
// each InputSpec as an openapi3.Schema and running its own self-validation.
// kin-openapi's Schema type otherwise has no home in a non-HTTP engine, but
// it is exactly the typed-parameter-list model spec §3's input schema
// needs, replacing the teacher's ad hoc map[string]interface{} walk
// (validator.go:validateType) with a real schema type.
func ValidateDeclaredInputSchema(inputs []workflowtypes.InputSpec) error {
	for _, in := range inputs {
		schema, err := inputSpecToOpenAPISchema(in)
		if err != nil {
			return &errs.InvalidWorkflowDefinition{Reason: fmt.Sprintf("input %q: %v", in.Name, err)}
		}
		if err := schema.Validate(context.Background()); err != nil {
			return &errs.InvalidWorkflowDefinition{Reason: fmt.Sprintf("input %q has an invalid schema: %v", in.Name, err)}
		}
	}
	return nil
}

func inputSpecToOpenAPISchema(in workflowtypes.InputSpec) (*openapi3.Schema, error) {
	schema := openapi3.NewSchema()
	switch in.Type {
	case workflowtypes.InputString, workflowtypes.InputChoice:
		schema.Type = &openapi3.Types{"string"}
	case workflowtypes.InputNumber:
		schema.Type = &openapi3.Types{"number"}
	case workflowtypes.InputBoolean:
		schema.Type = &openapi3.Types{"boolean"}
	case workflowtypes.InputObject:
		schema.Type = &openapi3.Types{"object"}
	case workflowtypes.InputArray:
		schema.Type = &openapi3.Types{"array"}
		schema.Items = openapi3.NewSchemaRef("", openapi3.NewSchema())
	default:
		return nil, fmt.Errorf("unsupported input type %q", in.Type)
	}
	return schema, nil
}

// ValidateSuppliedInputs validates a start-time inputs map against the
// declared input schema using gojsonschema, spec §4.B Initialise's
// InvalidInput contract. This supplements (does not replace) the Store's
// own per-field required/default/type handling in internal/state: the
// Store is the authority that actually applies defaults and freezes
// inputs, this is an upfront bulk check a caller (e.g. the MCP
// workflow.start handler) can run before calling Initialise to produce a
// single aggregated error instead of failing on the first bad field.
func ValidateSuppliedInputs(inputs []workflowtypes.InputSpec, supplied map[string]interface{}) error {
	document := map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
		"required":   []interface{}{},
	}
	properties := document["properties"].(map[string]interface{})
	var required []interface{}
	for _, in := range inputs {
		properties[in.Name] = map[string]interface{}{"type": jsonSchemaType(in.Type)}
		if in.Required {
			required = append(required, in.Name)
		}
	}
	document["required"] = required

	schemaLoader := gojsonschema.NewGoLoader(document)
	docLoader := gojsonschema.NewGoLoader(supplied)

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return &errs.InvalidInput{Reason: "schema validation failed", Err: err}
	}
	if !result.Valid() {
		msg := ""
		for i, e := range result.Errors() {
			if i > 0 {
				msg += "; "
			}
			msg += e.String()
		}
		return &errs.InvalidInput{Reason: msg}
	}
	return nil
}

func jsonSchemaType(t workflowtypes.InputType) string {
	switch t {
	case workflowtypes.InputNumber:
		return "number"
	case workflowtypes.InputBoolean:
		return "boolean"
	case workflowtypes.InputObject:
		return "object"
	case workflowtypes.InputArray:
		return "array"
	default:
		return "string"
	}
}
