package toolexecutor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/xeipuuv/gojsonschema"
)

// ToolParameter declares one named parameter of a Raw tool
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

var validParameterTypes = map[string]bool{
	"string": true, "number": true, "boolean": true,
	"object": true, "array": true, "integer": true,
}

func validateParameters(params []ToolParameter) error {
	for _, param := range params {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if param.Type == "" {
			return fmt.Errorf("parameter type cannot be empty for %s", param.Name)
		}
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}
		if !validParameterTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
	}
	return nil
}

// schemaFromParameters builds a JSON Schema object from declared parameters.
// A nil list yields an open object schema that accepts any mapping.
func schemaFromParameters(params []ToolParameter) (map[string]any, error) {
	if params == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}, nil
	}
	if err := validateParameters(params); err != nil {
		return nil, err
	}

	properties := make(map[string]any, len(params))
	required := []string{}

	for _, param := range params {
		paramSchema := map[string]any{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schema := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema, nil
}

// schemaFor derives the JSON Schema of A and returns it as a plain map so it
// can be handed to any completion provider.
func schemaFor[A any]() (map[string]any, error) {
	derived, err := jsonschema.For[A](nil)
	if err != nil {
		return nil, fmt.Errorf("failed to derive schema: %w", err)
	}

	data, err := json.Marshal(derived)
	if err != nil {
		return nil, fmt.Errorf("failed to encode schema: %w", err)
	}

	var schema map[string]any
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("failed to decode schema: %w", err)
	}
	if schema["type"] != "object" {
		return nil, fmt.Errorf("tool arguments must be an object, got %v", schema["type"])
	}
	if _, ok := schema["properties"]; !ok {
		schema["properties"] = map[string]any{}
	}
	return schema, nil
}

func compileSchema(schema map[string]any) (*gojsonschema.Schema, error) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return compiled, nil
}

// validateArguments validates arguments against a compiled JSON Schema
func validateArguments(schema *gojsonschema.Schema, args map[string]any) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}

	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return fmt.Errorf("validation errors: %s", strings.Join(problems, "; "))
	}

	return nil
}

// coerce converts a raw argument mapping into A through its JSON encoding.
func coerce[A any](args map[string]any) (A, error) {
	var out A
	data, err := json.Marshal(args)
	if err != nil {
		return out, fmt.Errorf("failed to encode arguments: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("failed to decode arguments: %w", err)
	}
	return out, nil
}
