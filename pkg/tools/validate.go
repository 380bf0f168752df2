package tools

import (
	"fmt"
	"math"
)

// ValidateArgs checks args against a tool's declared input schema before
// execution: required fields must be present and provided fields must match
// their declared primitive type. Fields not named in the schema pass through
// untouched. Violations wrap ErrInvalidArguments.
func ValidateArgs(schema InputSchema, args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}

	for _, field := range schema.Required {
		if _, exists := args[field]; !exists {
			return fmt.Errorf("%w: missing required field %q", ErrInvalidArguments, field)
		}
	}

	if len(schema.Properties) == 0 {
		return nil
	}

	for key, value := range args {
		prop, ok := schema.Properties[key]
		if !ok || prop.Type == "" {
			continue
		}
		if err := validateType(value, prop.Type); err != nil {
			return fmt.Errorf("%w: field %q: %v", ErrInvalidArguments, key, err)
		}
	}

	return nil
}

func validateType(value any, expected string) error {
	switch expected {
	case "string":
		if _, ok := value.(string); ok {
			return nil
		}
	case "number":
		if isNumber(value) {
			return nil
		}
	case "integer":
		if isInteger(value) {
			return nil
		}
	case "boolean":
		if _, ok := value.(bool); ok {
			return nil
		}
	case "object":
		if _, ok := value.(map[string]any); ok {
			return nil
		}
	case "array":
		if _, ok := value.([]any); ok {
			return nil
		}
	case "null":
		if value == nil {
			return nil
		}
	default:
		return fmt.Errorf("unsupported schema type %q", expected)
	}
	return fmt.Errorf("expected %s but got %T", expected, value)
}

func isNumber(value any) bool {
	switch value.(type) {
	case float32, float64:
		return true
	case int, int8, int16, int32, int64:
		return true
	case uint, uint8, uint16, uint32, uint64:
		return true
	}
	return false
}

// isInteger accepts native integer kinds plus float64 values without a
// fractional part, since JSON unmarshaling delivers all numbers as float64.
func isInteger(value any) bool {
	switch v := value.(type) {
	case int, int8, int16, int32, int64:
		return true
	case uint, uint8, uint16, uint32, uint64:
		return true
	case float32:
		return math.Trunc(float64(v)) == float64(v)
	case float64:
		return math.Trunc(v) == v
	}
	return false
}
