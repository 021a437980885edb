package tools

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"
)

// Validate checks arguments against a capability's declared parameters:
// required fields must be present and non-empty, declared fields must have
// the declared primitive type. Undeclared fields are allowed.
func Validate(def Definition, args map[string]any) error {
	for _, name := range def.Parameters.Required {
		v, ok := args[name]
		if !ok || v == nil {
			return fmt.Errorf("%w: %s requires %q", ErrMalformedArguments, def.Name, name)
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			return fmt.Errorf("%w: %s requires non-empty %q", ErrMalformedArguments, def.Name, name)
		}
	}

	for name, prop := range def.Parameters.Properties {
		v, ok := args[name]
		if !ok || v == nil {
			continue
		}
		if !matchesType(prop.Type, v) {
			return fmt.Errorf("%w: %s argument %q must be %s, got %T", ErrMalformedArguments, def.Name, name, prop.Type, v)
		}
		if len(prop.Enum) > 0 {
			s, _ := v.(string)
			if !slices.Contains(prop.Enum, s) {
				return fmt.Errorf("%w: %s argument %q must be one of %v", ErrMalformedArguments, def.Name, name, prop.Enum)
			}
		}
	}
	return nil
}

func matchesType(want string, v any) bool {
	switch want {
	case "", "any":
		return true
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "number":
		switch v.(type) {
		case float64, float32, int, int64, json.Number:
			return true
		}
		return false
	case "integer":
		switch n := v.(type) {
		case int, int64:
			return true
		case float64:
			return n == math.Trunc(n)
		case json.Number:
			_, err := n.Int64()
			return err == nil
		}
		return false
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	default:
		return true
	}
}
