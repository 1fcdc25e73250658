package tool

import "math"

// Validate checks args against the schema and fails fast on the first
// problem. Nothing executes on a validation failure.
func (s Schema) Validate(kind Kind, args map[string]any) *Error {
	for _, req := range s.Required {
		if _, ok := args[req]; !ok {
			return failf(kind, FailureValidation, "missing required argument %q", req)
		}
	}
	for name, val := range args {
		prop, ok := s.Properties[name]
		if !ok {
			return failf(kind, FailureValidation, "unknown argument %q", name)
		}
		if !typeMatches(prop.Type, val) {
			return failf(kind, FailureValidation, "argument %q must be %s", name, prop.Type)
		}
		if len(prop.Enum) > 0 {
			if s, _ := val.(string); !containsString(prop.Enum, s) {
				return failf(kind, FailureValidation, "argument %q must be one of %v", name, prop.Enum)
			}
		}
	}
	return nil
}

// typeMatches accepts both native Go values and their JSON-decoded
// shapes (float64 for integers, []any for arrays).
func typeMatches(declared string, val any) bool {
	switch declared {
	case "string":
		_, ok := val.(string)
		return ok
	case "integer":
		switch v := val.(type) {
		case int, int64:
			return true
		case float64:
			return v == math.Trunc(v)
		default:
			return false
		}
	case "number":
		switch val.(type) {
		case int, int64, float64:
			return true
		default:
			return false
		}
	case "boolean":
		_, ok := val.(bool)
		return ok
	case "array":
		switch v := val.(type) {
		case []string:
			return true
		case []any:
			for _, item := range v {
				if _, ok := item.(string); !ok {
					return false
				}
			}
			return true
		default:
			return false
		}
	default:
		return false
	}
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
