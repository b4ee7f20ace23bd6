package registry

import "fmt"

// validateParams checks call arguments against the JSON-schema-shaped input
// schema. Only what the descriptors actually express is enforced: the
// required list and per-property primitive type tags. Anything richer is the
// platform's job to reject.
func validateParams(schema map[string]any, args map[string]any) []string {
	if schema == nil {
		return nil
	}
	var problems []string

	if required, ok := schema["required"].([]any); ok {
		for _, f := range required {
			name, ok := f.(string)
			if !ok {
				continue
			}
			if _, present := args[name]; !present {
				problems = append(problems, fmt.Sprintf("missing required field %q", name))
			}
		}
	}

	props, _ := schema["properties"].(map[string]any)
	for name, raw := range args {
		prop, ok := props[name].(map[string]any)
		if !ok {
			continue
		}
		want, ok := prop["type"].(string)
		if !ok {
			continue
		}
		if !typeMatches(raw, want) {
			problems = append(problems, fmt.Sprintf("field %q: want %s, got %T", name, want, raw))
		}
	}
	return problems
}

// typeMatches maps JSON schema primitive tags onto decoded Go values.
// Numbers arrive as float64 from encoding/json but as Go ints from native
// callers (queued payloads, tests); both are accepted.
func typeMatches(v any, want string) bool {
	if v == nil {
		return true
	}
	switch want {
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "integer":
		switch n := v.(type) {
		case int, int32, int64:
			return true
		case float64:
			return n == float64(int64(n))
		}
		return false
	case "number":
		switch v.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case "array":
		switch v.(type) {
		case []any, []string:
			return true
		}
		return false
	case "object":
		_, ok := v.(map[string]any)
		return ok
	}
	return true
}
