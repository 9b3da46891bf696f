package tools

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// ReflectParameters derives a JSON Schema parameters object from an argument
// struct. Descriptions and required fields come from the struct tags.
func ReflectParameters(v any) map[string]any {
	reflector := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(v)

	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var params map[string]any
	if err := json.Unmarshal(data, &params); err != nil {
		return map[string]any{"type": "object"}
	}
	delete(params, "$schema")
	delete(params, "$id")
	return params
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func boolArg(args map[string]any, key string, fallback bool) bool {
	if b, ok := args[key].(bool); ok {
		return b
	}
	return fallback
}
