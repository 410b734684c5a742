package llm

import "encoding/json"

// Schema describes the JSON object a structured completion must produce.
type Schema struct {
	// Name identifies the schema to the provider (tool name, json_schema name).
	Name string

	// Description tells the model what the object represents.
	Description string

	// Definition is a JSON Schema object built with the helpers below.
	Definition map[string]interface{}
}

// MarshalJSON encodes the schema definition so it can be handed to providers as-is.
func (s Schema) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Definition)
}

// Properties returns the top-level property map of the definition.
func (s Schema) Properties() map[string]interface{} {
	props, _ := s.Definition["properties"].(map[string]interface{})
	return props
}

// Required returns the top-level required property names.
func (s Schema) Required() []string {
	required, _ := s.Definition["required"].([]string)
	return required
}

// ObjectSchema creates an object schema with the given properties.
func ObjectSchema(properties map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// StringProperty creates a string property with optional description.
func StringProperty(description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "string",
		"description": description,
	}
}

// StringEnumProperty creates a string property with allowed values.
func StringEnumProperty(description string, values ...string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "string",
		"description": description,
		"enum":        values,
	}
}

// ArrayProperty creates an array property with the given item type.
func ArrayProperty(description string, itemType map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"type":        "array",
		"description": description,
		"items":       itemType,
	}
}
