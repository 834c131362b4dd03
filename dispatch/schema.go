package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// SchemaFor reflects the JSON Schema of a tool's input struct.
func SchemaFor[T any]() map[string]interface{} {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var input T
	reflected := reflector.Reflect(input)
	schema := map[string]interface{}{
		"type":       "object",
		"properties": reflected.Properties,
	}
	if len(reflected.Required) > 0 {
		schema["required"] = reflected.Required
	}

	// Round-trip so providers receive plain maps instead of ordered maps.
	data, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("schema for %T: %v", input, err))
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("schema for %T: %v", input, err))
	}
	return out
}

// Decode unmarshals and validates a tool's arguments. T must be a struct.
func Decode[T any](raw json.RawMessage) (T, error) {
	var input T
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, &input); err != nil {
		return input, fmt.Errorf("invalid arguments: %w", err)
	}
	if err := validate.Struct(input); err != nil {
		return input, fmt.Errorf("invalid arguments: %w", err)
	}
	return input, nil
}
