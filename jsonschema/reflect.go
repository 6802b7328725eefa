package jsonschema

import (
	"encoding/json"
	"fmt"

	invopop "github.com/invopop/jsonschema"
)

// For derives a schema from a Go struct type by reflection and compiles it.
// It returns both the compiled tree (for validation) and the raw schema
// document (for advertising in tool metadata). Struct tags understood by
// the reflector (json, jsonschema) shape the result.
//
// Reflection happens once at registration time; the returned Schema is
// reused for every validation.
func For[T any]() (*Schema, json.RawMessage, error) {
	reflector := &invopop.Reflector{
		// Inline everything so the compiled tree needs no $ref resolution.
		DoNotReference: true,
		ExpandedStruct: true,
	}
	doc := reflector.Reflect(new(T))

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal reflected schema: %w", err)
	}
	compiled, err := Parse(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("reflected schema did not compile: %w", err)
	}
	return compiled, raw, nil
}
