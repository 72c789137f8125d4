// Package builtin provides the file, search, shell, and PTY tools
// registered with every session.
package builtin

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// schemaFor derives a JSON-Schema for a tool argument struct. The
// reflector inlines definitions so providers receive a self-contained
// object schema.
func schemaFor(v any) json.RawMessage {
	reflector := jsonschema.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: false,
	}
	schema := reflector.Reflect(v)
	schema.Version = ""
	data, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return data
}
