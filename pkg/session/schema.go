package session

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"
	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// GenerateJSONSchema produces a JSON Schema Draft 2020-12 document for the
// snapshot envelope from the Go types using invopop/jsonschema.
func GenerateJSONSchema() ([]byte, error) {
	r := new(jsonschema.Reflector)
	r.DoNotReference = false

	s := r.Reflect(&snapshotEnvelope{})
	s.ID = "https://github.com/ormasoftchile/piloteer/schemas/session-v1.json"
	s.Title = "Piloteer Session Snapshot v1"
	s.Description = "Schema for piloteer session snapshot payloads (Draft 2020-12)"

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return data, nil
}

var (
	schemaOnce sync.Once
	schemaVal  *sjsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*sjsonschema.Schema, error) {
	schemaOnce.Do(func() {
		raw, err := GenerateJSONSchema()
		if err != nil {
			schemaErr = err
			return
		}
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			schemaErr = fmt.Errorf("unmarshal schema: %w", err)
			return
		}
		c := sjsonschema.NewCompiler()
		if err := c.AddResource("session-v1.json", doc); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schemaVal, schemaErr = c.Compile("session-v1.json")
	})
	return schemaVal, schemaErr
}

// validateSnapshot checks decompressed snapshot JSON against the generated
// schema before the typed decode, so structural defects surface as
// CorruptionError with a location instead of a half-populated session.
func validateSnapshot(payload []byte) error {
	sch, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("snapshot schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return corrupt("invalid JSON payload", err)
	}
	if err := sch.Validate(doc); err != nil {
		return corrupt("schema violation", err)
	}
	return nil
}
