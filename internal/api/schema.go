package api

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// eventSchema validates the recording event envelope before any event
// reaches the service, so malformed producers fail loudly at the edge.
const eventSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["events"],
  "properties": {
    "events": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["type"],
        "properties": {
          "type": {
            "enum": [
              "session_start", "session_end", "session_update",
              "message_add", "message_update", "message_append",
              "heartbeat", "session_snapshot"
            ]
          },
          "session_id": {"type": "string"},
          "message_id": {"type": "string"},
          "role": {"enum": ["user", "assistant", "system"]},
          "content": {"type": "string"},
          "content_delta": {"type": "string"},
          "title": {"type": "string"},
          "model": {"type": "string"},
          "provider": {"type": "string"},
          "workspace_id": {"type": "string"},
          "workspace_path": {"type": "string"},
          "timestamp": {"type": "integer"},
          "is_complete": {"type": "boolean"}
        }
      }
    }
  }
}`

func compileEventSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(eventSchema))
	if err != nil {
		return nil, fmt.Errorf("parse event schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("recording-events.json", doc); err != nil {
		return nil, fmt.Errorf("register event schema: %w", err)
	}
	schema, err := compiler.Compile("recording-events.json")
	if err != nil {
		return nil, fmt.Errorf("compile event schema: %w", err)
	}
	return schema, nil
}

// validateEnvelope checks a raw request body against the event envelope
// schema.
func (s *Server) validateEnvelope(body []byte) error {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return s.schema.Validate(instance)
}
