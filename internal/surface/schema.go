package surface

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Companion responses are produced by code injected into a page we do not
// control, so status payloads are validated before being trusted.

const chatStatusSchemaJSON = `{
  "type": "object",
  "required": ["stop_control_visible", "transcript_length"],
  "properties": {
    "stop_control_visible": {"type": "boolean"},
    "error_banner": {"type": "string"},
    "transcript_length": {"type": "integer", "minimum": 0},
    "quiet_ms": {"type": "integer", "minimum": 0},
    "input_ready": {"type": "boolean"}
  }
}`

const studioStatusSchemaJSON = `{
  "type": "object",
  "required": ["spinner_visible", "document_length"],
  "properties": {
    "spinner_visible": {"type": "boolean"},
    "alert_text": {"type": "string"},
    "document_length": {"type": "integer", "minimum": 0},
    "quiet_ms": {"type": "integer", "minimum": 0},
    "canvas_ready": {"type": "boolean"}
  }
}`

var (
	chatStatusSchema   = mustCompileSchema("chat-status.json", chatStatusSchemaJSON)
	studioStatusSchema = mustCompileSchema("studio-status.json", studioStatusSchemaJSON)
)

func mustCompileSchema(name, raw string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("surface: parse %s: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("surface: add %s: %v", name, err))
	}
	s, err := c.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("surface: compile %s: %v", name, err))
	}
	return s
}

// validateStatus checks raw companion status data against the adapter's
// schema before it is decoded into a typed struct.
func validateStatus(schema *jsonschema.Schema, data []byte) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return fmt.Errorf("status payload is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("status payload rejected: %w", err)
	}
	return nil
}
