package webhook

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const cloudEventSchemaURL = "https://altinn.no/schemas/cloudevent.json"

// cloudEventSchema accepts the subset of CloudEvents 1.0 the broker sends
const cloudEventSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "type"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "type": {"type": "string", "minLength": 1},
    "specversion": {"type": "string"},
    "source": {"type": "string"},
    "subject": {"type": "string"},
    "alternativesubject": {"type": "string"},
    "resource": {"type": "string"},
    "resourceinstance": {"type": "string"},
    "time": {"type": "string"},
    "datacontenttype": {"type": "string"}
  }
}`

func compileSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(cloudEventSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to parse cloud event schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(cloudEventSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("failed to add cloud event schema: %w", err)
	}
	schema, err := c.Compile(cloudEventSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile cloud event schema: %w", err)
	}
	return schema, nil
}

// validateBody checks that body is JSON shaped like a cloud event
func validateBody(schema *jsonschema.Schema, body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return err
	}
	return nil
}
