package webhook

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const payloadSchemaURL = "parcelsync://webhook/payload.json"

const payloadSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["tracking_number", "status"],
  "properties": {
    "tracking_number": {"type": "string", "minLength": 1, "maxLength": 64},
    "carrier":         {"type": "string", "maxLength": 64},
    "status":          {"type": "string", "minLength": 1},
    "location":        {"type": "string"},
    "description":     {"type": "string"},
    "timestamp":       {"type": "string"},
    "events": {
      "type": "array",
      "maxItems": 500,
      "items": {
        "type": "object",
        "properties": {
          "status":      {"type": "string"},
          "location":    {"type": "string"},
          "description": {"type": "string"},
          "timestamp":   {"type": "string"},
          "time":        {"type": "string"}
        }
      }
    }
  }
}`

func compilePayloadSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(payloadSchema))
	if err != nil {
		return nil, errors.Wrap(err, "decode payload schema")
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(payloadSchemaURL, doc); err != nil {
		return nil, errors.Wrap(err, "add payload schema")
	}
	sch, err := c.Compile(payloadSchemaURL)
	if err != nil {
		return nil, errors.Wrap(err, "compile payload schema")
	}
	return sch, nil
}
