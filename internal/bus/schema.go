package bus

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Inbound payloads are validated against per-subject JSON Schemas
// before any handler runs, so malformed or ill-typed requests produce
// an error reply instead of a half-executed operation.
var subjectSchemas = map[string]string{
	SubjectAccountGet: `{
		"type": "object",
		"properties": {
			"account_id": {"type": "string", "minLength": 1},
			"include_children": {"type": "boolean"}
		},
		"required": ["account_id"]
	}`,
	SubjectAccountSync: `{
		"type": "object",
		"properties": {
			"account_ids": {"type": "array", "items": {"type": "string", "minLength": 1}, "minItems": 1},
			"include_children": {"type": "boolean"}
		},
		"required": ["account_ids"]
	}`,
	SubjectFaxUsageGet: `{
		"type": "object",
		"properties": {
			"account_id": {"type": "string", "minLength": 1},
			"start_date": {"type": "string", "minLength": 1},
			"end_date": {"type": "string", "minLength": 1}
		},
		"required": ["account_id", "start_date", "end_date"]
	}`,
	SubjectFaxUsageSync: `{
		"type": "object",
		"properties": {
			"account_ids": {"type": "array", "items": {"type": "string", "minLength": 1}, "minItems": 1},
			"start_date": {"type": "string", "minLength": 1},
			"end_date": {"type": "string", "minLength": 1}
		},
		"required": ["account_ids", "start_date", "end_date"]
	}`,
	SubjectPortingStatus: `{
		"type": "object",
		"properties": {
			"phone_number": {"type": "string", "minLength": 1},
			"phone_numbers": {"type": "array", "items": {"type": "string", "minLength": 1}, "minItems": 1}
		}
	}`,
	SubjectPortingUpdate: `{
		"type": "object",
		"properties": {
			"phone_number": {"type": "string", "minLength": 1},
			"status": {"type": "string", "minLength": 1},
			"notes": {"type": "string"},
			"completion_date": {"type": "string"}
		},
		"required": ["phone_number", "status"]
	}`,
	SubjectUsageAggregate: `{
		"type": "object",
		"properties": {
			"account_ids": {"type": "array", "items": {"type": "string", "minLength": 1}, "minItems": 1},
			"usage_type": {"type": "string", "minLength": 1},
			"start_date": {"type": "string", "minLength": 1},
			"end_date": {"type": "string", "minLength": 1}
		},
		"required": ["account_ids", "usage_type", "start_date", "end_date"]
	}`,
	SubjectHealthCheck: `{"type": "object"}`,
}

// compileSchemas parses every subject schema once at construction.
func compileSchemas() (map[string]*gojsonschema.Schema, error) {
	schemas := make(map[string]*gojsonschema.Schema, len(subjectSchemas))
	for subject, raw := range subjectSchemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", subject, err)
		}
		schemas[subject] = schema
	}
	return schemas, nil
}

// validatePayload checks data against schema, joining all violation
// messages into one error.
func validatePayload(schema *gojsonschema.Schema, data []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("invalid JSON in request")
	}
	if !result.Valid() {
		messages := make([]string, 0, len(result.Errors()))
		for _, violation := range result.Errors() {
			messages = append(messages, violation.Description())
		}
		return fmt.Errorf("%s", strings.Join(messages, "; "))
	}
	return nil
}
