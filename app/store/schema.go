package store

import (
	"github.com/invopop/jsonschema"
)

//go:generate go run ./internal/schema ../../schema.json

// JSONSchema describes a persisted job. Only system fields are declared, anything else is allowed.
func (Job) JSONSchema() *jsonschema.Schema {
	props := jsonschema.NewProperties()
	props.Set(fieldID, &jsonschema.Schema{Type: "string", MinLength: ptr(uint64(1)),
		Description: "server-assigned identifier, immutable"})
	props.Set(fieldCreatedAt, &jsonschema.Schema{Type: "string", Format: "date-time",
		Description: "creation time, UTC with milliseconds"})
	props.Set(fieldUpdatedAt, &jsonschema.Schema{Type: "string", Format: "date-time",
		Description: "last update time, UTC with milliseconds"})

	return &jsonschema.Schema{
		Type:                 "object",
		Title:                "Job",
		Properties:           props,
		Required:             []string{fieldID, fieldCreatedAt, fieldUpdatedAt},
		AdditionalProperties: jsonschema.TrueSchema,
	}
}

// DocumentSchema returns JSON schema of the collection document, a top-level array of jobs
func DocumentSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Version:     jsonschema.Version,
		Title:       "Jobs collection",
		Description: "Jobs in insertion order",
		Type:        "array",
		Items:       Job{}.JSONSchema(),
	}
}

func ptr[T any](v T) *T { return &v }
