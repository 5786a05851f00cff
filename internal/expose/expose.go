// Package expose describes command schemas to API clients: a JSON Schema for
// the logical value and a converter-style feature descriptor.
package expose

import (
	"binstatus-bridge/internal/zcl"
)

const draft2020 = "https://json-schema.org/draft/2020-12/schema"

// Access flags, as used by zigbee2mqtt expose descriptors.
const (
	AccessState = 0b001
	AccessSet   = 0b010
	AccessGet   = 0b100
)

// Feature is a zigbee2mqtt-style expose descriptor.
type Feature struct {
	Type        string    `json:"type"`
	Name        string    `json:"name"`
	Property    string    `json:"property"`
	Access      int       `json:"access"`
	Description string    `json:"description,omitempty"`
	Unit        string    `json:"unit,omitempty"`
	Features    []Feature `json:"features,omitempty"`
}

// Describe returns the composite feature for schema: one numeric feature per
// field, settable only.
func Describe(schema zcl.CommandSchema) Feature {
	f := Feature{
		Type:        "composite",
		Name:        schema.ExposeKey(),
		Property:    schema.ExposeKey(),
		Access:      AccessSet,
		Description: schema.Description,
	}
	for _, field := range schema.Fields {
		f.Features = append(f.Features, Feature{
			Type:     "numeric",
			Name:     field.Name,
			Property: field.Name,
			Access:   AccessSet,
			Unit:     "s",
		})
	}
	return f
}

// Document returns a JSON Schema for the logical value accepted by schema.
// Each field is Unix seconds or null; undeclared keys are allowed.
func Document(schema zcl.CommandSchema) map[string]any {
	props := make(map[string]any, len(schema.Fields))
	for _, f := range schema.Fields {
		props[f.Name] = map[string]any{
			"type":        []any{"integer", "null"},
			"description": "Unix seconds; null, or any time at or before 2000-01-01T00:00:00Z, means unset",
		}
	}
	doc := map[string]any{
		"$schema":              draft2020,
		"title":                schema.Name,
		"type":                 "object",
		"properties":           props,
		"additionalProperties": true,
	}
	if schema.Description != "" {
		doc["description"] = schema.Description
	}
	return doc
}
