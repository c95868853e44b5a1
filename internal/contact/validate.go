package contact

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator holds the per-system, per-field validation predicates as
// compiled JSON Schemas. A field with no schema accepts everything; the
// predicates describe what the *target* system will reject, so the bridge
// can substitute placeholders before the remote API returns an error.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// DefaultSchemas mirrors the stock validation gap between the two systems:
// the CRM rejects malformed primary emails that the scheduler stores
// happily.
func DefaultSchemas() map[System]map[string]any {
	return map[System]map[string]any{
		SystemCRM: {
			"email": map[string]any{
				"type":   "string",
				"format": "email",
			},
		},
	}
}

// NewValidator compiles one schema per (system, native field) pair. The
// schema documents come from the YAML config and are therefore re-encoded
// through JSON before compilation.
func NewValidator(defs map[System]map[string]any) (*Validator, error) {
	if defs == nil {
		defs = DefaultSchemas()
	}
	v := &Validator{schemas: map[string]*jsonschema.Schema{}}
	for sys, fields := range defs {
		if !sys.Valid() {
			return nil, fmt.Errorf("field schema: unknown system %q", sys)
		}
		for field, def := range fields {
			encoded, err := json.Marshal(def)
			if err != nil {
				return nil, fmt.Errorf("field schema %s.%s: %w", sys, field, err)
			}
			doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
			if err != nil {
				return nil, fmt.Errorf("field schema %s.%s: %w", sys, field, err)
			}
			compiler := jsonschema.NewCompiler()
			compiler.AssertFormat()
			url := fmt.Sprintf("bridge://%s/%s.json", sys, field)
			if err := compiler.AddResource(url, doc); err != nil {
				return nil, fmt.Errorf("field schema %s.%s: %w", sys, field, err)
			}
			schema, err := compiler.Compile(url)
			if err != nil {
				return nil, fmt.Errorf("field schema %s.%s: %w", sys, field, err)
			}
			v.schemas[schemaKey(sys, field)] = schema
		}
	}
	return v, nil
}

// Validate checks value against the predicate for field on sys. Fields
// without a configured predicate always pass.
func (v *Validator) Validate(sys System, field, value string) error {
	if v == nil {
		return nil
	}
	schema, ok := v.schemas[schemaKey(sys, field)]
	if !ok {
		return nil
	}
	return schema.Validate(value)
}

// HasSchema reports whether a predicate is configured for field on sys.
func (v *Validator) HasSchema(sys System, field string) bool {
	if v == nil {
		return false
	}
	_, ok := v.schemas[schemaKey(sys, field)]
	return ok
}

func schemaKey(sys System, field string) string {
	return string(sys) + "." + field
}
