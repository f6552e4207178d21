// Package schema implements the payload-shape validation collaborator
// spec.md treats as external ("out of scope... consumed, not
// reimplemented"). It is a direct retyping of OwlDB's jsondata package:
// same github.com/santhosh-tekuri/jsonschema/v5 compiler, generalized from
// validating a raw JSON document to validating an internal/value.Record.
package schema

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/owldb-live/resourcedb/internal/value"
)

// Schema wraps one compiled JSON Schema document.
type Schema struct {
	compiled *jsonschema.Schema
}

// Compile compiles raw JSON Schema bytes under the given resource name
// (used as the schema's resolution URL).
func Compile(name string, schemaJSON []byte) (*Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("schema: add resource %s: %w", name, err)
	}
	compiled, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("schema: compile %s: %w", name, err)
	}
	return &Schema{compiled: compiled}, nil
}

// Validate checks a record's JSON-ready shape against the compiled
// schema. A nil Schema (no schema configured for a resource) always
// validates successfully, matching jsondata.ValidateDocument's "empty
// schema" behavior.
func (s *Schema) Validate(rec value.Record) error {
	if s == nil || s.compiled == nil {
		return nil
	}
	if err := s.compiled.Validate(rec.ToJSON()); err != nil {
		return fmt.Errorf("schema: validation failed: %w", err)
	}
	return nil
}

// Registry holds one compiled schema per resource name.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*Schema)}
}

// Set installs (or replaces) the schema for a resource.
func (r *Registry) Set(resource string, sch *Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[resource] = sch
}

// Get returns the schema configured for a resource, or nil if none. A nil
// Registry (no schemas configured at all) behaves like an empty one.
func (r *Registry) Get(resource string) *Schema {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.schemas[resource]
}

// Validate validates a record against whatever schema (if any) is
// configured for its resource.
func (r *Registry) Validate(resource string, rec value.Record) error {
	return r.Get(resource).Validate(rec)
}
