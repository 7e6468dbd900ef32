// Package schema compiles and enforces JSON Schemas at the engine boundary.
// Validation enumerates every violated field, not just the first, so a
// caller can fix all problems in one pass.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/data-riot/policy-as-code/pkg/contracts"
)

// Schema is a compiled JSON Schema bound to a subject ("input" or "output").
type Schema struct {
	subject  string
	compiled *jsonschema.Schema
}

// Compile compiles a raw JSON Schema document. The subject names the side of
// the contract being enforced and appears in validation errors.
func Compile(subject string, raw []byte) (*Schema, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("schema: empty %s schema", subject)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("inline://%s.schema.json", subject)
	if err := c.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("schema: load %s schema: %w", subject, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema: compile %s schema: %w", subject, err)
	}

	return &Schema{subject: subject, compiled: compiled}, nil
}

// Validate checks doc against the schema. On failure it returns a
// *contracts.ValidationError listing every violated field.
func (s *Schema) Validate(doc any) error {
	normalized, err := normalize(doc)
	if err != nil {
		return &contracts.ValidationError{
			Subject:    s.subject,
			Violations: []contracts.FieldViolation{{Field: "$", Message: err.Error()}},
		}
	}

	err = s.compiled.Validate(normalized)
	if err == nil {
		return nil
	}

	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return &contracts.ValidationError{
			Subject:    s.subject,
			Violations: []contracts.FieldViolation{{Field: "$", Message: err.Error()}},
		}
	}

	violations := collectLeaves(ve, nil)
	if len(violations) == 0 {
		violations = []contracts.FieldViolation{{Field: instancePath(ve.InstanceLocation), Message: ve.Message}}
	}
	return &contracts.ValidationError{Subject: s.subject, Violations: violations}
}

// collectLeaves walks the cause tree and keeps only leaf violations; interior
// nodes repeat aggregate messages that would drown the useful ones.
func collectLeaves(ve *jsonschema.ValidationError, acc []contracts.FieldViolation) []contracts.FieldViolation {
	if len(ve.Causes) == 0 {
		return append(acc, contracts.FieldViolation{
			Field:   instancePath(ve.InstanceLocation),
			Message: ve.Message,
		})
	}
	for _, cause := range ve.Causes {
		acc = collectLeaves(cause, acc)
	}
	return acc
}

func instancePath(loc string) string {
	if loc == "" {
		return "$"
	}
	return "$" + strings.ReplaceAll(loc, "/", ".")
}

// normalize round-trips doc through JSON so struct inputs and typed numbers
// validate the same way decoded documents do.
func normalize(doc any) (any, error) {
	switch doc.(type) {
	case map[string]any, []any, string, float64, bool, nil:
		return doc, nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("document is not JSON-serializable: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return generic, nil
}
