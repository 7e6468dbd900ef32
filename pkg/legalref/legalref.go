// Package legalref defines the Legal Reference Validator capability the
// registry consults when artifact metadata declares legal references.
// Citation content validation itself is an external concern; the core only
// needs the validation contract and a table-backed implementation for tests
// and air-gapped deployments.
package legalref

import (
	"context"
	"sync"
)

// Reference is the validation result for a legal reference IRI.
type Reference struct {
	Valid   bool   `json:"valid"`
	Title   string `json:"title,omitempty"`
	Section string `json:"section,omitempty"`
}

// Validator is the legal reference validation capability.
type Validator interface {
	Validate(ctx context.Context, iri string) (Reference, error)
}

// StaticValidator validates against a fixed in-memory table. Unknown IRIs
// are invalid.
type StaticValidator struct {
	mu   sync.RWMutex
	refs map[string]Reference
}

// NewStaticValidator creates an empty validator.
func NewStaticValidator() *StaticValidator {
	return &StaticValidator{refs: make(map[string]Reference)}
}

// Register adds a known-valid reference.
func (v *StaticValidator) Register(iri, title, section string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.refs[iri] = Reference{Valid: true, Title: title, Section: section}
}

func (v *StaticValidator) Validate(ctx context.Context, iri string) (Reference, error) {
	if err := ctx.Err(); err != nil {
		return Reference{}, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	ref, ok := v.refs[iri]
	if !ok {
		return Reference{Valid: false}, nil
	}
	return ref, nil
}
