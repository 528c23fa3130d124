// Package schema validates document data against per-namespace JSON
// schemas.
package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/alimasry/go-camp/errs"
)

// ValidationError lists why data does not match its namespace schema.
type ValidationError struct {
	Namespace string   `json:"namespace"`
	Problems  []string `json:"problems"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("data invalid against schema %q: %s", e.Namespace, strings.Join(e.Problems, "; "))
}

// Validator holds one compiled schema per namespace. Namespaces without a
// schema accept any JSON value.
type Validator struct {
	schemas map[string]*gojsonschema.Schema
}

// NewValidator compiles the given namespace to schema source map.
func NewValidator(sources map[string]string) (*Validator, error) {
	v := &Validator{schemas: make(map[string]*gojsonschema.Schema, len(sources))}
	for namespace, src := range sources {
		s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
		if err != nil {
			return nil, fmt.Errorf("invalid json schema for namespace %q: %w", namespace, err)
		}
		v.schemas[namespace] = s
	}
	return v, nil
}

// LoadDir compiles every <namespace>.json file in dir.
func LoadDir(dir string) (*Validator, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, err
	}
	sources := make(map[string]string, len(paths))
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		sources[strings.TrimSuffix(filepath.Base(p), ".json")] = string(b)
	}
	return NewValidator(sources)
}

// Namespaces returns how many namespaces carry a schema.
func (v *Validator) Namespaces() int {
	return len(v.schemas)
}

// Validate checks data against the schema of namespace. Malformed JSON is an
// invalid argument; a schema mismatch is a *ValidationError.
func (v *Validator) Validate(namespace string, data json.RawMessage) error {
	if !json.Valid(data) {
		return errs.InvalidArgument("document data is not valid JSON")
	}
	s, ok := v.schemas[namespace]
	if !ok {
		return nil
	}
	result, err := s.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}
	verr := &ValidationError{Namespace: namespace}
	for _, desc := range result.Errors() {
		verr.Problems = append(verr.Problems, desc.String())
	}
	return verr
}
