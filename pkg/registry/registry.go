// Package registry provides the static capsule type catalog and definition
// validation. The registry is built once at process start and injected
// where needed; it is never mutated afterwards.
package registry

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/caprun-io/caprun/pkg/models"
	"github.com/caprun-io/caprun/pkg/protocol"
	"github.com/xeipuuv/gojsonschema"
)

// Descriptor pairs a capsule type with its (optional) local executor.
// Gateway-backed types ship without one; the worker dispatches them
// through the backing job client instead.
type Descriptor struct {
	Type     *models.CapsuleType
	Executor protocol.CapsuleExecutor
}

type Registry struct {
	logger    *slog.Logger
	types     map[string]*models.CapsuleType
	schemas   map[string]*gojsonschema.Schema
	executors map[string]protocol.CapsuleExecutor
	ordered   []string
}

// NewRegistry compiles the descriptors' config schemas and returns an
// immutable registry. Duplicate or schema-invalid descriptors are rejected.
func NewRegistry(logger *slog.Logger, descriptors ...Descriptor) (*Registry, error) {
	r := &Registry{
		logger:    logger.With("module", "registry"),
		types:     make(map[string]*models.CapsuleType, len(descriptors)),
		schemas:   make(map[string]*gojsonschema.Schema, len(descriptors)),
		executors: make(map[string]protocol.CapsuleExecutor),
	}

	for _, desc := range descriptors {
		ct := desc.Type
		if ct == nil || ct.Name == "" {
			return nil, fmt.Errorf("capsule type descriptor without a name")
		}

		if _, exists := r.types[ct.Name]; exists {
			return nil, fmt.Errorf("capsule type '%s' registered twice", ct.Name)
		}

		if ct.ConfigSchema != nil {
			schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(ct.ConfigSchema))
			if err != nil {
				return nil, fmt.Errorf("failed to compile config schema for capsule type '%s': %w", ct.Name, err)
			}

			r.schemas[ct.Name] = schema
		}

		r.types[ct.Name] = ct
		r.ordered = append(r.ordered, ct.Name)

		if desc.Executor != nil {
			r.executors[ct.Name] = desc.Executor
		}
	}

	sort.Strings(r.ordered)

	return r, nil
}

// Lookup returns the capsule type by name.
func (r *Registry) Lookup(name string) (*models.CapsuleType, bool) {
	ct, ok := r.types[name]

	return ct, ok
}

// Executor returns the local executor for the capsule type, if any.
func (r *Registry) Executor(name string) (protocol.CapsuleExecutor, bool) {
	exec, ok := r.executors[name]

	return exec, ok
}

// Types returns the catalog in stable name order.
func (r *Registry) Types() []*models.CapsuleType {
	out := make([]*models.CapsuleType, 0, len(r.ordered))
	for _, name := range r.ordered {
		out = append(out, r.types[name])
	}

	return out
}

// ValidateConfig checks a node config against the capsule type's schema.
func (r *Registry) ValidateConfig(typeName string, config map[string]any) error {
	schema, ok := r.schemas[typeName]
	if !ok {
		return nil
	}

	if config == nil {
		config = map[string]any{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(config))
	if err != nil {
		return fmt.Errorf("failed to validate config for capsule type '%s': %w", typeName, err)
	}

	if !result.Valid() {
		issues := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			issues = append(issues, desc.String())
		}

		return &InvalidConfigError{CapsuleType: typeName, Issues: issues}
	}

	return nil
}
