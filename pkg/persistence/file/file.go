// Package file provides file-based persistence for definitions, executions
// and event logs. A single in-process mutex provides the conditional-update
// and seq-assignment guarantees; it is meant for tests and local
// development, not multi-process deployments.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/caprun-io/caprun/pkg/persistence"
)

// Persistence implements the persistence.Persistence interface using the file system.
type Persistence struct {
	root           string
	mu             sync.Mutex
	definitionRepo *DefinitionRepository
	executionRepo  *ExecutionRepository
	eventRepo      *EventRepository
}

// NewPersistence creates a new instance of Persistence rooted at the given directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	p := &Persistence{root: cleanRoot}
	p.definitionRepo = &DefinitionRepository{persistence: p}
	p.executionRepo = &ExecutionRepository{persistence: p}
	p.eventRepo = &EventRepository{persistence: p}

	return p
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (p *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck checks that the root directory exists.
func (p *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(p.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (p *Persistence) Definitions() persistence.DefinitionRepository {
	return p.definitionRepo
}

func (p *Persistence) Executions() persistence.ExecutionRepository {
	return p.executionRepo
}

func (p *Persistence) Events() persistence.EventRepository {
	return p.eventRepo
}

// read unmarshals the named document into out. Reports false when the
// document does not exist.
func (p *Persistence) read(name string, out any) (bool, error) {
	data, err := os.ReadFile(filepath.Join(p.root, name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}

		return false, fmt.Errorf("failed to read %s: %w", name, err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", name, err)
	}

	return true, nil
}

// write marshals in and persists it under the named document.
func (p *Persistence) write(name string, in any) error {
	if err := os.MkdirAll(p.root, 0o755); err != nil {
		return fmt.Errorf("failed to create root directory: %w", err)
	}

	data, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}

	if err := os.WriteFile(filepath.Join(p.root, name), data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}

	return nil
}

// list returns document names with the given prefix.
func (p *Persistence) list(prefix string) ([]string, error) {
	entries, err := os.ReadDir(p.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to list root directory: %w", err)
	}

	var names []string

	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), prefix) {
			names = append(names, entry.Name())
		}
	}

	return names, nil
}
