package saga

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFromFile reads a single Definition from a YAML file.
func LoadFromFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		return nil, fmt.Errorf("read definition file %s: %w", path, err)
	}

	var d Definition
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse definition file %s: %w", path, err)
	}

	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("validate definition file %s: %w", path, err)
	}

	return &d, nil
}

// LoadFromDirectory reads all .yaml/.yml definitions from a directory.
// A missing directory returns an empty slice, not an error.
func LoadFromDirectory(dir string) ([]Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read definition directory %s: %w", dir, err)
	}

	var defs []Definition
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		d, err := LoadFromFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		defs = append(defs, *d)
	}

	return defs, nil
}

// Registry is an immutable set of definitions loaded at startup.
type Registry struct {
	defs map[string]*Definition
}

// NewRegistry builds a registry from loaded definitions. Later entries
// with the same name and a higher version replace earlier ones.
func NewRegistry(defs []Definition) *Registry {
	r := &Registry{defs: make(map[string]*Definition, len(defs))}
	for i := range defs {
		d := defs[i]
		if cur, ok := r.defs[d.Name]; !ok || d.Version > cur.Version {
			r.defs[d.Name] = &d
		}
	}
	return r
}

// Get returns the definition with the given name, or nil.
func (r *Registry) Get(name string) *Definition {
	return r.defs[name]
}

// Names returns all registered definition names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.defs))
	for n := range r.defs {
		names = append(names, n)
	}
	return names
}
