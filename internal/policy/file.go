package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFromFile reads a YAML policy spec and compiles it into an Engine.
func LoadFromFile(path string) (*Engine, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-provided policy file path
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}

	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parsing policy file: %w", err)
	}

	engine, err := NewEngine(spec)
	if err != nil {
		return nil, fmt.Errorf("compiling policy file %s: %w", path, err)
	}
	return engine, nil
}
