package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileOverlay is the subset of Coordinator/Worker fields an operator may
// park in a local YAML file instead of the process environment, matching
// the teacher's pattern of a thin YAML overlay read before env resolution
// (internal/config/file_loader.go) rather than a full config-file schema.
type FileOverlay struct {
	SharedSecret       string   `yaml:"sharedSecret"`
	CoordinatorURL     string   `yaml:"coordinatorURL"`
	Name               string   `yaml:"name"`
	DefaultWorkingDir  string   `yaml:"defaultWorkingDir"`
	AllowedDirectories []string `yaml:"allowedDirectories"`
}

// LoadFileOverlay reads and parses a YAML overlay file. A missing path is
// not an error: it returns a zero FileOverlay so callers can apply it
// unconditionally.
func LoadFileOverlay(path string) (FileOverlay, error) {
	if path == "" {
		return FileOverlay{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return FileOverlay{}, nil
		}
		return FileOverlay{}, fmt.Errorf("config: read overlay file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return FileOverlay{}, nil
	}
	var overlay FileOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return FileOverlay{}, fmt.Errorf("config: parse overlay file: %w", err)
	}
	return overlay, nil
}
