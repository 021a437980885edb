package tools

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed manifest.yaml
var defaultManifest []byte

// Property describes one argument of a capability.
type Property struct {
	Type        string   `yaml:"type" json:"type"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Enum        []string `yaml:"enum,omitempty" json:"enum,omitempty"`
}

// Schema is the JSON-schema subset advertised to the model.
type Schema struct {
	Type       string              `yaml:"type" json:"type"`
	Properties map[string]Property `yaml:"properties" json:"properties"`
	Required   []string            `yaml:"required,omitempty" json:"required,omitempty"`
}

// Definition is the declared contract of a capability.
type Definition struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	// Say is spoken to the caller while the capability runs.
	Say string `yaml:"say"`
	// Terminal capabilities end the tool loop without another model request.
	Terminal   bool   `yaml:"terminal"`
	Parameters Schema `yaml:"parameters"`
}

type manifest struct {
	Capabilities []Definition `yaml:"capabilities"`
}

// DefaultDefinitions returns the capability set compiled into the binary.
func DefaultDefinitions() ([]Definition, error) {
	return LoadManifest(defaultManifest)
}

// LoadManifest parses a YAML capability manifest.
func LoadManifest(data []byte) ([]Definition, error) {
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse capability manifest: %w", err)
	}
	if len(m.Capabilities) == 0 {
		return nil, errors.New("capability manifest declares no capabilities")
	}

	seen := make(map[string]struct{}, len(m.Capabilities))
	for i := range m.Capabilities {
		def := &m.Capabilities[i]
		def.Name = strings.TrimSpace(def.Name)
		if def.Name == "" {
			return nil, fmt.Errorf("capability %d has no name", i)
		}
		if _, dup := seen[def.Name]; dup {
			return nil, fmt.Errorf("capability %q declared twice", def.Name)
		}
		seen[def.Name] = struct{}{}
		if def.Parameters.Type == "" {
			def.Parameters.Type = "object"
		}
		if def.Parameters.Properties == nil {
			def.Parameters.Properties = map[string]Property{}
		}
		for _, req := range def.Parameters.Required {
			if _, ok := def.Parameters.Properties[req]; !ok {
				return nil, fmt.Errorf("capability %q requires undeclared argument %q", def.Name, req)
			}
		}
	}
	return m.Capabilities, nil
}
