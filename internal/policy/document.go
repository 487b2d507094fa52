package policy

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultArtifact []byte

// ResourceSpec declares a resource in the policy artifact.
type ResourceSpec struct {
	Name Resource `yaml:"name"`
	// Kind names the lifecycle state machine governing the resource's records.
	// Empty for resources without a lifecycle.
	Kind string `yaml:"kind"`
	// Table is the audit table name recorded for entries about this resource.
	Table string `yaml:"table"`
	// Administrative resources are the only ones that may expose hard delete.
	Administrative bool     `yaml:"administrative"`
	Actions        []Action `yaml:"actions"`
}

// Supports reports whether the resource declares the action.
func (r ResourceSpec) Supports(a Action) bool {
	for _, declared := range r.Actions {
		if declared == a {
			return true
		}
	}
	return false
}

// Document is the versioned policy artifact shipped with the deployment.
type Document struct {
	Version   string                                 `yaml:"version"`
	Roles     []Role                                 `yaml:"roles"`
	Resources []ResourceSpec                         `yaml:"resources"`
	Grants    map[Resource]map[Role]map[Action]Level `yaml:"grants"`
}

// Parse decodes a policy artifact. Unknown fields and duplicate keys are errors.
func Parse(data []byte) (*Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode policy artifact: %w", err)
	}
	return &doc, nil
}

// Load reads, parses and builds the policy table at path.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy artifact: %w", err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return Build(doc)
}

// Default builds the table from the artifact embedded in the binary.
func Default() (*Table, error) {
	doc, err := Parse(defaultArtifact)
	if err != nil {
		return nil, err
	}
	return Build(doc)
}

// DefaultArtifact returns a copy of the embedded artifact bytes.
func DefaultArtifact() []byte {
	return append([]byte(nil), defaultArtifact...)
}
