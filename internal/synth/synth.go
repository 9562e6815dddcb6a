// Package synth packages a compiled composition as a generated-action
// manifest: a YAML document a deployment pipeline would hand to the
// platform to create the deployable action backing a composition. It is
// a pure data transformation — no packaging, upload, or scancode/build
// tooling lives here, matching the distilled spec's scoping of the
// code-synthesis shim out of the execution path.
package synth

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oriys/conductor/internal/compast"
)

const (
	defaultTimeoutSeconds = 60
	defaultRuntimeKind    = "nodejs:20"
)

// Manifest is the generated-action manifest a deployment pipeline writes
// for a composed action: the composition AST as a nested YAML value, plus the
// annotations and limits the platform needs to run it through
// conductor.Handle.
type Manifest struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description,omitempty"`
	Runtime     string         `yaml:"runtime"`
	Main        string         `yaml:"main"`
	Limits      Limits         `yaml:"limits"`
	Annotations map[string]any `yaml:"annotations"`
	Parameters  map[string]any `yaml:"parameters,omitempty"`
	ProvideAPI  bool           `yaml:"provide-api-key"`
}

// Limits bounds the deployed action's resource envelope.
type Limits struct {
	TimeoutSeconds int `yaml:"timeoutSeconds"`
	MemoryMB       int `yaml:"memoryMB,omitempty"`
	Concurrency    int `yaml:"concurrency,omitempty"`
}

// Options customizes a generated manifest beyond its defaults.
type Options struct {
	Name             string
	Description      string
	RuntimeKind      string
	TimeoutSeconds   int
	MemoryMB         int
	Concurrency      int
	ComposerVersion  string
	ConductorVersion string
	Parameters       map[string]any
}

// Generate builds a Manifest embedding ast as a nested mapping under the
// `conductor` annotation, per spec.md section 4.7.
func Generate(ast *compast.Node, opts Options) (*Manifest, error) {
	if ast == nil {
		return nil, fmt.Errorf("synth: ast is required")
	}
	astJSON, err := json.Marshal(ast)
	if err != nil {
		return nil, fmt.Errorf("synth: marshal ast: %w", err)
	}
	// Round-trip through a generic value rather than embedding the raw
	// bytes, so the YAML encoder renders the AST as nested mapping/sequence
	// nodes instead of a base64 blob.
	var astValue any
	if err := json.Unmarshal(astJSON, &astValue); err != nil {
		return nil, fmt.Errorf("synth: decode ast for embedding: %w", err)
	}

	timeout := opts.TimeoutSeconds
	if timeout <= 0 {
		timeout = defaultTimeoutSeconds
	}
	runtime := opts.RuntimeKind
	if runtime == "" {
		runtime = defaultRuntimeKind
	}
	composerVersion := opts.ComposerVersion
	if composerVersion == "" {
		composerVersion = "0.0.0"
	}
	conductorVersion := opts.ConductorVersion
	if conductorVersion == "" {
		conductorVersion = "0.0.0"
	}

	return &Manifest{
		Name:        opts.Name,
		Description: opts.Description,
		Runtime:     runtime,
		Main:        "main",
		Limits:      Limits{TimeoutSeconds: timeout, MemoryMB: opts.MemoryMB, Concurrency: opts.Concurrency},
		Annotations: map[string]any{
			"conductor":        astValue,
			"composerVersion":  composerVersion,
			"conductorVersion": conductorVersion,
			"generated":        time.Now().UTC().Format(time.RFC3339),
		},
		Parameters: opts.Parameters,
		ProvideAPI: true,
	}, nil
}

// MarshalYAML renders a Manifest to its on-disk YAML form.
func MarshalYAML(m *Manifest) ([]byte, error) {
	out, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("synth: marshal manifest yaml: %w", err)
	}
	return out, nil
}

// ParseYAML reads a manifest back from its on-disk YAML form, the inverse
// of MarshalYAML.
func ParseYAML(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("synth: unmarshal manifest yaml: %w", err)
	}
	return &m, nil
}

// AST extracts and decodes the embedded composition AST from a manifest's
// `conductor` annotation, the inverse of Generate's embedding step.
func (m *Manifest) AST() (*compast.Node, error) {
	raw, ok := m.Annotations["conductor"]
	if !ok {
		return nil, fmt.Errorf("synth: manifest has no conductor annotation")
	}

	// raw decoded from YAML as generic map[string]any/[]any/scalars; round
	// trip through JSON to land it on compast.Node's json tags.
	blob, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("synth: re-encode conductor annotation: %w", err)
	}
	var node compast.Node
	if err := json.Unmarshal(blob, &node); err != nil {
		return nil, fmt.Errorf("synth: decode conductor annotation: %w", err)
	}
	return &node, nil
}
