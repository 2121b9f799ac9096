// Package plugin discovers tools from YAML manifests in a plugin directory
// and serves them from an immutable, atomically swapped registry.
package plugin

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dshills/archon-go/graph/tool"
)

// Tool kinds a manifest can declare.
const (
	KindEcho     = "echo"
	KindHTTP     = "http"
	KindTemplate = "template"
)

// GeneratedFileName is the manifest written by the tool generation step.
const GeneratedFileName = "tool_generated.yaml"

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// Manifest describes one plugin tool.
//
// Example:
//
//	name: weather
//	description: Current weather for a city
//	kind: http
//	endpoint: https://api.example.com/weather
//	method: GET
//	headers:
//	  X-Api-Key: secret
type Manifest struct {
	Name        string            `yaml:"name" json:"name"`
	Description string            `yaml:"description" json:"description"`
	Kind        string            `yaml:"kind" json:"kind"`
	Endpoint    string            `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Method      string            `yaml:"method,omitempty" json:"method,omitempty"`
	Headers     map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Template    string            `yaml:"template,omitempty" json:"template,omitempty"`
}

// ManifestTemplate is shown to the tool generator so its output can be
// loaded as-is.
const ManifestTemplate = `# One YAML document. kind is one of: echo, http, template.
name: snake_case_tool_name
description: One sentence describing what the tool does.
kind: template
# For kind: template, a Go text/template rendered with the call input as {{.key}}.
template: "Hello, {{.name}}!"
# For kind: http, instead of template:
# endpoint: https://api.example.com/path
# method: GET
# headers:
#   Accept: application/json
`

// ParseManifest decodes a single manifest document. Unknown fields are
// rejected.
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return Manifest{}, errors.New("empty manifest")
		}
		return Manifest{}, fmt.Errorf("invalid manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// LoadManifest reads and parses the manifest at path.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the plugin directory listing
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return Manifest{}, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return m, nil
}

// Validate reports every problem with the manifest.
func (m Manifest) Validate() error {
	var errs []error
	if !namePattern.MatchString(m.Name) {
		errs = append(errs, fmt.Errorf("name %q must be snake_case, 1-64 characters", m.Name))
	}
	if strings.TrimSpace(m.Description) == "" {
		errs = append(errs, errors.New("description is required"))
	}
	switch m.Kind {
	case KindEcho:
	case KindHTTP:
		if m.Endpoint == "" {
			errs = append(errs, errors.New("http tools need an endpoint"))
		}
	case KindTemplate:
		if m.Template == "" {
			errs = append(errs, errors.New("template tools need a template"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown kind %q (want echo, http or template)", m.Kind))
	}
	return errors.Join(errs...)
}

// Build constructs the tool the manifest describes.
func (m Manifest) Build() (tool.Tool, error) {
	switch m.Kind {
	case KindEcho:
		return &namedEcho{name: m.Name, description: m.Description}, nil
	case KindHTTP:
		h := tool.NewHTTPTool(m.Name, m.Description, m.Endpoint, m.Method, m.Headers)
		if err := h.Validate(); err != nil {
			return nil, err
		}
		return h, nil
	case KindTemplate:
		return tool.NewTemplateTool(m.Name, m.Description, m.Template)
	default:
		return nil, fmt.Errorf("unknown kind %q", m.Kind)
	}
}

// namedEcho is an echo tool registered under a manifest's name.
type namedEcho struct {
	tool.EchoTool
	name        string
	description string
}

func (e *namedEcho) Name() string        { return e.name }
func (e *namedEcho) Description() string { return e.description }

// WriteManifest atomically writes data as fileName inside dir, creating dir
// if needed, and returns the written path.
func WriteManifest(dir, fileName string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create plugin dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".manifest-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close manifest: %w", err)
	}

	path := filepath.Join(dir, fileName)
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("install manifest: %w", err)
	}
	return path, nil
}
