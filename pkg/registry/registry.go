// Package registry loads the catalog of backends the orchestrator can route
// to. A registry maps each backend name to its launch command, a free-text
// description, the capabilities it advertises, and optional documentation
// for individual tools. Registries are stored as JSON or YAML in the
// orchestrator's configuration directory, next to an optional credentials
// file whose per-backend environment entries are layered over the
// registry's own.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vikashloomba/mcp-orchestrator-go/pkg/mcpconn"
)

const (
	// FileName is the registry file created in the configuration directory.
	FileName = "registry.json"
	// YAMLFileName is preferred over FileName when present.
	YAMLFileName = "registry.yaml"
	// CredentialsFileName holds per-backend environment overrides.
	CredentialsFileName = "credentials.json"
)

// ToolDoc documents one tool of a backend.
type ToolDoc struct {
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Examples    []string `json:"examples,omitempty" yaml:"examples,omitempty"`
	Keywords    []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
}

// Entry describes one backend.
type Entry struct {
	Description  string              `json:"description,omitempty" yaml:"description,omitempty"`
	Command      string              `json:"command" yaml:"command"`
	Args         []string            `json:"args,omitempty" yaml:"args,omitempty"`
	Env          map[string]string   `json:"env,omitempty" yaml:"env,omitempty"`
	Capabilities []string            `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Keywords     []string            `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Tools        map[string]*ToolDoc `json:"tools,omitempty" yaml:"tools,omitempty"`
}

// ToolNames returns the documented tool names in sorted order.
func (e *Entry) ToolNames() []string {
	names := make([]string, 0, len(e.Tools))
	for name := range e.Tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Registry is the set of known backends.
type Registry struct {
	MCPs map[string]*Entry `json:"mcps" yaml:"mcps"`

	// credentials are environment overrides keyed by backend name.
	credentials map[string]map[string]string
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{MCPs: make(map[string]*Entry)}
}

// Parse decodes a registry document. format is "json" or "yaml".
func Parse(data []byte, format string) (*Registry, error) {
	reg := New()
	switch format {
	case "json":
		if err := json.Unmarshal(data, reg); err != nil {
			return nil, fmt.Errorf("registry: decode json: %w", err)
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, reg); err != nil {
			return nil, fmt.Errorf("registry: decode yaml: %w", err)
		}
	default:
		return nil, fmt.Errorf("registry: unsupported format %q", format)
	}
	if reg.MCPs == nil {
		reg.MCPs = make(map[string]*Entry)
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return reg, nil
}

// Load reads a registry file, choosing the format by extension.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: read %s: %w", path, err)
	}
	return Parse(data, formatOf(path))
}

// LoadDir loads the registry from dir, writing the default registry first
// when neither registry file exists, and applies credentials.json if
// present.
func LoadDir(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("registry: create config dir: %w", err)
	}
	path := filepath.Join(dir, YAMLFileName)
	if _, err := os.Stat(path); err != nil {
		path = filepath.Join(dir, FileName)
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			if err := WriteDefault(path); err != nil {
				return nil, err
			}
		}
	}
	reg, err := Load(path)
	if err != nil {
		return nil, err
	}
	creds, err := loadCredentials(filepath.Join(dir, CredentialsFileName))
	if err != nil {
		return nil, err
	}
	reg.credentials = creds
	return reg, nil
}

func loadCredentials(path string) (map[string]map[string]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("registry: read credentials: %w", err)
	}
	var creds map[string]map[string]string
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("registry: decode credentials: %w", err)
	}
	return creds, nil
}

// WriteDefault writes the default registry to path.
func WriteDefault(path string) error {
	return Default().Save(path)
}

// Save writes the registry to path, choosing the format by extension.
// Credentials are never written.
func (r *Registry) Save(path string) error {
	var (
		data []byte
		err  error
	)
	switch formatOf(path) {
	case "yaml":
		data, err = yaml.Marshal(r)
	default:
		data, err = json.MarshalIndent(r, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("registry: encode: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("registry: write %s: %w", path, err)
	}
	return nil
}

// SetCredentials replaces the environment overrides for backend.
func (r *Registry) SetCredentials(backend string, env map[string]string) {
	if r.credentials == nil {
		r.credentials = make(map[string]map[string]string)
	}
	r.credentials[backend] = env
}

// Validate checks that every entry can be launched.
func (r *Registry) Validate() error {
	var errs []error
	for _, name := range r.Names() {
		entry := r.MCPs[name]
		if entry == nil {
			errs = append(errs, fmt.Errorf("registry: %s: empty entry", name))
			continue
		}
		if strings.TrimSpace(entry.Command) == "" {
			errs = append(errs, fmt.Errorf("registry: %s: command missing", name))
		}
	}
	return errors.Join(errs...)
}

// Names returns the backend names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.MCPs))
	for name := range r.MCPs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Entry returns the entry for name.
func (r *Registry) Entry(name string) (*Entry, bool) {
	e, ok := r.MCPs[name]
	return e, ok && e != nil
}

// Descriptor returns the launch configuration for name with credentials
// layered over the entry's own environment.
func (r *Registry) Descriptor(name string) (*mcpconn.StdioServerConfig, bool) {
	entry, ok := r.Entry(name)
	if !ok {
		return nil, false
	}
	cfg := &mcpconn.StdioServerConfig{
		Command: entry.Command,
		Args:    append([]string(nil), entry.Args...),
	}
	creds := r.credentials[name]
	if len(entry.Env)+len(creds) > 0 {
		cfg.Env = make(map[string]string, len(entry.Env)+len(creds))
		for k, v := range entry.Env {
			cfg.Env[k] = v
		}
		for k, v := range creds {
			cfg.Env[k] = v
		}
	}
	return cfg, true
}

// Descriptors returns launch configurations for every backend.
func (r *Registry) Descriptors() map[string]*mcpconn.StdioServerConfig {
	out := make(map[string]*mcpconn.StdioServerConfig, len(r.MCPs))
	for _, name := range r.Names() {
		if cfg, ok := r.Descriptor(name); ok {
			out[name] = cfg
		}
	}
	return out
}

// ListCapabilities returns each backend's capabilities. With a non-empty
// category only capabilities containing it (case-insensitively) are kept,
// and backends left with none are omitted.
func (r *Registry) ListCapabilities(category string) map[string][]string {
	category = strings.ToLower(strings.TrimSpace(category))
	out := make(map[string][]string)
	for name, entry := range r.MCPs {
		if entry == nil {
			continue
		}
		var caps []string
		for _, c := range entry.Capabilities {
			if category == "" || strings.Contains(strings.ToLower(c), category) {
				caps = append(caps, c)
			}
		}
		if len(caps) > 0 {
			out[name] = caps
		}
	}
	return out
}

// ToolInfo returns the documentation for one tool of a backend.
func (r *Registry) ToolInfo(backend, tool string) (*ToolDoc, bool) {
	entry, ok := r.Entry(backend)
	if !ok {
		return nil, false
	}
	doc, ok := entry.Tools[tool]
	return doc, ok && doc != nil
}

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}
