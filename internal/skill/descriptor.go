// Package skill curates the catalog of capabilities the agent can invoke.
// Descriptors are YAML data on disk or compiled-in for builtins; handlers
// are always Go code registered against a descriptor name.
package skill

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	jarbasErrors "github.com/jarbas-ai/jarbas/internal/errors"
)

// SecurityLevel classifies how much damage a skill can do. It is fixed at
// load time and never mutated afterwards.
type SecurityLevel string

const (
	SecuritySafe      SecurityLevel = "safe"
	SecurityModerate  SecurityLevel = "moderate"
	SecurityDangerous SecurityLevel = "dangerous"
	SecurityForbidden SecurityLevel = "forbidden"
)

// Param describes one argument a skill accepts.
type Param struct {
	Type        string `yaml:"type" json:"type"`
	Description string `yaml:"description" json:"description,omitempty"`
	Required    bool   `yaml:"required" json:"-"`
}

// Descriptor is the static metadata for one skill.
type Descriptor struct {
	Name          string           `yaml:"name"`
	Description   string           `yaml:"description"`
	Version       string           `yaml:"version"`
	SecurityLevel SecurityLevel    `yaml:"security_level"`
	Triggers      []string         `yaml:"triggers"`
	Parameters    map[string]Param `yaml:"parameters"`
	// ParametersSchema is the fully-explicit alternative to Parameters.
	// When both are present the explicit schema wins.
	ParametersSchema map[string]any `yaml:"parameters_schema"`
	// Command makes a descriptor self-contained: the registry attaches a
	// shell handler that runs this template with the skill's args.
	Command        string `yaml:"command"`
	MaxOutputChars int    `yaml:"max_output_chars"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Enabled        *bool  `yaml:"enabled"`
}

const (
	defaultMaxOutputChars = 2000
	defaultTimeoutSeconds = 30
)

// ParseDescriptor unmarshals and validates one descriptor file.
func ParseDescriptor(data []byte) (*Descriptor, error) {
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, jarbasErrors.InvalidInput("descriptor: " + err.Error())
	}
	if err := d.validate(); err != nil {
		return nil, err
	}
	d.applyDefaults()
	return &d, nil
}

func (d *Descriptor) validate() error {
	if d.Name == "" {
		return jarbasErrors.InvalidInput("descriptor: name is required")
	}
	switch d.SecurityLevel {
	case SecuritySafe, SecurityModerate, SecurityDangerous, SecurityForbidden:
	case "":
		d.SecurityLevel = SecurityModerate
	default:
		return jarbasErrors.InvalidInput(fmt.Sprintf("descriptor %s: unknown security_level %q", d.Name, d.SecurityLevel))
	}
	for name, p := range d.Parameters {
		switch p.Type {
		case "string", "number", "boolean":
		default:
			return jarbasErrors.InvalidInput(fmt.Sprintf("descriptor %s: parameter %s has unknown type %q", d.Name, name, p.Type))
		}
	}
	return nil
}

func (d *Descriptor) applyDefaults() {
	if d.MaxOutputChars <= 0 {
		d.MaxOutputChars = defaultMaxOutputChars
	}
	if d.TimeoutSeconds <= 0 {
		d.TimeoutSeconds = defaultTimeoutSeconds
	}
}

// IsEnabled treats a missing enabled field as true.
func (d *Descriptor) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// ToolSchema is the registry's projection of a skill for the reasoner.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Schema builds the JSON-schema-shaped parameter object. The explicit
// parameters_schema form passes through untouched.
func (d *Descriptor) Schema() ToolSchema {
	params := d.ParametersSchema
	if params == nil {
		properties := map[string]any{}
		var required []string
		for name, p := range d.Parameters {
			properties[name] = map[string]any{
				"type":        p.Type,
				"description": p.Description,
			}
			if p.Required {
				required = append(required, name)
			}
		}
		sort.Strings(required)
		if required == nil {
			required = []string{}
		}
		params = map[string]any{
			"type":       "object",
			"properties": properties,
			"required":   required,
		}
	}
	return ToolSchema{Name: d.Name, Description: d.Description, Parameters: params}
}

// ValidateArgs checks every required parameter is present.
func (d *Descriptor) ValidateArgs(args map[string]string) error {
	var missing []string
	for name, p := range d.Parameters {
		if !p.Required {
			continue
		}
		if v, ok := args[name]; !ok || v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return jarbasErrors.InvalidInput(fmt.Sprintf("skill %s: missing required args: %v", d.Name, missing))
	}
	return nil
}
