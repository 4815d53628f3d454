// Package skills reads and writes skill definition files. A skill is a
// directory containing a SKILL.md file whose YAML front matter describes it
// and whose markdown body holds the instructions. The registry treats this
// package as an opaque parser: it hands over raw bytes and gets back
// metadata and body, or an error.
package skills

// Metadata represents the YAML front matter of a SKILL.md file
type Metadata struct {
	Name         string         `mapstructure:"name" yaml:"name" json:"name"`
	Description  string         `mapstructure:"description" yaml:"description" json:"description"`
	License      string         `mapstructure:"license" yaml:"license,omitempty" json:"license,omitempty"`
	AllowedTools []string       `mapstructure:"allowed-tools" yaml:"allowed-tools,omitempty" json:"allowedTools,omitempty"`
	Attribution  *Attribution   `mapstructure:"metadata" yaml:"metadata,omitempty" json:"metadata,omitempty"`
	Extra        map[string]any `mapstructure:",remain" yaml:",inline" json:"extra,omitempty"`
}

// Attribution is the optional nested metadata block
type Attribution struct {
	Author  string `mapstructure:"author" yaml:"author,omitempty" json:"author,omitempty"`
	Version string `mapstructure:"version" yaml:"version,omitempty" json:"version,omitempty"`
}

// Author returns the nested author, or "".
func (m *Metadata) Author() string {
	if m == nil || m.Attribution == nil {
		return ""
	}
	return m.Attribution.Author
}

// Version returns the nested version, or "".
func (m *Metadata) Version() string {
	if m == nil || m.Attribution == nil {
		return ""
	}
	return m.Attribution.Version
}
