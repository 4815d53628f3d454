// Package registry builds snapshots of every skill visible to every agent.
//
// The filesystem is the only source of truth: each scan lists the agent
// directories from the catalog, resolves every entry to its canonical
// location and groups installations by that location. A snapshot is never
// mutated after it is published, so readers may hold on to one without
// locking.
package registry

import (
	"fmt"
	"reflect"
	"time"

	"github.com/jingkaihe/skillreg/pkg/manifest"
	"github.com/jingkaihe/skillreg/pkg/skills"
)

// ScopeKind says where a canonical skill directory lives.
type ScopeKind int

const (
	// ScopeSharedGlobal is the shared canonical directory.
	ScopeSharedGlobal ScopeKind = iota
	// ScopeAgentLocal is inside one agent's own or config directory.
	ScopeAgentLocal
	// ScopeProject is anywhere else, keyed by the parent directory.
	ScopeProject
)

func (k ScopeKind) String() string {
	switch k {
	case ScopeSharedGlobal:
		return "shared"
	case ScopeAgentLocal:
		return "agent"
	case ScopeProject:
		return "project"
	default:
		return fmt.Sprintf("ScopeKind(%d)", int(k))
	}
}

// MarshalText encodes the kind by name.
func (k ScopeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Scope classifies a canonical skill. Agent is set for ScopeAgentLocal and
// Path for ScopeProject.
type Scope struct {
	Kind  ScopeKind `json:"kind"`
	Agent string    `json:"agent,omitempty"`
	Path  string    `json:"path,omitempty"`
}

func (s Scope) String() string {
	switch s.Kind {
	case ScopeAgentLocal:
		return "agent:" + s.Agent
	case ScopeProject:
		return "project:" + s.Path
	default:
		return s.Kind.String()
	}
}

// Installation is one agent's visibility of a skill.
type Installation struct {
	Agent string `json:"agent"`
	// Path is the entry inside the directory the agent reads.
	Path      string `json:"path"`
	IsSymlink bool   `json:"isSymlink"`
	// IsInherited is set when the agent sees the skill only through another
	// agent's directory.
	IsInherited   bool   `json:"isInherited"`
	InheritedFrom string `json:"inheritedFrom,omitempty"`
}

// Skill is one canonical skill directory and everything known about it.
type Skill struct {
	ID            string           `json:"id"`
	CanonicalPath string           `json:"canonicalPath"`
	Metadata      *skills.Metadata `json:"metadata,omitempty"`
	Body          string           `json:"-"`
	ParseError    string           `json:"parseError,omitempty"`
	Scope         Scope            `json:"scope"`
	Installations []Installation   `json:"installations"`
	Manifest      *manifest.Entry  `json:"manifest,omitempty"`
}

// Name returns the declared name, falling back to the ID.
func (s *Skill) Name() string {
	if s.Metadata != nil && s.Metadata.Name != "" {
		return s.Metadata.Name
	}
	return s.ID
}

// Description returns the declared description, or "".
func (s *Skill) Description() string {
	if s.Metadata == nil {
		return ""
	}
	return s.Metadata.Description
}

// Installation returns the installation for agent, if any.
func (s *Skill) Installation(agent string) (Installation, bool) {
	for _, inst := range s.Installations {
		if inst.Agent == agent {
			return inst, true
		}
	}
	return Installation{}, false
}

// AgentStatus summarizes one agent in a snapshot.
type AgentStatus struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	SkillsDir   string `json:"skillsDir"`
	Detected    bool   `json:"detected"`
	Direct      int    `json:"direct"`
	Inherited   int    `json:"inherited"`
}

// Snapshot is the immutable result of one scan.
type Snapshot struct {
	ID          string        `json:"id"`
	ScannedAt   time.Time     `json:"scannedAt"`
	Skills      []*Skill      `json:"skills"`
	Agents      []AgentStatus `json:"agents"`
	Diagnostics Diagnostics   `json:"diagnostics,omitempty"`
}

// Skill returns the skill with the given ID. IDs are directory names and may
// collide across scopes; the first match in canonical path order wins, with
// shared skills preferred.
func (s *Snapshot) Skill(id string) (*Skill, bool) {
	if s == nil {
		return nil, false
	}
	var found *Skill
	for _, sk := range s.Skills {
		if sk.ID != id {
			continue
		}
		if sk.Scope.Kind == ScopeSharedGlobal {
			return sk, true
		}
		if found == nil {
			found = sk
		}
	}
	return found, found != nil
}

// SkillAt returns the skill whose canonical path is path.
func (s *Snapshot) SkillAt(path string) (*Skill, bool) {
	if s == nil {
		return nil, false
	}
	for _, sk := range s.Skills {
		if sk.CanonicalPath == path {
			return sk, true
		}
	}
	return nil, false
}

// InstalledFor returns the skills the agent can see.
func (s *Snapshot) InstalledFor(agent string) []*Skill {
	var out []*Skill
	for _, sk := range s.Skills {
		if _, ok := sk.Installation(agent); ok {
			out = append(out, sk)
		}
	}
	return out
}

// Equal reports whether two snapshots describe the same content. ID and
// ScannedAt are ignored.
func (s *Snapshot) Equal(other *Snapshot) bool {
	if s == nil || other == nil {
		return s == other
	}
	return reflect.DeepEqual(s.Skills, other.Skills) &&
		reflect.DeepEqual(s.Agents, other.Agents) &&
		reflect.DeepEqual(s.Diagnostics, other.Diagnostics)
}

// DefinitionParser turns SKILL.md bytes into metadata and body.
// skills.Parser is the default implementation.
type DefinitionParser interface {
	Parse(content []byte) (*skills.Metadata, string, error)
}
