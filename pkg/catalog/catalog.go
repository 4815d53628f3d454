// Package catalog holds the static table of agents whose skill directories
// skillreg reconciles. It is the single source of truth for where each agent
// looks for skills and which other agents' directories it can also read.
// Everything else in the module is written against this table, so adding an
// agent or a cross-read rule is a data change here and nowhere else.
package catalog

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// ManifestFileName is the lock file name inside the shared root.
const ManifestFileName = ".skill-lock.json"

// ReadableDir is an extra directory an agent can read, tagged with the agent
// that owns the files in it.
type ReadableDir struct {
	Dir         string `mapstructure:"dir" json:"dir"`
	SourceAgent string `mapstructure:"source_agent" json:"sourceAgent"`

	// builtin marks rules from the default table. They are dropped, not
	// rejected, when their source agent is disabled.
	builtin bool
}

// Agent describes one consumer of skills.
type Agent struct {
	ID          string
	DisplayName string
	SkillsDir   string
	ConfigDir   string
	AlsoReads   []ReadableDir
}

// Catalog is an immutable lookup over agents plus the shared canonical
// directory and the manifest location.
type Catalog struct {
	agents       []Agent
	byID         map[string]int
	sharedDir    string
	manifestPath string
}

// Option configures a Catalog under construction
type Option func(*builder) error

type builder struct {
	home         string
	agents       []Agent
	sharedDir    string
	manifestPath string
	disabled     map[string]bool
}

// WithHome sets the home directory the default table is rooted at.
func WithHome(home string) Option {
	return func(b *builder) error {
		if home == "" {
			return errors.New("home directory cannot be empty")
		}
		b.home = home
		return nil
	}
}

// WithDefaultAgents installs the built-in agent table rooted at the home
// directory. Options applied after it can override individual agents.
func WithDefaultAgents() Option {
	return func(b *builder) error {
		if err := b.ensureHome(); err != nil {
			return err
		}
		b.agents = defaultAgents(b.home)
		return nil
	}
}

// WithAgents replaces the agent table entirely.
func WithAgents(agents ...Agent) Option {
	return func(b *builder) error {
		b.agents = append([]Agent(nil), agents...)
		return nil
	}
}

// WithAgent adds an agent, or replaces the one with the same ID.
func WithAgent(agent Agent) Option {
	return func(b *builder) error {
		for i := range b.agents {
			if b.agents[i].ID == agent.ID {
				b.agents[i] = mergeAgent(b.agents[i], agent)
				return nil
			}
		}
		b.agents = append(b.agents, agent)
		return nil
	}
}

// WithoutAgents drops agents by ID.
func WithoutAgents(ids ...string) Option {
	return func(b *builder) error {
		for _, id := range ids {
			b.disabled[id] = true
		}
		return nil
	}
}

// WithSharedDir sets the shared canonical skills directory.
func WithSharedDir(dir string) Option {
	return func(b *builder) error {
		b.sharedDir = dir
		return nil
	}
}

// WithManifestPath sets the lock file location.
func WithManifestPath(path string) Option {
	return func(b *builder) error {
		b.manifestPath = path
		return nil
	}
}

func (b *builder) ensureHome() error {
	if b.home != "" {
		return nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return errors.Wrap(err, "failed to get user home directory")
	}
	b.home = home
	return nil
}

// mergeAgent overlays the non-empty fields of override onto base.
func mergeAgent(base, override Agent) Agent {
	if override.DisplayName != "" {
		base.DisplayName = override.DisplayName
	}
	if override.SkillsDir != "" {
		base.SkillsDir = override.SkillsDir
	}
	if override.ConfigDir != "" {
		base.ConfigDir = override.ConfigDir
	}
	if override.AlsoReads != nil {
		base.AlsoReads = override.AlsoReads
	}
	return base
}

// New builds a Catalog. Without options it uses the default agent table
// rooted at the current user's home directory.
func New(opts ...Option) (*Catalog, error) {
	b := &builder{disabled: map[string]bool{}}
	if len(opts) == 0 {
		opts = []Option{WithDefaultAgents()}
	}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}

	if b.sharedDir == "" || b.manifestPath == "" {
		if err := b.ensureHome(); err != nil {
			return nil, err
		}
	}
	if b.sharedDir == "" {
		b.sharedDir = filepath.Join(b.home, ".agents", "skills")
	}
	if b.manifestPath == "" {
		b.manifestPath = filepath.Join(filepath.Dir(b.sharedDir), ManifestFileName)
	}

	c := &Catalog{
		byID:         map[string]int{},
		sharedDir:    filepath.Clean(b.sharedDir),
		manifestPath: filepath.Clean(b.manifestPath),
	}
	for _, a := range b.agents {
		if b.disabled[a.ID] {
			continue
		}
		if a.ID == "" {
			return nil, errors.New("agent id cannot be empty")
		}
		if a.SkillsDir == "" {
			return nil, errors.Errorf("agent %q has no skills directory", a.ID)
		}
		if _, dup := c.byID[a.ID]; dup {
			return nil, errors.Errorf("duplicate agent id %q", a.ID)
		}
		a.SkillsDir = filepath.Clean(a.SkillsDir)
		if a.ConfigDir != "" {
			a.ConfigDir = filepath.Clean(a.ConfigDir)
		}
		if a.DisplayName == "" {
			a.DisplayName = a.ID
		}
		a.AlsoReads = append([]ReadableDir(nil), a.AlsoReads...)
		c.byID[a.ID] = len(c.agents)
		c.agents = append(c.agents, a)
	}

	if err := c.resolveReadable(); err != nil {
		return nil, err
	}
	return c, nil
}

// resolveReadable fills in directories of cross-read rules that only name a
// source agent. Configured rules pointing at unknown or disabled agents are
// rejected; built-in ones are dropped.
func (c *Catalog) resolveReadable() error {
	for i := range c.agents {
		a := &c.agents[i]
		rules := a.AlsoReads[:0]
		for _, r := range a.AlsoReads {
			src, ok := c.byID[r.SourceAgent]
			if !ok && r.builtin {
				continue
			}
			if !ok {
				return errors.Errorf("agent %q reads from unknown agent %q", a.ID, r.SourceAgent)
			}
			if r.SourceAgent == a.ID {
				return errors.Errorf("agent %q cannot additionally read its own directory", a.ID)
			}
			if r.Dir == "" {
				r.Dir = c.agents[src].SkillsDir
			}
			r.Dir = filepath.Clean(r.Dir)
			rules = append(rules, r)
		}
		a.AlsoReads = rules
	}
	return nil
}

// Agents returns the agents in table order.
func (c *Catalog) Agents() []Agent {
	out := make([]Agent, len(c.agents))
	for i, a := range c.agents {
		a.AlsoReads = append([]ReadableDir(nil), a.AlsoReads...)
		out[i] = a
	}
	return out
}

// AgentIDs returns agent identifiers in table order.
func (c *Catalog) AgentIDs() []string {
	ids := make([]string, len(c.agents))
	for i, a := range c.agents {
		ids[i] = a.ID
	}
	return ids
}

// Agent looks up an agent by ID.
func (c *Catalog) Agent(id string) (Agent, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Agent{}, false
	}
	a := c.agents[i]
	a.AlsoReads = append([]ReadableDir(nil), a.AlsoReads...)
	return a, true
}

// OwnDirectory returns the agent's own skills directory.
func (c *Catalog) OwnDirectory(agent string) (string, error) {
	i, ok := c.byID[agent]
	if !ok {
		return "", c.unknownAgent(agent)
	}
	return c.agents[i].SkillsDir, nil
}

func (c *Catalog) unknownAgent(agent string) error {
	return errors.Errorf("unknown agent %q (known agents: %s)", agent, strings.Join(c.AgentIDs(), ", "))
}

// AdditionalReadable returns the ordered extra directories the agent reads.
func (c *Catalog) AdditionalReadable(agent string) ([]ReadableDir, error) {
	i, ok := c.byID[agent]
	if !ok {
		return nil, c.unknownAgent(agent)
	}
	return append([]ReadableDir(nil), c.agents[i].AlsoReads...), nil
}

// SharedDir returns the shared canonical skills directory.
func (c *Catalog) SharedDir() string { return c.sharedDir }

// ManifestPath returns the lock file location.
func (c *Catalog) ManifestPath() string { return c.manifestPath }

// Detected reports whether the agent appears to be present on this machine,
// judged by its config directory (or its skills directory when it has none).
func (c *Catalog) Detected(agent string) bool {
	a, ok := c.Agent(agent)
	if !ok {
		return false
	}
	marker := a.ConfigDir
	if marker == "" {
		marker = a.SkillsDir
	}
	info, err := os.Stat(marker)
	return err == nil && info.IsDir()
}

// WatchPaths returns the union of every agent directory, every additionally
// readable directory, the shared directory and the manifest file, without
// duplicates and in a stable order.
func (c *Catalog) WatchPaths() []string {
	seen := map[string]bool{}
	var paths []string
	add := func(p string) {
		if p == "" || seen[p] {
			return
		}
		seen[p] = true
		paths = append(paths, p)
	}

	add(c.sharedDir)
	for _, a := range c.agents {
		add(a.SkillsDir)
		for _, r := range a.AlsoReads {
			add(r.Dir)
		}
	}
	add(c.manifestPath)
	return paths
}
