package catalog

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// AgentConfig is the configuration-file form of an agent. Fields left empty
// keep the built-in values when the ID matches a default agent.
type AgentConfig struct {
	ID        string        `mapstructure:"id"`
	Name      string        `mapstructure:"name"`
	SkillsDir string        `mapstructure:"skills_dir"`
	ConfigDir string        `mapstructure:"config_dir"`
	AlsoReads []ReadableDir `mapstructure:"also_reads"`
}

// Config is the catalog section of the skillreg configuration.
type Config struct {
	Home           string        `mapstructure:"home"`
	SharedDir      string        `mapstructure:"shared_dir"`
	ManifestPath   string        `mapstructure:"manifest_path"`
	Agents         []AgentConfig `mapstructure:"agents"`
	DisabledAgents []string      `mapstructure:"disabled_agents"`
}

// FromViper builds a catalog from the global viper configuration.
func FromViper() (*Catalog, error) {
	return FromViperInstance(viper.GetViper())
}

// FromViperInstance builds a catalog from the given viper instance, layering
// configured agents over the default table.
func FromViperInstance(v *viper.Viper) (*Catalog, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal catalog configuration")
	}
	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	return New(opts...)
}

// Options converts the configuration into catalog options.
func (cfg Config) Options() ([]Option, error) {
	home := cfg.Home
	if home == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get user home directory")
		}
		home = h
	}
	home = expandHome(home, home)

	opts := []Option{WithHome(home), WithDefaultAgents()}
	if cfg.SharedDir != "" {
		opts = append(opts, WithSharedDir(expandHome(cfg.SharedDir, home)))
	}
	if cfg.ManifestPath != "" {
		opts = append(opts, WithManifestPath(expandHome(cfg.ManifestPath, home)))
	}
	for _, a := range cfg.Agents {
		if a.ID == "" {
			return nil, errors.New("configured agent is missing an id")
		}
		agent := Agent{
			ID:          a.ID,
			DisplayName: a.Name,
			SkillsDir:   expandHome(a.SkillsDir, home),
			ConfigDir:   expandHome(a.ConfigDir, home),
		}
		if a.AlsoReads != nil {
			agent.AlsoReads = make([]ReadableDir, 0, len(a.AlsoReads))
			for _, r := range a.AlsoReads {
				agent.AlsoReads = append(agent.AlsoReads, ReadableDir{
					Dir:         expandHome(r.Dir, home),
					SourceAgent: r.SourceAgent,
				})
			}
		}
		opts = append(opts, WithAgent(agent))
	}
	if len(cfg.DisabledAgents) > 0 {
		opts = append(opts, WithoutAgents(cfg.DisabledAgents...))
	}
	return opts, nil
}

// expandHome replaces a leading "~" with home.
func expandHome(p, home string) string {
	if p == "~" {
		return home
	}
	if strings.HasPrefix(p, "~/") || strings.HasPrefix(p, "~"+string(filepath.Separator)) {
		return filepath.Join(home, p[2:])
	}
	return p
}
