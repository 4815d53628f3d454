package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	home := t.TempDir()

	c, err := New(WithHome(home), WithDefaultAgents())
	require.NoError(t, err)

	dir, err := c.OwnDirectory(ClaudeCode)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".claude", "skills"), dir)

	assert.Equal(t, filepath.Join(home, ".agents", "skills"), c.SharedDir())
	assert.Equal(t, filepath.Join(home, ".agents", ManifestFileName), c.ManifestPath())

	readable, err := c.AdditionalReadable(Copilot)
	require.NoError(t, err)
	require.Len(t, readable, 1)
	assert.Equal(t, ClaudeCode, readable[0].SourceAgent)
	assert.Equal(t, dir, readable[0].Dir, "rules naming only a source agent read its own directory")

	readable, err = c.AdditionalReadable(Codex)
	require.NoError(t, err)
	assert.Empty(t, readable)
}

func TestNewCustomAgents(t *testing.T) {
	root := t.TempDir()
	a := Agent{ID: "a", SkillsDir: filepath.Join(root, "a")}
	b := Agent{ID: "b", SkillsDir: filepath.Join(root, "b"), AlsoReads: []ReadableDir{{SourceAgent: "a"}}}

	c, err := New(WithAgents(a, b), WithSharedDir(filepath.Join(root, "shared")))
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, c.AgentIDs())
	got, ok := c.Agent("a")
	require.True(t, ok)
	assert.Equal(t, "a", got.DisplayName, "display name defaults to id")
	assert.Equal(t, filepath.Join(root, ManifestFileName), c.ManifestPath())

	_, err = c.OwnDirectory("missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "known agents: a, b")
	_, err = c.AdditionalReadable("missing")
	assert.Error(t, err)
}

func TestNewValidation(t *testing.T) {
	root := t.TempDir()
	shared := WithSharedDir(filepath.Join(root, "shared"))

	tests := []struct {
		name   string
		agents []Agent
		errMsg string
	}{
		{
			name:   "unknown source agent",
			agents: []Agent{{ID: "a", SkillsDir: root, AlsoReads: []ReadableDir{{SourceAgent: "ghost"}}}},
			errMsg: "unknown agent",
		},
		{
			name:   "self read",
			agents: []Agent{{ID: "a", SkillsDir: root, AlsoReads: []ReadableDir{{SourceAgent: "a"}}}},
			errMsg: "its own directory",
		},
		{
			name:   "duplicate id",
			agents: []Agent{{ID: "a", SkillsDir: root}, {ID: "a", SkillsDir: root}},
			errMsg: "duplicate agent id",
		},
		{
			name:   "missing dir",
			agents: []Agent{{ID: "a"}},
			errMsg: "no skills directory",
		},
		{
			name:   "empty id",
			agents: []Agent{{SkillsDir: root}},
			errMsg: "id cannot be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(WithAgents(tt.agents...), shared)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestWithoutAgentsDropsBuiltinRules(t *testing.T) {
	home := t.TempDir()

	c, err := New(WithHome(home), WithDefaultAgents(), WithoutAgents(ClaudeCode))
	require.NoError(t, err)
	_, ok := c.Agent(ClaudeCode)
	assert.False(t, ok)
	for _, id := range []string{Cursor, Copilot, OpenCode, Amp} {
		readable, err := c.AdditionalReadable(id)
		require.NoError(t, err)
		assert.Empty(t, readable, "%s no longer reads the disabled agent", id)
	}

	c, err = New(WithHome(home), WithDefaultAgents(), WithoutAgents(Windsurf))
	require.NoError(t, err)
	_, ok = c.Agent(Windsurf)
	assert.False(t, ok)
	readable, err := c.AdditionalReadable(Cursor)
	require.NoError(t, err)
	assert.Len(t, readable, 1)
}

func TestWithoutAgentsRejectsConfiguredDanglingRules(t *testing.T) {
	home := t.TempDir()
	bot := Agent{
		ID:        "bot",
		SkillsDir: filepath.Join(home, "bot"),
		AlsoReads: []ReadableDir{{SourceAgent: ClaudeCode}},
	}

	_, err := New(WithHome(home), WithDefaultAgents(), WithAgent(bot), WithoutAgents(ClaudeCode))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `agent "bot" reads from unknown agent`)
}

func TestFromViperDisablesClaudeCode(t *testing.T) {
	v := viper.New()
	v.Set("home", t.TempDir())
	v.Set("disabled_agents", []string{ClaudeCode})

	c, err := FromViperInstance(v)
	require.NoError(t, err)
	_, ok := c.Agent(ClaudeCode)
	assert.False(t, ok)
	_, ok = c.Agent(Cursor)
	assert.True(t, ok)
}

func TestWatchPaths(t *testing.T) {
	root := t.TempDir()
	c, err := New(
		WithAgents(
			Agent{ID: "a", SkillsDir: filepath.Join(root, "a")},
			Agent{ID: "b", SkillsDir: filepath.Join(root, "b"), AlsoReads: []ReadableDir{{SourceAgent: "a"}}},
		),
		WithSharedDir(filepath.Join(root, "shared")),
		WithManifestPath(filepath.Join(root, "lock.json")),
	)
	require.NoError(t, err)

	assert.Equal(t, []string{
		filepath.Join(root, "shared"),
		filepath.Join(root, "a"),
		filepath.Join(root, "b"),
		filepath.Join(root, "lock.json"),
	}, c.WatchPaths())
}

func TestDetected(t *testing.T) {
	root := t.TempDir()
	cfgDir := filepath.Join(root, "cfg")
	c, err := New(
		WithAgents(
			Agent{ID: "present", SkillsDir: filepath.Join(cfgDir, "skills"), ConfigDir: cfgDir},
			Agent{ID: "absent", SkillsDir: filepath.Join(root, "absent", "skills"), ConfigDir: filepath.Join(root, "absent")},
		),
		WithSharedDir(filepath.Join(root, "shared")),
	)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(cfgDir, 0o755))

	assert.True(t, c.Detected("present"))
	assert.False(t, c.Detected("absent"))
	assert.False(t, c.Detected("unknown"))
}

func TestFromViperInstance(t *testing.T) {
	home := t.TempDir()
	v := viper.New()
	v.Set("home", home)
	v.Set("shared_dir", "~/store/skills")
	v.Set("disabled_agents", []string{Windsurf})
	v.Set("agents", []map[string]any{
		{"id": Codex, "skills_dir": "~/custom/codex"},
		{
			"id":         "internal-bot",
			"name":       "Internal Bot",
			"skills_dir": "~/.bot/skills",
			"also_reads": []map[string]any{{"source_agent": Codex}},
		},
	})

	c, err := FromViperInstance(v)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "store", "skills"), c.SharedDir())
	assert.Equal(t, filepath.Join(home, "store", ManifestFileName), c.ManifestPath())

	codex, ok := c.Agent(Codex)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(home, "custom", "codex"), codex.SkillsDir)
	assert.Equal(t, "Codex", codex.DisplayName, "unset fields keep defaults")

	bot, ok := c.Agent("internal-bot")
	require.True(t, ok)
	assert.Equal(t, "Internal Bot", bot.DisplayName)
	require.Len(t, bot.AlsoReads, 1)
	assert.Equal(t, codex.SkillsDir, bot.AlsoReads[0].Dir)

	_, ok = c.Agent(Windsurf)
	assert.False(t, ok)
}

func TestExpandHome(t *testing.T) {
	assert.Equal(t, "/h", expandHome("~", "/h"))
	assert.Equal(t, filepath.Join("/h", "x"), expandHome("~/x", "/h"))
	assert.Equal(t, "/abs", expandHome("/abs", "/h"))
	assert.Equal(t, "", expandHome("", "/h"))
}
