package main

import (
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/skillreg/pkg/engine"
	"github.com/jingkaihe/skillreg/pkg/manifest"
	"github.com/jingkaihe/skillreg/pkg/registry"
	"github.com/jingkaihe/skillreg/pkg/skills"
)

func TestInstallationSummary(t *testing.T) {
	tests := []struct {
		name     string
		skill    *registry.Skill
		expected string
	}{
		{"none", &registry.Skill{ID: "pdf"}, "-"},
		{
			"direct and inherited",
			&registry.Skill{ID: "pdf", Installations: []registry.Installation{
				{Agent: "claude", IsSymlink: true},
				{Agent: "cursor", IsInherited: true, InheritedFrom: "claude"},
			}},
			"claude, cursor<claude",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, installationSummary(tt.skill))
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "one two", truncate("one\n  two", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}

func TestSkillRows(t *testing.T) {
	list := []*registry.Skill{
		{
			ID:       "pdf",
			Metadata: &skills.Metadata{Name: "pdf", Description: "Work with PDF files"},
			Scope:    registry.Scope{Kind: registry.ScopeSharedGlobal},
		},
		{
			ID:         "broken",
			ParseError: "missing frontmatter",
			Scope:      registry.Scope{Kind: registry.ScopeAgentLocal, Agent: "claude"},
			Installations: []registry.Installation{
				{Agent: "claude"},
			},
		},
	}

	assert.Equal(t, [][]string{
		{"pdf", "shared", "-", "Work with PDF files"},
		{"broken", "agent:claude", "claude", "(invalid SKILL.md)"},
	}, skillRows(list))
}

func TestAgentRows(t *testing.T) {
	rows := agentRows([]registry.AgentStatus{
		{ID: "claude", DisplayName: "Claude Code", SkillsDir: "/h/.claude/skills", Detected: true, Direct: 2, Inherited: 0},
		{ID: "cursor", DisplayName: "Cursor", SkillsDir: "/h/.cursor/skills", Inherited: 2},
	})
	assert.Equal(t, [][]string{
		{"claude", "Claude Code", "yes", "2", "0", "/h/.claude/skills"},
		{"cursor", "Cursor", "no", "0", "2", "/h/.cursor/skills"},
	}, rows)
}

func TestVerifyRows(t *testing.T) {
	rows := verifyRows([]*engine.VerifyResult{
		{ID: "a", Path: "/s/a", Tracked: true},
		{ID: "b", Path: "/s/b", Tracked: true, Modified: true},
		{ID: "c", Path: "/s/c"},
	})
	assert.Equal(t, [][]string{
		{"a", "ok", "/s/a"},
		{"b", "modified", "/s/b"},
		{"c", "untracked", "/s/c"},
	}, rows)
}

func TestManifestRows(t *testing.T) {
	updated := time.Date(2025, 3, 4, 5, 6, 0, 0, time.Local)
	doc := manifest.New()
	doc.Skills["zeta"] = manifest.Entry{Source: "acme/skills", SourceType: "github", SkillFolderHash: "0123456789abcdef", UpdatedAt: &updated}
	doc.Skills["alpha"] = manifest.Entry{Source: "/tmp/alpha", SourceType: "local", SkillFolderHash: "abc"}

	assert.Equal(t, [][]string{
		{"alpha", "/tmp/alpha", "local", "abc", ""},
		{"zeta", "acme/skills", "github", "0123456789ab", "2025-03-04 05:06"},
	}, manifestRows(doc))
}

func TestImportConfigFromFlags(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().AddFlagSet(importCmd.Flags())
	require.NoError(t, cmd.Flags().Parse([]string{
		"--id", "pdf-tools",
		"--source", "acme/skills",
		"--source-type", "github",
		"--force",
		"--link", "claude-code,codex",
	}))

	config := getImportConfigFromFlags(cmd)
	assert.Equal(t, "pdf-tools", config.ID)
	assert.Equal(t, "acme/skills", config.Source)
	assert.Equal(t, "github", config.SourceType)
	assert.True(t, config.Force)
	assert.Equal(t, []string{"claude-code", "codex"}, config.Link)
}
