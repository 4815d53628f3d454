package catalog

import "path/filepath"

// Well-known agent identifiers.
const (
	ClaudeCode = "claude-code"
	Codex      = "codex"
	Cursor     = "cursor"
	Copilot    = "copilot"
	Gemini     = "gemini"
	OpenCode   = "opencode"
	Amp        = "amp"
	Windsurf   = "windsurf"
)

// defaultAgents returns the built-in table. Several agents also pick up
// skills from Claude Code's directory, which is modelled here as data rather
// than special-cased by the scanner.
func defaultAgents(home string) []Agent {
	readsClaude := []ReadableDir{{SourceAgent: ClaudeCode, builtin: true}}

	return []Agent{
		{
			ID:          ClaudeCode,
			DisplayName: "Claude Code",
			SkillsDir:   filepath.Join(home, ".claude", "skills"),
			ConfigDir:   filepath.Join(home, ".claude"),
		},
		{
			ID:          Codex,
			DisplayName: "Codex",
			SkillsDir:   filepath.Join(home, ".codex", "skills"),
			ConfigDir:   filepath.Join(home, ".codex"),
		},
		{
			ID:          Cursor,
			DisplayName: "Cursor",
			SkillsDir:   filepath.Join(home, ".cursor", "skills"),
			ConfigDir:   filepath.Join(home, ".cursor"),
			AlsoReads:   readsClaude,
		},
		{
			ID:          Copilot,
			DisplayName: "GitHub Copilot",
			SkillsDir:   filepath.Join(home, ".copilot", "skills"),
			ConfigDir:   filepath.Join(home, ".copilot"),
			AlsoReads:   readsClaude,
		},
		{
			ID:          Gemini,
			DisplayName: "Gemini CLI",
			SkillsDir:   filepath.Join(home, ".gemini", "skills"),
			ConfigDir:   filepath.Join(home, ".gemini"),
		},
		{
			ID:          OpenCode,
			DisplayName: "OpenCode",
			SkillsDir:   filepath.Join(home, ".config", "opencode", "skill"),
			ConfigDir:   filepath.Join(home, ".config", "opencode"),
			AlsoReads:   readsClaude,
		},
		{
			ID:          Amp,
			DisplayName: "Amp",
			SkillsDir:   filepath.Join(home, ".config", "agents", "skills"),
			ConfigDir:   filepath.Join(home, ".config", "amp"),
			AlsoReads:   readsClaude,
		},
		{
			ID:          Windsurf,
			DisplayName: "Windsurf",
			SkillsDir:   filepath.Join(home, ".codeium", "windsurf", "skills"),
			ConfigDir:   filepath.Join(home, ".codeium", "windsurf"),
		},
	}
}
