package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/jingkaihe/skillreg/pkg/engine"
	"github.com/jingkaihe/skillreg/pkg/installer"
	"github.com/jingkaihe/skillreg/pkg/presenter"
	"github.com/jingkaihe/skillreg/pkg/registry"
	"github.com/jingkaihe/skillreg/pkg/skills"
)

type ListConfig struct {
	Agent string
	JSON  bool
}

func NewListConfig() *ListConfig {
	return &ListConfig{}
}

type ImportConfig struct {
	ID         string
	Source     string
	SourceType string
	SourceURL  string
	SkillPath  string
	Force      bool
	Link       []string
}

func NewImportConfig() *ImportConfig {
	return &ImportConfig{}
}

type NewSkillConfig struct {
	Description string
	License     string
	Author      string
	Link        []string
}

func NewNewSkillConfig() *NewSkillConfig {
	return &NewSkillConfig{}
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List every skill visible to any agent",
	Long: `List every skill found in the shared directory and in each agent's skill
directories, with the agents that can see it. Inherited installations are
shown as "agent<source".`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		config := getListConfigFromFlags(cmd)
		listSkillsCmd(cmd, config)
	},
}

var showCmd = &cobra.Command{
	Use:   "show <skill>",
	Short: "Show one skill in detail",
	Long:  `Show a skill's metadata, installations and lock file entry. The skill may be given by ID or by path.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		asJSON, _ := cmd.Flags().GetBool("json")
		showSkillCmd(cmd, args[0], asJSON)
	},
}

var linkCmd = &cobra.Command{
	Use:   "link <skill> <agent>",
	Short: "Make a skill visible to an agent",
	Long: `Create a symlink to the skill in the agent's own skills directory.

Examples:
  skillreg link pdf claude-code
  skillreg link ~/.agents/skills/pdf codex`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		linkSkillCmd(cmd, args[0], args[1])
	},
}

var unlinkCmd = &cobra.Command{
	Use:   "unlink <skill> <agent>",
	Short: "Remove an agent's link to a skill",
	Long: `Remove the symlink to the skill from the agent's own skills directory.
Inherited installations are left alone, and a real directory is never
removed by unlink.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		unlinkSkillCmd(cmd, args[0], args[1])
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <skill>",
	Short: "Delete a skill and every link to it",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		yes, _ := cmd.Flags().GetBool("yes")
		deleteSkillCmd(cmd, args[0], yes)
	},
}

var importCmd = &cobra.Command{
	Use:   "import <dir>",
	Short: "Copy a skill directory into the shared directory",
	Long: `Copy a directory containing SKILL.md into the shared skills directory and
record it in the lock file.

Examples:
  skillreg import ./pdf
  skillreg import /tmp/checkout/skills/pdf --source acme/skills --source-type github --link claude-code`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		config := getImportConfigFromFlags(cmd)
		importSkillCmd(cmd, args[0], config)
	},
}

var newCmd = &cobra.Command{
	Use:   "new <id>",
	Short: "Scaffold a new skill in the shared directory",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		config := getNewSkillConfigFromFlags(cmd)
		newSkillCmd(cmd, args[0], config)
	},
}

func init() {
	listCmd.Flags().StringP("agent", "a", "", "Only list skills visible to this agent")
	listCmd.Flags().Bool("json", false, "Print the snapshot as JSON")

	showCmd.Flags().Bool("json", false, "Print the skill as JSON")

	deleteCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")

	importCmd.Flags().String("id", "", "Installed directory name (defaults to the source directory name)")
	importCmd.Flags().String("source", "", "Source recorded in the lock file (defaults to the directory path)")
	importCmd.Flags().String("source-type", "", "Source type recorded in the lock file (defaults to local)")
	importCmd.Flags().String("source-url", "", "Source URL recorded in the lock file")
	importCmd.Flags().String("skill-path", "", "Path of SKILL.md within the source")
	importCmd.Flags().BoolP("force", "f", false, "Replace an existing skill with the same ID")
	importCmd.Flags().StringSlice("link", nil, "Agents to link the imported skill for")

	newCmd.Flags().StringP("description", "d", "", "What the skill does and when to use it")
	newCmd.Flags().String("license", "", "License of the skill")
	newCmd.Flags().String("author", "", "Author recorded in the skill metadata")
	newCmd.Flags().StringSlice("link", nil, "Agents to link the new skill for")
	newCmd.MarkFlagRequired("description")
}

func getListConfigFromFlags(cmd *cobra.Command) *ListConfig {
	config := NewListConfig()
	if agent, err := cmd.Flags().GetString("agent"); err == nil {
		config.Agent = agent
	}
	if asJSON, err := cmd.Flags().GetBool("json"); err == nil {
		config.JSON = asJSON
	}
	return config
}

func getImportConfigFromFlags(cmd *cobra.Command) *ImportConfig {
	config := NewImportConfig()
	if id, err := cmd.Flags().GetString("id"); err == nil {
		config.ID = id
	}
	if source, err := cmd.Flags().GetString("source"); err == nil {
		config.Source = source
	}
	if sourceType, err := cmd.Flags().GetString("source-type"); err == nil {
		config.SourceType = sourceType
	}
	if sourceURL, err := cmd.Flags().GetString("source-url"); err == nil {
		config.SourceURL = sourceURL
	}
	if skillPath, err := cmd.Flags().GetString("skill-path"); err == nil {
		config.SkillPath = skillPath
	}
	if force, err := cmd.Flags().GetBool("force"); err == nil {
		config.Force = force
	}
	if link, err := cmd.Flags().GetStringSlice("link"); err == nil {
		config.Link = link
	}
	return config
}

func getNewSkillConfigFromFlags(cmd *cobra.Command) *NewSkillConfig {
	config := NewNewSkillConfig()
	if description, err := cmd.Flags().GetString("description"); err == nil {
		config.Description = description
	}
	if license, err := cmd.Flags().GetString("license"); err == nil {
		config.License = license
	}
	if author, err := cmd.Flags().GetString("author"); err == nil {
		config.Author = author
	}
	if link, err := cmd.Flags().GetStringSlice("link"); err == nil {
		config.Link = link
	}
	return config
}

func listSkillsCmd(cmd *cobra.Command, config *ListConfig) {
	ctx := cmd.Context()
	eng, snap := scanSnapshot(ctx)
	defer eng.Close()

	list := snap.Skills
	if config.Agent != "" {
		if _, ok := eng.Catalog().Agent(config.Agent); !ok {
			presenter.Error(errors.Errorf("unknown agent %q", config.Agent), "")
			os.Exit(1)
		}
		list = snap.InstalledFor(config.Agent)
	}

	if config.JSON {
		out := *snap
		out.Skills = list
		if err := presenter.JSON(out); err != nil {
			presenter.Error(err, "Failed to encode snapshot")
			os.Exit(1)
		}
		return
	}

	if len(list) == 0 {
		presenter.Info("No skills found.")
	} else {
		presenter.Table([]string{"ID", "SCOPE", "AGENTS", "DESCRIPTION"}, skillRows(list))
		presenter.Info(fmt.Sprintf("%d skill(s)", len(list)))
	}
	warnDiagnostics(snap.Diagnostics)
}

func skillRows(list []*registry.Skill) [][]string {
	rows := make([][]string, 0, len(list))
	for _, sk := range list {
		description := sk.Description()
		if sk.ParseError != "" {
			description = "(invalid SKILL.md)"
		}
		rows = append(rows, []string{sk.ID, sk.Scope.String(), installationSummary(sk), truncate(description, 60)})
	}
	return rows
}

func installationSummary(sk *registry.Skill) string {
	if len(sk.Installations) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(sk.Installations))
	for _, inst := range sk.Installations {
		if inst.IsInherited {
			parts = append(parts, inst.Agent+"<"+inst.InheritedFrom)
		} else {
			parts = append(parts, inst.Agent)
		}
	}
	return strings.Join(parts, ", ")
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}

func warnDiagnostics(diags registry.Diagnostics) {
	for _, d := range diags {
		if d.Actionable() {
			presenter.Warning(d.Error())
		}
	}
}

func showSkillCmd(cmd *cobra.Command, ref string, asJSON bool) {
	ctx := cmd.Context()
	eng, _ := scanSnapshot(ctx)
	defer eng.Close()

	sk, err := eng.Lookup(ctx, ref)
	if err != nil {
		presenter.Error(err, "")
		os.Exit(1)
	}

	if asJSON {
		if err := presenter.JSON(sk); err != nil {
			presenter.Error(err, "Failed to encode skill")
			os.Exit(1)
		}
		return
	}

	fields := []presenter.Field{
		{Label: "ID", Value: sk.ID},
		{Label: "Name", Value: sk.Name()},
		{Label: "Description", Value: sk.Description()},
		{Label: "Canonical path", Value: sk.CanonicalPath},
		{Label: "Scope", Value: sk.Scope.String()},
	}
	if md := sk.Metadata; md != nil {
		if md.License != "" {
			fields = append(fields, presenter.Field{Label: "License", Value: md.License})
		}
		if md.Author() != "" {
			fields = append(fields, presenter.Field{Label: "Author", Value: md.Author()})
		}
		if md.Version() != "" {
			fields = append(fields, presenter.Field{Label: "Version", Value: md.Version()})
		}
		if len(md.AllowedTools) > 0 {
			fields = append(fields, presenter.Field{Label: "Allowed tools", Value: strings.Join(md.AllowedTools, ", ")})
		}
	}
	if sk.ParseError != "" {
		fields = append(fields, presenter.Field{Label: "Parse error", Value: sk.ParseError})
	}
	presenter.Fields(fields)

	if len(sk.Installations) > 0 {
		presenter.Info("")
		presenter.Section("Installations")
		rows := make([][]string, 0, len(sk.Installations))
		for _, inst := range sk.Installations {
			how := "directory"
			if inst.IsSymlink {
				how = "symlink"
			}
			if inst.IsInherited {
				how = "inherited from " + inst.InheritedFrom
			}
			rows = append(rows, []string{inst.Agent, how, inst.Path})
		}
		presenter.Table([]string{"AGENT", "HOW", "PATH"}, rows)
	}

	if m := sk.Manifest; m != nil {
		presenter.Info("")
		presenter.Section("Lock file")
		lock := []presenter.Field{
			{Label: "Source", Value: m.Source},
			{Label: "Source type", Value: m.SourceType},
		}
		if m.SourceURL != "" {
			lock = append(lock, presenter.Field{Label: "Source URL", Value: m.SourceURL})
		}
		lock = append(lock, presenter.Field{Label: "Folder hash", Value: m.SkillFolderHash})
		if m.InstalledAt != nil {
			lock = append(lock, presenter.Field{Label: "Installed", Value: m.InstalledAt.Local().Format("2006-01-02 15:04:05")})
		}
		if m.UpdatedAt != nil {
			lock = append(lock, presenter.Field{Label: "Updated", Value: m.UpdatedAt.Local().Format("2006-01-02 15:04:05")})
		}
		presenter.Fields(lock)
	}
}

func linkSkillCmd(cmd *cobra.Command, ref, agent string) {
	ctx := cmd.Context()
	eng, _ := scanSnapshot(ctx)
	defer eng.Close()

	inst, err := eng.AddInstallation(ctx, ref, agent)
	if err != nil {
		presenter.Error(err, fmt.Sprintf("Failed to link %s for %s", ref, agent))
		os.Exit(1)
	}
	presenter.Success(fmt.Sprintf("Linked %s for %s at %s", ref, agent, inst.Path))
}

func unlinkSkillCmd(cmd *cobra.Command, ref, agent string) {
	ctx := cmd.Context()
	eng, _ := scanSnapshot(ctx)
	defer eng.Close()

	sk, err := eng.Lookup(ctx, ref)
	if err != nil {
		presenter.Error(err, "")
		os.Exit(1)
	}
	if inst, ok := sk.Installation(agent); ok && inst.IsInherited {
		presenter.Warning(fmt.Sprintf("%s sees %s through %s; unlink it there instead", agent, sk.ID, inst.InheritedFrom))
		return
	}

	if err := eng.RemoveInstallation(ctx, sk.CanonicalPath, agent); err != nil {
		presenter.Error(err, fmt.Sprintf("Failed to unlink %s for %s", sk.ID, agent))
		os.Exit(1)
	}
	presenter.Success(fmt.Sprintf("Unlinked %s for %s", sk.ID, agent))
}

func deleteSkillCmd(cmd *cobra.Command, ref string, yes bool) {
	ctx := cmd.Context()
	eng, _ := scanSnapshot(ctx)
	defer eng.Close()

	sk, err := eng.Lookup(ctx, ref)
	if err != nil {
		presenter.Error(err, "")
		os.Exit(1)
	}

	if !yes {
		question := fmt.Sprintf("Delete %s at %s", sk.ID, sk.CanonicalPath)
		if n := len(sk.Installations); n > 0 {
			question += fmt.Sprintf(" and its %d installation(s)", n)
		}
		if !presenter.Confirm(question + "?") {
			presenter.Info("Aborted.")
			return
		}
	}

	if err := eng.DeleteSkill(ctx, sk.CanonicalPath); err != nil {
		presenter.Error(err, fmt.Sprintf("Failed to delete %s", sk.ID))
		os.Exit(1)
	}
	presenter.Success(fmt.Sprintf("Deleted %s", sk.ID))
}

func importSkillCmd(cmd *cobra.Command, dir string, config *ImportConfig) {
	ctx := cmd.Context()
	eng, err := newEngine(ctx)
	if err != nil {
		presenter.Error(err, "Failed to initialize")
		os.Exit(1)
	}
	defer eng.Close()

	res, err := eng.Import(ctx, installer.ImportRequest{
		Dir:        dir,
		ID:         config.ID,
		Source:     config.Source,
		SourceType: config.SourceType,
		SourceURL:  config.SourceURL,
		SkillPath:  config.SkillPath,
		Force:      config.Force,
	})
	if err != nil {
		presenter.Error(err, fmt.Sprintf("Failed to import %s", dir))
		os.Exit(1)
	}

	verb := "Imported"
	if res.Replaced {
		verb = "Replaced"
	}
	presenter.Success(fmt.Sprintf("%s %s at %s", verb, res.ID, res.Path))
	linkAfterInstall(cmd, eng, res, config.Link)
}

func newSkillCmd(cmd *cobra.Command, id string, config *NewSkillConfig) {
	ctx := cmd.Context()

	md := skills.Metadata{
		Name:        id,
		Description: config.Description,
		License:     config.License,
	}
	if config.Author != "" {
		md.Attribution = &skills.Attribution{Author: config.Author, Version: "0.1.0"}
	}
	title := strings.ReplaceAll(id, "-", " ")
	content, err := skills.Render(md, fmt.Sprintf("# %s\n\nDescribe when to use this skill and the steps to follow.", title))
	if err != nil {
		presenter.Error(err, "Invalid skill metadata")
		os.Exit(1)
	}

	tmp, err := os.MkdirTemp("", "skillreg-new-*")
	if err != nil {
		presenter.Error(err, "Failed to create temporary directory")
		os.Exit(1)
	}
	defer os.RemoveAll(tmp)

	draft := filepath.Join(tmp, id)
	if err := os.MkdirAll(draft, 0o755); err != nil {
		presenter.Error(err, "Failed to create skill directory")
		os.Exit(1)
	}
	if err := os.WriteFile(filepath.Join(draft, skills.FileName), content, 0o644); err != nil {
		presenter.Error(err, "Failed to write SKILL.md")
		os.Exit(1)
	}

	eng, err := newEngine(ctx)
	if err != nil {
		presenter.Error(err, "Failed to initialize")
		os.Exit(1)
	}
	defer eng.Close()

	res, err := eng.Import(ctx, installer.ImportRequest{Dir: draft, ID: id, Source: id, SourceType: "scaffold"})
	if err != nil {
		presenter.Error(err, fmt.Sprintf("Failed to create %s", id))
		os.Exit(1)
	}
	presenter.Success(fmt.Sprintf("Created %s", filepath.Join(res.Path, skills.FileName)))
	linkAfterInstall(cmd, eng, res, config.Link)
}

// linkAfterInstall rescans so the new skill is known, then links it for
// each requested agent.
func linkAfterInstall(cmd *cobra.Command, eng *engine.Engine, res *installer.ImportResult, agents []string) {
	if len(agents) == 0 {
		return
	}
	ctx := cmd.Context()
	if _, err := eng.Scan(ctx); err != nil {
		presenter.Error(err, "Failed to scan skills")
		os.Exit(1)
	}

	sort.Strings(agents)
	failed := false
	for _, agent := range agents {
		inst, err := eng.AddInstallation(ctx, res.Path, agent)
		if err != nil {
			presenter.Error(err, fmt.Sprintf("Failed to link %s for %s", res.ID, agent))
			failed = true
			continue
		}
		presenter.Success(fmt.Sprintf("Linked %s for %s at %s", res.ID, agent, inst.Path))
	}
	if failed {
		os.Exit(1)
	}
}
