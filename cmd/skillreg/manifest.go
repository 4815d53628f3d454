package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jingkaihe/skillreg/pkg/manifest"
	"github.com/jingkaihe/skillreg/pkg/presenter"
)

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Inspect the skill lock file",
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Help()
	},
}

var manifestShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the entries of the lock file",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		asJSON, _ := cmd.Flags().GetBool("json")
		showManifestCmd(cmd, asJSON)
	},
}

var manifestSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the JSON Schema of the lock file",
	Args:  cobra.NoArgs,
	Run: func(_ *cobra.Command, _ []string) {
		data, err := manifest.SchemaJSON()
		if err != nil {
			presenter.Error(err, "")
			os.Exit(1)
		}
		fmt.Println(string(data))
	},
}

func init() {
	manifestShowCmd.Flags().Bool("json", false, "Print the lock file as JSON")

	manifestCmd.AddCommand(withTracing(manifestShowCmd))
	manifestCmd.AddCommand(manifestSchemaCmd)
}

func showManifestCmd(cmd *cobra.Command, asJSON bool) {
	ctx := cmd.Context()
	eng, err := newEngine(ctx)
	if err != nil {
		presenter.Error(err, "Failed to initialize")
		os.Exit(1)
	}
	defer eng.Close()

	doc, err := eng.Manifest().Load(ctx)
	if err != nil {
		presenter.Error(err, "Failed to read "+eng.Manifest().Path())
		os.Exit(1)
	}

	if asJSON {
		if err := presenter.JSON(doc); err != nil {
			presenter.Error(err, "Failed to encode lock file")
			os.Exit(1)
		}
		return
	}

	ids := doc.IDs()
	if len(ids) == 0 {
		presenter.Info("The lock file has no entries.")
		return
	}
	presenter.Table([]string{"ID", "SOURCE", "TYPE", "HASH", "UPDATED"}, manifestRows(doc))
	presenter.Info(fmt.Sprintf("%d entries in %s", len(ids), eng.Manifest().Path()))
}

func manifestRows(doc *manifest.Manifest) [][]string {
	ids := doc.IDs()
	rows := make([][]string, 0, len(ids))
	for _, id := range ids {
		e := doc.Skills[id]
		hash := e.SkillFolderHash
		if len(hash) > 12 {
			hash = hash[:12]
		}
		updated := ""
		if e.UpdatedAt != nil {
			updated = e.UpdatedAt.Local().Format("2006-01-02 15:04")
		}
		rows = append(rows, []string{id, e.Source, e.SourceType, hash, updated})
	}
	return rows
}
